package main

import "github.com/polytope-labs/hyperbridge-sub013/cmd"

func main() {
	cmd.Execute()
}
