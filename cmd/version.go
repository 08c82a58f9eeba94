package cmd

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"

	"github.com/spf13/cobra"

	"github.com/polytope-labs/hyperbridge-sub013/internal/relaydebug"
)

var (
	// Version defines the application version (defined at compile time)
	Version = ""
	Commit  = ""
	Dirty   = ""
)

type versionInfo struct {
	Version      string `json:"version" yaml:"version"`
	Commit       string `json:"commit" yaml:"commit"`
	GoEthereum   string `json:"go-ethereum" yaml:"go-ethereum"`
	CometBFT     string `json:"cometbft" yaml:"cometbft"`
	SubstrateRPC string `json:"go-substrate-rpc-client" yaml:"go-substrate-rpc-client"`
	Go           string `json:"go" yaml:"go"`
}

// depVersion reports the version of module path linked into the binary.
func depVersion(path string) string {
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, dep := range bi.Deps {
			if dep.Path == path {
				if dep.Replace != nil {
					return dep.Replace.Version
				}
				return dep.Version
			}
		}
	}
	return "(unable to determine)"
}

func getVersionCmd(a *appState) *cobra.Command {
	versionCmd := &cobra.Command{
		Use:     "version",
		Aliases: []string{"v"},
		Short:   "Print the ismp-verifier version info",
		Args:    withUsage(cobra.NoArgs),
		Example: strings.TrimSpace(fmt.Sprintf(`
$ %s version --json
$ %s v`,
			appName, appName,
		)),
		RunE: func(cmd *cobra.Command, args []string) error {
			commit := Commit
			if commit == "" {
				commit = relaydebug.BuildCommit()
			} else if Dirty != "" && Dirty != "0" {
				commit += " (dirty)"
			}

			return printOutput(cmd, versionInfo{
				Version:      Version,
				Commit:       commit,
				GoEthereum:   depVersion("github.com/ethereum/go-ethereum"),
				CometBFT:     depVersion("github.com/cometbft/cometbft"),
				SubstrateRPC: depVersion("github.com/centrifuge/go-substrate-rpc-client/v4"),
				Go:           fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH),
			})
		},
	}

	return jsonFlag(a.Viper, versionCmd)
}
