package cmd

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var errConfigNotFound = errors.New("config not found, run 'ismp-verifier config init' first")

// withUsage wraps a PositionalArgs to display usage only when the
// PositionalArgs variant is violated.
func withUsage(inner cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := inner(cmd, args); err != nil {
			cmd.Root().SilenceUsage = false
			cmd.SilenceUsage = false
			return err
		}

		return nil
	}
}

// decodeHex accepts hex with or without a 0x prefix.
func decodeHex(name, s string) ([]byte, error) {
	bz, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", name, err)
	}
	return bz, nil
}
