package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/polytope-labs/hyperbridge-sub013/relayer/ismp"
)

func verifyCmd(a *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify requests or responses against stored state commitments and record receipts",
	}
	cmd.AddCommand(
		verifyRequestsCmd(a),
		verifyResponsesCmd(a),
	)
	return cmd
}

func readJSONFile(file string, v any) error {
	bz, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(bz, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", file, err)
	}
	return nil
}

func verifyRequestsCmd(a *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "requests message_file",
		Short: "Deliver post requests proven against their source chain",
		Args:  withUsage(cobra.ExactArgs(1)),
		Example: strings.TrimSpace(fmt.Sprintf(`
$ %s verify requests requests.json --json`,
			appName,
		)),
		RunE: func(cmd *cobra.Command, args []string) error {
			var msg ismp.RequestMessage
			if err := readJSONFile(args[0], &msg); err != nil {
				return err
			}
			return a.withVerifier(cmd, func(v *verifier) error {
				handled, err := v.handler.HandleRequests(cmd.Context(), msg)
				if err != nil {
					return err
				}
				v.metrics.AddReceipts(ismp.RequestCommitment.String(), len(handled.Delivered))
				a.Log.Info("Verified requests",
					zap.String("height", msg.Proof.Height.String()),
					zap.Int("delivered", len(handled.Delivered)),
					zap.Int("skipped", len(handled.Skipped)),
				)
				return printOutput(cmd, newRequestsOutput(handled))
			})
		},
	}
	return jsonFlag(a.Viper, cmd)
}

func verifyResponsesCmd(a *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "responses message_file",
		Short: "Deliver post responses, or read the values of get requests",
		Args:  withUsage(cobra.ExactArgs(1)),
		Example: strings.TrimSpace(fmt.Sprintf(`
$ %s verify responses responses.json`,
			appName,
		)),
		RunE: func(cmd *cobra.Command, args []string) error {
			var msg ismp.ResponseMessage
			if err := readJSONFile(args[0], &msg); err != nil {
				return err
			}
			return a.withVerifier(cmd, func(v *verifier) error {
				handled, err := v.handler.HandleResponses(cmd.Context(), msg)
				if err != nil {
					return err
				}
				v.metrics.AddReceipts(ismp.ResponseCommitment.String(), len(handled.Delivered))
				a.Log.Info("Verified responses",
					zap.String("height", msg.Proof.Height.String()),
					zap.Int("delivered", len(handled.Delivered)),
					zap.Int("get_responses", len(handled.GetResponses)),
					zap.Int("skipped", len(handled.Skipped)),
				)
				return printOutput(cmd, newRequestsOutput(handled))
			})
		},
	}
	return jsonFlag(a.Viper, cmd)
}
