package cmd

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/polytope-labs/hyperbridge-sub013/relayer/ismp"
	"github.com/polytope-labs/hyperbridge-sub013/relayer/processor"
)

func updateCmd(a *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update [consensus_state_id consensus_proof_hex...]",
		Short: "Verify consensus proofs and store the state commitments they finalize",
		Long: strings.TrimSpace(`Update verifies one or more consensus proofs for a consensus state.
With --file, consensus messages are read as json lines instead; messages for
different consensus states are verified in parallel, messages for the same
consensus state in file order.`),
		Args: withUsage(cobra.ArbitraryArgs),
		Example: strings.TrimSpace(fmt.Sprintf(`
$ %s update ETH0 0x...
$ %s update --file updates.jsonl --workers 8`,
			appName, appName,
		)),
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.Config == nil {
				return errConfigNotFound
			}
			msgs, err := updateMessages(cmd, args)
			if err != nil {
				return err
			}

			workers, err := cmd.Flags().GetInt(flagWorkers)
			if err != nil {
				return err
			}
			if workers == 0 {
				workers = a.Config.Global.Workers
			}

			v, err := a.openVerifier(cmd.Context())
			if err != nil {
				return err
			}
			defer v.Close()

			pool := processor.NewPool(a.Log.Named("pool"), v.handler, v.metrics, workers)
			results, err := pool.Run(cmd.Context(), msgs)
			if err != nil {
				return err
			}

			var (
				out    = make([]updateOutput, 0, len(results))
				failed error
			)
			for _, r := range results {
				out = append(out, newUpdateOutput(r))
				if r.Err != nil {
					failed = multierr.Append(failed, fmt.Errorf("%s: %w", r.Message.ConsensusStateID, r.Err))
					continue
				}
				a.Log.Info("Consensus state updated",
					zap.String("consensus_state_id", r.Message.ConsensusStateID.String()),
					zap.Int("accepted", len(r.Event.Accepted)),
					zap.Int("skipped", len(r.Event.Skipped)),
					zap.Bool("redelivered", r.Event.Redelivered),
				)
			}
			if err := printOutput(cmd, out); err != nil {
				return err
			}
			return failed
		},
	}
	return jsonFlag(a.Viper, workersFlag(a.Viper, signerFlag(a.Viper, fileFlag(a.Viper, cmd))))
}

// updateMessages builds consensus messages from positional arguments, or
// from the json lines file given with --file.
func updateMessages(cmd *cobra.Command, args []string) ([]ismp.ConsensusMessage, error) {
	file, err := cmd.Flags().GetString(flagFile)
	if err != nil {
		return nil, err
	}
	if file != "" {
		if len(args) != 0 {
			return nil, fmt.Errorf("can't pass both --%s and positional arguments", flagFile)
		}
		return readJSONLines[ismp.ConsensusMessage](file)
	}

	if len(args) < 2 {
		return nil, fmt.Errorf("expected a consensus state id and at least one proof, got %d arguments", len(args))
	}
	id, err := ismp.ParseConsensusStateID(args[0])
	if err != nil {
		return nil, err
	}
	signer, err := signerArg(cmd)
	if err != nil {
		return nil, err
	}
	msgs := make([]ismp.ConsensusMessage, 0, len(args)-1)
	for _, arg := range args[1:] {
		proof, err := decodeHex("consensus proof", arg)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, ismp.ConsensusMessage{ConsensusStateID: id, ConsensusProof: proof, Signer: signer})
	}
	return msgs, nil
}

func signerArg(cmd *cobra.Command) ([]byte, error) {
	s, err := cmd.Flags().GetString(flagSigner)
	if err != nil || s == "" {
		return nil, err
	}
	return decodeHex("signer", s)
}

// readJSONLines decodes one T per non-empty line of file.
func readJSONLines[T any](file string) ([]T, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []T
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		bz := bytes.TrimSpace(scanner.Bytes())
		if len(bz) == 0 {
			continue
		}
		var v T
		if err := json.Unmarshal(bz, &v); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", file, line, err)
		}
		out = append(out, v)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no messages in %s", file)
	}
	return out, nil
}
