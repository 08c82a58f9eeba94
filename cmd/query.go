package cmd

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/spf13/cobra"

	"github.com/polytope-labs/hyperbridge-sub013/relayer/ismp"
)

// queryCmd represents the query command tree.
func queryCmd(a *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "query",
		Aliases: []string{"q"},
		Short:   "Query the commitment store",
	}

	cmd.AddCommand(
		queryLatestHeightCmd(a),
		queryCommitmentCmd(a),
		queryHeightsCmd(a),
		queryStatusCmd(a),
		queryConsensusStatesCmd(a),
		queryReceiptCmd(a),
	)

	return cmd
}

// withVerifier opens the store for a read-only query.
func (a *appState) withVerifier(cmd *cobra.Command, fn func(v *verifier) error) error {
	if a.Config == nil {
		return errConfigNotFound
	}
	v, err := a.openVerifier(cmd.Context())
	if err != nil {
		return err
	}
	defer v.Close()
	return fn(v)
}

func queryLatestHeightCmd(a *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "latest-height state_machine consensus_state_id",
		Short: "Query the latest stored commitment height of a state machine",
		Args:  withUsage(cobra.ExactArgs(2)),
		Example: strings.TrimSpace(fmt.Sprintf(`
$ %s query latest-height EVM-1 ETH0`,
			appName,
		)),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := stateMachineIDArgs(args[0], args[1])
			if err != nil {
				return err
			}
			return a.withVerifier(cmd, func(v *verifier) error {
				height, err := v.store.LatestCommitmentHeight(id)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), height)
				return nil
			})
		},
	}
	return cmd
}

type commitmentOutput struct {
	Height      string `json:"height" yaml:"height"`
	Timestamp   uint64 `json:"timestamp" yaml:"timestamp"`
	StateRoot   string `json:"state_root" yaml:"state_root"`
	OverlayRoot string `json:"overlay_root,omitempty" yaml:"overlay_root,omitempty"`
	UpdatedAt   string `json:"updated_at" yaml:"updated_at"`
}

func queryCommitmentCmd(a *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "commitment state_machine consensus_state_id height",
		Short: "Query the state commitment stored at a height",
		Args:  withUsage(cobra.ExactArgs(3)),
		Example: strings.TrimSpace(fmt.Sprintf(`
$ %s query commitment EVM-1 ETH0 19000000 --json`,
			appName,
		)),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := stateMachineIDArgs(args[0], args[1])
			if err != nil {
				return err
			}
			n, err := strconv.ParseUint(args[2], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid height %q: %w", args[2], err)
			}
			height := ismp.StateMachineHeight{ID: id, Height: n}
			return a.withVerifier(cmd, func(v *verifier) error {
				c, err := v.store.StateMachineCommitment(height)
				if err != nil {
					return err
				}
				updated, err := v.store.StateMachineUpdateTime(height)
				if err != nil {
					return err
				}
				out := commitmentOutput{
					Height:    height.String(),
					Timestamp: c.Timestamp,
					StateRoot: c.StateRoot.Hex(),
					UpdatedAt: updated.UTC().Format(time.RFC3339),
				}
				if c.OverlayRoot != nil {
					out.OverlayRoot = c.OverlayRoot.Hex()
				}
				return printOutput(cmd, out)
			})
		},
	}
	return jsonFlag(a.Viper, cmd)
}

func queryHeightsCmd(a *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "heights state_machine consensus_state_id",
		Short: "List every stored commitment height of a state machine",
		Args:  withUsage(cobra.ExactArgs(2)),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := stateMachineIDArgs(args[0], args[1])
			if err != nil {
				return err
			}
			return a.withVerifier(cmd, func(v *verifier) error {
				heights, err := v.store.StateMachineHeights(id)
				if err != nil {
					return err
				}
				return printOutput(cmd, heights)
			})
		},
	}
	return jsonFlag(a.Viper, cmd)
}

type statusOutput struct {
	ConsensusStateID string `json:"consensus_state_id" yaml:"consensus_state_id"`
	Client           string `json:"client" yaml:"client"`
	Status           string `json:"status" yaml:"status"`
	UpdatedAt        string `json:"updated_at" yaml:"updated_at"`
	UnbondingPeriod  string `json:"unbonding_period" yaml:"unbonding_period"`
	ChallengePeriod  string `json:"challenge_period" yaml:"challenge_period"`
}

func consensusStatus(v *verifier, id ismp.ConsensusStateID) (statusOutput, error) {
	out := statusOutput{ConsensusStateID: id.String()}
	status, err := v.handler.ConsensusClientStatus(id)
	if err != nil {
		return out, err
	}
	out.Status = string(status)
	client, err := v.store.ConsensusClientID(id)
	if err != nil {
		return out, err
	}
	out.Client = client.String()
	updated, err := v.store.ConsensusUpdateTime(id)
	if err != nil {
		return out, err
	}
	out.UpdatedAt = updated.UTC().Format(time.RFC3339)
	unbonding, err := v.store.UnbondingPeriod(id)
	if err != nil {
		return out, err
	}
	out.UnbondingPeriod = unbonding.String()
	challenge, err := v.store.ChallengePeriod(id)
	if err != nil {
		return out, err
	}
	out.ChallengePeriod = challenge.String()
	return out, nil
}

func queryStatusCmd(a *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status consensus_state_id",
		Short: "Query whether a consensus state is active, frozen or expired",
		Args:  withUsage(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := ismp.ParseConsensusStateID(args[0])
			if err != nil {
				return err
			}
			return a.withVerifier(cmd, func(v *verifier) error {
				out, err := consensusStatus(v, id)
				if err != nil {
					return err
				}
				return printOutput(cmd, out)
			})
		},
	}
	return jsonFlag(a.Viper, cmd)
}

func queryConsensusStatesCmd(a *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "consensus-states",
		Aliases: []string{"cs"},
		Short:   "List every stored consensus state with its status",
		Args:    withUsage(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withVerifier(cmd, func(v *verifier) error {
				ids, err := v.store.ConsensusStateIDs()
				if err != nil {
					return err
				}
				out := make([]statusOutput, 0, len(ids))
				for _, id := range ids {
					s, err := consensusStatus(v, id)
					if err != nil {
						return err
					}
					out = append(out, s)
				}
				return printOutput(cmd, out)
			})
		},
	}
	return jsonFlag(a.Viper, cmd)
}

func queryReceiptCmd(a *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "receipt request|response commitment_hex",
		Short: "Query the relayer recorded for a delivered request or response",
		Args:  withUsage(cobra.ExactArgs(2)),
		Example: strings.TrimSpace(fmt.Sprintf(`
$ %s query receipt request 0x...`,
			appName,
		)),
		RunE: func(cmd *cobra.Command, args []string) error {
			bz, err := decodeHex("commitment", args[1])
			if err != nil {
				return err
			}
			if len(bz) != common.HashLength {
				return fmt.Errorf("invalid commitment: want %d bytes, got %d", common.HashLength, len(bz))
			}
			commitment := common.BytesToHash(bz)
			return a.withVerifier(cmd, func(v *verifier) error {
				var (
					relayer []byte
					err     error
				)
				switch args[0] {
				case "request":
					relayer, err = v.store.RequestReceipt(commitment)
				case "response":
					relayer, err = v.store.ResponseReceipt(commitment)
				default:
					return fmt.Errorf("unknown receipt kind %q, expected request or response", args[0])
				}
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), hexutil.Encode(relayer))
				return nil
			})
		},
	}
	return cmd
}
