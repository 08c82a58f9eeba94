package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/polytope-labs/hyperbridge-sub013/relayer/ismp"
)

func createCmd(a *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create consensus_state_id consensus_state_hex",
		Short: "Create a consensus state from a trusted initial state",
		Long: strings.TrimSpace(`Create stores a trusted consensus state under consensus_state_id.
The client and periods default to the consensus-states entry of the config.
Initial state commitments are read from the json file given with --commitments.`),
		Args: withUsage(cobra.ExactArgs(2)),
		Example: strings.TrimSpace(fmt.Sprintf(`
$ %s create ETH0 0x... --client SYNC --unbonding-period 648h
$ %s create PARA 0x... --commitments commitments.json`,
			appName, appName,
		)),
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.Config == nil {
				return errConfigNotFound
			}
			id, err := ismp.ParseConsensusStateID(args[0])
			if err != nil {
				return err
			}
			state, err := decodeHex("consensus state", args[1])
			if err != nil {
				return err
			}
			msg, err := a.createMessage(cmd, id, state)
			if err != nil {
				return err
			}

			v, err := a.openVerifier(cmd.Context())
			if err != nil {
				return err
			}
			defer v.Close()

			created, err := v.handler.CreateConsensusState(cmd.Context(), msg)
			if err != nil {
				return err
			}
			return printOutput(cmd, createOutput{
				ConsensusStateID: created.ConsensusStateID.String(),
				Commitments:      heightStrings(created.Commitments),
			})
		},
	}
	return jsonFlag(a.Viper, createFlags(a.Viper, cmd))
}

// createMessage merges the create flags over the configured defaults of id.
func (a *appState) createMessage(cmd *cobra.Command, id ismp.ConsensusStateID, state []byte) (ismp.CreateConsensusState, error) {
	msg := ismp.CreateConsensusState{ConsensusState: state, ConsensusStateID: id}
	defaults, _ := a.Config.ConsensusState(id)

	client, err := cmd.Flags().GetString(flagClient)
	if err != nil {
		return msg, err
	}
	if client == "" {
		client = defaults.Client
	}
	if client == "" {
		return msg, fmt.Errorf("no consensus client for %s, pass --%s or configure it", id, flagClient)
	}
	if msg.ConsensusClientID, err = ismp.ParseConsensusClientID(client); err != nil {
		return msg, err
	}

	if msg.UnbondingPeriod, err = cmd.Flags().GetDuration(flagUnbondingPeriod); err != nil {
		return msg, err
	}
	if !cmd.Flags().Changed(flagUnbondingPeriod) {
		if msg.UnbondingPeriod, err = parsePeriod("unbonding period", defaults.UnbondingPeriod); err != nil {
			return msg, err
		}
	}
	if msg.ChallengePeriod, err = cmd.Flags().GetDuration(flagChallengePeriod); err != nil {
		return msg, err
	}
	if !cmd.Flags().Changed(flagChallengePeriod) {
		if msg.ChallengePeriod, err = parsePeriod("challenge period", defaults.ChallengePeriod); err != nil {
			return msg, err
		}
	}

	file, err := cmd.Flags().GetString(flagCommitments)
	if err != nil {
		return msg, err
	}
	if file != "" {
		bz, err := os.ReadFile(file)
		if err != nil {
			return msg, err
		}
		if err := json.Unmarshal(bz, &msg.InitialCommitments); err != nil {
			return msg, fmt.Errorf("failed to decode initial commitments in %s: %w", file, err)
		}
	}
	return msg, nil
}
