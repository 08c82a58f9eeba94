package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/polytope-labs/hyperbridge-sub013/relayer/ismp"
)

func freezeCmd(a *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "freeze consensus_state_id proof1_hex proof2_hex",
		Short: "Freeze a consensus state with two conflicting consensus proofs",
		Args:  withUsage(cobra.ExactArgs(3)),
		Example: strings.TrimSpace(fmt.Sprintf(`
$ %s freeze ETH0 0x... 0x...
$ %s freeze state-machine EVM-1 ETH0`,
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
			proof1, err := decodeHex("proof1", args[1])
			if err != nil {
				return err
			}
			proof2, err := decodeHex("proof2", args[2])
			if err != nil {
				return err
			}
			signer, err := signerArg(cmd)
			if err != nil {
				return err
			}

			v, err := a.openVerifier(cmd.Context())
			if err != nil {
				return err
			}
			defer v.Close()

			msg := ismp.FraudProofMessage{ConsensusStateID: id, Proof1: proof1, Proof2: proof2, Signer: signer}
			if err := v.handler.FreezeConsensusClient(cmd.Context(), msg); err != nil {
				return err
			}
			client := "unknown"
			if kind, err := v.handler.Host().ConsensusClientID(id); err == nil {
				client = kind.String()
			}
			v.metrics.IncFrozen(client, id.String())

			fmt.Fprintf(cmd.OutOrStdout(), "consensus state %s frozen\n", id)
			return nil
		},
	}
	cmd.AddCommand(freezeStateMachineCmd(a))
	return signerFlag(a.Viper, cmd)
}

func freezeStateMachineCmd(a *appState) *cobra.Command {
	return &cobra.Command{
		Use:   "state-machine state_machine consensus_state_id",
		Short: "Stop storing commitments for a state machine",
		Args:  withUsage(cobra.ExactArgs(2)),
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.Config == nil {
				return errConfigNotFound
			}
			id, err := stateMachineIDArgs(args[0], args[1])
			if err != nil {
				return err
			}

			v, err := a.openVerifier(cmd.Context())
			if err != nil {
				return err
			}
			defer v.Close()

			if err := v.handler.FreezeStateMachine(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "state machine %s frozen\n", id)
			return nil
		},
	}
}

func stateMachineIDArgs(stateMachine, consensusStateID string) (ismp.StateMachineID, error) {
	sm, err := ismp.ParseStateMachine(stateMachine)
	if err != nil {
		return ismp.StateMachineID{}, err
	}
	id, err := ismp.ParseConsensusStateID(consensusStateID)
	if err != nil {
		return ismp.StateMachineID{}, err
	}
	return ismp.StateMachineID{StateID: sm, ConsensusStateID: id}, nil
}
