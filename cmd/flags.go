package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	flagJSON            = "json"
	flagYAML            = "yaml"
	flagFile            = "file"
	flagSigner          = "signer"
	flagClient          = "client"
	flagUnbondingPeriod = "unbonding-period"
	flagChallengePeriod = "challenge-period"
	flagCommitments     = "commitments"
	flagWorkers         = "workers"
)

func yamlFlag(v *viper.Viper, cmd *cobra.Command) *cobra.Command {
	cmd.Flags().BoolP(flagYAML, "y", false, "output using yaml")
	if err := v.BindPFlag(flagYAML, cmd.Flags().Lookup(flagYAML)); err != nil {
		panic(err)
	}
	return cmd
}

func jsonFlag(v *viper.Viper, cmd *cobra.Command) *cobra.Command {
	cmd.Flags().BoolP(flagJSON, "j", false, "returns the response in json format")
	if err := v.BindPFlag(flagJSON, cmd.Flags().Lookup(flagJSON)); err != nil {
		panic(err)
	}
	return cmd
}

func fileFlag(v *viper.Viper, cmd *cobra.Command) *cobra.Command {
	cmd.Flags().StringP(flagFile, "f", "", "read json messages from the specified file, one per line")
	if err := v.BindPFlag(flagFile, cmd.Flags().Lookup(flagFile)); err != nil {
		panic(err)
	}
	return cmd
}

func signerFlag(v *viper.Viper, cmd *cobra.Command) *cobra.Command {
	cmd.Flags().String(flagSigner, "", "hex encoded address recorded as the message signer")
	if err := v.BindPFlag(flagSigner, cmd.Flags().Lookup(flagSigner)); err != nil {
		panic(err)
	}
	return cmd
}

func workersFlag(v *viper.Viper, cmd *cobra.Command) *cobra.Command {
	cmd.Flags().Int(flagWorkers, 0, "number of consensus states verified in parallel, overrides global.workers")
	if err := v.BindPFlag(flagWorkers, cmd.Flags().Lookup(flagWorkers)); err != nil {
		panic(err)
	}
	return cmd
}

func createFlags(v *viper.Viper, cmd *cobra.Command) *cobra.Command {
	cmd.Flags().String(flagClient, "", "consensus client id (GRNP, BEEF, SYNC, POAU, TNDR), defaults to the configured client")
	cmd.Flags().Duration(flagUnbondingPeriod, 0, "unbonding period, defaults to the configured period")
	cmd.Flags().Duration(flagChallengePeriod, 0, "challenge period, defaults to the configured period")
	cmd.Flags().String(flagCommitments, "", "json file with the initial state commitments")
	for _, name := range []string{flagClient, flagUnbondingPeriod, flagChallengePeriod, flagCommitments} {
		if err := v.BindPFlag(name, cmd.Flags().Lookup(name)); err != nil {
			panic(err)
		}
	}
	return cmd
}
