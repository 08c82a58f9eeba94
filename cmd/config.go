/*
Package cmd includes ismp-verifier commands
Copyright © 2020 Jack Zampolin jack.zampolin@gmail.com

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v3"

	"github.com/polytope-labs/hyperbridge-sub013/relayer/chains/cosmos"
	"github.com/polytope-labs/hyperbridge-sub013/relayer/chains/ethereum"
	"github.com/polytope-labs/hyperbridge-sub013/relayer/ismp"
	"github.com/polytope-labs/hyperbridge-sub013/relayer/trie/mpt"
)

const envPrefix = "ISMP"

func configCmd(a *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "config",
		Aliases: []string{"cfg"},
		Short:   "Manage configuration file",
	}

	cmd.AddCommand(
		configShowCmd(a),
		configInitCmd(a),
	)
	return cmd
}

// Command for printing current configuration
func configShowCmd(a *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "show",
		Aliases: []string{"s", "list", "l"},
		Short:   "Prints current configuration",
		Args:    withUsage(cobra.NoArgs),
		Example: strings.TrimSpace(fmt.Sprintf(`
$ %s config show --home %s
$ %s cfg list`, appName, defaultHome, appName)),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := filepath.Join(a.HomePath, "config", "config.yaml")
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				if _, err := os.Stat(a.HomePath); os.IsNotExist(err) {
					return fmt.Errorf("home path does not exist: %s", a.HomePath)
				}
				return fmt.Errorf("config does not exist: %s", cfgPath)
			}

			jsn, err := cmd.Flags().GetBool(flagJSON)
			if err != nil {
				return err
			}
			yml, err := cmd.Flags().GetBool(flagYAML)
			if err != nil {
				return err
			}
			switch {
			case yml && jsn:
				return fmt.Errorf("can't pass both --json and --yaml, must pick one")
			case jsn:
				out, err := json.Marshal(a.Config)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(out))
				return nil
			default:
				out, err := yaml.Marshal(a.Config)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(out))
				return nil
			}
		},
	}

	return yamlFlag(a.Viper, jsonFlag(a.Viper, cmd))
}

// Command for initializing an empty config at the --home location
func configInitCmd(a *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "init",
		Aliases: []string{"i"},
		Short:   "Creates a default home directory at path defined by --home",
		Args:    withUsage(cobra.NoArgs),
		Example: strings.TrimSpace(fmt.Sprintf(`
$ %s config init --home %s
$ %s cfg i`, appName, defaultHome, appName)),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgDir := filepath.Join(a.HomePath, "config")
			cfgPath := filepath.Join(cfgDir, "config.yaml")

			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config already exists: %s", cfgPath)
			} else if !os.IsNotExist(err) {
				return err
			}

			if err := os.MkdirAll(cfgDir, os.ModePerm); err != nil {
				return err
			}

			out, err := yaml.Marshal(defaultConfig())
			if err != nil {
				return err
			}
			if err := os.WriteFile(cfgPath, out, 0600); err != nil {
				return err
			}

			a.Log.Info("Created config", zap.String("path", cfgPath))
			return nil
		},
	}
	return cmd
}

// Config represents the config file for ismp-verifier.
type Config struct {
	Global          GlobalConfig                    `yaml:"global" json:"global"`
	EvmHosts        map[string]EvmHostConfig        `yaml:"evm-hosts" json:"evm-hosts"`
	ConsensusStates map[string]ConsensusStateConfig `yaml:"consensus-states" json:"consensus-states"`
}

// GlobalConfig describes any global relayer settings.
type GlobalConfig struct {
	DBPath             string `yaml:"db-path" json:"db-path"`
	HostStateMachine   string `yaml:"host-state-machine" json:"host-state-machine"`
	Workers            int    `yaml:"workers" json:"workers"`
	TendermintStoreKey string `yaml:"tendermint-store-key" json:"tendermint-store-key"`
	MetricsListenAddr  string `yaml:"metrics-listen-addr" json:"metrics-listen-addr"`
	DebugListenAddr    string `yaml:"debug-listen-addr" json:"debug-listen-addr"`
}

// EvmHostConfig locates the host contract of an EVM state machine.
type EvmHostConfig struct {
	Address    string `yaml:"address" json:"address"`
	SlotLayout string `yaml:"slot-layout" json:"slot-layout"`
}

// ConsensusStateConfig holds the defaults applied when a consensus state is
// created with the create command.
type ConsensusStateConfig struct {
	Client          string `yaml:"client" json:"client"`
	UnbondingPeriod string `yaml:"unbonding-period" json:"unbonding-period"`
	ChallengePeriod string `yaml:"challenge-period" json:"challenge-period"`
}

func defaultConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			DBPath:             "data",
			HostStateMachine:   "POLKADOT-3367",
			Workers:            4,
			TendermintStoreKey: cosmos.DefaultStoreKey,
		},
		EvmHosts:        map[string]EvmHostConfig{},
		ConsensusStates: map[string]ConsensusStateConfig{},
	}
}

// ParseEvmHosts parses the configured host contracts keyed by chain id.
func (c *Config) ParseEvmHosts() (ethereum.EvmHosts, error) {
	hosts := make(ethereum.EvmHosts, len(c.EvmHosts))
	for name, h := range c.EvmHosts {
		sm, err := ismp.ParseStateMachine(name)
		if err != nil {
			return nil, err
		}
		if sm.Kind != ismp.StateMachineEvm {
			return nil, fmt.Errorf("evm host %s is not an EVM state machine", name)
		}
		if !common.IsHexAddress(h.Address) {
			return nil, fmt.Errorf("evm host %s: invalid address %q", name, h.Address)
		}
		layout, err := mpt.ParseSlotLayout(h.SlotLayout)
		if err != nil {
			return nil, fmt.Errorf("evm host %s: %w", name, err)
		}
		hosts[sm.ID] = ethereum.EvmHost{Address: common.HexToAddress(h.Address), Layout: layout}
	}
	return hosts, nil
}

// ConsensusState returns the configured defaults of a consensus state id.
func (c *Config) ConsensusState(id ismp.ConsensusStateID) (ConsensusStateConfig, bool) {
	cs, ok := c.ConsensusStates[id.String()]
	return cs, ok
}

// ConsensusStateIDs lists the configured consensus state ids in sorted order.
func (c *Config) ConsensusStateIDs() []string {
	ids := maps.Keys(c.ConsensusStates)
	slices.Sort(ids)
	return ids
}

func parsePeriod(name, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s %q: must not be negative", name, s)
	}
	return d, nil
}

func validateConfig(c *Config) error {
	if c.Global.DBPath == "" {
		return errors.New("global.db-path must be set")
	}
	if _, err := ismp.ParseStateMachine(c.Global.HostStateMachine); err != nil {
		return fmt.Errorf("global.host-state-machine: %w", err)
	}
	if c.Global.Workers < 1 {
		return fmt.Errorf("global.workers must be at least 1, got %d", c.Global.Workers)
	}
	if c.Global.TendermintStoreKey == "" {
		c.Global.TendermintStoreKey = cosmos.DefaultStoreKey
	}
	if _, err := c.ParseEvmHosts(); err != nil {
		return err
	}
	for _, name := range c.ConsensusStateIDs() {
		cs := c.ConsensusStates[name]
		if _, err := ismp.ParseConsensusStateID(name); err != nil {
			return err
		}
		if cs.Client != "" {
			if _, err := ismp.ParseConsensusClientID(cs.Client); err != nil {
				return fmt.Errorf("consensus state %s: %w", name, err)
			}
		}
		if _, err := parsePeriod("unbonding period", cs.UnbondingPeriod); err != nil {
			return fmt.Errorf("consensus state %s: %w", name, err)
		}
		if _, err := parsePeriod("challenge period", cs.ChallengePeriod); err != nil {
			return fmt.Errorf("consensus state %s: %w", name, err)
		}
	}
	return nil
}

// initConfig reads in config file and ENV variables if set.
// A missing config file leaves a.Config nil; commands that need it fail
// with a hint to run config init.
func initConfig(cmd *cobra.Command, a *appState) error {
	a.Config = nil
	cfgPath := filepath.Join(a.HomePath, "config", "config.yaml")
	if _, err := os.Stat(cfgPath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	a.Viper.SetConfigFile(cfgPath)
	a.Viper.SetEnvPrefix(envPrefix)
	a.Viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	a.Viper.AutomaticEnv()
	if err := a.Viper.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file at %s: %w", cfgPath, err)
	}

	// read the config file bytes
	file, err := os.ReadFile(a.Viper.ConfigFileUsed())
	if err != nil {
		return fmt.Errorf("error reading file: %w", err)
	}

	// unmarshall them into the struct
	cfg := defaultConfig()
	if err := yaml.Unmarshal(file, cfg); err != nil {
		return fmt.Errorf("error unmarshalling config: %w", err)
	}

	// environment overrides for the global section
	for key, dst := range map[string]*string{
		"global.db-path":              &cfg.Global.DBPath,
		"global.host-state-machine":   &cfg.Global.HostStateMachine,
		"global.tendermint-store-key": &cfg.Global.TendermintStoreKey,
		"global.metrics-listen-addr":  &cfg.Global.MetricsListenAddr,
		"global.debug-listen-addr":    &cfg.Global.DebugListenAddr,
	} {
		if a.Viper.IsSet(key) {
			*dst = a.Viper.GetString(key)
		}
	}
	if a.Viper.IsSet("global.workers") {
		cfg.Global.Workers = a.Viper.GetInt("global.workers")
	}

	if err := validateConfig(cfg); err != nil {
		return fmt.Errorf("error parsing config %s: %w", cfgPath, err)
	}
	a.Config = cfg
	return nil
}
