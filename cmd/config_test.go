package cmd_test

import (
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/polytope-labs/hyperbridge-sub013/cmd"
	"github.com/polytope-labs/hyperbridge-sub013/internal/relayertest"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	sys := relayertest.NewSystem(t)
	_ = sys.MustRun(t, "config", "init")

	config := sys.MustGetConfig(t)
	require.Equal(t, "data", config.Global.DBPath)
	require.Equal(t, "POLKADOT-3367", config.Global.HostStateMachine)
	require.Equal(t, 4, config.Global.Workers)
	require.Equal(t, "ismp", config.Global.TendermintStoreKey)
	require.Empty(t, config.Global.MetricsListenAddr)

	data, err := os.ReadFile(sys.ConfigPath())
	require.NoError(t, err)
	require.Contains(t, string(data), "host-state-machine: POLKADOT-3367")
	require.Contains(t, string(data), "metrics-listen-addr: \"\"")

	// A second init must not clobber the existing config.
	res := sys.Run(zap.NewNop(), "config", "init")
	require.ErrorContains(t, res.Err, "config already exists")
}

func TestConfigShow(t *testing.T) {
	t.Parallel()

	sys := relayertest.NewSystem(t)

	res := sys.Run(zap.NewNop(), "config", "show")
	require.ErrorContains(t, res.Err, "config does not exist")

	_ = sys.MustRun(t, "config", "init")

	res = sys.MustRun(t, "config", "show", "--json")
	var config cmd.Config
	require.NoError(t, json.Unmarshal(res.Stdout.Bytes(), &config))
	require.Equal(t, sys.MustGetConfig(t).Global, config.Global)

	res = sys.Run(zap.NewNop(), "config", "show", "--json", "--yaml")
	require.ErrorContains(t, res.Err, "must pick one")
}

func TestConfigEnvOverride(t *testing.T) {
	sys := relayertest.NewSystem(t)
	_ = sys.MustRun(t, "config", "init")

	t.Setenv("ISMP_GLOBAL_WORKERS", "9")
	t.Setenv("ISMP_GLOBAL_DB_PATH", "/var/lib/ismp")

	res := sys.MustRun(t, "config", "show", "--json")
	var config cmd.Config
	require.NoError(t, json.Unmarshal(res.Stdout.Bytes(), &config))
	require.Equal(t, 9, config.Global.Workers)
	require.Equal(t, "/var/lib/ismp", config.Global.DBPath)

	// The file itself is unchanged.
	require.Equal(t, 4, sys.MustGetConfig(t).Global.Workers)
}

func TestInvalidConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		modify func(c *cmd.Config)
		err    string
	}{
		{
			name:   "host state machine",
			modify: func(c *cmd.Config) { c.Global.HostStateMachine = "BITCOIN-1" },
			err:    "global.host-state-machine",
		},
		{
			name:   "workers",
			modify: func(c *cmd.Config) { c.Global.Workers = 0 },
			err:    "global.workers",
		},
		{
			name: "evm host kind",
			modify: func(c *cmd.Config) {
				c.EvmHosts = map[string]cmd.EvmHostConfig{"POLKADOT-1000": {Address: "0x843b131bd76419934dae248f6e5a195c0a3c324d"}}
			},
			err: "is not an EVM state machine",
		},
		{
			name: "evm host address",
			modify: func(c *cmd.Config) {
				c.EvmHosts = map[string]cmd.EvmHostConfig{"EVM-1": {Address: "0x1234"}}
			},
			err: "invalid address",
		},
		{
			name: "slot layout",
			modify: func(c *cmd.Config) {
				c.EvmHosts = map[string]cmd.EvmHostConfig{"EVM-1": {Address: "0x843b131bd76419934dae248f6e5a195c0a3c324d", SlotLayout: "triple"}}
			},
			err: "unknown slot layout",
		},
		{
			name: "period",
			modify: func(c *cmd.Config) {
				c.ConsensusStates = map[string]cmd.ConsensusStateConfig{"ETH0": {Client: "SYNC", UnbondingPeriod: "two weeks"}}
			},
			err: "invalid unbonding period",
		},
		{
			name: "client id",
			modify: func(c *cmd.Config) {
				c.ConsensusStates = map[string]cmd.ConsensusStateConfig{"ETH0": {Client: "SYNCCOMMITTEE"}}
			},
			err: "invalid consensus client id",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			sys := relayertest.NewSystem(t)
			_ = sys.MustRun(t, "config", "init")
			config := sys.MustGetConfig(t)
			tt.modify(&config)
			sys.MustWriteConfig(t, config)

			res := sys.Run(zap.NewNop(), "config", "show")
			require.ErrorContains(t, res.Err, tt.err)
		})
	}
}

func TestCommandsRequireConfig(t *testing.T) {
	t.Parallel()

	sys := relayertest.NewSystem(t)
	for _, args := range [][]string{
		{"query", "consensus-states"},
		{"update", "ETH0", "0x00"},
		{"create", "ETH0", "0x00", "--client", "SYNC"},
	} {
		res := sys.Run(zap.NewNop(), args...)
		require.ErrorContains(t, res.Err, "config init", "args %v", args)
	}
}

func TestVersion(t *testing.T) {
	t.Parallel()

	sys := relayertest.NewSystem(t)
	res := sys.MustRun(t, "version", "--json")

	var info map[string]string
	require.NoError(t, json.Unmarshal(res.Stdout.Bytes(), &info))
	require.Contains(t, info, "commit")
	require.Contains(t, info["go"], "go1.")
}
