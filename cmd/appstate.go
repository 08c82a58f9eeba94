package cmd

import (
	"context"
	"fmt"
	"net"
	"path/filepath"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/polytope-labs/hyperbridge-sub013/internal/relaydebug"
	"github.com/polytope-labs/hyperbridge-sub013/internal/relayermetrics"
	"github.com/polytope-labs/hyperbridge-sub013/relayer/chains/cosmos"
	"github.com/polytope-labs/hyperbridge-sub013/relayer/chains/ethereum"
	"github.com/polytope-labs/hyperbridge-sub013/relayer/chains/poa"
	"github.com/polytope-labs/hyperbridge-sub013/relayer/chains/substrate/finality"
	"github.com/polytope-labs/hyperbridge-sub013/relayer/ismp"
	"github.com/polytope-labs/hyperbridge-sub013/relayer/ismp/store"
	"github.com/polytope-labs/hyperbridge-sub013/relayer/processor"
)

// appState is the modifiable state of the application.
type appState struct {
	// Log is the root logger of the application.
	// Consumers are expected to store and use local copies of the logger
	// after modifying with the .With method.
	Log *zap.Logger

	Viper *viper.Viper

	HomePath string
	Debug    bool
	Config   *Config
}

// verifier is the handler of one command invocation together with the
// resources it holds open.
type verifier struct {
	handler *ismp.Handler
	store   *store.LevelDBStore
	metrics *processor.PrometheusMetrics
}

func (v *verifier) Close() error {
	return v.store.Close()
}

// registry builds the consensus clients from the loaded config.
func (a *appState) registry() (*ismp.Registry, error) {
	hosts, err := a.Config.ParseEvmHosts()
	if err != nil {
		return nil, err
	}
	return ismp.NewRegistry(
		finality.NewGrandpa(a.Log.Named("grandpa")),
		finality.NewBeefy(a.Log.Named("beefy")),
		ethereum.NewSyncCommitteeClient(a.Log.Named("sync-committee"), hosts),
		poa.NewClient(a.Log.Named("poa"), hosts),
		cosmos.NewTendermint(a.Log.Named("tendermint"), a.Config.Global.TendermintStoreKey),
	)
}

// dbPath resolves the configured database path against the home directory.
func (a *appState) dbPath() string {
	p := a.Config.Global.DBPath
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(a.HomePath, p)
}

// openVerifier opens the commitment store under the home directory and
// starts the metrics and debug servers when they are configured. The
// servers stop with ctx.
func (a *appState) openVerifier(ctx context.Context) (*verifier, error) {
	if a.Config == nil {
		return nil, errConfigNotFound
	}
	hostSM, err := ismp.ParseStateMachine(a.Config.Global.HostStateMachine)
	if err != nil {
		return nil, fmt.Errorf("invalid host state machine: %w", err)
	}
	registry, err := a.registry()
	if err != nil {
		return nil, err
	}

	db, err := store.OpenLevelDB(ctx, a.Log, a.dbPath())
	if err != nil {
		return nil, err
	}

	metrics := processor.NewPrometheusMetrics()

	if addr := a.Config.Global.MetricsListenAddr; addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to listen on metrics address %q: %w", addr, err)
		}
		a.Log.Info("Metrics server listening", zap.String("addr", ln.Addr().String()))
		relayermetrics.StartMetricsServer(ctx, a.Log.Named("metrics"), ln, metrics.Registry)
	}

	if addr := a.Config.Global.DebugListenAddr; addr != "" {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to listen on debug address %q: %w", addr, err)
		}
		a.Log.Info("Debug server listening", zap.String("addr", ln.Addr().String()))
		relaydebug.StartDebugServer(ctx, a.Log.Named("debug"), ln)
	}

	return &verifier{
		handler: ismp.NewHandler(a.Log, db, registry, hostSM),
		store:   db,
		metrics: metrics,
	}, nil
}
