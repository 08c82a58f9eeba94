// Package relaydebug serves pprof profiles of a running verifier.
package relaydebug

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/pprof"
	"runtime/debug"

	"go.uber.org/zap"
)

// BuildPath reports the commit and module versions the verifier was built from.
const BuildPath = "/debug/build"

// BuildInfo is the body served at BuildPath.
type BuildInfo struct {
	Commit string            `json:"commit"`
	Deps   map[string]string `json:"deps"`
}

func buildInfo() BuildInfo {
	info := BuildInfo{Commit: BuildCommit(), Deps: make(map[string]string)}
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, dep := range bi.Deps {
			info.Deps[dep.Path] = dep.Version
		}
	}
	return info
}

// StartDebugServer starts a debug server in a background goroutine,
// accepting connections on the given listener.
// Any HTTP logging will be written at info level to the given logger.
// The server will be forcefully shut down when ctx finishes.
func StartDebugServer(ctx context.Context, log *zap.Logger, ln net.Listener) {
	mux := http.NewServeMux()
	mux.HandleFunc(BuildPath, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(buildInfo()); err != nil {
			log.Debug("Failed to write build info", zap.Error(err))
		}
	})
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	// Redirect the browser to the /debug/pprof root.
	mux.Handle("/", http.RedirectHandler("/debug/pprof/", http.StatusSeeOther))

	srv := &http.Server{
		Handler:  mux,
		ErrorLog: zap.NewStdLog(log),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Warn("Debug server stopped", zap.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
}
