package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"

	"backstop/internal/config"
)

const (
	pprofShutdownTimeout   = 3 * time.Second
	pprofReadHeaderTimeout = 2 * time.Second
)

// pprofMux exposes runtime profiles under /debug/pprof.
func pprofMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /debug/pprof/", pprof.Index)
	mux.HandleFunc("GET /debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("GET /debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("GET /debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("POST /debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("GET /debug/pprof/trace", pprof.Trace)
	for _, name := range []string{"goroutine", "heap", "allocs", "block", "mutex", "threadcreate"} {
		mux.Handle("GET /debug/pprof/"+name, pprof.Handler(name))
	}
	return mux
}

// startPprofServer binds the profiling listener when enabled.
// The returned stop func is idempotent and also runs when ctx ends.
func startPprofServer(ctx context.Context, cfg config.PprofConfig, logger *slog.Logger) (func(), error) {
	if !cfg.Enabled {
		return func() {}, nil
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("pprof listen %q: %w", cfg.Listen, err)
	}
	logger = logger.With(slog.String("component", "pprof"), slog.String("listen", ln.Addr().String()))

	server := &http.Server{
		Handler:           pprofMux(),
		ReadHeaderTimeout: pprofReadHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	var once sync.Once
	stop := func() {
		once.Do(func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), pprofShutdownTimeout)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Warn("pprof shutdown incomplete", slog.String("error", err.Error()))
			}
		})
	}
	context.AfterFunc(ctx, stop)

	go func() {
		if err := server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("pprof server stopped", slog.String("error", err.Error()))
		}
	}()

	logger.Info("pprof server started")
	return stop, nil
}
