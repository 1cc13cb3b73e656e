package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// httpIngestServer serves the webhook routes for the lifetime of a context.
// Params: bound listener, handler, timeouts and logger for diagnostics.
// Returns: runnable HTTP server instance.
type httpIngestServer struct {
	listen          string
	ln              net.Listener
	server          *http.Server
	shutdownTimeout time.Duration
	logger          *slog.Logger
}

// newHTTPIngestServer binds the listen address so port conflicts surface at startup.
// Params: listen host:port; handler webhook routes; readHeaderTimeout/shutdownTimeout server limits; logger.
// Returns: server instance or bind error.
func newHTTPIngestServer(
	listen string,
	handler http.Handler,
	readHeaderTimeout time.Duration,
	shutdownTimeout time.Duration,
	logger *slog.Logger,
) (*httpIngestServer, error) {
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, fmt.Errorf("listen %q: %w", listen, err)
	}

	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	return &httpIngestServer{
		listen:          listen,
		ln:              ln,
		server:          server,
		shutdownTimeout: shutdownTimeout,
		logger:          logger,
	}, nil
}

// Addr returns the bound listener address.
func (s *httpIngestServer) Addr() net.Addr {
	return s.ln.Addr()
}

// run starts serving and shuts down on context cancellation, letting in-flight requests finish.
// Params: ctx lifecycle context.
// Returns: nil on graceful stop; error on early serve failures.
func (s *httpIngestServer) run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.Serve(s.ln)
	}()
	s.logger.Info("http ingest server started", slog.String("listen", s.ln.Addr().String()))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("http ingest shutdown incomplete", slog.String("error", err.Error()))
		}
		err := <-errCh
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case err := <-errCh:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		s.logger.Error("http ingest server stopped unexpectedly", slog.String("listen", s.listen), slog.String("error", err.Error()))
		return err
	}
}
