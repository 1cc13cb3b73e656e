package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sourcegraph/conc/pool"

	"backstop/internal/config"
	"backstop/internal/match"
	"backstop/internal/metrics"
	"backstop/internal/normalize"
	"backstop/internal/telemetry"
)

const telemetryShutdownTimeout = 5 * time.Second

// Engine owns the gateway runtime: listeners, sinks and background workers.
type Engine struct {
	runners []runner
	logger  *slog.Logger

	telemetry  *telemetry.Provider
	relay      *RelaySink
	nats       *NATSSink
	stopSinks  context.CancelFunc
	ingestAddr string
}

type runner interface {
	run(context.Context) error
}

type runnerFunc func(context.Context) error

func (f runnerFunc) run(ctx context.Context) error {
	return f(ctx)
}

// NewFromConfig builds sinks, the webhook server and optional services from validated config.
// Params: ctx runtime lifecycle; cfg validated config; logger; version reported in telemetry.
// Returns: engine ready to Run or construction error (every opened resource is released).
func NewFromConfig(ctx context.Context, cfg *config.Config, logger *slog.Logger, version string) (_ *Engine, err error) {
	sinkCtx, stopSinks := context.WithCancel(ctx)
	engine := &Engine{logger: logger, stopSinks: stopSinks}
	defer func() {
		if err != nil {
			_ = engine.release(context.Background())
		}
	}()

	engine.telemetry, err = telemetry.NewProvider(ctx, cfg.Telemetry, version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	recorder, err := telemetry.NewRecorder(engine.telemetry.Meter())
	if err != nil {
		return nil, fmt.Errorf("init telemetry recorder: %w", err)
	}

	sinks := []Sink{NewLogSink(logger)}
	if len(cfg.Relay) > 0 {
		engine.relay, err = NewRelaySink(sinkCtx, cfg.Relay, logger, recorder, NewLineSender)
		if err != nil {
			return nil, fmt.Errorf("init relay sink: %w", err)
		}
		sinks = append(sinks, engine.relay)
	}
	if cfg.NATS.Enabled {
		engine.nats, err = NewNATSSink(cfg.NATS, logger, recorder)
		if err != nil {
			return nil, fmt.Errorf("init nats sink: %w", err)
		}
		sinks = append(sinks, engine.nats)
	}
	sink := NewMultiSink(sinks...)

	publish, err := match.CompileSet(cfg.Publish.Prefixes)
	if err != nil {
		return nil, fmt.Errorf("compile publish prefixes: %w", err)
	}
	routes := RouteOptions{
		Publish:   publish,
		MaxBody:   cfg.HTTP.MaxBody,
		RateLimit: cfg.HTTP.RateLimit,
		Burst:     cfg.HTTP.Burst,
	}
	if cfg.Auth.Enabled {
		routes.Users = cfg.Auth.Credentials()
	}

	var selfRunner runner
	if cfg.Self.Enabled {
		worker, selfErr := newSelfWorker(
			cfg.Global.Prefix,
			cfg.Global.Host,
			cfg.Self.Interval.Duration,
			metrics.DefaultCollectors(),
			sink,
			logger.With(slog.String("worker", "self")),
		)
		if selfErr != nil {
			return nil, fmt.Errorf("init self metrics: %w", selfErr)
		}
		selfRunner = runnerFunc(worker.run)
	}

	dispatcher := NewDispatcher(sink, normalize.Resolver{}, logger, recorder)
	ingest, err := newHTTPIngestServer(
		cfg.HTTP.Listen,
		NewHandler(dispatcher, routes, logger, recorder),
		cfg.HTTP.ReadHeaderTimeout.Duration,
		cfg.HTTP.ShutdownTimeout.Duration,
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("init http ingest: %w", err)
	}
	engine.ingestAddr = ingest.Addr().String()
	engine.runners = append(engine.runners, runnerFunc(ingest.run))

	if cfg.GRPC.Enabled {
		healthServer, grpcErr := newGRPCHealthServer(cfg.GRPC.Listen, logger)
		if grpcErr != nil {
			_ = ingest.ln.Close()
			return nil, fmt.Errorf("init grpc health: %w", grpcErr)
		}
		engine.runners = append(engine.runners, runnerFunc(healthServer.run))
	}

	if selfRunner != nil {
		engine.runners = append(engine.runners, selfRunner)
	}
	return engine, nil
}

// IngestAddr returns the bound webhook listener address.
func (e *Engine) IngestAddr() string {
	return e.ingestAddr
}

// Run serves until ctx is canceled or a runner fails, then drains sinks.
// Listeners stop first so every accepted request reaches the sinks before they flush.
// Params: ctx controls lifecycle.
// Returns: first runner error, nil on graceful stop.
func (e *Engine) Run(ctx context.Context) error {
	p := pool.New().WithContext(ctx).WithCancelOnError()
	for _, r := range e.runners {
		p.Go(r.run)
	}
	runErr := p.Wait()
	if runErr != nil {
		e.logger.Error("runner stopped with error", slog.String("error", runErr.Error()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
	defer cancel()
	if err := e.release(shutdownCtx); err != nil {
		e.logger.Warn("release runtime resources", slog.String("error", err.Error()))
	}
	return runErr
}

// release stops relay workers, closes nats and flushes telemetry.
func (e *Engine) release(ctx context.Context) error {
	e.stopSinks()
	if e.relay != nil {
		e.relay.Wait()
	}

	var errs []error
	if e.nats != nil {
		errs = append(errs, e.nats.Close())
	}
	if e.telemetry != nil {
		errs = append(errs, e.telemetry.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
