package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/time/rate"

	"backstop/internal/normalize"
	"backstop/internal/telemetry"
)

// ErrSink wraps failures returned by the sink; the HTTP layer maps it to 503.
var ErrSink = errors.New("sink emit failed")

const (
	unrecognizedLogRate  = rate.Limit(1)
	unrecognizedLogBurst = 5
)

// Dispatcher runs one parser over one payload and hands resulting events to the sink.
// It holds only immutable dependencies and is shared by all requests.
type Dispatcher struct {
	sink     Sink
	resolver normalize.Resolver
	logger   *slog.Logger
	recorder *telemetry.Recorder
	logLimit *rate.Limiter
}

// NewDispatcher wires the sink, timestamp resolver and instrumentation.
// Params: sink destination; resolver timestamp policy; logger; recorder may be nil.
// Returns: dispatcher.
func NewDispatcher(sink Sink, resolver normalize.Resolver, logger *slog.Logger, recorder *telemetry.Recorder) *Dispatcher {
	return &Dispatcher{
		sink:     sink,
		resolver: resolver,
		logger:   logger,
		recorder: recorder,
		logLimit: rate.NewLimiter(unrecognizedLogRate, unrecognizedLogBurst),
	}
}

// Dispatch emits every event the parser yields, in payload order.
// Params: ctx request context; parser for the producer; payload raw body.
// Returns: number of events emitted and the first error. Events emitted before
// an error stay emitted.
func (d *Dispatcher) Dispatch(ctx context.Context, parser normalize.Parser, payload []byte) (int, error) {
	emitted := 0
	for candidate, err := range parser.Parse(payload) {
		if err != nil {
			d.reject(ctx, parser, err)
			return emitted, err
		}

		event, err := d.resolver.Normalize(candidate)
		if err != nil {
			d.reject(ctx, parser, err)
			return emitted, err
		}

		if err := d.sink.Emit(ctx, event); err != nil {
			d.logger.ErrorContext(ctx, "emit failed",
				slog.String("name", event.Name),
				slog.String("source", event.Source),
				slog.String("error", err.Error()),
			)
			return emitted, fmt.Errorf("%w: %w", ErrSink, err)
		}
		d.recorder.Emitted(ctx, event.Source)
		emitted++
	}
	return emitted, nil
}

// reject logs rejected payloads; unrecognized shapes carry the offending item.
func (d *Dispatcher) reject(ctx context.Context, parser normalize.Parser, err error) {
	var nerr *normalize.Error
	if !errors.As(err, &nerr) {
		d.logger.WarnContext(ctx, "payload rejected", slog.String("source", parser.Source()), slog.String("error", err.Error()))
		return
	}

	if nerr.Kind == normalize.KindUnrecognizedShape || nerr.Kind == normalize.KindUnknownAlert {
		if !d.logLimit.Allow() {
			return
		}
		d.logger.WarnContext(ctx, "unrecognized payload",
			slog.String("source", parser.Source()),
			slog.String("kind", nerr.Kind.String()),
			slog.String("payload", nerr.Payload),
		)
		return
	}

	d.logger.InfoContext(ctx, "payload rejected",
		slog.String("source", parser.Source()),
		slog.String("kind", nerr.Kind.String()),
		slog.Any("fields", nerr.Fields),
		slog.String("error", err.Error()),
	)
}
