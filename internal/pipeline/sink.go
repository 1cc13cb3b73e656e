package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	json "github.com/goccy/go-json"

	"backstop/internal/normalize"
)

// Sink consumes normalized metric events.
// Implementations must be safe for concurrent use: every request emits from its own goroutine.
type Sink interface {
	Emit(ctx context.Context, event normalize.MetricEvent) error
}

// LogSink writes events into debug logs.
// Params: logger used for output.
// Returns: debug sink instance.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a debug sink.
// Params: logger instance.
// Returns: event sink implementation.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Emit logs one event as compact JSON.
// Params: ctx gates the debug level check; event payload to log.
// Returns: marshal error when payload cannot be encoded.
func (s *LogSink) Emit(ctx context.Context, event normalize.MetricEvent) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if !s.logger.Enabled(ctx, slog.LevelDebug) {
		return nil
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	s.logger.DebugContext(
		ctx,
		"metric event",
		slog.String("name", event.Name),
		slog.String("source", event.Source),
		slog.String("payload", string(payload)),
	)

	return nil
}

// MultiSink dispatches one event to multiple sink implementations.
// Params: sink list.
// Returns: composite sink.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink builds composite sink from sink list, skipping nil entries.
// Params: sinks target list.
// Returns: multi sink implementation.
func NewMultiSink(sinks ...Sink) *MultiSink {
	out := make([]Sink, 0, len(sinks))
	for _, sink := range sinks {
		if sink == nil {
			continue
		}
		out = append(out, sink)
	}
	return &MultiSink{sinks: out}
}

// Emit forwards event to each child sink; one failing sink does not starve the others.
// Params: ctx emit context; event payload.
// Returns: joined errors from downstream sinks, if any.
func (s *MultiSink) Emit(ctx context.Context, event normalize.MetricEvent) error {
	var errs []error
	for _, sink := range s.sinks {
		if err := sink.Emit(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
