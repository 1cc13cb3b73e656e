package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Recorder holds ingestion instruments. A nil Recorder records nothing.
type Recorder struct {
	requests  metric.Int64Counter
	emitted   metric.Int64Counter
	rejected  metric.Int64Counter
	relayed   metric.Int64Counter
	spooled   metric.Int64UpDownCounter
	published metric.Int64Counter
}

// NewRecorder creates counters on the given meter.
// Params: meter from Provider.Meter or a test meter provider.
// Returns: recorder or instrument creation error.
func NewRecorder(meter metric.Meter) (*Recorder, error) {
	var (
		r   Recorder
		err error
	)

	if r.requests, err = meter.Int64Counter("backstop.http.requests",
		metric.WithDescription("Webhook requests by route and status code"),
		metric.WithUnit("{request}")); err != nil {
		return nil, fmt.Errorf("create requests counter: %w", err)
	}
	if r.emitted, err = meter.Int64Counter("backstop.events.emitted",
		metric.WithDescription("Metric events handed to sinks"),
		metric.WithUnit("{event}")); err != nil {
		return nil, fmt.Errorf("create emitted counter: %w", err)
	}
	if r.rejected, err = meter.Int64Counter("backstop.payloads.rejected",
		metric.WithDescription("Rejected producer payloads by error kind"),
		metric.WithUnit("{payload}")); err != nil {
		return nil, fmt.Errorf("create rejected counter: %w", err)
	}
	if r.relayed, err = meter.Int64Counter("backstop.relay.batches",
		metric.WithDescription("Relay batch deliveries by outcome"),
		metric.WithUnit("{batch}")); err != nil {
		return nil, fmt.Errorf("create relay counter: %w", err)
	}
	if r.spooled, err = meter.Int64UpDownCounter("backstop.relay.spooled",
		metric.WithDescription("Batches waiting in relay spools"),
		metric.WithUnit("{batch}")); err != nil {
		return nil, fmt.Errorf("create spool counter: %w", err)
	}
	if r.published, err = meter.Int64Counter("backstop.nats.published",
		metric.WithDescription("Events published to NATS"),
		metric.WithUnit("{event}")); err != nil {
		return nil, fmt.Errorf("create nats counter: %w", err)
	}

	return &r, nil
}

// Request counts one finished webhook request.
func (r *Recorder) Request(ctx context.Context, route string, status int) {
	if r == nil {
		return
	}
	r.requests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("route", route),
		attribute.Int("status", status),
	))
}

// Emitted counts one event accepted by the sink.
func (r *Recorder) Emitted(ctx context.Context, source string) {
	if r == nil {
		return
	}
	r.emitted.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

// Rejected counts one payload rejected with the given error kind.
func (r *Recorder) Rejected(ctx context.Context, route, kind string) {
	if r == nil {
		return
	}
	r.rejected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("route", route),
		attribute.String("kind", kind),
	))
}

// RelayBatch counts one relay delivery attempt; result is sent, spooled or dropped.
func (r *Recorder) RelayBatch(ctx context.Context, relay, result string) {
	if r == nil {
		return
	}
	r.relayed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("relay", relay),
		attribute.String("result", result),
	))
}

// Spooled adjusts the spool depth of one relay.
func (r *Recorder) Spooled(ctx context.Context, relay string, delta int64) {
	if r == nil {
		return
	}
	r.spooled.Add(ctx, delta, metric.WithAttributes(attribute.String("relay", relay)))
}

// Published counts one event published to NATS.
func (r *Recorder) Published(ctx context.Context, subject string) {
	if r == nil {
		return
	}
	r.published.Add(ctx, 1, metric.WithAttributes(attribute.String("subject", subject)))
}
