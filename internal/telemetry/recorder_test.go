package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"backstop/internal/config"
)

func collectSums(t *testing.T, reader *sdkmetric.ManualReader) map[string][]metricdata.DataPoint[int64] {
	t.Helper()

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}

	out := make(map[string][]metricdata.DataPoint[int64])
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			out[m.Name] = append(out[m.Name], sum.DataPoints...)
		}
	}
	return out
}

func TestRecorder_CountsWithAttributes(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = provider.Shutdown(context.Background()) }()

	recorder, err := NewRecorder(provider.Meter("test"))
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}

	ctx := context.Background()
	recorder.Emitted(ctx, "druid")
	recorder.Emitted(ctx, "druid")
	recorder.Emitted(ctx, "github")
	recorder.Rejected(ctx, "/pagerduty", "unknown_alert")
	recorder.Request(ctx, "/druid", 200)
	recorder.Spooled(ctx, "carbon", 2)
	recorder.Spooled(ctx, "carbon", -1)

	sums := collectSums(t, reader)

	emitted := sums["backstop.events.emitted"]
	counts := map[string]int64{}
	for _, dp := range emitted {
		source, _ := dp.Attributes.Value(attribute.Key("source"))
		counts[source.AsString()] = dp.Value
	}
	if counts["druid"] != 2 || counts["github"] != 1 {
		t.Fatalf("unexpected emitted counts: %v", counts)
	}

	rejected := sums["backstop.payloads.rejected"]
	if len(rejected) != 1 || rejected[0].Value != 1 {
		t.Fatalf("unexpected rejected points: %+v", rejected)
	}
	kind, _ := rejected[0].Attributes.Value(attribute.Key("kind"))
	if kind.AsString() != "unknown_alert" {
		t.Fatalf("unexpected kind attribute: %q", kind.AsString())
	}

	spooled := sums["backstop.relay.spooled"]
	if len(spooled) != 1 || spooled[0].Value != 1 {
		t.Fatalf("unexpected spool depth: %+v", spooled)
	}
}

func TestRecorder_NilIsNoop(t *testing.T) {
	var recorder *Recorder
	ctx := context.Background()
	recorder.Emitted(ctx, "x")
	recorder.Rejected(ctx, "/x", "y")
	recorder.Request(ctx, "/x", 200)
	recorder.RelayBatch(ctx, "r", "sent")
	recorder.Spooled(ctx, "r", 1)
	recorder.Published(ctx, "s")
}

func TestNewProvider_DisabledUsesNoop(t *testing.T) {
	provider, err := NewProvider(context.Background(), config.TelemetryConfig{}, "test")
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	if _, err := NewRecorder(provider.Meter()); err != nil {
		t.Fatalf("recorder on noop meter: %v", err)
	}
	if err := provider.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestStripScheme(t *testing.T) {
	cases := map[string]string{
		"http://collector:4318/": "collector:4318",
		"https://otel.local":     "otel.local",
		"localhost:4318":         "localhost:4318",
	}
	for in, want := range cases {
		if got := stripScheme(in); got != want {
			t.Fatalf("%q: got %q want %q", in, got, want)
		}
	}
}
