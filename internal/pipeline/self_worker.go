package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"backstop/internal/metrics"
	"backstop/internal/normalize"
)

const sourceSelf = "self"

var hostEscaper = normalize.NewEscaper(".", "_")

// selfWorker scrapes gateway host/process metrics and emits them as
// "<prefix>.<host>.<collector>.<key>.<value>" events.
type selfWorker struct {
	prefix     string
	host       string
	interval   time.Duration
	collectors []metrics.Collector
	sink       Sink
	logger     *slog.Logger
	now        func() time.Time
}

// newSelfWorker validates schedule and dependencies.
// Params: prefix/host name the series; interval scrape period; collectors; sink destination; logger.
// Returns: worker or configuration error.
func newSelfWorker(
	prefix string,
	host string,
	interval time.Duration,
	collectors []metrics.Collector,
	sink Sink,
	logger *slog.Logger,
) (*selfWorker, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("self interval must be > 0")
	}
	if sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if len(collectors) == 0 {
		return nil, fmt.Errorf("self collectors are empty")
	}
	return &selfWorker{
		prefix:     prefix,
		host:       hostEscaper.Escape(host),
		interval:   interval,
		collectors: collectors,
		sink:       sink,
		logger:     logger,
		now:        time.Now,
	}, nil
}

// run scrapes on every tick until ctx is canceled.
func (w *selfWorker) run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Warm-up: cpu percent needs a previous sample.
	w.scrapeOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.scrapeOnce(ctx)
		}
	}
}

// scrapeOnce emits every collector's points; a failing collector is logged and skipped.
func (w *selfWorker) scrapeOnce(ctx context.Context) int {
	stamp := w.now().Unix()
	emitted := 0

	for _, collector := range w.collectors {
		points, err := collector.Scrape(ctx)
		if err != nil {
			w.logger.Error("scrape failed", slog.String("collector", collector.Name()), slog.String("error", err.Error()))
			continue
		}

		for _, event := range w.events(collector.Name(), points, stamp) {
			if err := w.sink.Emit(ctx, event); err != nil {
				w.logger.Warn("self metric emit failed", slog.String("name", event.Name), slog.String("error", err.Error()))
				return emitted
			}
			emitted++
		}
	}
	return emitted
}

// events flattens points in key then value order so output is stable.
func (w *selfWorker) events(collector string, points []metrics.Point, stamp int64) []normalize.MetricEvent {
	var out []normalize.MetricEvent
	for _, point := range points {
		names := make([]string, 0, len(point.Values))
		for name := range point.Values {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			out = append(out, normalize.MetricEvent{
				Name:      normalize.BuildPath(w.prefix, w.host, collector, point.Key, name),
				Value:     point.Values[name],
				Timestamp: stamp,
				Source:    sourceSelf,
			})
		}
	}
	return out
}
