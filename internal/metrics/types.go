// Package metrics samples the gateway host and its own process with gopsutil.
package metrics

import "context"

// Point is one keyed group of samples, e.g. key "total" with values "used" and "util".
type Point struct {
	Key    string
	Values map[string]float64
}

// Collector scrapes one subsystem and returns keyed points.
// Params: context for cancellation and deadlines.
// Returns: point list or scrape error.
type Collector interface {
	Name() string
	Scrape(ctx context.Context) ([]Point, error)
}

// DefaultCollectors returns the self-monitoring set: cpu, memory, swap and this process.
func DefaultCollectors() []Collector {
	return []Collector{
		NewCPUCollector(),
		NewRAMCollector(),
		NewSwapCollector(),
		NewProcessCollector(),
	}
}

func utilization(used, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return float64(used) / float64(total) * 100
}
