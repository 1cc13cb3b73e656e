package metrics

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v4/cpu"
)

// CPUCollector scrapes host CPU utilization, total and per core.
type CPUCollector struct{}

// NewCPUCollector creates a CPU collector.
func NewCPUCollector() *CPUCollector {
	return &CPUCollector{}
}

// Name returns "cpu".
func (c *CPUCollector) Name() string {
	return "cpu"
}

// Scrape reads utilization since the previous call; the first call reports since boot.
// Params: ctx for cancellation.
// Returns: "total" plus one "coreN" point per core.
func (c *CPUCollector) Scrape(ctx context.Context) ([]Point, error) {
	total, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return nil, fmt.Errorf("read total CPU percent: %w", err)
	}

	perCore, err := cpu.PercentWithContext(ctx, 0, true)
	if err != nil {
		return nil, fmt.Errorf("read per-core CPU percent: %w", err)
	}

	points := make([]Point, 0, len(perCore)+1)
	if len(total) > 0 {
		points = append(points, Point{Key: "total", Values: map[string]float64{"util": total[0]}})
	}
	for idx, util := range perCore {
		points = append(points, Point{
			Key:    fmt.Sprintf("core%d", idx),
			Values: map[string]float64{"util": util},
		})
	}
	return points, nil
}
