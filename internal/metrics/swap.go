package metrics

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v4/mem"
)

// SwapCollector scrapes host swap usage.
type SwapCollector struct{}

// NewSwapCollector creates a swap collector.
func NewSwapCollector() *SwapCollector {
	return &SwapCollector{}
}

// Name returns "swap".
func (c *SwapCollector) Name() string {
	return "swap"
}

// Scrape emits one "total" point.
func (c *SwapCollector) Scrape(ctx context.Context) ([]Point, error) {
	sm, err := mem.SwapMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("read swap memory: %w", err)
	}

	return []Point{{
		Key: "total",
		Values: map[string]float64{
			"total": float64(sm.Total),
			"used":  float64(sm.Used),
			"util":  utilization(sm.Used, sm.Total),
		},
	}}, nil
}
