package metrics

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v4/mem"
)

// RAMCollector scrapes host memory totals and utilization.
type RAMCollector struct{}

// NewRAMCollector creates a memory collector.
func NewRAMCollector() *RAMCollector {
	return &RAMCollector{}
}

// Name returns "ram".
func (c *RAMCollector) Name() string {
	return "ram"
}

// Scrape emits one "total" point; "free" is available memory, not the kernel's free pages.
func (c *RAMCollector) Scrape(ctx context.Context) ([]Point, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("read virtual memory: %w", err)
	}

	return []Point{{
		Key: "total",
		Values: map[string]float64{
			"total": float64(vm.Total),
			"used":  float64(vm.Used),
			"free":  float64(vm.Available),
			"util":  utilization(vm.Used, vm.Total),
		},
	}}, nil
}
