package metrics

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/mem"
	goprocess "github.com/shirou/gopsutil/v4/process"
)

type ioSnapshot struct {
	at         time.Time
	readCount  uint64
	writeCount uint64
}

// ProcessCollector scrapes the gateway's own process: CPU, RSS, threads, fds and IO rate.
type ProcessCollector struct {
	pid int32

	mu   sync.Mutex
	proc *goprocess.Process
	prev *ioSnapshot
}

// NewProcessCollector creates a collector bound to the current pid.
func NewProcessCollector() *ProcessCollector {
	return &ProcessCollector{pid: int32(os.Getpid())}
}

// Name returns "process".
func (c *ProcessCollector) Name() string {
	return "process"
}

// Scrape emits one "self" point. Counters that the platform does not expose are omitted.
// Params: ctx for cancellation.
// Returns: one point or error when the process handle or memory info cannot be read.
func (c *ProcessCollector) Scrape(ctx context.Context) ([]Point, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.proc == nil {
		proc, err := goprocess.NewProcessWithContext(ctx, c.pid)
		if err != nil {
			return nil, fmt.Errorf("open process %d: %w", c.pid, err)
		}
		c.proc = proc
	}

	memInfo, err := c.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("read process memory: %w", err)
	}

	values := map[string]float64{
		"rss":        float64(memInfo.RSS),
		"goroutines": float64(runtime.NumGoroutine()),
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		values["ram_util"] = utilization(memInfo.RSS, vm.Total)
	}
	if cpuUtil, err := c.proc.PercentWithContext(ctx, 0); err == nil {
		values["cpu_util"] = cpuUtil
	}
	if threads, err := c.proc.NumThreadsWithContext(ctx); err == nil {
		values["threads"] = float64(threads)
	}
	if fds, err := c.proc.NumFDsWithContext(ctx); err == nil {
		values["fds"] = float64(fds)
	}
	if ioStat, err := c.proc.IOCountersWithContext(ctx); err == nil {
		now := time.Now()
		if c.prev != nil {
			if seconds := now.Sub(c.prev.at).Seconds(); seconds > 0 {
				delta := positiveDelta(ioStat.ReadCount, c.prev.readCount) + positiveDelta(ioStat.WriteCount, c.prev.writeCount)
				values["iops"] = float64(delta) / seconds
			}
		}
		c.prev = &ioSnapshot{at: now, readCount: ioStat.ReadCount, writeCount: ioStat.WriteCount}
	}

	return []Point{{Key: "self", Values: values}}, nil
}

// positiveDelta treats counter resets as zero progress.
func positiveDelta(current, previous uint64) uint64 {
	if current < previous {
		return 0
	}
	return current - previous
}
