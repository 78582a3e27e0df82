package governor

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
)

// LoadFunc returns the 1-minute load average divided by the CPU count.
type LoadFunc func(ctx context.Context) (float64, error)

// HostLoad samples the host with gopsutil.
func HostLoad(ctx context.Context) (float64, error) {
	avg, err := load.AvgWithContext(ctx)
	if err != nil {
		return 0, err
	}
	cpus, err := cpu.CountsWithContext(ctx, true)
	if err != nil || cpus < 1 {
		cpus = 1
	}
	return avg.Load1 / float64(cpus), nil
}

// cachedLoad rate-limits sampling so an admission burst reads /proc once.
type cachedLoad struct {
	fn  LoadFunc
	ttl time.Duration

	mu    sync.Mutex
	at    time.Time
	value float64
	err   error
}

func (c *cachedLoad) get(ctx context.Context) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.at.IsZero() && time.Since(c.at) < c.ttl {
		return c.value, c.err
	}
	c.value, c.err = c.fn(ctx)
	c.at = time.Now()
	return c.value, c.err
}
