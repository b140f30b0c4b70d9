// Package resource resizes the scheduler's worker pool from memory pressure.
package resource

import (
	"context"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultInterval is the time between resource checks.
const DefaultInterval = 500 * time.Millisecond

// Resizer is the pool being scaled.
type Resizer interface {
	Capacity() int
	Resize(n int) error
}

// Sampler returns memory usage as a percentage.
type Sampler func() float64

// HeapUsage reports live heap against memory obtained from the OS.
func HeapUsage() float64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	if m.Sys == 0 {
		return 0
	}
	return float64(m.Alloc) / float64(m.Sys) * 100
}

// Options configures an Autoscaler.
type Options struct {
	MinWorkers   int
	MaxWorkers   int
	TargetMemory float64 // percent
	Interval     time.Duration
	// ScaleUpDelay is the cool-down after a scale-down before growing again.
	ScaleUpDelay time.Duration
	Sampler      Sampler
	Logger       zerolog.Logger
}

// Autoscaler shrinks the pool by a quarter when memory exceeds the target,
// by a tenth when it nears it, and grows it by one worker when usage stays
// under 60% of the target after the cool-down. Resizing never touches tasks
// already in flight.
type Autoscaler struct {
	mu            sync.Mutex
	pool          Resizer
	opts          Options
	lastScaleDown time.Time
	memUsage      float64
	log           zerolog.Logger
	freeMemory    func()
}

// NewAutoscaler creates an autoscaler for pool.
func NewAutoscaler(pool Resizer, opts Options) *Autoscaler {
	if opts.MinWorkers < 1 {
		opts.MinWorkers = 1
	}
	if opts.MaxWorkers < opts.MinWorkers {
		opts.MaxWorkers = opts.MinWorkers
	}
	if opts.TargetMemory <= 0 {
		opts.TargetMemory = 70
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.ScaleUpDelay <= 0 {
		opts.ScaleUpDelay = 30 * time.Second
	}
	if opts.Sampler == nil {
		opts.Sampler = HeapUsage
	}
	return &Autoscaler{
		pool:       pool,
		opts:       opts,
		log:        opts.Logger.With().Str("component", "autoscale").Logger(),
		freeMemory: debug.FreeOSMemory,
	}
}

// Start runs checks every interval until ctx is done.
func (a *Autoscaler) Start(ctx context.Context) {
	ticker := time.NewTicker(a.opts.Interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				a.Check(now)
			}
		}
	}()
}

// MemoryUsage returns the last sampled usage.
func (a *Autoscaler) MemoryUsage() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.memUsage
}

// Check samples memory once and resizes the pool if needed. It returns the
// capacity after the check.
func (a *Autoscaler) Check(now time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	usage := a.opts.Sampler()
	a.memUsage = usage
	current := a.pool.Capacity()
	target := a.opts.TargetMemory

	switch {
	case usage > target:
		a.freeMemory()
		return a.resize(current, int(float64(current)*0.75), usage, now)
	case usage > target*0.9:
		return a.resize(current, int(float64(current)*0.9), usage, now)
	case usage < target*0.6 && now.Sub(a.lastScaleDown) > a.opts.ScaleUpDelay:
		return a.resize(current, current+1, usage, now)
	}
	return current
}

func (a *Autoscaler) resize(current, next int, usage float64, now time.Time) int {
	next = max(a.opts.MinWorkers, min(a.opts.MaxWorkers, next))
	if next == current {
		return current
	}

	if err := a.pool.Resize(next); err != nil {
		a.log.Warn().Err(err).Int("workers", next).Msg("resize failed")
		return current
	}
	if next < current {
		a.lastScaleDown = now
	}
	a.log.Info().
		Int("from", current).
		Int("to", next).
		Float64("memory_pct", usage).
		Msg("worker pool resized")
	return next
}
