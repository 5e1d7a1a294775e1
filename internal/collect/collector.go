// Package collect feeds the metric store.
//
// Each collector runs as its own goroutine on a shared cadence, pulls
// one metric family from the host, and writes it to the store. A
// failed pull logs and leaves the previous reading in place — the
// store tracks staleness, collectors never invent values.
//
// System families (CPU, memory, disk, process table) come from
// gopsutil. The service table and the event log are host-manager
// specific, so those collectors consume narrow interfaces the platform
// adapter implements; tests and the simulator plug fakes into the same
// seam.

package collect

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/warden-agent/warden/internal/clock"
)

// Collector is one periodic sampler.
type Collector interface {
	// Name identifies the collector in logs.
	Name() string

	// Collect performs one pull. Errors are reported, not fatal.
	Collect(ctx context.Context) error
}

// Runner drives a set of collectors.
type Runner struct {
	collectors []Collector
	clk        clock.Clock
	log        *zap.Logger
}

// NewRunner builds a Runner over the given collectors.
func NewRunner(clk clock.Clock, log *zap.Logger, collectors ...Collector) *Runner {
	return &Runner{collectors: collectors, clk: clk, log: log}
}

// Run samples every collector once immediately, then on every tick
// until ctx is cancelled. Each collector gets its own goroutine so one
// slow family cannot starve the others.
func (r *Runner) Run(ctx context.Context, interval time.Duration) {
	for _, c := range r.collectors {
		c := c
		go func() {
			r.collectOnce(ctx, c)
			t := r.clk.NewTicker(interval)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.C():
					r.collectOnce(ctx, c)
				}
			}
		}()
	}
}

func (r *Runner) collectOnce(ctx context.Context, c Collector) {
	if err := c.Collect(ctx); err != nil {
		r.log.Warn("collector pull failed — retaining previous values",
			zap.String("collector", c.Name()), zap.Error(err))
	}
}
