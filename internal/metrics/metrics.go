package metrics

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Counter is an in-process counter named after the value it counts. Stage
// summaries and progress lines are built from these.
type Counter struct {
	n    atomic.Uint64
	name string
}

func NewCounter(name string) *Counter {
	return &Counter{name: name}
}

func (c *Counter) Inc()          { c.n.Add(1) }
func (c *Counter) Add(n uint64)  { c.n.Add(n) }
func (c *Counter) Value() uint64 { return c.n.Load() }
func (c *Counter) Name() string  { return c.name }

// Reporter logs a progress line with every counter and its growth since
// the previous line.
type Reporter struct {
	interval time.Duration
	counters []*Counter
	last     []uint64
	logger   *zap.Logger
}

func NewReporter(interval time.Duration, counters []*Counter, logger *zap.Logger) *Reporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reporter{
		interval: interval,
		counters: counters,
		last:     make([]uint64, len(counters)),
		logger:   logger,
	}
}

// Start reports until ctx is done. A non-positive interval disables it.
func (r *Reporter) Start(ctx context.Context) {
	if r.interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.report()
			}
		}
	}()
}

func (r *Reporter) report() {
	fields := Fields(r.counters)
	for i, c := range r.counters {
		v := c.Value()
		fields = append(fields, zap.Uint64(c.name+"_delta", v-r.last[i]))
		r.last[i] = v
	}
	r.logger.Info("progress", fields...)
}

// Fields renders counters as log fields.
func Fields(counters []*Counter) []zap.Field {
	fields := make([]zap.Field, 0, len(counters))
	for _, c := range counters {
		fields = append(fields, zap.Uint64(c.name, c.Value()))
	}
	return fields
}
