package consumer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"dataflow/internal/checkpoint"
	"dataflow/internal/message"
	"dataflow/internal/metrics"
	"dataflow/internal/stream"

	"go.uber.org/zap"
)

// ErrNoReadableSource is returned when every configured source failed.
var ErrNoReadableSource = errors.New("no readable source")

type entry struct {
	src       Source
	exhausted bool
}

// Consumer reads messages from its sources one after another, moving on to
// the next source in round robin order when the current one is exhausted
// or fails. It is not safe for concurrent use.
type Consumer struct {
	cfg         Config
	deps        Deps
	builder     stream.Builder
	backend     backend
	entries     []*entry
	cur         int
	listed      bool
	in          *stream.InputStream
	opened      int
	failed      int
	tracker     *checkpoint.Tracker
	logger      *zap.Logger
	promMetrics *metrics.Metrics
}

// Next returns the next decoded message. It returns io.EOF once all sources
// are exhausted, ErrNoReadableSource when none of them could be read, and a
// *message.DecodeError for a malformed message; the consumer stays usable
// after a decode error.
func (c *Consumer) Next(ctx context.Context) (*message.Message, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if c.in == nil {
			ok, err := c.advance(ctx)
			if err != nil {
				return nil, err
			}
			if !ok {
				if c.opened == 0 && c.failed > 0 {
					return nil, fmt.Errorf("%w: %d source(s) failed", ErrNoReadableSource, c.failed)
				}
				return nil, io.EOF
			}
		}

		msg, err := c.in.Next()
		var decErr *message.DecodeError
		switch {
		case err == nil:
			c.promMetrics.MessagesRead.Inc()
			o := msg.Origin()
			o.Path = c.current().Path
			msg.SetOrigin(o)
			return msg, nil
		case errors.As(err, &decErr):
			c.promMetrics.DecodeErrors.Inc()
			return nil, err
		case errors.Is(err, io.EOF):
			c.finish(ctx, true)
		default:
			c.logger.Warn("source read failed, moving to next source",
				zap.String("source", c.current().Display()), zap.Error(err))
			c.promMetrics.SourceFailures.Inc()
			c.failed++
			c.finish(ctx, false)
		}
	}
}

// SourceInfo describes the source currently being read.
func (c *Consumer) SourceInfo() (Source, bool) {
	if c.in == nil {
		return Source{}, false
	}
	return c.current(), true
}

// Position is the index of the last span read from the current source,
// counting malformed ones. It is 0 when no source is open.
func (c *Consumer) Position() int64 {
	if c.in == nil {
		return 0
	}
	return c.in.Position()
}

// Reset closes the open stream and re-arms every known source, so the next
// call starts over from the first one.
func (c *Consumer) Reset() error {
	err := c.closeStream()
	for _, e := range c.entries {
		e.exhausted = false
	}
	c.cur = -1
	c.opened = 0
	c.failed = 0
	return err
}

// Reconfigure closes open streams and replaces the source set.
func (c *Consumer) Reconfigure(cfg Config) error {
	b, builder, err := newBackend(cfg, c.deps)
	if err != nil {
		return err
	}
	closeErr := c.closeStream()
	c.cfg = cfg
	c.backend = b
	c.builder = builder
	c.entries = nil
	c.cur = -1
	c.listed = false
	c.opened = 0
	c.failed = 0
	return closeErr
}

// Close releases the open stream. Safe to call more than once.
func (c *Consumer) Close() error {
	return c.closeStream()
}

func (c *Consumer) current() Source {
	if c.cur < 0 || c.cur >= len(c.entries) {
		return Source{}
	}
	return c.entries[c.cur].src
}

func (c *Consumer) closeStream() error {
	if c.in == nil {
		return nil
	}
	err := c.in.Close()
	c.in = nil
	return err
}

// advance opens the next readable source. It returns false when none is left.
func (c *Consumer) advance(ctx context.Context) (bool, error) {
	n := len(c.entries)
	for i := 1; i <= n; i++ {
		j := (c.cur + i) % n
		if c.entries[j].exhausted {
			continue
		}
		if c.open(ctx, j) {
			return true, nil
		}
	}
	for !c.listed {
		src, err := c.backend.next(ctx)
		if errors.Is(err, io.EOF) {
			c.listed = true
			break
		}
		if err != nil {
			c.logger.Warn("listing sources failed", zap.Error(err))
			c.promMetrics.SourceFailures.Inc()
			c.failed++
			c.listed = true
			break
		}
		if c.tracker.Skip(ctx, src.Path) {
			c.logger.Info("source already processed, skipping", zap.String("source", src.Display()))
			continue
		}
		c.entries = append(c.entries, &entry{src: src})
		if c.open(ctx, len(c.entries)-1) {
			return true, nil
		}
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return false, nil
}

// open tries the source up to 1+OpenRetries times. A source that can not
// be opened is marked exhausted.
func (c *Consumer) open(ctx context.Context, idx int) bool {
	e := c.entries[idx]
	var err error
	for attempt := 0; attempt <= c.cfg.OpenRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(c.cfg.RetryDelay):
			}
		}
		var rc io.ReadCloser
		rc, err = c.backend.open(ctx, e.src)
		if err == nil {
			c.cur = idx
			c.in = c.builder.Input(e.src.Display(), rc)
			c.opened++
			c.promMetrics.SourcesOpened.Inc()
			c.logger.Debug("source opened", zap.String("source", e.src.Display()))
			return true
		}
		c.logger.Debug("opening source failed", zap.String("source", e.src.Display()),
			zap.Int("attempt", attempt+1), zap.Error(err))
	}
	c.logger.Warn("source can not be opened, skipping", zap.String("source", e.src.Display()), zap.Error(err))
	c.promMetrics.SourceFailures.Inc()
	c.failed++
	e.exhausted = true
	return false
}

func (c *Consumer) finish(ctx context.Context, clean bool) {
	src := c.current()
	if err := c.closeStream(); err != nil {
		c.logger.Debug("closing source failed", zap.String("source", src.Display()), zap.Error(err))
	}
	if c.cur >= 0 {
		c.entries[c.cur].exhausted = true
	}
	if clean {
		c.tracker.Done(ctx, src.Path)
	}
}
