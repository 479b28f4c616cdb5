package publisher

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"dataflow/internal/metrics"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	DefaultStream     = "DATAFLOW"
	DefaultAckTimeout = 5 * time.Second

	maxRetryDelay = 8 * time.Second
)

var errNotConnected = errors.New("jetstream not connected")

// JetStreamOptions configure the connection and the stream the stage
// output lands in.
type JetStreamOptions struct {
	URLs           []string
	Username       string
	Password       string
	ConnectTimeout time.Duration
	// PublishTimeout bounds the wait for one ack, or for all acks of a batch.
	PublishTimeout time.Duration
	// RetryDelay is the first pause between retries; it doubles up to 8s.
	RetryDelay     time.Duration
	StreamName     string
	StreamSubjects []string
	MaxPending     int
}

// JetStreamPublisher publishes stage output to a JetStream stream and
// waits for the server to acknowledge every message.
type JetStreamPublisher struct {
	opts        JetStreamOptions
	nc          *nats.Conn
	js          nats.JetStreamContext
	logger      *zap.Logger
	promMetrics *metrics.Metrics
}

func NewJetStreamPublisher(opts JetStreamOptions, logger *zap.Logger) *JetStreamPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.StreamName == "" {
		opts.StreamName = DefaultStream
	}
	if len(opts.StreamSubjects) == 0 {
		opts.StreamSubjects = []string{"dataflow.>"}
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = DefaultAckTimeout
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = 256
	}
	return &JetStreamPublisher{
		opts:        opts,
		logger:      logger.With(zap.String("stream", opts.StreamName)),
		promMetrics: metrics.GlobalMetrics,
	}
}

// Connect dials the servers and makes sure the stream exists and listens
// on the configured subjects.
func (p *JetStreamPublisher) Connect() error {
	if len(p.opts.URLs) == 0 {
		return errors.New("connect: no NATS URLs provided")
	}
	nc, err := nats.Connect(strings.Join(p.opts.URLs, ","), p.connectOptions()...)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	js, err := nc.JetStream(nats.PublishAsyncMaxPending(p.opts.MaxPending))
	if err != nil {
		nc.Close()
		return fmt.Errorf("jetstream: %w", err)
	}
	if err := p.declareStream(js); err != nil {
		nc.Close()
		return err
	}
	p.nc, p.js = nc, js
	p.logger.Info("publishing to nats jetstream", zap.String("server", nc.ConnectedUrl()))
	return nil
}

func (p *JetStreamPublisher) connectOptions() []nats.Option {
	opts := []nats.Option{
		nats.Name("dataflow-stage"),
		nats.Timeout(p.opts.ConnectTimeout),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			p.logger.Warn("nats connection lost", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			p.logger.Info("nats connection restored", zap.String("server", nc.ConnectedUrl()))
		}),
	}
	if p.opts.Username != "" {
		opts = append(opts, nats.UserInfo(p.opts.Username, p.opts.Password))
	}
	return opts
}

// declareStream creates the stream, or widens the subjects of an existing
// one so that every configured subject is captured.
func (p *JetStreamPublisher) declareStream(js nats.JetStreamContext) error {
	info, err := js.StreamInfo(p.opts.StreamName)
	switch {
	case errors.Is(err, nats.ErrStreamNotFound):
		_, err = js.AddStream(&nats.StreamConfig{
			Name:      p.opts.StreamName,
			Subjects:  p.opts.StreamSubjects,
			Retention: nats.LimitsPolicy,
			Storage:   nats.FileStorage,
		})
		if err != nil {
			return fmt.Errorf("create stream %s: %w", p.opts.StreamName, err)
		}
		p.logger.Info("stream created", zap.Strings("subjects", p.opts.StreamSubjects))
		return nil
	case err != nil:
		return fmt.Errorf("lookup stream %s: %w", p.opts.StreamName, err)
	}

	cfg := info.Config
	var added []string
	for _, s := range p.opts.StreamSubjects {
		if !slices.Contains(cfg.Subjects, s) {
			cfg.Subjects = append(cfg.Subjects, s)
			added = append(added, s)
		}
	}
	if len(added) == 0 {
		return nil
	}
	if _, err := js.UpdateStream(&cfg); err != nil {
		return fmt.Errorf("update stream %s: %w", p.opts.StreamName, err)
	}
	p.logger.Info("stream subjects added", zap.Strings("subjects", added))
	return nil
}

// Publish sends one message and waits for its ack.
func (p *JetStreamPublisher) Publish(ctx context.Context, subject string, data []byte) error {
	if p.js == nil {
		return errNotConnected
	}
	future, err := p.js.PublishAsync(subject, data)
	if err == nil {
		deadline := time.NewTimer(p.opts.PublishTimeout)
		defer deadline.Stop()
		err = p.await(ctx, future, deadline.C)
	}
	if err != nil {
		p.promMetrics.PublishFailures.Inc()
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	p.promMetrics.Published.Inc()
	return nil
}

// PublishWithRetries retries Publish with a doubling pause. The pause is
// skipped after the last attempt.
func (p *JetStreamPublisher) PublishWithRetries(ctx context.Context, subject string, data []byte, maxRetries int) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = p.Publish(ctx, subject, data); err == nil {
			return nil
		}
		if attempt >= maxRetries {
			return fmt.Errorf("giving up after %d attempt(s): %w", attempt+1, err)
		}
		p.logger.Debug("publish failed, retrying", zap.String("subject", subject), zap.Int("attempt", attempt+1), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryDelay(p.opts.RetryDelay, attempt)):
		}
	}
}

// PublishBatch sends every item without waiting, then collects the acks
// under one deadline for the whole batch. It returns the indices of the
// items that were not acknowledged and the first error seen.
func (p *JetStreamPublisher) PublishBatch(ctx context.Context, items []Item) ([]int, error) {
	if p.js == nil {
		return nil, errNotConnected
	}
	var failed []int
	var firstErr error
	fail := func(i int, err error) {
		failed = append(failed, i)
		if firstErr == nil {
			firstErr = fmt.Errorf("publish to %s: %w", items[i].Subject, err)
		}
	}

	futures := make([]nats.PubAckFuture, len(items))
	for i, item := range items {
		future, err := p.js.PublishAsync(item.Subject, item.Data)
		if err != nil {
			fail(i, err)
			continue
		}
		futures[i] = future
	}

	deadline := time.NewTimer(p.opts.PublishTimeout)
	defer deadline.Stop()
	acked := 0
	for i, future := range futures {
		if future == nil {
			continue
		}
		if err := p.await(ctx, future, deadline.C); err != nil {
			fail(i, err)
			continue
		}
		acked++
	}
	p.promMetrics.Published.Add(uint64(acked))
	p.promMetrics.PublishFailures.Add(uint64(len(failed)))
	if len(failed) > 0 {
		slices.Sort(failed)
	}
	return failed, firstErr
}

// await waits for one ack. A fired deadline stays fired, so every later
// await of the same batch fails fast.
func (p *JetStreamPublisher) await(ctx context.Context, future nats.PubAckFuture, deadline <-chan time.Time) error {
	select {
	case ack := <-future.Ok():
		if ack == nil {
			return errors.New("empty ack")
		}
		p.logger.Debug("message acknowledged", zap.String("subject", future.Msg().Subject), zap.Uint64("seq", ack.Sequence))
		return nil
	case err := <-future.Err():
		return fmt.Errorf("ack: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	case <-deadline:
		return errAckTimeout
	}
}

var errAckTimeout = errors.New("ack timeout")

// Close waits for in-flight messages and closes the connection.
func (p *JetStreamPublisher) Close() error {
	if p.nc == nil {
		return nil
	}
	nc := p.nc
	p.nc, p.js = nil, nil
	if err := nc.Drain(); err != nil {
		return fmt.Errorf("drain nats connection: %w", err)
	}
	return nil
}

func retryDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt && d < maxRetryDelay; i++ {
		d *= 2
	}
	return min(d, maxRetryDelay)
}
