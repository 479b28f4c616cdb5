package stage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"dataflow/internal/consumer"
	"dataflow/internal/message"
	"dataflow/internal/metrics"
	"dataflow/internal/producer"
	"dataflow/internal/transformer"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ErrSkip lets a transform filter a message out. It is not a failure.
var ErrSkip = transformer.ErrSkip

// FatalError ends a run with a non-zero status.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// Consumer is the input side of a stage.
type Consumer interface {
	Next(ctx context.Context) (*message.Message, error)
	SourceInfo() (consumer.Source, bool)
	Position() int64
	Close() error
}

type Config struct {
	// ReportInterval enables periodic progress logging.
	ReportInterval time.Duration
}

// Stage drives the read, transform, write loop. Either side may be nil: a
// stage without consumer calls the transform once with a nil message, a
// stage without producer discards the transform output.
type Stage struct {
	cfg         Config
	consumer    Consumer
	producer    producer.Producer
	transformer transformer.Transformer
	stopped     atomic.Bool
	runID       string
	logger      *zap.Logger
	promMetrics *metrics.Metrics
}

func New(cfg Config, cons Consumer, prod producer.Producer, t transformer.Transformer, logger *zap.Logger) *Stage {
	if logger == nil {
		logger = zap.NewNop()
	}
	runID := uuid.NewString()
	return &Stage{
		cfg:         cfg,
		consumer:    cons,
		producer:    prod,
		transformer: t,
		runID:       runID,
		logger:      logger.With(zap.String("run_id", runID)),
		promMetrics: metrics.GlobalMetrics,
	}
}

// Stop asks the loop to end at the next message boundary. Safe to call
// from a signal handler goroutine.
func (s *Stage) Stop() {
	s.stopped.Store(true)
}

func (s *Stage) Stopped() bool {
	return s.stopped.Load()
}

func (s *Stage) RunID() string {
	return s.runID
}

// Run processes input until it is exhausted or Stop is called, then writes
// the EOP marker and closes both sides. Errors returned are *FatalError.
func (s *Stage) Run(ctx context.Context) error {
	s.logger.Info("starting stage execution")
	reportCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	metrics.NewReporter(s.cfg.ReportInterval, s.promMetrics.Summary(), s.logger).Start(reportCtx)

	var runErr error
	if s.consumer == nil {
		runErr = s.generate(ctx)
	} else {
		runErr = s.loop(ctx)
	}
	if runErr == nil && s.producer != nil {
		if err := s.producer.EOP(ctx); err != nil {
			runErr = &FatalError{Op: "finalize output", Err: err}
		}
	}
	closeErr := s.close()

	fields := metrics.Fields(s.promMetrics.Summary())
	if runErr != nil {
		s.logger.Error("stage failed", append(fields, zap.Error(runErr))...)
		if closeErr != nil {
			s.logger.Warn("closing stage failed", zap.Error(closeErr))
		}
		return runErr
	}
	if closeErr != nil {
		return &FatalError{Op: "close", Err: closeErr}
	}
	s.logger.Info("stage finished", fields...)
	return nil
}

func (s *Stage) generate(ctx context.Context) error {
	if s.Stopped() {
		return nil
	}
	return s.process(ctx, nil)
}

func (s *Stage) loop(ctx context.Context) error {
	for {
		if s.Stopped() {
			s.logger.Info("stop requested, finishing at message boundary")
			return nil
		}
		msg, err := s.consumer.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		var decErr *message.DecodeError
		if errors.As(err, &decErr) {
			src, _ := s.consumer.SourceInfo()
			s.logger.Warn("skipping malformed input message",
				zap.String("source", src.Display()),
				zap.Int64("index", s.consumer.Position()),
				zap.Error(err))
			continue
		}
		if err != nil {
			return &FatalError{Op: "read input", Err: err}
		}
		if err := s.process(ctx, msg); err != nil {
			return err
		}
	}
}

// process runs one input message through the transform and the producer.
// Only destination failures are returned; everything else drops the
// message's output and is logged.
func (s *Stage) process(ctx context.Context, in *message.Message) error {
	start := time.Now()
	outs, err := s.transform(ctx, in)
	s.promMetrics.TransformLatency.Observe(uint64(time.Since(start).Microseconds()))
	if err != nil {
		s.drop()
		if errors.Is(err, ErrSkip) {
			s.promMetrics.Skipped.Inc()
			s.logger.Debug("input message skipped", append(inputFields(in), zap.Error(err))...)
			return nil
		}
		s.promMetrics.TransformFailures.Inc()
		s.logger.Warn("processing failed, input message dropped", append(inputFields(in), zap.Error(err))...)
		return nil
	}
	if s.producer == nil {
		return nil
	}
	for _, out := range outs {
		if out == nil {
			continue
		}
		if in != nil && out.Origin() == (message.Origin{}) {
			out.SetOrigin(in.Origin())
		}
		if err := s.producer.Write(out); err != nil {
			s.drop()
			if errors.Is(err, producer.ErrDestination) {
				return &FatalError{Op: "write output", Err: err}
			}
			s.promMetrics.EncodeErrors.Inc()
			s.logger.Warn("output message can not be encoded, input message dropped", append(inputFields(in), zap.Error(err))...)
			return nil
		}
	}
	if err := s.producer.Flush(ctx); err != nil {
		s.drop()
		return &FatalError{Op: "flush output", Err: err}
	}
	return nil
}

func (s *Stage) transform(ctx context.Context, in *message.Message) (outs []*message.Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transform panicked: %v", r)
		}
	}()
	return s.transformer.Transform(ctx, in)
}

func (s *Stage) drop() {
	if s.producer != nil {
		s.producer.Drop()
	}
}

func (s *Stage) close() error {
	var err error
	if s.consumer != nil {
		err = multierr.Append(err, s.consumer.Close())
	}
	if s.producer != nil {
		err = multierr.Append(err, s.producer.Close())
	}
	return err
}

func inputFields(in *message.Message) []zap.Field {
	if in == nil {
		return nil
	}
	o := in.Origin()
	return []zap.Field{
		zap.String("source", o.Source),
		zap.Int64("index", o.Index),
		zap.String("fragment", message.Excerpt(in.Original(), message.MaxExcerpt)),
	}
}
