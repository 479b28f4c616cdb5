package producer

import (
	"context"
	"fmt"

	"dataflow/internal/message"
	"dataflow/internal/metrics"
	"dataflow/internal/publisher"

	"go.uber.org/zap"
)

// natsProducer publishes every flushed message to a JetStream subject.
type natsProducer struct {
	pub         publisher.Publisher
	subject     string
	retries     int
	encoder     Encoder
	partition   Partitioner
	pending     []publisher.Item
	last        string
	logger      *zap.Logger
	promMetrics *metrics.Metrics
}

func (p *natsProducer) Write(msg *message.Message) error {
	data, err := p.encoder.Encode(msg)
	if err != nil {
		return err
	}
	subject := publisher.Subject(p.subject, p.partition.Key(msg))
	p.pending = append(p.pending, publisher.Item{Subject: subject, Data: append([]byte(nil), data...)})
	return nil
}

// Flush publishes buffered messages in one batch when the publisher
// supports it, retrying the ones that were not acknowledged.
func (p *natsProducer) Flush(ctx context.Context) error {
	if len(p.pending) == 0 {
		return nil
	}
	items := p.pending
	p.pending = nil

	retry := items
	if bp, ok := p.pub.(publisher.BatchPublisher); ok {
		failed, err := bp.PublishBatch(ctx, items)
		if err != nil {
			p.logger.Debug("batch publish incomplete, retrying failed items", zap.Int("failed", len(failed)), zap.Error(err))
		}
		retry = make([]publisher.Item, 0, len(failed))
		for _, i := range failed {
			retry = append(retry, items[i])
		}
	}
	for _, item := range retry {
		if err := p.pub.PublishWithRetries(ctx, item.Subject, item.Data, p.retries); err != nil {
			return destinationError(fmt.Sprintf("publish to %s", item.Subject), err)
		}
	}
	p.last = items[len(items)-1].Subject
	p.promMetrics.MessagesWritten.Add(uint64(len(items)))
	p.promMetrics.Flushes.Inc()
	return nil
}

func (p *natsProducer) Drop() {
	p.pending = nil
}

// EOP has no broker equivalent.
func (p *natsProducer) EOP(ctx context.Context) error {
	_ = ctx
	return nil
}

func (p *natsProducer) Close() error {
	p.pending = nil
	return p.pub.Close()
}

func (p *natsProducer) DestInfo() DestInfo {
	return DestInfo{Kind: KindNATS, Subject: p.last}
}
