package producer

import (
	"context"
	"io"

	"dataflow/internal/message"
	"dataflow/internal/metrics"
	"dataflow/internal/stream"
)

// streamProducer writes to a single descriptor, standard output by default.
type streamProducer struct {
	out         *stream.OutputStream
	encoder     Encoder
	promMetrics *metrics.Metrics
}

// keepOpen hides Close so the producer never closes standard output.
type keepOpen struct {
	io.Writer
}

func newStreamProducer(w io.Writer, builder stream.Builder, enc Encoder) *streamProducer {
	return &streamProducer{
		out:         builder.Output(keepOpen{w}),
		encoder:     enc,
		promMetrics: metrics.GlobalMetrics,
	}
}

func (p *streamProducer) Write(msg *message.Message) error {
	data, err := p.encoder.Encode(msg)
	if err != nil {
		return err
	}
	p.out.Write(data)
	return nil
}

func (p *streamProducer) Flush(ctx context.Context) error {
	_ = ctx
	n := p.out.Pending()
	if err := p.out.Flush(); err != nil {
		return destinationError("flush stdout", err)
	}
	p.promMetrics.MessagesWritten.Add(uint64(n))
	p.promMetrics.Flushes.Inc()
	return nil
}

func (p *streamProducer) Drop() {
	p.out.Drop()
}

func (p *streamProducer) EOP(ctx context.Context) error {
	_ = ctx
	if err := p.out.EOP(); err != nil {
		return destinationError("write eop", err)
	}
	return nil
}

func (p *streamProducer) Close() error {
	return p.out.Close()
}

func (p *streamProducer) DestInfo() DestInfo {
	return DestInfo{Kind: KindStdout}
}
