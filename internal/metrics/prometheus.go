package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "dataflow"

// PrometheusCounter exports a counter to Prometheus and keeps a local copy
// so the run summary can be logged without scraping.
type PrometheusCounter struct {
	counter prometheus.Counter
	local   *Counter
}

func NewPrometheusCounter(subsystem, name, help string) *PrometheusCounter {
	return &PrometheusCounter{
		counter: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		}),
		local: NewCounter(name),
	}
}

func (c *PrometheusCounter) Inc() {
	c.counter.Inc()
	c.local.Inc()
}

func (c *PrometheusCounter) Add(n uint64) {
	c.counter.Add(float64(n))
	c.local.Add(n)
}

func (c *PrometheusCounter) Value() uint64 {
	return c.local.Value()
}

// Local is the in-process view of the counter.
func (c *PrometheusCounter) Local() *Counter {
	return c.local
}

type PrometheusHistogram struct {
	histogram prometheus.Histogram
}

func NewPrometheusHistogram(subsystem, name, help string, buckets []float64) *PrometheusHistogram {
	return &PrometheusHistogram{
		histogram: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		}),
	}
}

func (h *PrometheusHistogram) Observe(value uint64) {
	h.histogram.Observe(float64(value))
}

// Metrics is the registry of all stage metrics.
type Metrics struct {
	// Consumer
	MessagesRead   *PrometheusCounter
	DecodeErrors   *PrometheusCounter
	SourcesOpened  *PrometheusCounter
	SourceFailures *PrometheusCounter

	// Stage
	TransformFailures *PrometheusCounter
	Skipped           *PrometheusCounter
	EncodeErrors      *PrometheusCounter
	TransformLatency  *PrometheusHistogram

	// Producer
	MessagesWritten *PrometheusCounter
	Flushes         *PrometheusCounter

	// Publisher
	Published       *PrometheusCounter
	PublishFailures *PrometheusCounter
}

func NewMetrics() *Metrics {
	return &Metrics{
		MessagesRead: NewPrometheusCounter("consumer", "messages_read_total",
			"Messages read from all sources"),
		DecodeErrors: NewPrometheusCounter("consumer", "decode_errors_total",
			"Input spans that could not be decoded"),
		SourcesOpened: NewPrometheusCounter("consumer", "sources_opened_total",
			"Sources opened for reading"),
		SourceFailures: NewPrometheusCounter("consumer", "source_failures_total",
			"Sources skipped because they could not be opened or read"),

		TransformFailures: NewPrometheusCounter("stage", "transform_failures_total",
			"Input messages dropped because the transform failed"),
		Skipped: NewPrometheusCounter("stage", "skipped_total",
			"Input messages filtered out by the transform"),
		EncodeErrors: NewPrometheusCounter("stage", "encode_errors_total",
			"Input messages dropped because an output could not be encoded"),
		TransformLatency: NewPrometheusHistogram("stage", "transform_latency_microseconds",
			"Transform latency in microseconds",
			[]float64{10, 50, 100, 500, 1000, 5000, 10000, 100000}),

		MessagesWritten: NewPrometheusCounter("producer", "messages_written_total",
			"Messages flushed to the destination"),
		Flushes: NewPrometheusCounter("producer", "flushes_total",
			"Producer flushes"),

		Published: NewPrometheusCounter("publisher", "jetstream_published_total",
			"Messages acknowledged by JetStream"),
		PublishFailures: NewPrometheusCounter("publisher", "jetstream_failures_total",
			"JetStream publish attempts that failed"),
	}
}

// Summary lists the counters reported at the end of a run.
func (m *Metrics) Summary() []*Counter {
	return []*Counter{
		m.MessagesRead.Local(),
		m.DecodeErrors.Local(),
		m.TransformFailures.Local(),
		m.Skipped.Local(),
		m.EncodeErrors.Local(),
		m.MessagesWritten.Local(),
		m.SourceFailures.Local(),
	}
}

var GlobalMetrics = NewMetrics()
