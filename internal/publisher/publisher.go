package publisher

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Publisher pushes encoded messages to a broker subject.
type Publisher interface {
	Connect() error
	Publish(ctx context.Context, subject string, data []byte) error
	PublishWithRetries(ctx context.Context, subject string, data []byte, maxRetries int) error
	Close() error
}

// Item is one payload addressed to a subject.
type Item struct {
	Subject string
	Data    []byte
}

// BatchPublisher publishes a batch asynchronously and waits for every ack.
type BatchPublisher interface {
	Publisher
	// PublishBatch returns the indices of items that were not acknowledged
	// and the first error seen.
	PublishBatch(ctx context.Context, items []Item) ([]int, error)
}

// MemoryPublisher keeps published payloads in memory. Used by tests and
// dry runs.
type MemoryPublisher struct {
	mu       sync.Mutex
	items    []Item
	logger   *zap.Logger
	FailNext int
	Err      error
}

func NewMemoryPublisher(logger *zap.Logger) *MemoryPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryPublisher{logger: logger}
}

func (p *MemoryPublisher) Connect() error { return nil }

func (p *MemoryPublisher) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailNext > 0 {
		p.FailNext--
		return p.Err
	}
	p.items = append(p.items, Item{Subject: subject, Data: append([]byte(nil), data...)})
	p.logger.Debug("memory publisher stored message", zap.String("subject", subject))
	return nil
}

func (p *MemoryPublisher) PublishWithRetries(ctx context.Context, subject string, data []byte, maxRetries int) error {
	var err error
	for i := 0; i <= maxRetries; i++ {
		if err = p.Publish(ctx, subject, data); err == nil {
			return nil
		}
	}
	return err
}

func (p *MemoryPublisher) Close() error { return nil }

// Items returns a copy of everything published so far.
func (p *MemoryPublisher) Items() []Item {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Item(nil), p.items...)
}

// Subject joins a base subject with an optional partition token. Characters
// NATS treats specially are replaced.
func Subject(base, partition string) string {
	if partition == "" {
		return base
	}
	token := strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, partition)
	var sb strings.Builder
	sb.Grow(len(base) + 1 + len(token))
	sb.WriteString(base)
	sb.WriteByte('.')
	sb.WriteString(token)
	return sb.String()
}
