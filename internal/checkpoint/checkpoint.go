package checkpoint

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Store remembers which sources a consumer has read to the end, so a
// restarted stage does not feed them through the pipeline again.
type Store interface {
	MarkDone(ctx context.Context, source string) error
	IsDone(ctx context.Context, source string) (bool, error)
}

// MemoryStore keeps processed sources for the lifetime of the process.
type MemoryStore struct {
	mu   sync.Mutex
	done map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{done: make(map[string]struct{})}
}

func (s *MemoryStore) MarkDone(ctx context.Context, source string) error {
	_ = ctx
	s.mu.Lock()
	s.done[source] = struct{}{}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) IsDone(ctx context.Context, source string) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.done[source]
	return ok, nil
}

// Tracker wraps a Store for the consumer. Store failures never stop the
// pipeline: they are logged and the source is treated as not processed.
type Tracker struct {
	store  Store
	logger *zap.Logger
}

func NewTracker(store Store, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{store: store, logger: logger}
}

// Done records a cleanly exhausted source. Unnamed sources are not tracked.
func (t *Tracker) Done(ctx context.Context, source string) {
	if t == nil || t.store == nil || source == "" {
		return
	}
	if err := t.store.MarkDone(ctx, source); err != nil {
		t.logger.Warn("saving checkpoint failed", zap.String("source", source), zap.Error(err))
		return
	}
	t.logger.Debug("source checkpointed", zap.String("source", source))
}

// Skip reports whether source was already processed by an earlier run.
func (t *Tracker) Skip(ctx context.Context, source string) bool {
	if t == nil || t.store == nil || source == "" {
		return false
	}
	done, err := t.store.IsDone(ctx, source)
	if err != nil {
		t.logger.Warn("reading checkpoint failed", zap.String("source", source), zap.Error(err))
		return false
	}
	return done
}
