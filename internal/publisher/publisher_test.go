package publisher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubject(t *testing.T) {
	assert.Equal(t, "dataflow.tasks", Subject("dataflow.tasks", ""))
	assert.Equal(t, "dataflow.tasks.done", Subject("dataflow.tasks", "done"))
	assert.Equal(t, "dataflow.tasks.a_b_c_", Subject("dataflow.tasks", "a.b*c>"))
}

func TestMemoryPublisher_Retries(t *testing.T) {
	p := NewMemoryPublisher(nil)
	p.Err = errors.New("unavailable")
	p.FailNext = 2

	require.Error(t, p.PublishWithRetries(context.Background(), "s", []byte("x"), 1))
	require.NoError(t, p.PublishWithRetries(context.Background(), "s", []byte("y"), 1))

	items := p.Items()
	require.Len(t, items, 1)
	assert.Equal(t, Item{Subject: "s", Data: []byte("y")}, items[0])
}

func TestMemoryPublisher_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, NewMemoryPublisher(nil).Publish(ctx, "s", nil), context.Canceled)
}

func TestJetStreamPublisher_NotConnected(t *testing.T) {
	p := NewJetStreamPublisher(JetStreamOptions{}, nil)
	assert.Error(t, p.Connect(), "no URLs")
	assert.Error(t, p.Publish(context.Background(), "s", nil))
	_, err := p.PublishBatch(context.Background(), []Item{{Subject: "s"}})
	assert.Error(t, err)
	assert.NoError(t, p.Close())
}

func TestRetryDelay(t *testing.T) {
	assert.Equal(t, time.Second, retryDelay(time.Second, -1))
	assert.Equal(t, time.Second, retryDelay(time.Second, 0))
	assert.Equal(t, 4*time.Second, retryDelay(time.Second, 2))
	assert.Equal(t, 8*time.Second, retryDelay(time.Second, 10))
	assert.Equal(t, 400*time.Millisecond, retryDelay(100*time.Millisecond, 2))
}
