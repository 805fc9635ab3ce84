package events

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tick(product string, bid, ask int64) TickEvent {
	return TickEvent{
		Product: product,
		Bid:     decimal.NewFromInt(bid),
		Ask:     decimal.NewFromInt(ask),
		Time:    time.Now(),
	}
}

func TestTickQueuePublishConsume(t *testing.T) {
	q := NewTickQueue(4)

	require.True(t, q.Publish(tick("IF2401", 100, 101)))

	ev, ok := q.Consume(50 * time.Millisecond)
	require.True(t, ok)
	assert.Equal(t, "IF2401", ev.Product)
	assert.True(t, ev.Bid.Equal(decimal.NewFromInt(100)))
}

func TestTickQueueDropsWhenFull(t *testing.T) {
	q := NewTickQueue(2)

	assert.True(t, q.Publish(tick("A", 1, 2)))
	assert.True(t, q.Publish(tick("A", 1, 2)))

	// Third publish must not block and must report the drop.
	done := make(chan bool, 1)
	go func() { done <- q.Publish(tick("A", 1, 2)) }()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full queue")
	}
	assert.Equal(t, 2, q.Len())
}

func TestTickQueueConsumeTimeout(t *testing.T) {
	q := NewTickQueue(1)

	start := time.Now()
	_, ok := q.Consume(20 * time.Millisecond)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestLogQueueDrainBatchBounded(t *testing.T) {
	q := NewLogQueue(16)
	for i := 0; i < 10; i++ {
		require.True(t, q.Publish(Notification{Kind: NoteFill}))
	}

	var seen int
	drained := q.DrainBatch(4, func(Notification) { seen++ })
	assert.Equal(t, 4, drained)
	assert.Equal(t, 4, seen)
	assert.Equal(t, 6, q.Len())

	// Draining more than available returns what is there.
	drained = q.DrainBatch(100, func(Notification) {})
	assert.Equal(t, 6, drained)
	assert.Equal(t, 0, q.Len())
}

func TestLogQueueOverflow(t *testing.T) {
	q := NewLogQueue(1)
	assert.True(t, q.Publish(Notification{Kind: NoteRetry}))
	assert.False(t, q.Publish(Notification{Kind: NoteRetry}))
}
