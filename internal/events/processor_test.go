package events

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestProcessorDispatchesOffPublisherGoroutine(t *testing.T) {
	q := NewTickQueue(8)
	p := NewProcessor(zap.NewNop(), q)

	var count int64
	p.Register(func(TickEvent) { atomic.AddInt64(&count, 1) })
	p.Register(func(TickEvent) { atomic.AddInt64(&count, 1) })

	p.Start()
	defer p.Stop()

	q.Publish(tick("IF2401", 100, 101))
	q.Publish(tick("IF2401", 100, 101))

	assert.Eventually(t, func() bool {
		return atomic.LoadInt64(&count) == 4
	}, time.Second, 10*time.Millisecond)
}

func TestProcessorSurvivesPanickingHandler(t *testing.T) {
	q := NewTickQueue(8)
	p := NewProcessor(zap.NewNop(), q)

	var after int64
	p.Register(func(TickEvent) { panic("boom") })
	p.Register(func(TickEvent) { atomic.AddInt64(&after, 1) })

	p.Start()
	defer p.Stop()

	q.Publish(tick("A", 1, 2))
	q.Publish(tick("A", 1, 2))

	// The handler after the panicking one still runs, for every tick.
	assert.Eventually(t, func() bool {
		return atomic.LoadInt64(&after) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestProcessorStopIsPromptAndIdempotent(t *testing.T) {
	q := NewTickQueue(1)
	p := NewProcessor(zap.NewNop(), q)

	p.Start()
	p.Start() // no-op

	done := make(chan struct{})
	go func() {
		p.Stop()
		p.Stop() // no-op
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return promptly")
	}
}
