package events

import (
	"time"

	"github.com/tradeforge/lotexec/internal/metrics"
)

// TickQueue is the bounded hand-off between the data-feed thread and the
// Processor. Publish never blocks: when the queue is full the tick is dropped
// and counted, keeping the feed callback at an O(1) cost.
type TickQueue struct {
	ch chan TickEvent
}

func NewTickQueue(capacity int) *TickQueue {
	return &TickQueue{ch: make(chan TickEvent, capacity)}
}

// Publish enqueues a tick without blocking. Returns false if the tick was
// dropped because the queue is full.
func (q *TickQueue) Publish(ev TickEvent) bool {
	select {
	case q.ch <- ev:
		metrics.TickQueueDepth.Set(float64(len(q.ch)))
		return true
	default:
		metrics.TicksDropped.Inc()
		return false
	}
}

// Consume waits up to timeout for the next tick. The second return is false
// when the timeout elapsed with nothing to consume.
func (q *TickQueue) Consume(timeout time.Duration) (TickEvent, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ev := <-q.ch:
		metrics.TickQueueDepth.Set(float64(len(q.ch)))
		return ev, true
	case <-timer.C:
		return TickEvent{}, false
	}
}

// Len reports the current occupancy.
func (q *TickQueue) Len() int { return len(q.ch) }

// LogQueue is the bounded engine-to-observer notification channel. It is
// drained cooperatively in batches (e.g. from a UI tick) rather than by a
// dedicated goroutine.
type LogQueue struct {
	ch chan Notification
}

func NewLogQueue(capacity int) *LogQueue {
	return &LogQueue{ch: make(chan Notification, capacity)}
}

// Publish enqueues a notification without blocking. Returns false on overflow.
func (q *LogQueue) Publish(n Notification) bool {
	select {
	case q.ch <- n:
		return true
	default:
		metrics.NotificationsDropped.Inc()
		return false
	}
}

// DrainBatch delivers at most max pending notifications to fn and returns the
// number delivered. Bounding the batch keeps the caller's latency flat.
func (q *LogQueue) DrainBatch(max int, fn func(Notification)) int {
	drained := 0
	for drained < max {
		select {
		case n := <-q.ch:
			fn(n)
			drained++
		default:
			return drained
		}
	}
	return drained
}

// Len reports the current occupancy.
func (q *LogQueue) Len() int { return len(q.ch) }
