package chaser

import (
	"sync"
	"time"
)

// Scheduler runs one-shot delayed tasks with cancellable handles, so shutdown
// can proactively cancel pending retries instead of letting stale timers fire.
type Scheduler struct {
	mu      sync.Mutex
	nextID  uint64
	timers  map[uint64]*time.Timer
	stopped bool
}

// Handle identifies a scheduled task.
type Handle uint64

func NewScheduler() *Scheduler {
	return &Scheduler{timers: make(map[uint64]*time.Timer)}
}

// Schedule runs fn once after delay. Returns false if the scheduler is
// already stopped.
func (s *Scheduler) Schedule(delay time.Duration, fn func()) (Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return 0, false
	}

	s.nextID++
	id := s.nextID
	s.timers[id] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		_, live := s.timers[id]
		delete(s.timers, id)
		stopped := s.stopped
		s.mu.Unlock()
		if !live || stopped {
			return
		}
		fn()
	})
	return Handle(id), true
}

// Cancel stops a pending task. A task already fired or cancelled is a no-op.
func (s *Scheduler) Cancel(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[uint64(h)]; ok {
		t.Stop()
		delete(s.timers, uint64(h))
	}
}

// Start re-arms a stopped scheduler so it accepts tasks again. A freshly
// constructed scheduler is already accepting; calling Start then is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = false
}

// Stop cancels every pending task and refuses new ones until Start.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

// Pending reports the number of scheduled, unfired tasks.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}
