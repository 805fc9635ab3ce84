package chaser

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerFiresOnce(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	var fired int64
	_, ok := s.Schedule(5*time.Millisecond, func() { atomic.AddInt64(&fired, 1) })
	require.True(t, ok)

	assert.Eventually(t, func() bool {
		return atomic.LoadInt64(&fired) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, 0, s.Pending())
}

func TestSchedulerCancel(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	var fired int64
	h, ok := s.Schedule(20*time.Millisecond, func() { atomic.AddInt64(&fired, 1) })
	require.True(t, ok)
	s.Cancel(h)

	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, int64(0), atomic.LoadInt64(&fired))
}

func TestSchedulerStopCancelsPendingAndRefusesNew(t *testing.T) {
	s := NewScheduler()

	var fired int64
	_, ok := s.Schedule(20*time.Millisecond, func() { atomic.AddInt64(&fired, 1) })
	require.True(t, ok)

	s.Stop()
	assert.Equal(t, 0, s.Pending())

	_, ok = s.Schedule(time.Millisecond, func() { atomic.AddInt64(&fired, 1) })
	assert.False(t, ok)

	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, int64(0), atomic.LoadInt64(&fired))
}

func TestSchedulerAcceptsAgainAfterStart(t *testing.T) {
	s := NewScheduler()
	s.Stop()

	var fired int64
	_, ok := s.Schedule(time.Millisecond, func() { atomic.AddInt64(&fired, 1) })
	require.False(t, ok)

	s.Start()
	defer s.Stop()
	_, ok = s.Schedule(time.Millisecond, func() { atomic.AddInt64(&fired, 1) })
	require.True(t, ok)

	assert.Eventually(t, func() bool {
		return atomic.LoadInt64(&fired) == 1
	}, time.Second, time.Millisecond)
}
