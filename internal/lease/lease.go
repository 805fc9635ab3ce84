// Package lease implements timestamp-based exclusive leases. A lease expires
// on its own after the manager's TTL, so a holder that dies without releasing
// cannot wedge the key forever.
package lease

import (
	"fmt"
	"sync"
	"time"
)

// Entry records one held lease.
type Entry struct {
	AcquiredAt time.Time
	Reason     string
}

// Manager grants short-lived exclusive leases per (scope, sub-index) key.
// Acquire re-checks availability and writes the entry under one critical
// section, so concurrent acquirers of the same key get exactly one success.
type Manager struct {
	mu      sync.Mutex
	entries map[string]Entry
	ttl     time.Duration
}

// NewManager creates a manager whose leases expire after ttl.
func NewManager(ttl time.Duration) *Manager {
	return &Manager{
		entries: make(map[string]Entry),
		ttl:     ttl,
	}
}

func key(scope string, subIndex int) string {
	return fmt.Sprintf("%s#%d", scope, subIndex)
}

// CanAcquire reports whether a lease for the key is currently available.
// Advisory only; use Acquire for the atomic check-then-set.
func (m *Manager) CanAcquire(scope string, subIndex int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.availableLocked(key(scope, subIndex), time.Now())
}

// Acquire grants the lease if the key is free or its current lease expired.
func (m *Manager) Acquire(scope string, subIndex int, reason string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	k := key(scope, subIndex)
	if !m.availableLocked(k, now) {
		return false
	}
	m.entries[k] = Entry{AcquiredAt: now, Reason: reason}
	return true
}

// Release frees the lease. Releasing an absent key is a no-op.
func (m *Manager) Release(scope string, subIndex int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key(scope, subIndex))
}

// ClearExpired removes entries older than maxAge and returns how many were
// removed. Intended for a periodic sweep; Acquire does not depend on it.
func (m *Manager) ClearExpired(maxAge time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	removed := 0
	for k, e := range m.entries {
		if now.Sub(e.AcquiredAt) > maxAge {
			delete(m.entries, k)
			removed++
		}
	}
	return removed
}

// Held reports the number of live (unexpired) leases.
func (m *Manager) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	n := 0
	for _, e := range m.entries {
		if now.Sub(e.AcquiredAt) <= m.ttl {
			n++
		}
	}
	return n
}

func (m *Manager) availableLocked(k string, now time.Time) bool {
	e, ok := m.entries[k]
	if !ok {
		return true
	}
	return now.Sub(e.AcquiredAt) > m.ttl
}
