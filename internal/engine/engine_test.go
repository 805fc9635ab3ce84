package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tradeforge/lotexec/internal/broker"
	"github.com/tradeforge/lotexec/internal/config"
	"github.com/tradeforge/lotexec/internal/events"
	"github.com/tradeforge/lotexec/internal/ledger"
)

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

type fakeQuotes struct {
	bid, ask decimal.Decimal
	live     bool
}

func (q fakeQuotes) BestBid(string) (decimal.Decimal, bool) { return q.bid, q.live }
func (q fakeQuotes) BestAsk(string) (decimal.Decimal, bool) { return q.ask, q.live }

type nullStore struct {
	mu     sync.Mutex
	fills  int
	failed int
	risks  int
}

func (s *nullStore) ConfirmFill(uuid.UUID, decimal.Decimal, time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fills++
	return nil
}

func (s *nullStore) MarkFailed(uuid.UUID, string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed++
	return nil
}

func (s *nullStore) CreateRiskState(uuid.UUID, decimal.Decimal, time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.risks++
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		Queues: config.QueueConfig{TickCapacity: 64, LogCapacity: 64},
		Matcher: config.MatcherConfig{
			BaseTolerance:    5,
			RelaxedTolerance: 15,
			MatchWindow:      30 * time.Second,
		},
		Chaser: config.ChaserConfig{
			MaxRetries:    5,
			MaxSlippage:   5,
			RetryDelay:    time.Millisecond,
			RetryOnCancel: true,
		},
		Lease:   config.LeaseConfig{RetryTTL: 2 * time.Second, ExitTTL: 500 * time.Millisecond},
		Ledger:  config.LedgerConfig{Retention: time.Minute},
		Persist: config.PersistConfig{QueueCapacity: 64, HighWater: 0.8, HealthInterval: 50 * time.Millisecond},
	}
}

type recorder struct {
	mu        sync.Mutex
	fills     []int
	retries   []decimal.Decimal
	completes []uuid.UUID
	closed    []uuid.UUID
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnFill: func(_ uuid.UUID, _ decimal.Decimal, _ int64, filled, _ int) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.fills = append(r.fills, filled)
		},
		OnRetry: func(_ uuid.UUID, _ int, _ int64, price decimal.Decimal, _ int) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.retries = append(r.retries, price)
		},
		OnGroupComplete: func(id uuid.UUID) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.completes = append(r.completes, id)
		},
		OnPositionClosed: func(id uuid.UUID) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.closed = append(r.closed, id)
		},
	}
}

func newTestEngine(t *testing.T, rec *recorder) (*Engine, *broker.Paper, *nullStore) {
	t.Helper()
	paper := broker.NewPaper()
	store := &nullStore{}
	eng, err := New(zap.NewNop(), testConfig(), paper,
		fakeQuotes{bid: d(99), ask: d(101), live: true}, store, nil, rec.callbacks())
	require.NoError(t, err)
	eng.Start()
	t.Cleanup(eng.Stop)
	return eng, paper, store
}

func openFill(price int64) broker.Confirmation {
	return broker.Confirmation{
		Type:     broker.ConfirmFill,
		Product:  "IF2401",
		Price:    d(price),
		Quantity: 1,
		Effect:   broker.EffectOpen,
		Time:     time.Now(),
	}
}

func openCancel(price int64) broker.Confirmation {
	return broker.Confirmation{
		Type:    broker.ConfirmCancel,
		Product: "IF2401",
		Price:   d(price),
		Effect:  broker.EffectOpen,
		Time:    time.Now(),
	}
}

// Fill, cancel, fill against a three-lot long group at 100: two fills stick,
// the cancel triggers exactly one chase retry priced off the ask.
func TestEntryLifecycleWithRetry(t *testing.T) {
	rec := &recorder{}
	eng, paper, store := newTestEngine(t, rec)

	_, err := eng.SubmitGroup("IF2401", ledger.Long, d(100), 3)
	require.NoError(t, err)
	require.Len(t, paper.Orders(), 3)

	require.NoError(t, eng.HandleConfirmation(openFill(101)))
	require.NoError(t, eng.HandleConfirmation(openCancel(100)))
	require.NoError(t, eng.HandleConfirmation(openFill(99)))

	// The delayed retry lands as a fourth paper order at the ask.
	assert.Eventually(t, func() bool { return len(paper.Orders()) == 4 }, time.Second, time.Millisecond)

	rec.mu.Lock()
	assert.Equal(t, []int{1, 2}, rec.fills)
	require.Len(t, rec.retries, 1)
	assert.True(t, rec.retries[0].Equal(d(101)))
	assert.Empty(t, rec.completes)
	rec.mu.Unlock()

	// Persistence mirrored both fills (async, so give the worker a moment).
	assert.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.fills == 2
	}, time.Second, time.Millisecond)
}

func TestToleranceRelaxationAndCompletion(t *testing.T) {
	rec := &recorder{}
	eng, _, store := newTestEngine(t, rec)

	_, err := eng.SubmitGroup("IF2401", ledger.Long, d(100), 2)
	require.NoError(t, err)

	// 113 is outside the base tolerance, so it must not match yet.
	require.Error(t, eng.HandleConfirmation(openFill(113)))

	require.NoError(t, eng.HandleConfirmation(openFill(101)))

	// One fill in, the tolerance relaxes to 15 and 113 now completes it.
	require.NoError(t, eng.HandleConfirmation(openFill(113)))

	rec.mu.Lock()
	assert.Equal(t, []int{1, 2}, rec.fills)
	assert.Len(t, rec.completes, 1)
	rec.mu.Unlock()

	// Completion seeds the risk state exactly once.
	assert.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.risks == 1
	}, time.Second, time.Millisecond)
}

func TestExitRoutingAndPositionClosed(t *testing.T) {
	rec := &recorder{}
	eng, paper, _ := newTestEngine(t, rec)

	_, err := eng.SubmitExitGroup("IF2401", ledger.Long, d(100), 1)
	require.NoError(t, err)

	// Closing a long submits sell orders.
	require.Len(t, paper.Orders(), 1)
	assert.Equal(t, ledger.Short, paper.Orders()[0].Direction)

	c := openFill(100)
	c.Effect = broker.EffectClose
	require.NoError(t, eng.HandleConfirmation(c))

	rec.mu.Lock()
	assert.Len(t, rec.closed, 1)
	assert.Empty(t, rec.completes, "exit fills must not fire entry callbacks")
	rec.mu.Unlock()
}

func TestNotificationsFlowToLogQueue(t *testing.T) {
	rec := &recorder{}
	eng, _, _ := newTestEngine(t, rec)

	_, err := eng.SubmitGroup("IF2401", ledger.Long, d(100), 1)
	require.NoError(t, err)

	// Far outside tolerance: dropped, surfaced as an unmatched note.
	require.Error(t, eng.HandleConfirmation(openFill(150)))
	require.NoError(t, eng.HandleConfirmation(openFill(100)))

	var kinds []string
	eng.LogQueue().DrainBatch(16, func(n events.Notification) {
		kinds = append(kinds, string(n.Kind))
	})
	assert.Contains(t, kinds, "unmatched")
	assert.Contains(t, kinds, "fill")
	assert.Contains(t, kinds, "group_complete")
}

// Stop then Start must leave retries working: a restarted engine schedules
// chase retries exactly like a fresh one.
func TestRestartedEngineStillRetries(t *testing.T) {
	rec := &recorder{}
	eng, paper, _ := newTestEngine(t, rec)

	eng.Stop()
	eng.Start()

	_, err := eng.SubmitGroup("IF2401", ledger.Long, d(100), 1)
	require.NoError(t, err)
	require.NoError(t, eng.HandleConfirmation(openCancel(100)))

	assert.Eventually(t, func() bool { return len(paper.Orders()) == 2 }, time.Second, time.Millisecond)
}

// A cancel whose retry is terminally ineligible is mirrored to storage as a
// failure.
func TestTerminalIneligibilityPersistsFailure(t *testing.T) {
	cfg := testConfig()
	cfg.Chaser.RetryOnCancel = false
	store := &nullStore{}
	eng, err := New(zap.NewNop(), cfg, broker.NewPaper(),
		fakeQuotes{bid: d(99), ask: d(101), live: true}, store, nil, Callbacks{})
	require.NoError(t, err)
	eng.Start()
	t.Cleanup(eng.Stop)

	_, err = eng.SubmitGroup("IF2401", ledger.Long, d(100), 1)
	require.NoError(t, err)
	require.NoError(t, eng.HandleConfirmation(openCancel(100)))

	assert.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.failed == 1
	}, time.Second, time.Millisecond)
}

// A duplicate cancel while a retry is already pending is a transient
// rejection and must not write a failure record.
func TestTransientIneligibilityDoesNotPersistFailure(t *testing.T) {
	cfg := testConfig()
	cfg.Chaser.RetryDelay = 100 * time.Millisecond
	store := &nullStore{}
	eng, err := New(zap.NewNop(), cfg, broker.NewPaper(),
		fakeQuotes{bid: d(99), ask: d(101), live: true}, store, nil, Callbacks{})
	require.NoError(t, err)
	eng.Start()
	t.Cleanup(eng.Stop)

	_, err = eng.SubmitGroup("IF2401", ledger.Long, d(100), 1)
	require.NoError(t, err)
	require.NoError(t, eng.HandleConfirmation(openCancel(100)))
	require.NoError(t, eng.HandleConfirmation(openCancel(100)))

	time.Sleep(20 * time.Millisecond)
	store.mu.Lock()
	assert.Equal(t, 0, store.failed, "in-flight rejection must not be mirrored as a failure")
	store.mu.Unlock()
}
