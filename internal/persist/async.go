package persist

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradeforge/lotexec/internal/metrics"
)

// MutationKind selects which store operation a mutation maps to.
type MutationKind int

const (
	MutConfirmFill MutationKind = iota
	MutMarkFailed
	MutCreateRiskState
)

// Mutation is one deferred store write.
type Mutation struct {
	Kind       MutationKind
	PositionID uuid.UUID
	Price      decimal.Decimal
	Reason     string
	Time       time.Time
}

// AsyncPersister applies mutations on a single worker goroutine so the
// matching path never waits on storage. When the queue is full or the worker
// is unhealthy, Persist falls back to a synchronous write.
type AsyncPersister struct {
	logger *zap.Logger
	store  Store

	queue     chan Mutation
	highWater int

	workerAlive    int32
	running        int32
	stopChan       chan struct{}
	wg             sync.WaitGroup
	healthInterval time.Duration

	onDegraded func(Mutation)
}

func NewAsyncPersister(logger *zap.Logger, store Store, queueCapacity int, highWaterFrac float64, healthInterval time.Duration) *AsyncPersister {
	hw := int(float64(queueCapacity) * highWaterFrac)
	if hw <= 0 || hw > queueCapacity {
		hw = queueCapacity
	}
	return &AsyncPersister{
		logger:         logger,
		store:          store,
		queue:          make(chan Mutation, queueCapacity),
		highWater:      hw,
		healthInterval: healthInterval,
		stopChan:       make(chan struct{}),
	}
}

// OnDegraded registers a callback invoked for every mutation that took the
// synchronous fallback path. Set before Start.
func (p *AsyncPersister) OnDegraded(fn func(Mutation)) { p.onDegraded = fn }

// Start launches the worker and the health checker. Idempotent.
func (p *AsyncPersister) Start() {
	if !atomic.CompareAndSwapInt32(&p.running, 0, 1) {
		return
	}
	p.stopChan = make(chan struct{})
	p.startWorker()
	p.wg.Add(1)
	go p.healthLoop()
}

// Stop drains nothing further; queued mutations already handed to the worker
// are applied before it exits. Idempotent.
func (p *AsyncPersister) Stop() {
	if !atomic.CompareAndSwapInt32(&p.running, 1, 0) {
		return
	}
	close(p.stopChan)
	p.wg.Wait()
}

// Schedule enqueues a mutation without blocking. False means the queue was
// full or the worker is unhealthy; the caller should write synchronously.
func (p *AsyncPersister) Schedule(m Mutation) bool {
	if !p.Healthy() {
		return false
	}
	select {
	case p.queue <- m:
		metrics.PersistQueueDepth.Set(float64(len(p.queue)))
		return true
	default:
		return false
	}
}

// Persist schedules the mutation, falling back to a synchronous direct write
// when scheduling fails. The fallback is the degraded path: counted, logged,
// but never an error surfaced to the matching path.
func (p *AsyncPersister) Persist(m Mutation) {
	if p.Schedule(m) {
		return
	}
	metrics.PersistFallbacks.Inc()
	p.logger.Warn("async persistence degraded, writing synchronously",
		zap.String("position_id", m.PositionID.String()),
		zap.Int("kind", int(m.Kind)))
	if p.onDegraded != nil {
		p.onDegraded(m)
	}
	if err := p.apply(m); err != nil {
		p.logger.Error("synchronous persistence failed",
			zap.String("position_id", m.PositionID.String()),
			zap.Error(err))
	}
}

// Healthy reports whether the worker is alive and the queue below the
// high-water mark.
func (p *AsyncPersister) Healthy() bool {
	return atomic.LoadInt32(&p.workerAlive) == 1 && len(p.queue) < p.highWater
}

func (p *AsyncPersister) startWorker() {
	atomic.StoreInt32(&p.workerAlive, 1)
	p.wg.Add(1)
	go p.workerLoop()
}

func (p *AsyncPersister) workerLoop() {
	defer p.wg.Done()
	defer atomic.StoreInt32(&p.workerAlive, 0)
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("persister worker panicked", zap.Any("panic", r))
		}
	}()

	for {
		select {
		case m := <-p.queue:
			metrics.PersistQueueDepth.Set(float64(len(p.queue)))
			if err := p.apply(m); err != nil {
				p.logger.Error("async persistence failed",
					zap.String("position_id", m.PositionID.String()),
					zap.Error(err))
			}
		case <-p.stopChan:
			// Drain what is already queued, then exit.
			for {
				select {
				case m := <-p.queue:
					if err := p.apply(m); err != nil {
						p.logger.Error("async persistence failed during drain",
							zap.String("position_id", m.PositionID.String()),
							zap.Error(err))
					}
				default:
					return
				}
			}
		}
	}
}

// healthLoop restarts a dead worker while the persister is running.
func (p *AsyncPersister) healthLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if atomic.LoadInt32(&p.running) == 1 && atomic.LoadInt32(&p.workerAlive) == 0 {
				p.logger.Warn("persister worker dead, restarting")
				p.startWorker()
			}
		case <-p.stopChan:
			return
		}
	}
}

func (p *AsyncPersister) apply(m Mutation) error {
	switch m.Kind {
	case MutConfirmFill:
		return p.store.ConfirmFill(m.PositionID, m.Price, m.Time)
	case MutMarkFailed:
		return p.store.MarkFailed(m.PositionID, m.Reason)
	case MutCreateRiskState:
		return p.store.CreateRiskState(m.PositionID, m.Price, m.Time)
	}
	return nil
}
