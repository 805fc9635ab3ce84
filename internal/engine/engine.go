// Package engine wires the ledger books, matchers, chase controllers, event
// pipeline and persister into one order-execution engine. Confirmations are
// routed by position effect: opens to the entry book, closes to the exit book.
package engine

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradeforge/lotexec/internal/broker"
	"github.com/tradeforge/lotexec/internal/chaser"
	"github.com/tradeforge/lotexec/internal/config"
	"github.com/tradeforge/lotexec/internal/events"
	"github.com/tradeforge/lotexec/internal/ledger"
	"github.com/tradeforge/lotexec/internal/lease"
	"github.com/tradeforge/lotexec/internal/matcher"
	"github.com/tradeforge/lotexec/internal/persist"
)

// Callbacks are the strategy/risk hooks the engine emits. Nil fields are
// skipped. All callbacks run on the broker-reply path or the scheduler
// goroutine, never on the feed thread.
type Callbacks struct {
	OnFill          func(groupID uuid.UUID, price decimal.Decimal, qty int64, filled, total int)
	OnRetry         func(groupID uuid.UUID, lotIndex int, qty int64, price decimal.Decimal, retryCount int)
	OnGroupComplete func(groupID uuid.UUID)

	OnExitFill       func(groupID uuid.UUID, price decimal.Decimal, qty int64, filled, total int)
	OnExitRetry      func(groupID uuid.UUID, lotIndex int, qty int64, price decimal.Decimal, retryCount int)
	OnPositionClosed func(groupID uuid.UUID)
}

// Engine is the order-lifecycle core: it submits lot groups, reconciles
// confirmations, chases failed lots and mirrors progress to storage.
type Engine struct {
	logger *zap.Logger
	cfg    *config.Config

	tickQueue *events.TickQueue
	logQueue  *events.LogQueue
	processor *events.Processor

	entryBook *ledger.Book
	exitBook  *ledger.Book

	entryMatcher *matcher.Matcher
	exitMatcher  *matcher.Matcher

	entryChaser *chaser.Controller
	exitChaser  *chaser.Controller

	retryLeases *lease.Manager
	exitLeases  *lease.Manager

	scheduler *chaser.Scheduler
	persister *persist.AsyncPersister
	submitter broker.OrderSubmitter

	callbacks Callbacks

	running  int32
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New builds a fully wired engine. submitter must be non-nil: retries cannot
// be attempted without an order-submission collaborator, and that is a setup
// error, not a runtime one. tickQueue may be nil, in which case the engine
// creates its own; injecting one lets the feed adapter publish into it.
func New(
	logger *zap.Logger,
	cfg *config.Config,
	submitter broker.OrderSubmitter,
	quotes chaser.PriceSource,
	store persist.Store,
	tickQueue *events.TickQueue,
	callbacks Callbacks,
) (*Engine, error) {
	if tickQueue == nil {
		tickQueue = events.NewTickQueue(cfg.Queues.TickCapacity)
	}
	e := &Engine{
		logger:      logger,
		cfg:         cfg,
		tickQueue:   tickQueue,
		logQueue:    events.NewLogQueue(cfg.Queues.LogCapacity),
		entryBook:   ledger.NewBook(logger, ledger.EntrySide, cfg.Ledger.Retention),
		exitBook:    ledger.NewBook(logger, ledger.ExitSide, cfg.Ledger.Retention),
		retryLeases: lease.NewManager(cfg.Lease.RetryTTL),
		exitLeases:  lease.NewManager(cfg.Lease.ExitTTL),
		scheduler:   chaser.NewScheduler(),
		submitter:   submitter,
		callbacks:   callbacks,
		stopChan:    make(chan struct{}),
	}

	e.processor = events.NewProcessor(logger, e.tickQueue)
	e.persister = persist.NewAsyncPersister(logger, store,
		cfg.Persist.QueueCapacity, cfg.Persist.HighWater, cfg.Persist.HealthInterval)

	e.entryMatcher = matcher.New(logger, e.entryBook, cfg.Matcher.MatchWindow)
	e.exitMatcher = matcher.New(logger, e.exitBook, cfg.Matcher.MatchWindow)
	e.entryMatcher.OnUnmatched(e.noteUnmatched)
	e.exitMatcher.OnUnmatched(e.noteUnmatched)
	e.persister.OnDegraded(func(m persist.Mutation) {
		e.logQueue.Publish(events.Notification{
			Kind:    events.NoteDegraded,
			GroupID: m.PositionID,
			Message: "async persistence degraded, wrote synchronously",
			Time:    time.Now(),
		})
	})

	chaserCfg := chaser.Config{
		MaxRetries:  cfg.Chaser.MaxRetries,
		MaxSlippage: cfg.Chaser.MaxSlippageDecimal(),
		RetryDelay:  cfg.Chaser.RetryDelay,
	}
	var err error
	if e.entryChaser, err = chaser.NewController(logger, e.entryBook, e.retryLeases, quotes, submitter, e.scheduler, chaserCfg); err != nil {
		return nil, err
	}
	if e.exitChaser, err = chaser.NewController(logger, e.exitBook, e.exitLeases, quotes, submitter, e.scheduler, chaserCfg); err != nil {
		return nil, err
	}

	e.wireEntry()
	e.wireExit()
	return e, nil
}

func (e *Engine) wireEntry() {
	e.entryBook.OnFill(func(f ledger.Fill) {
		e.persister.Persist(persist.Mutation{
			Kind:       persist.MutConfirmFill,
			PositionID: f.GroupID,
			Price:      f.Price,
			Time:       time.Now(),
		})
		e.logQueue.Publish(events.Notification{
			Kind:    events.NoteFill,
			GroupID: f.GroupID,
			Product: f.Product,
			Price:   f.Price,
			Time:    time.Now(),
		})
		if e.callbacks.OnFill != nil {
			e.callbacks.OnFill(f.GroupID, f.Price, f.Quantity, f.Filled, f.Total)
		}
	})

	e.entryBook.OnComplete(func(s ledger.Snapshot) {
		e.persister.Persist(persist.Mutation{
			Kind:       persist.MutCreateRiskState,
			PositionID: s.ID,
			Price:      s.TargetPrice,
			Time:       time.Now(),
		})
		e.logQueue.Publish(events.Notification{
			Kind:    events.NoteGroupComplete,
			GroupID: s.ID,
			Product: s.Product,
			Time:    time.Now(),
		})
		if e.callbacks.OnGroupComplete != nil {
			e.callbacks.OnGroupComplete(s.ID)
		}
	})

	e.entryMatcher.OnCancel(func(groupID uuid.UUID, lotIndex int) {
		e.handleCancel(e.entryChaser, groupID, lotIndex)
	})

	e.entryChaser.OnRetry(func(groupID uuid.UUID, lotIndex int, qty int64, price decimal.Decimal, retryCount int) {
		e.logQueue.Publish(events.Notification{
			Kind:    events.NoteRetry,
			GroupID: groupID,
			Price:   price,
			Time:    time.Now(),
		})
		if e.callbacks.OnRetry != nil {
			e.callbacks.OnRetry(groupID, lotIndex, qty, price, retryCount)
		}
	})
}

func (e *Engine) wireExit() {
	e.exitBook.OnFill(func(f ledger.Fill) {
		e.persister.Persist(persist.Mutation{
			Kind:       persist.MutConfirmFill,
			PositionID: f.GroupID,
			Price:      f.Price,
			Time:       time.Now(),
		})
		if e.callbacks.OnExitFill != nil {
			e.callbacks.OnExitFill(f.GroupID, f.Price, f.Quantity, f.Filled, f.Total)
		}
	})

	e.exitBook.OnComplete(func(s ledger.Snapshot) {
		e.logQueue.Publish(events.Notification{
			Kind:    events.NoteGroupComplete,
			GroupID: s.ID,
			Product: s.Product,
			Time:    time.Now(),
		})
		if e.callbacks.OnPositionClosed != nil {
			e.callbacks.OnPositionClosed(s.ID)
		}
	})

	e.exitMatcher.OnCancel(func(groupID uuid.UUID, lotIndex int) {
		e.handleCancel(e.exitChaser, groupID, lotIndex)
	})

	e.exitChaser.OnRetry(func(groupID uuid.UUID, lotIndex int, qty int64, price decimal.Decimal, retryCount int) {
		if e.callbacks.OnExitRetry != nil {
			e.callbacks.OnExitRetry(groupID, lotIndex, qty, price, retryCount)
		}
	})
}

// noteUnmatched surfaces a dropped confirmation on the log queue so the
// operator can reconcile it.
func (e *Engine) noteUnmatched(c broker.Confirmation) {
	e.logQueue.Publish(events.Notification{
		Kind:    events.NoteUnmatched,
		Product: c.Product,
		Price:   c.Price,
		Message: c.Type.String(),
		Time:    time.Now(),
	})
}

// handleCancel forwards a cancel to the controller. Only terminal
// ineligibility (budget spent, flags off) is mirrored to storage as a
// failure; transient rejections such as an in-flight retry are already
// logged and must not touch the persisted record.
func (e *Engine) handleCancel(c *chaser.Controller, groupID uuid.UUID, lotIndex int) {
	err := c.HandleCancel(groupID, lotIndex)
	if err == nil || !errors.Is(err, chaser.ErrRetryExhausted) {
		return
	}
	e.persister.Persist(persist.Mutation{
		Kind:       persist.MutMarkFailed,
		PositionID: groupID,
		Reason:     err.Error(),
		Time:       time.Now(),
	})
}

// SubmitGroup creates an entry group and submits its lots at the target
// price, one order per lot.
func (e *Engine) SubmitGroup(product string, direction ledger.Direction, target decimal.Decimal, lots int) (uuid.UUID, error) {
	return e.submitTo(e.entryBook, product, direction, target, lots)
}

// SubmitExitGroup creates an exit group for an already-open position. The
// direction is the direction of the position being closed.
func (e *Engine) SubmitExitGroup(product string, direction ledger.Direction, target decimal.Decimal, lots int) (uuid.UUID, error) {
	return e.submitTo(e.exitBook, product, direction, target, lots)
}

func (e *Engine) submitTo(book *ledger.Book, product string, direction ledger.Direction, target decimal.Decimal, lots int) (uuid.UUID, error) {
	id := book.CreateGroup(ledger.GroupParams{
		Product:          product,
		Direction:        direction,
		TargetPrice:      target,
		TotalLots:        lots,
		BaseTolerance:    e.cfg.Matcher.BaseToleranceDecimal(),
		RelaxedTolerance: e.cfg.Matcher.RelaxedToleranceDecimal(),
		RetryOnCancel:    e.cfg.Chaser.RetryOnCancel,
		RetryOnPartial:   e.cfg.Chaser.RetryOnPartial,
	})

	dir := direction
	if book.Side() == ledger.ExitSide {
		// Closing orders trade against the position.
		if direction == ledger.Long {
			dir = ledger.Short
		} else {
			dir = ledger.Long
		}
	}

	for i := 0; i < lots; i++ {
		if _, err := e.submitter.Submit(dir, product, target, 1, "group:"+id.String()[:8]); err != nil {
			e.logger.Error("lot submission failed",
				zap.String("group_id", id.String()),
				zap.Int("lot", i+1),
				zap.Error(err))
			return id, err
		}
	}
	return id, nil
}

// HandleConfirmation routes one broker reply to the entry or exit matcher by
// its position effect. Called from the broker-reply thread.
func (e *Engine) HandleConfirmation(c broker.Confirmation) error {
	if c.Effect == broker.EffectClose {
		return e.exitMatcher.Handle(c)
	}
	return e.entryMatcher.Handle(c)
}

// TickQueue exposes the queue the data feed publishes into.
func (e *Engine) TickQueue() *events.TickQueue { return e.tickQueue }

// LogQueue exposes the notification queue for cooperative draining.
func (e *Engine) LogQueue() *events.LogQueue { return e.logQueue }

// RegisterTickHandler adds a strategy callback to the tick processor.
func (e *Engine) RegisterTickHandler(h events.TickHandler) {
	e.processor.Register(h)
}

// Start launches the processor, persister, and the maintenance sweep.
func (e *Engine) Start() {
	if !atomic.CompareAndSwapInt32(&e.running, 0, 1) {
		return
	}
	e.stopChan = make(chan struct{})
	e.scheduler.Start()
	e.processor.Start()
	e.persister.Start()
	e.wg.Add(1)
	go e.sweepLoop()
	e.logger.Info("engine started")
}

// Stop cancels pending retries, stops the pipeline and waits for workers.
func (e *Engine) Stop() {
	if !atomic.CompareAndSwapInt32(&e.running, 1, 0) {
		return
	}
	close(e.stopChan)
	e.scheduler.Stop()
	e.processor.Stop()
	e.persister.Stop()
	e.wg.Wait()
	e.logger.Info("engine stopped")
}

// sweepLoop ages out retained groups and expired leases.
func (e *Engine) sweepLoop() {
	defer e.wg.Done()
	interval := e.cfg.Ledger.Retention / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.entryBook.Sweep()
			e.exitBook.Sweep()
			e.retryLeases.ClearExpired(e.cfg.Lease.RetryTTL)
			e.exitLeases.ClearExpired(e.cfg.Lease.ExitTTL)
		case <-e.stopChan:
			return
		}
	}
}
