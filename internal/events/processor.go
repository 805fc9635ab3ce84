package events

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// TickHandler is a strategy callback invoked for every consumed tick.
type TickHandler func(TickEvent)

const consumePoll = 50 * time.Millisecond

// Processor is the single consumer of the tick queue. All registered handlers
// run synchronously on the processor goroutine, never on the feed thread. A
// panicking handler is recovered and logged; the loop keeps going.
type Processor struct {
	logger *zap.Logger
	queue  *TickQueue

	handlersMu sync.RWMutex
	handlers   []TickHandler

	running  int32
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewProcessor(logger *zap.Logger, queue *TickQueue) *Processor {
	return &Processor{
		logger:   logger,
		queue:    queue,
		stopChan: make(chan struct{}),
	}
}

// Register adds a handler. Handlers registered after Start see only ticks
// consumed after registration.
func (p *Processor) Register(h TickHandler) {
	p.handlersMu.Lock()
	defer p.handlersMu.Unlock()
	p.handlers = append(p.handlers, h)
}

// Start launches the consumer goroutine. Idempotent.
func (p *Processor) Start() {
	if !atomic.CompareAndSwapInt32(&p.running, 0, 1) {
		return
	}
	p.stopChan = make(chan struct{})
	p.wg.Add(1)
	go p.loop()
}

// Stop signals the consumer and waits for it to exit. Idempotent.
func (p *Processor) Stop() {
	if !atomic.CompareAndSwapInt32(&p.running, 1, 0) {
		return
	}
	close(p.stopChan)
	p.wg.Wait()
}

func (p *Processor) loop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopChan:
			return
		default:
		}

		ev, ok := p.queue.Consume(consumePoll)
		if !ok {
			continue
		}
		p.dispatch(ev)
	}
}

func (p *Processor) dispatch(ev TickEvent) {
	p.handlersMu.RLock()
	handlers := make([]TickHandler, len(p.handlers))
	copy(handlers, p.handlers)
	p.handlersMu.RUnlock()

	for _, h := range handlers {
		p.invoke(h, ev)
	}
}

func (p *Processor) invoke(h TickHandler, ev TickEvent) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("tick handler panicked",
				zap.Any("panic", r),
				zap.String("product", ev.Product))
		}
	}()
	h(ev)
}
