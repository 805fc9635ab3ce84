// Package feed adapts an external websocket quote stream to the tick queue.
// The read loop never does more per tick than a JSON decode, a quote-table
// update, and a non-blocking queue push.
package feed

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradeforge/lotexec/internal/events"
)

const (
	reconnectMin = time.Second
	reconnectMax = 30 * time.Second
)

// tickMessage is the wire format of one quote update.
type tickMessage struct {
	Product  string          `json:"product"`
	Bid      decimal.Decimal `json:"bid"`
	Ask      decimal.Decimal `json:"ask"`
	Close    decimal.Decimal `json:"close"`
	Quantity int64           `json:"qty"`
	Time     int64           `json:"ts"` // unix milliseconds
}

// WS consumes a websocket quote stream, publishes ticks to the tick queue,
// and keeps the last best bid/ask per product for the chase-price logic.
type WS struct {
	logger *zap.Logger
	url    string
	queue  *events.TickQueue

	quotesMu sync.RWMutex
	bids     map[string]decimal.Decimal
	asks     map[string]decimal.Decimal

	running  int32
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewWS(logger *zap.Logger, url string, queue *events.TickQueue) *WS {
	return &WS{
		logger:   logger,
		url:      url,
		queue:    queue,
		bids:     make(map[string]decimal.Decimal),
		asks:     make(map[string]decimal.Decimal),
		stopChan: make(chan struct{}),
	}
}

// Start launches the connect/read loop. Idempotent.
func (w *WS) Start() {
	if !atomic.CompareAndSwapInt32(&w.running, 0, 1) {
		return
	}
	w.stopChan = make(chan struct{})
	w.wg.Add(1)
	go w.run()
}

// Stop signals the loop and waits for it. Idempotent.
func (w *WS) Stop() {
	if !atomic.CompareAndSwapInt32(&w.running, 1, 0) {
		return
	}
	close(w.stopChan)
	w.wg.Wait()
}

// BestBid returns the last seen best bid for the product.
func (w *WS) BestBid(product string) (decimal.Decimal, bool) {
	w.quotesMu.RLock()
	defer w.quotesMu.RUnlock()
	p, ok := w.bids[product]
	return p, ok
}

// BestAsk returns the last seen best ask for the product.
func (w *WS) BestAsk(product string) (decimal.Decimal, bool) {
	w.quotesMu.RLock()
	defer w.quotesMu.RUnlock()
	p, ok := w.asks[product]
	return p, ok
}

func (w *WS) run() {
	defer w.wg.Done()
	backoff := reconnectMin

	for {
		select {
		case <-w.stopChan:
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.Dial(w.url, nil)
		if err != nil {
			w.logger.Warn("feed dial failed",
				zap.String("url", w.url),
				zap.Duration("retry_in", backoff),
				zap.Error(err))
			select {
			case <-time.After(backoff):
			case <-w.stopChan:
				return
			}
			if backoff *= 2; backoff > reconnectMax {
				backoff = reconnectMax
			}
			continue
		}

		backoff = reconnectMin
		w.logger.Info("feed connected", zap.String("url", w.url))
		w.readLoop(conn)
		conn.Close()
	}
}

func (w *WS) readLoop(conn *websocket.Conn) {
	// Unblock ReadMessage on shutdown by closing from the side.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-w.stopChan:
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-w.stopChan:
			default:
				w.logger.Warn("feed read failed, reconnecting", zap.Error(err))
			}
			return
		}

		var msg tickMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			w.logger.Debug("malformed tick skipped", zap.Error(err))
			continue
		}
		w.handleTick(msg)
	}
}

func (w *WS) handleTick(msg tickMessage) {
	w.quotesMu.Lock()
	if !msg.Bid.IsZero() {
		w.bids[msg.Product] = msg.Bid
	}
	if !msg.Ask.IsZero() {
		w.asks[msg.Product] = msg.Ask
	}
	w.quotesMu.Unlock()

	w.queue.Publish(events.TickEvent{
		Product:  msg.Product,
		Bid:      msg.Bid,
		Ask:      msg.Ask,
		Close:    msg.Close,
		Quantity: msg.Quantity,
		Time:     time.UnixMilli(msg.Time),
	})
}
