// Package matcher assigns unordered broker confirmations to outstanding lot
// groups. There is no reliable correlation id at submission time, so the
// match is heuristic: oldest still-outstanding group whose target price lies
// within the group's current tolerance.
package matcher

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradeforge/lotexec/internal/broker"
	"github.com/tradeforge/lotexec/internal/ledger"
	"github.com/tradeforge/lotexec/internal/metrics"
)

// ErrUnmatched is returned when no outstanding group passed filtering. The
// confirmation is dropped; there is deliberately no second, looser-tolerance
// pass, since crediting the wrong group is worse than a dropped count.
var ErrUnmatched = errors.New("matcher: no candidate group for confirmation")

// CancelFunc is notified for every cancel credited to a group, with the
// one-based index of the cancelled lot.
type CancelFunc func(groupID uuid.UUID, lotIndex int)

// UnmatchedFunc is notified for every confirmation dropped because no
// outstanding group passed filtering.
type UnmatchedFunc func(c broker.Confirmation)

// Matcher matches confirmations against one Book (entry or exit).
type Matcher struct {
	logger *zap.Logger
	book   *ledger.Book
	window time.Duration

	onCancel    CancelFunc
	onUnmatched UnmatchedFunc
}

// New creates a matcher over book considering only groups younger than window.
func New(logger *zap.Logger, book *ledger.Book, window time.Duration) *Matcher {
	return &Matcher{
		logger: logger,
		book:   book,
		window: window,
	}
}

// OnCancel registers the cancel callback. Set before confirmations flow.
func (m *Matcher) OnCancel(fn CancelFunc) { m.onCancel = fn }

// OnUnmatched registers the dropped-confirmation callback.
func (m *Matcher) OnUnmatched(fn UnmatchedFunc) { m.onUnmatched = fn }

// Handle routes one confirmation. New acknowledgements are ignored; rejects
// are logged for the operator but do not touch the ledger, since the order
// never reached the market.
func (m *Matcher) Handle(c broker.Confirmation) error {
	switch c.Type {
	case broker.ConfirmNew:
		return nil
	case broker.ConfirmReject:
		m.logger.Warn("order rejected by broker",
			zap.String("product", c.Product),
			zap.String("price", c.Price.String()))
		return nil
	}

	snap, ok := m.findCandidate(c)
	if !ok {
		metrics.UnmatchedConfirmations.WithLabelValues(m.book.Side().String()).Inc()
		m.logger.Warn("unmatched confirmation dropped",
			zap.String("type", c.Type.String()),
			zap.String("product", c.Product),
			zap.String("price", c.Price.String()),
			zap.Int64("qty", c.Quantity),
			zap.String("side", m.book.Side().String()))
		if m.onUnmatched != nil {
			m.onUnmatched(c)
		}
		return ErrUnmatched
	}

	switch c.Type {
	case broker.ConfirmFill:
		return m.book.RecordFill(snap.ID, c.Price, c.Quantity)
	case broker.ConfirmCancel:
		lotIndex, err := m.book.RecordCancel(snap.ID)
		if err != nil {
			return err
		}
		m.logger.Info("lot cancelled",
			zap.String("group_id", snap.ID.String()),
			zap.Int("lot", lotIndex),
			zap.String("product", snap.Product))
		if m.onCancel != nil {
			m.onCancel(snap.ID, lotIndex)
		}
		return nil
	}
	return nil
}

// findCandidate applies the FIFO-plus-tolerance heuristic: incomplete groups
// younger than the window, product match, price within the group's current
// tolerance, earliest submission wins.
func (m *Matcher) findCandidate(c broker.Confirmation) (ledger.Snapshot, bool) {
	for _, snap := range m.book.Candidates(m.window) {
		if c.Product != "" && snap.Product != c.Product {
			continue
		}
		if withinTolerance(c.Price, snap.TargetPrice, snap.Tolerance) {
			return snap, true
		}
	}
	return ledger.Snapshot{}, false
}

func withinTolerance(price, target, tolerance decimal.Decimal) bool {
	return price.Sub(target).Abs().LessThanOrEqual(tolerance)
}
