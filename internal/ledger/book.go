package ledger

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradeforge/lotexec/internal/metrics"
)

// ErrGroupNotFound is returned for operations on an unknown or aged-out group.
var ErrGroupNotFound = errors.New("ledger: group not found")

// Fill describes one fill credited to a group. Filled/Total are the counters
// after the fill was applied.
type Fill struct {
	GroupID  uuid.UUID
	Product  string
	Side     Side
	Price    decimal.Decimal
	Quantity int64
	Filled   int
	Total    int
}

// FillFunc is invoked for every fill, not only on completion, so observers can
// do incremental bookkeeping.
type FillFunc func(Fill)

// CompleteFunc is invoked exactly once when a group reaches its total.
type CompleteFunc func(Snapshot)

// Book tracks all groups of one side (entry or exit). Group maps are owned by
// the Book and mutated only through its methods; each group's counters are
// read-modify-written under that group's own mutex.
type Book struct {
	logger *zap.Logger
	side   Side

	mu     sync.RWMutex
	groups map[uuid.UUID]*Group

	onFill     FillFunc
	onComplete CompleteFunc

	retention time.Duration
}

func NewBook(logger *zap.Logger, side Side, retention time.Duration) *Book {
	return &Book{
		logger:    logger,
		side:      side,
		groups:    make(map[uuid.UUID]*Group),
		retention: retention,
	}
}

// OnFill registers the per-fill callback. Set before confirmations flow.
func (b *Book) OnFill(fn FillFunc) { b.onFill = fn }

// OnComplete registers the completion callback. Set before confirmations flow.
func (b *Book) OnComplete(fn CompleteFunc) { b.onComplete = fn }

// Side reports which leg this book tracks.
func (b *Book) Side() Side { return b.side }

// CreateGroup registers a new group and returns its id.
func (b *Book) CreateGroup(p GroupParams) uuid.UUID {
	p.Side = b.side
	g := newGroup(p, time.Now())

	b.mu.Lock()
	b.groups[g.ID] = g
	b.mu.Unlock()

	b.logger.Info("group created",
		zap.String("group_id", g.ID.String()),
		zap.String("product", g.Product),
		zap.String("direction", g.Direction.String()),
		zap.String("side", b.side.String()),
		zap.String("target_price", g.TargetPrice.String()),
		zap.Int("total_lots", g.Total))
	return g.ID
}

// Candidates returns snapshots of groups that are not complete and were
// created within maxAge, oldest first. The FIFO order here is the matcher's
// only ordering guarantee.
func (b *Book) Candidates(maxAge time.Duration) []Snapshot {
	now := time.Now()

	b.mu.RLock()
	snaps := make([]Snapshot, 0, len(b.groups))
	for _, g := range b.groups {
		snaps = append(snaps, g.snapshot())
	}
	b.mu.RUnlock()

	out := snaps[:0]
	for _, s := range snaps {
		if s.Complete || s.Filled == s.Total {
			continue
		}
		if now.Sub(s.CreatedAt) > maxAge {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// RecordFill credits one fill to the group. The filled counter never exceeds
// the total; a surplus confirmation is logged and otherwise ignored.
func (b *Book) RecordFill(id uuid.UUID, price decimal.Decimal, qty int64) error {
	g, ok := b.get(id)
	if !ok {
		return ErrGroupNotFound
	}

	var (
		fill     Fill
		complete bool
		snap     Snapshot
	)

	g.mu.Lock()
	if g.Filled >= g.Total {
		g.mu.Unlock()
		b.logger.Warn("fill beyond group total ignored",
			zap.String("group_id", id.String()),
			zap.String("price", price.String()))
		return nil
	}
	g.Filled++
	for _, lot := range g.lots {
		if lot.State == LotPending {
			lot.State = LotActive
			lot.RetryInFlight = false
			break
		}
	}
	fill = Fill{
		GroupID:  g.ID,
		Product:  g.Product,
		Side:     g.Side,
		Price:    price,
		Quantity: qty,
		Filled:   g.Filled,
		Total:    g.Total,
	}
	if g.Filled == g.Total && !g.completed {
		g.completed = true
		g.completedAt = time.Now()
		complete = true
	}
	g.mu.Unlock()

	if b.onFill != nil {
		b.onFill(fill)
	}
	if complete {
		snap = g.snapshot()
		metrics.GroupsCompleted.WithLabelValues(b.side.String()).Inc()
		b.logger.Info("group complete",
			zap.String("group_id", id.String()),
			zap.String("product", snap.Product),
			zap.Int("filled", snap.Filled))
		if b.onComplete != nil {
			b.onComplete(snap)
		}
	}
	return nil
}

// RecordCancel registers one cancelled lot and returns its one-based index.
func (b *Book) RecordCancel(id uuid.UUID) (int, error) {
	g, ok := b.get(id)
	if !ok {
		return 0, ErrGroupNotFound
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.Cancelled++
	pos := g.Cancelled - 1
	if pos >= g.Total {
		pos = g.Total - 1
	}
	lot := g.lots[pos]
	if lot.State != LotPending {
		// Fills and cancels consume lots FIFO; a lot already filled (or
		// already failed) cannot be the one this cancel refers to.
		for _, l := range g.lots {
			if l.State == LotPending {
				lot = l
				break
			}
		}
	}
	lot.State = LotFailed
	return lot.Index, nil
}

// IsComplete reports whether the group has reached its total fill count.
func (b *Book) IsComplete(id uuid.UUID) bool {
	g, ok := b.get(id)
	if !ok {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.completed
}

// Lot returns a copy of one lot's retry-relevant state.
func (b *Book) Lot(id uuid.UUID, index int) (LotInfo, error) {
	g, ok := b.get(id)
	if !ok {
		return LotInfo{}, ErrGroupNotFound
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if index < 1 || index > len(g.lots) {
		return LotInfo{}, ErrGroupNotFound
	}
	lot := g.lots[index-1]
	return LotInfo{
		Index:         lot.Index,
		State:         lot.State,
		Retries:       lot.Retries,
		RetryInFlight: lot.RetryInFlight,
		OriginalPrice: lot.OriginalPrice,
		Direction:     g.Direction,
		Side:          g.Side,
		Product:       g.Product,
		RetryOnCancel: g.RetryOnCancel,
		HasFills:      g.Filled > 0,
	}, nil
}

// RetryAllowedOnPartial reports the group's partial-fill retry flag.
func (b *Book) RetryAllowedOnPartial(id uuid.UUID) bool {
	g, ok := b.get(id)
	if !ok {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.RetryOnPartial
}

// TryMarkRetryInFlight atomically flags the lot as having a retry scheduled.
// Returns false if the lot is not in FAILED state or already flagged.
func (b *Book) TryMarkRetryInFlight(id uuid.UUID, index int) bool {
	g, ok := b.get(id)
	if !ok {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if index < 1 || index > len(g.lots) {
		return false
	}
	lot := g.lots[index-1]
	if lot.State != LotFailed || lot.RetryInFlight {
		return false
	}
	lot.RetryInFlight = true
	return true
}

// FinishRetry records the outcome of a retry attempt. A submitted retry
// increments the lot's counter and moves it back to PENDING; either way the
// in-flight flag is cleared so a later cancel can be retried again.
func (b *Book) FinishRetry(id uuid.UUID, index int, submitted bool) {
	g, ok := b.get(id)
	if !ok {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if index < 1 || index > len(g.lots) {
		return
	}
	lot := g.lots[index-1]
	lot.RetryInFlight = false
	if submitted {
		lot.Retries++
		lot.State = LotPending
	}
}

// Snapshot returns a copy of the group's current state.
func (b *Book) Snapshot(id uuid.UUID) (Snapshot, error) {
	g, ok := b.get(id)
	if !ok {
		return Snapshot{}, ErrGroupNotFound
	}
	return g.snapshot(), nil
}

// Sweep drops completed groups past the retention window, plus incomplete
// groups so stale that nothing can match them anymore. Returns the number
// removed.
func (b *Book) Sweep() int {
	now := time.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for id, g := range b.groups {
		g.mu.Lock()
		expired := false
		if g.completed {
			expired = now.Sub(g.completedAt) > b.retention
		} else {
			expired = now.Sub(g.CreatedAt) > 2*b.retention
			if expired {
				b.logger.Warn("aging out incomplete group",
					zap.String("group_id", id.String()),
					zap.Int("filled", g.Filled),
					zap.Int("total", g.Total))
			}
		}
		g.mu.Unlock()
		if expired {
			delete(b.groups, id)
			removed++
		}
	}
	return removed
}

// Len reports the number of tracked groups.
func (b *Book) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.groups)
}

func (b *Book) get(id uuid.UUID) (*Group, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	g, ok := b.groups[id]
	return g, ok
}
