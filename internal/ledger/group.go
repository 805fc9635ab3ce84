// Package ledger keeps the in-memory record of outstanding and recently
// completed lot groups for the trading session. Entry and exit legs live in
// separate Books with identical behavior; the exit side only differs in which
// quote the chase logic follows, which is not this package's concern.
package ledger

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Direction is the position direction of a group.
type Direction int

const (
	Long Direction = iota
	Short
)

func (d Direction) String() string {
	if d == Short {
		return "short"
	}
	return "long"
}

// Side distinguishes the opening leg from the closing leg.
type Side int

const (
	EntrySide Side = iota
	ExitSide
)

func (s Side) String() string {
	if s == ExitSide {
		return "exit"
	}
	return "entry"
}

// Status is the derived state of a group.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusPartial   Status = "PARTIAL"
	StatusFilled    Status = "FILLED"
	StatusCancelled Status = "CANCELLED"
)

// LotState is the sub-state of one lot.
type LotState int

const (
	LotPending LotState = iota // submitted, no confirmation yet
	LotActive                  // filled
	LotFailed                  // cancelled, may be retried
)

// Lot is one unit of a group's order. Owned exclusively by its parent group;
// all access goes through the Book under the group's mutex.
type Lot struct {
	Index         int // one-based
	State         LotState
	Retries       int
	RetryInFlight bool
	OriginalPrice decimal.Decimal
}

// GroupParams describes a new group.
type GroupParams struct {
	Product          string
	Direction        Direction
	Side             Side
	TargetPrice      decimal.Decimal
	TotalLots        int
	BaseTolerance    decimal.Decimal
	RelaxedTolerance decimal.Decimal
	RetryOnCancel    bool
	RetryOnPartial   bool
}

// Group is a batch of identical lots submitted together.
type Group struct {
	mu sync.Mutex

	ID          uuid.UUID
	Product     string
	Direction   Direction
	Side        Side
	TargetPrice decimal.Decimal

	Total     int
	Submitted int
	Filled    int
	Cancelled int

	lots []*Lot

	BaseTolerance    decimal.Decimal
	RelaxedTolerance decimal.Decimal
	RetryOnCancel    bool
	RetryOnPartial   bool

	CreatedAt   time.Time
	completed   bool
	completedAt time.Time
}

func newGroup(p GroupParams, now time.Time) *Group {
	g := &Group{
		ID:               uuid.New(),
		Product:          p.Product,
		Direction:        p.Direction,
		Side:             p.Side,
		TargetPrice:      p.TargetPrice,
		Total:            p.TotalLots,
		Submitted:        p.TotalLots,
		BaseTolerance:    p.BaseTolerance,
		RelaxedTolerance: p.RelaxedTolerance,
		RetryOnCancel:    p.RetryOnCancel,
		RetryOnPartial:   p.RetryOnPartial,
		CreatedAt:        now,
	}
	g.lots = make([]*Lot, p.TotalLots)
	for i := range g.lots {
		g.lots[i] = &Lot{
			Index:         i + 1,
			State:         LotPending,
			OriginalPrice: p.TargetPrice,
		}
	}
	return g
}

// toleranceLocked returns the active price tolerance: the base value until the
// group has a fill, the relaxed value after, modeling growing slippage
// tolerance as the position is built.
func (g *Group) toleranceLocked() decimal.Decimal {
	if g.Filled > 0 {
		return g.RelaxedTolerance
	}
	return g.BaseTolerance
}

// statusLocked derives the group status from its counters.
func (g *Group) statusLocked() Status {
	switch {
	case g.Filled == g.Total:
		return StatusFilled
	case g.Filled > 0:
		return StatusPartial
	case g.Cancelled >= g.Total:
		return StatusCancelled
	default:
		return StatusPending
	}
}

// Snapshot is a point-in-time copy of the matcher-relevant group fields.
type Snapshot struct {
	ID          uuid.UUID
	Product     string
	Direction   Direction
	Side        Side
	TargetPrice decimal.Decimal
	Tolerance   decimal.Decimal
	Total       int
	Filled      int
	Cancelled   int
	Status      Status
	CreatedAt   time.Time
	Complete    bool
}

func (g *Group) snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Snapshot{
		ID:          g.ID,
		Product:     g.Product,
		Direction:   g.Direction,
		Side:        g.Side,
		TargetPrice: g.TargetPrice,
		Tolerance:   g.toleranceLocked(),
		Total:       g.Total,
		Filled:      g.Filled,
		Cancelled:   g.Cancelled,
		Status:      g.statusLocked(),
		CreatedAt:   g.CreatedAt,
		Complete:    g.completed,
	}
}

// LotInfo is a copy of one lot's retry-relevant state.
type LotInfo struct {
	Index         int
	State         LotState
	Retries       int
	RetryInFlight bool
	OriginalPrice decimal.Decimal
	Direction     Direction
	Side          Side
	Product       string
	RetryOnCancel bool
	HasFills      bool
}
