package broker

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/tradeforge/lotexec/internal/ledger"
)

// PaperOrder records one submission accepted by the paper broker.
type PaperOrder struct {
	OrderID   string
	Direction ledger.Direction
	Product   string
	Price     decimal.Decimal
	Quantity  int64
	Tag       string
}

// Paper is an in-memory OrderSubmitter that records submissions. Used in
// tests and dry runs; it never produces confirmations on its own, the test
// drives those explicitly.
type Paper struct {
	mu     sync.Mutex
	seq    int
	orders []PaperOrder

	// FailNext makes the next Submit return an error, then resets.
	FailNext bool
}

func NewPaper() *Paper {
	return &Paper{}
}

func (p *Paper) Submit(direction ledger.Direction, product string, price decimal.Decimal, qty int64, tag string) (SubmitResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.FailNext {
		p.FailNext = false
		return SubmitResult{}, fmt.Errorf("paper broker: submission refused")
	}

	p.seq++
	order := PaperOrder{
		OrderID:   fmt.Sprintf("paper-%d", p.seq),
		Direction: direction,
		Product:   product,
		Price:     price,
		Quantity:  qty,
		Tag:       tag,
	}
	p.orders = append(p.orders, order)
	return SubmitResult{OrderID: order.OrderID}, nil
}

// Orders returns a copy of all recorded submissions.
func (p *Paper) Orders() []PaperOrder {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PaperOrder, len(p.orders))
	copy(out, p.orders)
	return out
}
