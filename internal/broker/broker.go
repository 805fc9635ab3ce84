// Package broker defines the narrow interfaces the engine needs from the
// order-submission and broker-reply collaborators, plus a paper broker used
// in tests.
package broker

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradeforge/lotexec/internal/ledger"
)

// ConfirmationType classifies a broker reply.
type ConfirmationType int

const (
	ConfirmNew ConfirmationType = iota
	ConfirmFill
	ConfirmCancel
	ConfirmReject
)

func (t ConfirmationType) String() string {
	switch t {
	case ConfirmNew:
		return "new"
	case ConfirmFill:
		return "fill"
	case ConfirmCancel:
		return "cancel"
	default:
		return "reject"
	}
}

// PositionEffect routes a confirmation to the entry or exit matcher.
type PositionEffect int

const (
	EffectOpen PositionEffect = iota
	EffectClose
)

// Confirmation is one parsed broker reply. Value type, consumed once by the
// matcher; no correlation id is assumed, matching is FIFO plus tolerance.
type Confirmation struct {
	Type     ConfirmationType
	Product  string
	Price    decimal.Decimal
	Quantity int64
	Effect   PositionEffect
	Time     time.Time
}

// SubmitResult is the synchronous part of an order submission. Lifecycle
// updates arrive later on the broker-reply channel.
type SubmitResult struct {
	OrderID string
}

// OrderSubmitter is the outbound order interface.
type OrderSubmitter interface {
	Submit(direction ledger.Direction, product string, price decimal.Decimal, qty int64, tag string) (SubmitResult, error)
}
