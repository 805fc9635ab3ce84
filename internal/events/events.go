// Package events carries the engine's in-process event pipeline: immutable
// tick and notification values, bounded non-blocking queues, and the single
// consumer that fans ticks out to strategy callbacks off the feed thread.
package events

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TickEvent is one market-data update. It is a value type and never mutated
// after construction, so it is safe to read from any goroutine.
type TickEvent struct {
	Product  string
	Bid      decimal.Decimal
	Ask      decimal.Decimal
	Close    decimal.Decimal
	Quantity int64
	Time     time.Time
}

// NotificationKind classifies engine notifications on the log queue.
type NotificationKind string

const (
	NoteFill          NotificationKind = "fill"
	NoteRetry         NotificationKind = "retry"
	NoteGroupComplete NotificationKind = "group_complete"
	NoteUnmatched     NotificationKind = "unmatched"
	NoteDegraded      NotificationKind = "degraded"
)

// Notification is one engine-to-observer event. Value type, consumed once.
type Notification struct {
	Kind    NotificationKind
	GroupID uuid.UUID
	Product string
	Price   decimal.Decimal
	Message string
	Time    time.Time
}
