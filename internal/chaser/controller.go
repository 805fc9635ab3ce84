// Package chaser re-submits cancelled lots at progressively more aggressive
// prices, bounded by a per-lot retry budget and a slippage guard.
package chaser

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tradeforge/lotexec/internal/broker"
	"github.com/tradeforge/lotexec/internal/ledger"
	"github.com/tradeforge/lotexec/internal/lease"
	"github.com/tradeforge/lotexec/internal/metrics"
)

var (
	// ErrRetryIneligible means the lot cannot be retried right now, for
	// example because another retry is already in flight.
	ErrRetryIneligible = errors.New("chaser: lot not eligible for retry")

	// ErrRetryExhausted is the terminal case of ErrRetryIneligible: the lot
	// is out of retries or its flags disable retrying, and no later cancel
	// will change that.
	ErrRetryExhausted = fmt.Errorf("%w: budget or flags exhausted", ErrRetryIneligible)

	// ErrSlippageExceeded means the chase price drifted too far from the
	// lot's original price.
	ErrSlippageExceeded = errors.New("chaser: chase price outside slippage bound")

	// ErrNoSubmitter is raised at construction when no order-submission
	// collaborator is configured.
	ErrNoSubmitter = errors.New("chaser: no order submitter configured")
)

// PriceSource exposes the live best quotes used to compute chase prices.
type PriceSource interface {
	BestBid(product string) (decimal.Decimal, bool)
	BestAsk(product string) (decimal.Decimal, bool)
}

// RetryFunc is notified after every successful re-submission.
type RetryFunc func(groupID uuid.UUID, lotIndex int, qty int64, price decimal.Decimal, retryCount int)

// Config bounds the controller's behavior.
type Config struct {
	MaxRetries  int
	MaxSlippage decimal.Decimal
	RetryDelay  time.Duration
}

// Controller owns retry decisions for one book. Cancel notifications arrive
// on the broker-reply thread; the actual attempt runs on a delayed one-shot
// task so the market has time to move off the stale quote.
type Controller struct {
	logger    *zap.Logger
	book      *ledger.Book
	leases    *lease.Manager
	quotes    PriceSource
	submitter broker.OrderSubmitter
	sched     *Scheduler
	cfg       Config

	onRetry RetryFunc
}

// NewController wires a controller. A nil submitter is a setup error: the
// controller exists to submit orders.
func NewController(
	logger *zap.Logger,
	book *ledger.Book,
	leases *lease.Manager,
	quotes PriceSource,
	submitter broker.OrderSubmitter,
	sched *Scheduler,
	cfg Config,
) (*Controller, error) {
	if submitter == nil {
		return nil, ErrNoSubmitter
	}
	return &Controller{
		logger:    logger,
		book:      book,
		leases:    leases,
		quotes:    quotes,
		submitter: submitter,
		sched:     sched,
		cfg:       cfg,
	}, nil
}

// OnRetry registers the retry callback. Set before confirmations flow.
func (c *Controller) OnRetry(fn RetryFunc) { c.onRetry = fn }

// HandleCancel is the matcher's cancel hook. It checks eligibility, claims
// the lot's in-flight flag, and schedules the delayed attempt.
func (c *Controller) HandleCancel(groupID uuid.UUID, lotIndex int) error {
	info, err := c.book.Lot(groupID, lotIndex)
	if err != nil {
		return err
	}

	if reason, err := c.ineligible(groupID, info); err != nil {
		metrics.RetriesRejected.WithLabelValues(reason).Inc()
		c.logger.Debug("retry ineligible",
			zap.String("group_id", groupID.String()),
			zap.Int("lot", lotIndex),
			zap.String("reason", reason))
		return err
	}

	if !c.book.TryMarkRetryInFlight(groupID, lotIndex) {
		metrics.RetriesRejected.WithLabelValues("in_flight").Inc()
		return ErrRetryIneligible
	}

	if _, ok := c.sched.Schedule(c.cfg.RetryDelay, func() {
		c.attempt(groupID, lotIndex)
	}); !ok {
		c.book.FinishRetry(groupID, lotIndex, false)
		return ErrRetryIneligible
	}
	return nil
}

// ineligible returns a rejection reason and error when the lot must not be
// retried. Exhausted budgets and disabled flags are terminal; an in-flight
// retry is a transient rejection.
func (c *Controller) ineligible(groupID uuid.UUID, info ledger.LotInfo) (string, error) {
	if info.Retries >= c.cfg.MaxRetries {
		return "max_retries", ErrRetryExhausted
	}
	if info.RetryInFlight {
		return "in_flight", ErrRetryIneligible
	}
	// Cancel-triggered retries are governed by the cancel flag; the partial
	// flag additionally opts a partially-filled group in when cancel retries
	// are disabled.
	allowed := info.RetryOnCancel || (info.HasFills && c.book.RetryAllowedOnPartial(groupID))
	if !allowed {
		return "flags_disabled", ErrRetryExhausted
	}
	return "", nil
}

// attempt runs on the scheduler goroutine after the retry delay. The lot is
// re-checked first: a shutdown-era or since-filled lot discards itself.
func (c *Controller) attempt(groupID uuid.UUID, lotIndex int) {
	info, err := c.book.Lot(groupID, lotIndex)
	if err != nil || info.State != ledger.LotFailed || info.Retries >= c.cfg.MaxRetries {
		c.book.FinishRetry(groupID, lotIndex, false)
		return
	}

	scope := groupID.String() + "/" + info.Product
	if !c.leases.Acquire(scope, lotIndex, "retry") {
		metrics.RetriesRejected.WithLabelValues("lease").Inc()
		c.book.FinishRetry(groupID, lotIndex, false)
		return
	}
	defer c.leases.Release(scope, lotIndex)

	price, degraded := c.chasePrice(info)
	if degraded {
		c.logger.Warn("no live quote, using estimated chase price",
			zap.String("group_id", groupID.String()),
			zap.Int("lot", lotIndex),
			zap.String("price", price.String()))
	}

	if price.Sub(info.OriginalPrice).Abs().GreaterThan(c.cfg.MaxSlippage) {
		metrics.RetriesRejected.WithLabelValues("slippage").Inc()
		c.logger.Warn("retry aborted, slippage bound exceeded",
			zap.String("group_id", groupID.String()),
			zap.Int("lot", lotIndex),
			zap.String("chase_price", price.String()),
			zap.String("original_price", info.OriginalPrice.String()))
		c.book.FinishRetry(groupID, lotIndex, false)
		return
	}

	dir := orderDirection(info)
	if _, err := c.submitter.Submit(dir, info.Product, price, 1, retryTag(groupID, lotIndex)); err != nil {
		c.logger.Error("retry submission failed",
			zap.String("group_id", groupID.String()),
			zap.Int("lot", lotIndex),
			zap.Error(err))
		c.book.FinishRetry(groupID, lotIndex, false)
		return
	}

	c.book.FinishRetry(groupID, lotIndex, true)
	metrics.RetriesSubmitted.WithLabelValues(info.Side.String()).Inc()
	c.logger.Info("lot retry submitted",
		zap.String("group_id", groupID.String()),
		zap.Int("lot", lotIndex),
		zap.String("price", price.String()),
		zap.Int("retry_count", info.Retries+1))

	if c.onRetry != nil {
		c.onRetry(groupID, lotIndex, 1, price, info.Retries+1)
	}
}

// chasePrice computes the re-submission price from the live opposite-side
// quote plus an offset that grows with each attempt. The bool is true when
// the live quote was unavailable and an estimate was used.
func (c *Controller) chasePrice(info ledger.LotInfo) (decimal.Decimal, bool) {
	offset := decimal.NewFromInt(int64(info.Retries))

	if isBuying(info) {
		if ask, ok := c.quotes.BestAsk(info.Product); ok {
			return ask.Add(offset), false
		}
		return info.OriginalPrice.Add(offset.Add(decimal.NewFromInt(1))), true
	}

	if bid, ok := c.quotes.BestBid(info.Product); ok {
		return bid.Sub(offset), false
	}
	return info.OriginalPrice.Sub(offset.Add(decimal.NewFromInt(1))), true
}

// isBuying reports whether the re-submitted order buys: long entries and
// short exits buy, short entries and long exits sell.
func isBuying(info ledger.LotInfo) bool {
	if info.Side == ledger.ExitSide {
		return info.Direction == ledger.Short
	}
	return info.Direction == ledger.Long
}

func orderDirection(info ledger.LotInfo) ledger.Direction {
	if isBuying(info) {
		return ledger.Long
	}
	return ledger.Short
}

func retryTag(groupID uuid.UUID, lotIndex int) string {
	return "retry:" + groupID.String()[:8] + ":" + strconv.Itoa(lotIndex)
}
