// Package orders turns open short option positions into buy-to-close orders.
package orders

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/shortput_closer/internal/broker"
	"github.com/eddiefleurent/shortput_closer/internal/models"
	"github.com/eddiefleurent/shortput_closer/internal/storage"
	"github.com/eddiefleurent/shortput_closer/internal/strategy"
)

// OrderPlacer submits limit orders. *broker.Session implements it.
type OrderPlacer interface {
	PlaceOrder(ctx context.Context, action models.Action, contract models.Contract, limitPrice float64, quantity int) (models.OrderID, error)
}

// Config contains configuration for the Closer.
type Config struct {
	// DryRun computes and logs orders without submitting them.
	DryRun   bool
	Exchange string
}

// DefaultConfig is the default configuration for the Closer.
var DefaultConfig = Config{
	DryRun:   false,
	Exchange: models.ExchangeSmart,
}

// Failure records a position that could not be closed.
type Failure struct {
	Position string
	Err      error
}

// Summary describes the outcome of one batch.
type Summary struct {
	RunID     string
	Processed int
	Planned   int // dry-run orders
	Submitted int
	Rejected  int
	Skipped   int
	OrderIDs  []models.OrderID
	Failures  []Failure
}

// Closer walks a position sequence and closes each position with a day limit BUY.
type Closer struct {
	placer  OrderPlacer
	pricer  *strategy.Pricer
	journal storage.Interface
	logger  *logrus.Logger
	now     func() time.Time
	config  Config
}

// NewCloser creates a new Closer. The placer may be nil for a dry run.
func NewCloser(
	placer OrderPlacer,
	pricer *strategy.Pricer,
	journal storage.Interface,
	logger *logrus.Logger,
	config ...Config,
) *Closer {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.Exchange == "" {
		cfg.Exchange = DefaultConfig.Exchange
	}

	// Guard against nil logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if pricer == nil {
		pricer = strategy.NewPricer(nil)
	}

	if placer == nil && !cfg.DryRun {
		panic("orders.NewCloser: placer must not be nil")
	}
	if journal == nil {
		panic("orders.NewCloser: journal must not be nil")
	}

	return &Closer{
		placer:  placer,
		pricer:  pricer,
		journal: journal,
		logger:  logger,
		now:     time.Now,
		config:  cfg,
	}
}

// SetClock replaces the clock used to count days since the sale.
func (c *Closer) SetClock(now func() time.Time) {
	if now != nil {
		c.now = now
	}
}

// Run closes every position in the sequence, one at a time.
//
// Pricing failures and order rejections are recorded in the summary and the
// batch continues. A feed failure, a cancelled context or any other session
// error stops the batch and is returned.
func (c *Closer) Run(ctx context.Context, positions iter.Seq2[models.OptionPosition, error]) (Summary, error) {
	summary := Summary{RunID: uuid.NewString()}
	log := c.logger.WithFields(logrus.Fields{"run_id": summary.RunID, "dry_run": c.config.DryRun})
	log.Info("Starting close batch")

	var runErr error
	for pos, err := range positions {
		if err != nil {
			runErr = fmt.Errorf("reading positions: %w", err)
			break
		}
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		if err := c.closePosition(ctx, log, pos, &summary); err != nil {
			runErr = err
			break
		}
	}

	fields := logrus.Fields{
		"processed": summary.Processed,
		"planned":   summary.Planned,
		"submitted": summary.Submitted,
		"rejected":  summary.Rejected,
		"skipped":   summary.Skipped,
	}
	if runErr != nil {
		log.WithFields(fields).WithError(runErr).Error("Close batch stopped")
		return summary, runErr
	}
	log.WithFields(fields).Info("Close batch complete")
	return summary, nil
}

// closePosition returns an error only when the batch must stop.
func (c *Closer) closePosition(ctx context.Context, log *logrus.Entry, pos models.OptionPosition, summary *Summary) error {
	summary.Processed++
	log = log.WithField("position", pos.String())

	entry := storage.Entry{
		RunID:    summary.RunID,
		Symbol:   pos.Symbol,
		Expiry:   pos.Expiry,
		Strike:   pos.Strike,
		Right:    pos.Right,
		Action:   models.ActionBuy,
		Quantity: pos.Contracts(),
	}

	skip := func(err error) error {
		summary.Skipped++
		summary.Failures = append(summary.Failures, Failure{Position: pos.String(), Err: err})
		log.WithError(err).Warn("Skipping position")
		entry.Status = storage.StatusSkipped
		entry.Reason = err.Error()
		c.record(log, entry)
		return nil
	}

	if !pos.IsShort() {
		return skip(fmt.Errorf("position is not short"))
	}
	if err := pos.Validate(); err != nil {
		return skip(err)
	}

	days := pos.DaysSinceOpen(c.now())
	price, err := c.pricer.ComputeBuyPrice(pos.AvgCost, days, pos.Symbol)
	if err != nil {
		return skip(err)
	}
	if price <= 0 {
		return skip(fmt.Errorf("%w: limit price rounds to zero", strategy.ErrInvalidInput))
	}
	entry.LimitPrice = price

	contract := models.NewOptionContract(pos.Symbol, pos.Expiry, pos.Strike, pos.Right, pos.Multiplier, c.config.Exchange)
	tier := strategy.TierFor(days)
	log = log.WithFields(logrus.Fields{"days_since_open": days, "tier": tier.Name, "limit": price})

	if c.config.DryRun {
		summary.Planned++
		log.Infof("%s %d %s %s %s %s %s", models.ActionBuy, pos.Contracts(), contract.Symbol,
			contract.Expiry, models.FormatStrike(contract.Strike), contract.Right, formatPrice(price))
		entry.Status = storage.StatusDryRun
		c.record(log, entry)
		return nil
	}

	id, err := c.placer.PlaceOrder(ctx, models.ActionBuy, contract, price, pos.Contracts())
	entry.OrderID = id
	switch {
	case err == nil:
		summary.Submitted++
		summary.OrderIDs = append(summary.OrderIDs, id)
		log.WithField("order_id", id).Info("Closing order placed")
		entry.Status = storage.StatusSubmitted
		c.record(log, entry)
		return nil
	case errors.Is(err, broker.ErrOrderRejected):
		summary.Rejected++
		summary.Failures = append(summary.Failures, Failure{Position: pos.String(), Err: err})
		log.WithField("order_id", id).WithError(err).Warn("Closing order rejected")
		entry.Status = storage.StatusRejected
		entry.Reason = err.Error()
		c.record(log, entry)
		return nil
	default:
		return fmt.Errorf("closing %s: %w", pos, err)
	}
}

func (c *Closer) record(log *logrus.Entry, entry storage.Entry) {
	if _, err := c.journal.Record(entry); err != nil {
		log.WithError(err).Warn("Failed to journal order")
	}
}

func formatPrice(price float64) string {
	return strconv.FormatFloat(price, 'f', -1, 64)
}
