// Package models provides the data structures shared by the feed, the broker session and the closer.
package models

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// ExpiryLayout is the canonical option expiry format (YYYYMMDD).
const ExpiryLayout = "20060102"

// DefaultMultiplier is the standard equity option contract multiplier.
const DefaultMultiplier = "100"

// Right identifies an option as a call or a put.
type Right string

const (
	// RightCall represents a call option
	RightCall Right = "C"
	// RightPut represents a put option
	RightPut Right = "P"
)

// ParseRight accepts the spellings seen in feeds and gateway reports.
func ParseRight(s string) (Right, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "C", "CALL", "0":
		return RightCall, nil
	case "P", "PUT", "1":
		return RightPut, nil
	default:
		return "", fmt.Errorf("unknown option right %q", s)
	}
}

// Valid returns true if the Right is one of the defined constants
func (r Right) Valid() bool {
	return r == RightCall || r == RightPut
}

// PositionStatus is the lifecycle status reported by the position feed.
type PositionStatus string

const (
	// StatusOpen marks a position that is still open
	StatusOpen PositionStatus = "open"
	// StatusClosed marks a position that has already been closed
	StatusClosed PositionStatus = "closed"
)

// OptionPosition is an open option position read from a feed or reported by the broker.
// Quantity is negative for short positions.
type OptionPosition struct {
	SaleDate   time.Time      `json:"sale_date"`
	Symbol     string         `json:"symbol"`
	Expiry     string         `json:"expiry"` // YYYYMMDD
	Right      Right          `json:"right"`
	Multiplier string         `json:"multiplier"`
	Status     PositionStatus `json:"status"`
	Strike     float64        `json:"strike"`
	AvgCost    float64        `json:"avg_cost"` // original sale price per share
	Quantity   int            `json:"quantity"`
}

// IsShort reports whether the position was opened by selling.
func (p OptionPosition) IsShort() bool {
	return p.Quantity < 0
}

// Contracts returns the absolute number of contracts held.
func (p OptionPosition) Contracts() int {
	if p.Quantity < 0 {
		return -p.Quantity
	}
	return p.Quantity
}

// ExpiryDate parses the canonical expiry string.
func (p OptionPosition) ExpiryDate() (time.Time, error) {
	return time.Parse(ExpiryLayout, p.Expiry)
}

// DaysSinceOpen returns whole calendar days between the sale date and now (UTC).
// A sale date in the future counts as zero days.
func (p OptionPosition) DaysSinceOpen(now time.Time) int {
	from := p.SaleDate.UTC().Truncate(24 * time.Hour)
	to := now.UTC().Truncate(24 * time.Hour)
	d := int(math.Floor(to.Sub(from).Hours() / 24))
	if d < 0 {
		return 0
	}
	return d
}

// Validate checks the fields required to build a closing order.
func (p OptionPosition) Validate() error {
	if strings.TrimSpace(p.Symbol) == "" {
		return fmt.Errorf("symbol is required")
	}
	if _, err := p.ExpiryDate(); err != nil {
		return fmt.Errorf("expiry %q is not YYYYMMDD: %w", p.Expiry, err)
	}
	if !p.Right.Valid() {
		return fmt.Errorf("invalid right %q", p.Right)
	}
	if p.Strike <= 0 || math.IsNaN(p.Strike) || math.IsInf(p.Strike, 0) {
		return fmt.Errorf("invalid strike %v", p.Strike)
	}
	if p.Quantity == 0 {
		return fmt.Errorf("quantity must be non-zero")
	}
	return nil
}

// String renders the position the way traders write it, e.g. "XYZ 20261030 50 P x-2".
func (p OptionPosition) String() string {
	return fmt.Sprintf("%s %s %s %s x%d", p.Symbol, p.Expiry, FormatStrike(p.Strike), p.Right, p.Quantity)
}

// FormatStrike prints a strike without trailing zeros.
func FormatStrike(strike float64) string {
	s := fmt.Sprintf("%.3f", strike)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}

// BrokerPosition is a raw position report received from the gateway.
type BrokerPosition struct {
	Account  string   `json:"account"`
	Contract Contract `json:"contract"`
	Quantity float64  `json:"quantity"`
	AvgCost  float64  `json:"avg_cost"`
}

// IsOption reports whether the position refers to an option contract.
func (b BrokerPosition) IsOption() bool {
	return b.Contract.SecType == SecTypeOption
}

// OptionPosition converts an option report. The gateway reports average cost per
// contract, so it is divided by the multiplier to get the per-share sale price.
func (b BrokerPosition) OptionPosition() (OptionPosition, error) {
	if !b.IsOption() {
		return OptionPosition{}, fmt.Errorf("position %s is %s, not an option", b.Contract.Symbol, b.Contract.SecType)
	}
	mult := b.Contract.MultiplierValue()
	avg := b.AvgCost
	if mult > 0 {
		avg = b.AvgCost / mult
	}
	pos := OptionPosition{
		Symbol:     b.Contract.Symbol,
		Expiry:     b.Contract.Expiry,
		Right:      b.Contract.Right,
		Multiplier: b.Contract.Multiplier,
		Strike:     b.Contract.Strike,
		AvgCost:    avg,
		Quantity:   int(math.Round(b.Quantity)),
		Status:     StatusOpen,
	}
	if pos.Multiplier == "" {
		pos.Multiplier = DefaultMultiplier
	}
	return pos, nil
}
