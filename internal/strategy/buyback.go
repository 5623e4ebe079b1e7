// Package strategy computes buy-to-close limit prices for short option positions.
package strategy

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/eddiefleurent/shortput_closer/internal/util"
)

// ErrInvalidInput is returned when a price or day count cannot be priced.
var ErrInvalidInput = errors.New("invalid pricing input")

// DefaultOneDecimalSymbols trade in dime increments, so their limits round to one decimal.
var DefaultOneDecimalSymbols = []string{"CPER", "UVXY", "VXX", "USO", "UNG", "SVXY"}

// DiscountTier maps an age bucket to the fraction of the original sale price
// we are willing to pay to close.
type DiscountTier struct {
	Name    string
	MaxDays int // inclusive upper bound; negative means unbounded
	Percent float64
}

// Tiers is the buy-to-close schedule, checked in order.
var Tiers = []DiscountTier{
	{Name: "same_day", MaxDays: 0, Percent: 0.75},
	{Name: "first_week", MaxDays: 7, Percent: 0.50},
	{Name: "after_week", MaxDays: -1, Percent: 0.30},
}

// TierFor returns the discount tier that applies after daysSinceOpen days.
func TierFor(daysSinceOpen int) DiscountTier {
	for _, tier := range Tiers {
		if tier.MaxDays < 0 || daysSinceOpen <= tier.MaxDays {
			return tier
		}
	}
	return Tiers[len(Tiers)-1]
}

// Pricer computes limit prices with a configurable one-decimal symbol list.
type Pricer struct {
	oneDecimal map[string]struct{}
}

// NewPricer creates a Pricer. A nil list uses DefaultOneDecimalSymbols.
func NewPricer(oneDecimalSymbols []string) *Pricer {
	if oneDecimalSymbols == nil {
		oneDecimalSymbols = DefaultOneDecimalSymbols
	}
	p := &Pricer{oneDecimal: make(map[string]struct{}, len(oneDecimalSymbols))}
	for _, s := range oneDecimalSymbols {
		p.oneDecimal[strings.ToUpper(strings.TrimSpace(s))] = struct{}{}
	}
	return p
}

var defaultPricer = NewPricer(nil)

// ComputeBuyPrice prices a buy-to-close order with the default symbol list.
func ComputeBuyPrice(originalSalePrice float64, daysSinceOpen int, symbol string) (float64, error) {
	return defaultPricer.ComputeBuyPrice(originalSalePrice, daysSinceOpen, symbol)
}

// ComputeBuyPrice returns the tiered fraction of the original sale price, rounded
// to the symbol's price increment.
func (p *Pricer) ComputeBuyPrice(originalSalePrice float64, daysSinceOpen int, symbol string) (float64, error) {
	if math.IsNaN(originalSalePrice) || math.IsInf(originalSalePrice, 0) {
		return 0, fmt.Errorf("%w: sale price %v is not finite", ErrInvalidInput, originalSalePrice)
	}
	if originalSalePrice < 0 {
		return 0, fmt.Errorf("%w: sale price %v is negative", ErrInvalidInput, originalSalePrice)
	}
	if daysSinceOpen < 0 {
		return 0, fmt.Errorf("%w: days since open %d is negative", ErrInvalidInput, daysSinceOpen)
	}

	tier := TierFor(daysSinceOpen)
	price := util.ApplyPercent(originalSalePrice, tier.Percent)
	return price.Round(p.Places(symbol)).InexactFloat64(), nil
}

// Places returns the number of decimals used for symbol.
func (p *Pricer) Places(symbol string) int32 {
	if _, ok := p.oneDecimal[strings.ToUpper(strings.TrimSpace(symbol))]; ok {
		return 1
	}
	return 2
}
