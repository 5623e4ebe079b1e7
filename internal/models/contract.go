package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Security types understood by the gateway.
const (
	SecTypeOption = "OPT"
	SecTypeStock  = "STK"
)

// Exchanges used when building contracts. SMART routes orders; ISLAND serves historical data.
const (
	ExchangeSmart  = "SMART"
	ExchangeIsland = "ISLAND"
)

// CurrencyUSD is the only currency this bot trades in.
const CurrencyUSD = "USD"

// Contract describes an instrument sent to the gateway. Built fresh per order.
type Contract struct {
	Symbol     string  `json:"symbol"`
	SecType    string  `json:"sec_type"`
	Currency   string  `json:"currency"`
	Exchange   string  `json:"exchange"`
	Expiry     string  `json:"expiry,omitempty"` // YYYYMMDD, options only
	Right      Right   `json:"right,omitempty"`
	Multiplier string  `json:"multiplier,omitempty"`
	Strike     float64 `json:"strike,omitempty"`
	ConID      int64   `json:"con_id,omitempty"`
}

// NewOptionContract builds an option contract routed through the given exchange.
func NewOptionContract(symbol, expiry string, strike float64, right Right, multiplier, exchange string) Contract {
	if multiplier == "" {
		multiplier = DefaultMultiplier
	}
	if exchange == "" {
		exchange = ExchangeSmart
	}
	return Contract{
		Symbol:     strings.ToUpper(strings.TrimSpace(symbol)),
		SecType:    SecTypeOption,
		Currency:   CurrencyUSD,
		Exchange:   exchange,
		Expiry:     expiry,
		Strike:     strike,
		Right:      right,
		Multiplier: multiplier,
	}
}

// NewStockContract builds a stock contract.
func NewStockContract(symbol, exchange string) Contract {
	if exchange == "" {
		exchange = ExchangeSmart
	}
	return Contract{
		Symbol:   strings.ToUpper(strings.TrimSpace(symbol)),
		SecType:  SecTypeStock,
		Currency: CurrencyUSD,
		Exchange: exchange,
	}
}

// MultiplierValue returns the numeric multiplier, or 0 when unset or unparsable.
func (c Contract) MultiplierValue() float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(c.Multiplier), 64)
	if err != nil {
		return 0
	}
	return v
}

// Validate checks that the contract can be submitted.
func (c Contract) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("contract symbol is required")
	}
	switch c.SecType {
	case SecTypeStock:
		return nil
	case SecTypeOption:
		if _, err := time.Parse(ExpiryLayout, c.Expiry); err != nil {
			return fmt.Errorf("contract expiry %q is not YYYYMMDD", c.Expiry)
		}
		if c.Strike <= 0 {
			return fmt.Errorf("contract strike must be > 0")
		}
		if !c.Right.Valid() {
			return fmt.Errorf("contract right %q is invalid", c.Right)
		}
		return nil
	default:
		return fmt.Errorf("unsupported security type %q", c.SecType)
	}
}

// String renders a compact human readable description.
func (c Contract) String() string {
	if c.SecType == SecTypeOption {
		return fmt.Sprintf("%s %s %s %s", c.Symbol, c.Expiry, FormatStrike(c.Strike), c.Right)
	}
	return c.Symbol
}
