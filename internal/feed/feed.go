// Package feed reads open short option positions from a tracking sheet export
// or a remote trade tracker.
package feed

import (
	"context"
	"errors"
	"iter"
)

// ErrMalformedRecord marks a record that cannot be turned into a position. The
// reader logs and skips such records.
var ErrMalformedRecord = errors.New("malformed feed record")

// RawRow is a feed record with its fields still in source encoding.
type RawRow struct {
	Ref           string // location used in log messages, e.g. "trades.csv:14"
	Status        string
	Type          string
	Symbol        string
	SaleDate      string
	DaysSinceOpen string
	Contracts     string
	Expiry        string
	Strike        string
	Right         string
	AvgCost       string
	Multiplier    string
}

// IsBlank reports whether the row carries no data at all.
func (r RawRow) IsBlank() bool {
	return r.Status == "" && r.Symbol == "" && r.Expiry == "" && r.Strike == "" && r.Contracts == ""
}

// RowSource yields raw rows. Every call to Rows starts a fresh read. Errors
// wrapping ErrMalformedRecord concern a single row; any other error ends the
// sequence.
type RowSource interface {
	Rows(ctx context.Context) iter.Seq2[RawRow, error]
}
