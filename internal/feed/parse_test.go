package feed

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/shortput_closer/internal/models"
)

var testNow = time.Date(2026, 10, 18, 15, 0, 0, 0, time.UTC)

func validRow() RawRow {
	return RawRow{
		Ref:       "test:1",
		Status:    "open",
		Symbol:    "xyz",
		SaleDate:  "2026-10-15",
		Contracts: "2",
		Expiry:    "2026-10-30",
		Strike:    "50",
		Right:     "1",
		AvgCost:   "1.37",
	}
}

func TestParseRow_Valid(t *testing.T) {
	pos, keep, err := ParseRow(validRow(), testNow)
	require.NoError(t, err)
	require.True(t, keep)

	assert.Equal(t, "XYZ", pos.Symbol)
	assert.Equal(t, "20261030", pos.Expiry)
	assert.Equal(t, models.RightPut, pos.Right)
	assert.Equal(t, -2, pos.Quantity)
	assert.Equal(t, models.DefaultMultiplier, pos.Multiplier)
	assert.InDelta(t, 1.37, pos.AvgCost, 1e-9)
	assert.Equal(t, 3, pos.DaysSinceOpen(testNow))
}

func TestParseRow_Filtering(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*RawRow)
	}{
		{"closed status", func(r *RawRow) { r.Status = "C" }},
		{"closed numeric status", func(r *RawRow) { r.Status = "1" }},
		{"protective purchase", func(r *RawRow) { r.Type = "protective" }},
		{"long", func(r *RawRow) { r.Type = "buy" }},
		{"numeric long", func(r *RawRow) { r.Type = "1" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			row := validRow()
			tt.mutate(&row)
			_, keep, err := ParseRow(row, testNow)
			require.NoError(t, err)
			assert.False(t, keep)
		})
	}
}

func TestParseRow_Malformed(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*RawRow)
	}{
		{"unknown status", func(r *RawRow) { r.Status = "maybe" }},
		{"unknown type", func(r *RawRow) { r.Type = "swap" }},
		{"missing expiry", func(r *RawRow) { r.Expiry = "" }},
		{"bad expiry", func(r *RawRow) { r.Expiry = "soon" }},
		{"bad strike", func(r *RawRow) { r.Strike = "fifty" }},
		{"zero strike", func(r *RawRow) { r.Strike = "0" }},
		{"bad right", func(r *RawRow) { r.Right = "X" }},
		{"bad avg cost", func(r *RawRow) { r.AvgCost = "" }},
		{"zero contracts", func(r *RawRow) { r.Contracts = "0" }},
		{"missing symbol", func(r *RawRow) { r.Symbol = " " }},
		{"missing sale date", func(r *RawRow) { r.SaleDate = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			row := validRow()
			tt.mutate(&row)
			_, keep, err := ParseRow(row, testNow)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedRecord))
			assert.Contains(t, err.Error(), "test:1")
			assert.False(t, keep)
		})
	}
}

func TestParseRow_DaysSinceOpenColumn(t *testing.T) {
	row := validRow()
	row.SaleDate = ""
	row.DaysSinceOpen = "7"

	pos, keep, err := ParseRow(row, testNow)
	require.NoError(t, err)
	require.True(t, keep)
	assert.Equal(t, 7, pos.DaysSinceOpen(testNow))
}

func TestNormalizeExpiry(t *testing.T) {
	for in, want := range map[string]string{
		"20261030":   "20261030",
		"2026-10-30": "20261030",
		"Oct30'26":   "20261030",
		"Nov5'26":    "20261105",
	} {
		got, err := NormalizeExpiry(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := NormalizeExpiry("30/10/2026")
	assert.Error(t, err)
}

func TestIsShortSale(t *testing.T) {
	for _, s := range []string{"", "sell", "SOLD", "sto", "sell_to_open", "0"} {
		short, err := IsShortSale(s)
		require.NoError(t, err, s)
		assert.True(t, short, s)
	}
	for _, s := range []string{"buy", "BTO", "protective", "1"} {
		short, err := IsShortSale(s)
		require.NoError(t, err, s)
		assert.False(t, short, s)
	}
}
