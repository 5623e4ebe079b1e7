package feed

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"strings"
)

// DefaultHeaderRows is the number of title rows above the header in sheet exports.
const DefaultHeaderRows = 2

// CSVSource reads a tracking sheet exported as CSV. The sheet has HeaderRows
// title rows, then a header row. The first Ticker column holds the compound
// description "SYMBOL MonDD'YY STRIKE RIGHT [PRICE]"; a second Ticker column,
// when present, holds the bare symbol.
type CSVSource struct {
	Path       string
	HeaderRows int
}

// NewCSVSource creates a CSV source. A negative headerRows selects the default.
func NewCSVSource(path string, headerRows int) *CSVSource {
	if headerRows < 0 {
		headerRows = DefaultHeaderRows
	}
	return &CSVSource{Path: path, HeaderRows: headerRows}
}

// csvColumns holds column indexes; -1 means absent.
type csvColumns struct {
	status, compound, symbol, avgCost, days, contracts, kind, saleDate, expiry, strike, right int
}

func mapColumns(header []string) (csvColumns, error) {
	cols := csvColumns{-1, -1, -1, -1, -1, -1, -1, -1, -1, -1, -1}
	set := func(dst *int, i int) {
		if *dst < 0 {
			*dst = i
		}
	}
	for i, h := range header {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case "status":
			set(&cols.status, i)
		case "ticker":
			if cols.compound < 0 {
				cols.compound = i
			} else {
				set(&cols.symbol, i)
			}
		case "ticker.1", "symbol":
			set(&cols.symbol, i)
		case "avg cost", "avg_cost", "sell price", "sell_price":
			set(&cols.avgCost, i)
		case "days since sold", "days since open":
			set(&cols.days, i)
		case "num contratos", "num contracts", "contracts", "num_of_contracts":
			set(&cols.contracts, i)
		case "type":
			set(&cols.kind, i)
		case "sale date", "sell date", "sell_date", "date sold":
			set(&cols.saleDate, i)
		case "expiry", "expiration":
			set(&cols.expiry, i)
		case "strike":
			set(&cols.strike, i)
		case "right":
			set(&cols.right, i)
		}
	}
	if cols.status < 0 {
		return cols, fmt.Errorf("feed header has no Status column")
	}
	if cols.compound < 0 && (cols.symbol < 0 || cols.expiry < 0 || cols.strike < 0 || cols.right < 0) {
		return cols, fmt.Errorf("feed header has no Ticker column")
	}
	return cols, nil
}

func (c csvColumns) row(ref string, rec []string) RawRow {
	get := func(i int) string {
		if i < 0 || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	row := RawRow{
		Ref:           ref,
		Status:        get(c.status),
		Type:          get(c.kind),
		Symbol:        get(c.symbol),
		SaleDate:      get(c.saleDate),
		DaysSinceOpen: get(c.days),
		Contracts:     get(c.contracts),
		Expiry:        get(c.expiry),
		Strike:        get(c.strike),
		Right:         get(c.right),
		AvgCost:       get(c.avgCost),
	}

	// SYMBOL MonDD'YY STRIKE RIGHT [PRICE]
	parts := strings.Fields(get(c.compound))
	if len(parts) >= 4 {
		if row.Symbol == "" {
			row.Symbol = parts[0]
		}
		if row.Expiry == "" {
			row.Expiry = parts[1]
		}
		if row.Strike == "" {
			row.Strike = parts[2]
		}
		if row.Right == "" {
			row.Right = parts[3]
		}
		if row.AvgCost == "" && len(parts) >= 5 {
			row.AvgCost = parts[len(parts)-1]
		}
	}
	return row
}

// Rows implements RowSource.
func (s *CSVSource) Rows(ctx context.Context) iter.Seq2[RawRow, error] {
	return func(yield func(RawRow, error) bool) {
		f, err := os.Open(s.Path)
		if err != nil {
			yield(RawRow{}, fmt.Errorf("opening feed: %w", err))
			return
		}
		defer func() { _ = f.Close() }()

		r := csv.NewReader(f)
		r.FieldsPerRecord = -1
		r.LazyQuotes = true
		r.TrimLeadingSpace = true

		for i := 0; i < s.HeaderRows; i++ {
			if _, err := r.Read(); err != nil {
				if errors.Is(err, io.EOF) {
					return
				}
				yield(RawRow{}, fmt.Errorf("reading feed title rows: %w", err))
				return
			}
		}
		header, err := r.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			yield(RawRow{}, fmt.Errorf("reading feed header: %w", err))
			return
		}
		cols, err := mapColumns(header)
		if err != nil {
			yield(RawRow{}, err)
			return
		}

		name := filepath.Base(s.Path)
		for {
			if err := ctx.Err(); err != nil {
				yield(RawRow{}, err)
				return
			}
			rec, err := r.Read()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				var perr *csv.ParseError
				if errors.As(err, &perr) {
					ref := fmt.Sprintf("%s:%d", name, perr.StartLine)
					if !yield(RawRow{Ref: ref}, fmt.Errorf("%w: %s: %v", ErrMalformedRecord, ref, err)) {
						return
					}
					continue
				}
				yield(RawRow{}, fmt.Errorf("reading feed: %w", err))
				return
			}
			if len(rec) == 0 {
				continue
			}

			line, _ := r.FieldPos(0)
			row := cols.row(fmt.Sprintf("%s:%d", name, line), rec)
			if row.IsBlank() {
				continue
			}
			if !yield(row, nil) {
				return
			}
		}
	}
}
