package feed

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/eddiefleurent/shortput_closer/internal/models"
)

// Layouts accepted for dates in feeds.
var (
	expiryLayouts = []string{models.ExpiryLayout, "2006-01-02", "Jan2'06", "2006-01-02T15:04:05Z07:00"}
	dateLayouts   = []string{"2006-01-02", "2006-01-02T15:04:05Z07:00", "2006-01-02 15:04:05", "01/02/2006", models.ExpiryLayout}
)

// ParseStatus maps the spellings used by sheets and the tracker API.
func ParseStatus(s string) (models.PositionStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "o", "open", "0":
		return models.StatusOpen, nil
	case "c", "closed", "1":
		return models.StatusClosed, nil
	default:
		return "", fmt.Errorf("unknown status %q", s)
	}
}

// IsShortSale reports whether a trade type denotes a sale to open. An empty
// type counts as a sale because sheets only record the short leg.
func IsShortSale(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "0", "s", "sell", "sold", "short", "sto", "sell_to_open":
		return true, nil
	case "1", "b", "buy", "long", "bto", "buy_to_open", "protective":
		return false, nil
	default:
		return false, fmt.Errorf("unknown trade type %q", s)
	}
}

// NormalizeExpiry converts any accepted expiry spelling to YYYYMMDD.
func NormalizeExpiry(s string) (string, error) {
	s = strings.TrimSpace(s)
	for _, layout := range expiryLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format(models.ExpiryLayout), nil
		}
	}
	return "", fmt.Errorf("unrecognized expiry %q", s)
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

func parseNumber(field, s string) (float64, error) {
	s = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), "$"))
	v, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("invalid %s %q", field, s)
	}
	return v, nil
}

// ParseRow validates a raw row. keep is false for rows that are well formed but
// not open short positions.
func ParseRow(row RawRow, now time.Time) (pos models.OptionPosition, keep bool, err error) {
	defer func() {
		if err != nil {
			err = fmt.Errorf("%w: %s: %v", ErrMalformedRecord, row.Ref, err)
		}
	}()

	status, err := ParseStatus(row.Status)
	if err != nil {
		return pos, false, err
	}
	short, err := IsShortSale(row.Type)
	if err != nil {
		return pos, false, err
	}
	if status != models.StatusOpen || !short {
		return pos, false, nil
	}

	symbol := strings.ToUpper(strings.TrimSpace(row.Symbol))
	if symbol == "" {
		return pos, false, fmt.Errorf("missing symbol")
	}
	if strings.TrimSpace(row.Expiry) == "" {
		return pos, false, fmt.Errorf("missing expiry")
	}
	expiry, err := NormalizeExpiry(row.Expiry)
	if err != nil {
		return pos, false, err
	}
	right, err := models.ParseRight(row.Right)
	if err != nil {
		return pos, false, err
	}
	strike, err := parseNumber("strike", row.Strike)
	if err != nil {
		return pos, false, err
	}
	avgCost, err := parseNumber("avg cost", row.AvgCost)
	if err != nil {
		return pos, false, err
	}
	contracts, err := parseNumber("contracts", row.Contracts)
	if err != nil {
		return pos, false, err
	}
	n := int(math.Abs(math.Round(contracts)))
	if n == 0 {
		return pos, false, fmt.Errorf("zero contracts")
	}

	var saleDate time.Time
	switch {
	case strings.TrimSpace(row.SaleDate) != "":
		if saleDate, err = parseDate(row.SaleDate); err != nil {
			return pos, false, err
		}
	case strings.TrimSpace(row.DaysSinceOpen) != "":
		days, derr := parseNumber("days since open", row.DaysSinceOpen)
		if derr != nil {
			return pos, false, derr
		}
		if days < 0 {
			days = 0
		}
		saleDate = now.UTC().Truncate(24*time.Hour).AddDate(0, 0, -int(days))
	default:
		return pos, false, fmt.Errorf("missing sale date")
	}

	multiplier := strings.TrimSpace(row.Multiplier)
	if multiplier == "" {
		multiplier = models.DefaultMultiplier
	}

	pos = models.OptionPosition{
		SaleDate:   saleDate,
		Symbol:     symbol,
		Expiry:     expiry,
		Right:      right,
		Multiplier: multiplier,
		Status:     status,
		Strike:     strike,
		AvgCost:    avgCost,
		Quantity:   -n,
	}
	if err := pos.Validate(); err != nil {
		return models.OptionPosition{}, false, err
	}
	return pos, true, nil
}
