package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// TradesPath is the tracker endpoint listing recorded trades.
const TradesPath = "/tracker/trades_json/"

// APIError represents a non-2xx response from the tracker.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tracker API error %d: %s", e.Status, e.Body)
}

// flexString accepts a JSON string, number or boolean and keeps its text.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	if b[0] == '{' || b[0] == '[' {
		return fmt.Errorf("expected scalar, got %s", string(b))
	}
	*f = flexString(b)
	return nil
}

// trade is one element of the tracker response.
type trade struct {
	Status         flexString `json:"status"`
	Type           flexString `json:"type"`
	Symbol         string     `json:"symbol"`
	SellPrice      flexString `json:"sell_price"`
	SellDate       string     `json:"sell_date"`
	NumOfContracts flexString `json:"num_of_contracts"`
	Expiry         string     `json:"last_trade_date_or_contract_month"`
	Strike         flexString `json:"strike"`
	Right          flexString `json:"right"`
	Multiplier     flexString `json:"multiplier"`
}

// CircuitBreakerSettings configures circuit breaker behavior
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// DefaultCircuitBreakerSettings trips after repeated tracker failures.
var DefaultCircuitBreakerSettings = CircuitBreakerSettings{
	MaxRequests:  1,
	Interval:     60 * time.Second,
	Timeout:      30 * time.Second,
	MinRequests:  3,
	FailureRatio: 0.6,
}

// JSONSource reads trades from the remote tracker.
type JSONSource struct {
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *logrus.Logger
}

// NewJSONSource creates a tracker source rooted at baseURL.
func NewJSONSource(baseURL string, timeout time.Duration, logger *logrus.Logger) *JSONSource {
	return NewJSONSourceWithSettings(baseURL, timeout, logger, DefaultCircuitBreakerSettings)
}

// NewJSONSourceWithSettings creates a tracker source with custom breaker settings.
func NewJSONSourceWithSettings(baseURL string, timeout time.Duration, logger *logrus.Logger, settings CircuitBreakerSettings) *JSONSource {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	gbSettings := gobreaker.Settings{
		Name:        "TrackerCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker state changed")
		},
	}

	return &JSONSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
		logger:  logger,
	}
}

// Rows implements RowSource. Each call fetches the tracker once; there are no retries.
func (s *JSONSource) Rows(ctx context.Context) iter.Seq2[RawRow, error] {
	return func(yield func(RawRow, error) bool) {
		res, err := s.breaker.Execute(func() (interface{}, error) { return s.fetch(ctx) })
		if err != nil {
			yield(RawRow{}, fmt.Errorf("fetching trades: %w", err))
			return
		}
		items, ok := res.([]json.RawMessage)
		if !ok {
			yield(RawRow{}, errors.New("circuit breaker: type assertion failed"))
			return
		}

		for i, item := range items {
			ref := fmt.Sprintf("trades[%d]", i)
			var t trade
			if err := json.Unmarshal(item, &t); err != nil {
				if !yield(RawRow{Ref: ref}, fmt.Errorf("%w: %s: %v", ErrMalformedRecord, ref, err)) {
					return
				}
				continue
			}
			row := RawRow{
				Ref:        ref,
				Status:     string(t.Status),
				Type:       string(t.Type),
				Symbol:     t.Symbol,
				SaleDate:   t.SellDate,
				Contracts:  string(t.NumOfContracts),
				Expiry:     t.Expiry,
				Strike:     string(t.Strike),
				Right:      string(t.Right),
				AvgCost:    string(t.SellPrice),
				Multiplier: string(t.Multiplier),
			}
			if !yield(row, nil) {
				return
			}
		}
	}
}

func (s *JSONSource) fetch(ctx context.Context) ([]json.RawMessage, error) {
	endpoint := s.baseURL + TradesPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return nil, err
	}
	req.Header.Add("Accept", "application/json")
	req.Header.Add("User-Agent", "shortput-closer/1.0")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			s.logger.WithError(err).Debug("Failed to close response body")
		}
	}()

	if resp.StatusCode != http.StatusOK {
		body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10)) // 64KB cap to avoid huge payloads
		if err != nil {
			return nil, &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("GET %s -> failed to read error body", endpoint)}
		}
		return nil, &APIError{Status: resp.StatusCode, Body: fmt.Sprintf("GET %s -> %s", endpoint, strings.TrimSpace(string(body)))}
	}

	var items []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, fmt.Errorf("decoding trades: %w", err)
	}
	return items, nil
}
