package feed

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/shortput_closer/internal/models"
)

const tradesJSON = `[
  {"status": "open", "type": "sell", "symbol": "XYZ", "sell_price": "1.37", "sell_date": "2026-10-18",
   "num_of_contracts": 2, "last_trade_date_or_contract_month": "2026-10-30", "strike": "50", "right": 1},
  {"status": 0, "type": 0, "symbol": "abc", "sell_price": 0.21, "sell_date": "2026-10-10",
   "num_of_contracts": -1, "last_trade_date_or_contract_month": "2026-11-20", "strike": 20, "right": "0"},
  {"status": 1, "type": 0, "symbol": "OLD", "sell_price": 1, "sell_date": "2026-09-01",
   "num_of_contracts": 1, "last_trade_date_or_contract_month": "2026-09-18", "strike": 5, "right": 1},
  {"status": "open", "type": "protective", "symbol": "HEDGE", "sell_price": 2, "sell_date": "2026-10-01",
   "num_of_contracts": 1, "last_trade_date_or_contract_month": "2026-12-18", "strike": 40, "right": 1},
  {"status": "open", "type": "sell", "symbol": "NOEXP", "sell_price": "1", "sell_date": "2026-10-18",
   "num_of_contracts": 1, "strike": "5", "right": 1},
  {"status": "open", "symbol": ["bad"]}
]`

func newTracker(t *testing.T, status int, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != TradesPath {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestJSONSource_OpenShortPositions(t *testing.T) {
	srv, _ := newTracker(t, http.StatusOK, tradesJSON)
	r, hook := newTestReader(NewJSONSource(srv.URL+"/", time.Second, nil))

	got, err := r.ReadAll(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "XYZ", got[0].Symbol)
	assert.Equal(t, "20261030", got[0].Expiry)
	assert.Equal(t, models.RightPut, got[0].Right)
	assert.Equal(t, -2, got[0].Quantity)
	assert.Equal(t, 0, got[0].DaysSinceOpen(testNow))

	assert.Equal(t, "ABC", got[1].Symbol)
	assert.Equal(t, models.RightCall, got[1].Right)
	assert.Equal(t, -1, got[1].Quantity)
	assert.InDelta(t, 0.21, got[1].AvgCost, 1e-9)
	assert.Equal(t, 8, got[1].DaysSinceOpen(testNow))

	// NOEXP and the undecodable element
	var warnings int
	for _, e := range hook.AllEntries() {
		if e.Message == "Skipping malformed feed record" {
			warnings++
		}
	}
	assert.Equal(t, 2, warnings)
}

func TestJSONSource_Restartable(t *testing.T) {
	srv, hits := newTracker(t, http.StatusOK, tradesJSON)
	r, _ := newTestReader(NewJSONSource(srv.URL, time.Second, nil))

	first, err := r.ReadAll(context.Background())
	require.NoError(t, err)
	second, err := r.ReadAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(2), hits.Load())
}

func TestJSONSource_HTTPError(t *testing.T) {
	srv, hits := newTracker(t, http.StatusInternalServerError, "boom")
	r, _ := newTestReader(NewJSONSource(srv.URL, time.Second, nil))

	_, err := r.ReadAll(context.Background())
	require.Error(t, err)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusInternalServerError, apiErr.Status)
	assert.Contains(t, apiErr.Body, "boom")

	// No retries
	assert.Equal(t, int32(1), hits.Load())
}

func TestJSONSource_BreakerOpens(t *testing.T) {
	srv, hits := newTracker(t, http.StatusBadGateway, "down")
	src := NewJSONSourceWithSettings(srv.URL, time.Second, nil, CircuitBreakerSettings{
		MaxRequests:  1,
		Interval:     time.Minute,
		Timeout:      time.Minute,
		MinRequests:  2,
		FailureRatio: 0.5,
	})
	r, _ := newTestReader(src)

	for i := 0; i < 2; i++ {
		_, err := r.ReadAll(context.Background())
		require.Error(t, err)
	}
	_, err := r.ReadAll(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, gobreaker.ErrOpenState))
	assert.Equal(t, int32(2), hits.Load())
}

func TestFlexString(t *testing.T) {
	var tr trade
	require.NoError(t, json.Unmarshal([]byte(`{"status": 0, "type": null, "strike": 12.5, "right": "P"}`), &tr))
	assert.Equal(t, flexString("0"), tr.Status)
	assert.Equal(t, flexString(""), tr.Type)
	assert.Equal(t, flexString("12.5"), tr.Strike)
	assert.Equal(t, flexString("P"), tr.Right)

	assert.Error(t, json.Unmarshal([]byte(`{"strike": {"v": 1}}`), &tr))
}
