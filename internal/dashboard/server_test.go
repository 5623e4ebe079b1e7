package dashboard

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/shortput_closer/internal/broker"
	"github.com/eddiefleurent/shortput_closer/internal/models"
	"github.com/eddiefleurent/shortput_closer/internal/storage"
)

type fakeSession struct {
	snap broker.Snapshot
}

func (f fakeSession) Snapshot() broker.Snapshot { return f.snap }

func newTestServer(t *testing.T, token string) (*Server, *storage.MockStorage) {
	t.Helper()
	journal := storage.NewMockStorage()
	for _, e := range []storage.Entry{
		{RunID: "run-1", Symbol: "CPER", Status: storage.StatusSubmitted, OrderID: 7, Action: models.ActionBuy, Quantity: 1},
		{RunID: "run-1", Symbol: "BAD", Status: storage.StatusRejected, OrderID: 8, Action: models.ActionBuy, Quantity: 1},
		{RunID: "run-2", Symbol: "XYZ", Status: storage.StatusDryRun, Action: models.ActionBuy, Quantity: 2},
	} {
		_, err := journal.Record(e)
		require.NoError(t, err)
	}

	session := fakeSession{snap: broker.Snapshot{
		State:       models.StateReady,
		NextOrderID: 9,
		HasOrderID:  true,
	}}
	logger, _ := test.NewNullLogger()
	return NewServer(Config{Port: 0, AuthToken: token}, journal, session, logger), journal
}

func get(t *testing.T, s *Server, path string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_Health(t *testing.T) {
	s, _ := newTestServer(t, "secret")

	rec := get(t, s, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, string(models.StateReady), body["session"])
}

func TestServer_Auth(t *testing.T) {
	s, _ := newTestServer(t, "secret")

	assert.Equal(t, http.StatusUnauthorized, get(t, s, "/api/session", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, s, "/api/session", map[string]string{"X-Auth-Token": "wrong"}).Code)
	assert.Equal(t, http.StatusOK, get(t, s, "/api/session", map[string]string{"X-Auth-Token": "secret"}).Code)
	assert.Equal(t, http.StatusOK, get(t, s, "/api/session?token=secret", nil).Code)
}

func TestServer_Session(t *testing.T) {
	s, _ := newTestServer(t, "")

	rec := get(t, s, "/api/session", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var view SessionView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, models.StateReady, view.State)
	assert.Equal(t, models.OrderID(9), view.NextOrderID)
	assert.Contains(t, []string{"Open", "Closed"}, view.MarketStatus)
}

func TestServer_NoSession(t *testing.T) {
	logger, _ := test.NewNullLogger()
	s := NewServer(Config{}, storage.NewMockStorage(), nil, logger)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, s, "/api/session", nil).Code)
}

func TestServer_Orders(t *testing.T) {
	s, _ := newTestServer(t, "")

	var all []storage.Entry
	rec := get(t, s, "/api/orders", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	assert.Len(t, all, 3)

	var run []storage.Entry
	rec = get(t, s, "/api/orders?run=run-1", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	require.Len(t, run, 2)
	assert.Equal(t, models.OrderID(7), run[0].OrderID)

	rec = get(t, s, "/api/orders?run=none", nil)
	assert.JSONEq(t, "[]", rec.Body.String())

	assert.Equal(t, http.StatusOK, get(t, s, "/api/runs/run-2", nil).Code)
	assert.Equal(t, http.StatusNotFound, get(t, s, "/api/runs/missing", nil).Code)
}

func TestServer_Stats(t *testing.T) {
	s, _ := newTestServer(t, "")

	var stats Statistics
	rec := get(t, s, "/api/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 3, stats.TotalEntries)
	assert.Equal(t, 2, stats.Runs)
	assert.Equal(t, 1, stats.ByStatus["rejected"])
	assert.Equal(t, "run-2", stats.LastRunID)
}

func TestIsMarketOpen(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("timezone data unavailable")
	}
	friday := func(hour, minute int) time.Time { return time.Date(2026, 10, 16, hour, minute, 0, 0, ny) }
	assert.True(t, isMarketOpen(friday(10, 0)))
	assert.True(t, isMarketOpen(friday(9, 30)))
	assert.False(t, isMarketOpen(friday(9, 29)))
	assert.False(t, isMarketOpen(friday(16, 0)))
	assert.False(t, isMarketOpen(time.Date(2026, 10, 17, 12, 0, 0, 0, ny)), "saturday")
}
