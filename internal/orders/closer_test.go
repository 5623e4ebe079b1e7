package orders

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/shortput_closer/internal/broker"
	"github.com/eddiefleurent/shortput_closer/internal/feed"
	gateway "github.com/eddiefleurent/shortput_closer/internal/mock"
	"github.com/eddiefleurent/shortput_closer/internal/models"
	"github.com/eddiefleurent/shortput_closer/internal/storage"
	"github.com/eddiefleurent/shortput_closer/internal/strategy"
)

var testNow = time.Date(2026, 10, 18, 15, 0, 0, 0, time.UTC)

// mockPlacer implements OrderPlacer for testing
type mockPlacer struct {
	mock.Mock
}

func (m *mockPlacer) PlaceOrder(ctx context.Context, action models.Action, contract models.Contract, limitPrice float64, quantity int) (models.OrderID, error) {
	args := m.Called(ctx, action, contract, limitPrice, quantity)
	return args.Get(0).(models.OrderID), args.Error(1)
}

func positions(items ...models.OptionPosition) iter.Seq2[models.OptionPosition, error] {
	return func(yield func(models.OptionPosition, error) bool) {
		for _, p := range items {
			if !yield(p, nil) {
				return
			}
		}
	}
}

func shortPut(symbol string, avgCost float64, daysAgo int) models.OptionPosition {
	return models.OptionPosition{
		SaleDate: testNow.AddDate(0, 0, -daysAgo),
		Symbol:   symbol,
		Expiry:   "20261030",
		Right:    models.RightPut,
		Status:   models.StatusOpen,
		Strike:   50,
		AvgCost:  avgCost,
		Quantity: -2,
	}
}

func newTestCloser(placer OrderPlacer, journal storage.Interface, dryRun bool) (*Closer, *test.Hook) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	c := NewCloser(placer, strategy.NewPricer(nil), journal, logger, Config{DryRun: dryRun})
	c.SetClock(func() time.Time { return testNow })
	return c, hook
}

func hasMessage(hook *test.Hook, msg string) bool {
	for _, e := range hook.AllEntries() {
		if e.Message == msg {
			return true
		}
	}
	return false
}

func TestCloser_DryRunLogsWithoutPlacing(t *testing.T) {
	placer := &mockPlacer{}
	journal := storage.NewMockStorage()
	c, hook := newTestCloser(placer, journal, true)

	summary, err := c.Run(context.Background(), positions(shortPut("XYZ", 5.00, 10)))
	require.NoError(t, err)

	placer.AssertNotCalled(t, "PlaceOrder", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 1, summary.Planned)
	assert.Zero(t, summary.Submitted)
	assert.True(t, hasMessage(hook, "BUY 2 XYZ 20261030 50 P 1.5"), "expected dry-run order line")

	entries, _ := journal.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, storage.StatusDryRun, entries[0].Status)
	assert.Equal(t, summary.RunID, entries[0].RunID)
	assert.Equal(t, 1.5, entries[0].LimitPrice)
	assert.Equal(t, 2, entries[0].Quantity)
	assert.Zero(t, entries[0].OrderID)
}

func TestCloser_PlacesOrdersSequentially(t *testing.T) {
	placer := &mockPlacer{}
	journal := storage.NewMockStorage()
	c, _ := newTestCloser(placer, journal, false)

	cper := models.NewOptionContract("CPER", "20261030", 50, models.RightPut, "", models.ExchangeSmart)
	xyz := models.NewOptionContract("XYZ", "20261030", 50, models.RightPut, "", models.ExchangeSmart)
	placer.On("PlaceOrder", mock.Anything, models.ActionBuy, cper, 0.7, 2).Return(models.OrderID(7), nil).Once()
	placer.On("PlaceOrder", mock.Anything, models.ActionBuy, xyz, 2.5, 2).Return(models.OrderID(8), nil).Once()

	summary, err := c.Run(context.Background(), positions(
		shortPut("CPER", 1.37, 3), // 50% of 1.37 rounds to one decimal
		shortPut("XYZ", 3.33, 0),  // 75%
	))
	require.NoError(t, err)
	placer.AssertExpectations(t)

	assert.Equal(t, []models.OrderID{7, 8}, summary.OrderIDs)
	assert.Equal(t, 2, summary.Submitted)

	entries, _ := journal.EntriesForRun(summary.RunID)
	require.Len(t, entries, 2)
	assert.Equal(t, storage.StatusSubmitted, entries[0].Status)
	assert.Equal(t, models.OrderID(7), entries[0].OrderID)
	assert.Equal(t, models.OrderID(8), entries[1].OrderID)
}

func TestCloser_RejectionDoesNotStopBatch(t *testing.T) {
	placer := &mockPlacer{}
	journal := storage.NewMockStorage()
	c, hook := newTestCloser(placer, journal, false)

	rejection := fmt.Errorf("order 7: %w", broker.ErrOrderRejected)
	placer.On("PlaceOrder", mock.Anything, models.ActionBuy, mock.MatchedBy(func(k models.Contract) bool { return k.Symbol == "BAD" }), mock.Anything, mock.Anything).
		Return(models.OrderID(7), rejection).Once()
	placer.On("PlaceOrder", mock.Anything, models.ActionBuy, mock.MatchedBy(func(k models.Contract) bool { return k.Symbol == "XYZ" }), mock.Anything, mock.Anything).
		Return(models.OrderID(8), nil).Once()

	summary, err := c.Run(context.Background(), positions(shortPut("BAD", 1, 2), shortPut("XYZ", 1, 2)))
	require.NoError(t, err)
	placer.AssertExpectations(t)

	assert.Equal(t, 1, summary.Rejected)
	assert.Equal(t, 1, summary.Submitted)
	require.Len(t, summary.Failures, 1)
	assert.ErrorIs(t, summary.Failures[0].Err, broker.ErrOrderRejected)
	assert.True(t, hasMessage(hook, "Closing order rejected"))

	entries, _ := journal.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, storage.StatusRejected, entries[0].Status)
	assert.Equal(t, models.OrderID(7), entries[0].OrderID)
	assert.NotEmpty(t, entries[0].Reason)
}

func TestCloser_InvalidPositionsAreSkipped(t *testing.T) {
	placer := &mockPlacer{}
	journal := storage.NewMockStorage()
	c, _ := newTestCloser(placer, journal, false)

	placer.On("PlaceOrder", mock.Anything, models.ActionBuy, mock.Anything, 0.5, 2).Return(models.OrderID(7), nil).Once()

	negative := shortPut("NEG", -1, 2)
	long := shortPut("LONG", 1, 2)
	long.Quantity = 3
	noExpiry := shortPut("NOEXP", 1, 2)
	noExpiry.Expiry = ""
	tiny := shortPut("TINY", 0.001, 10)

	summary, err := c.Run(context.Background(), positions(negative, long, noExpiry, tiny, shortPut("OK", 1, 2)))
	require.NoError(t, err)
	placer.AssertExpectations(t)

	assert.Equal(t, 5, summary.Processed)
	assert.Equal(t, 4, summary.Skipped)
	assert.Equal(t, 1, summary.Submitted)
	assert.ErrorIs(t, summary.Failures[0].Err, strategy.ErrInvalidInput)
	assert.ErrorIs(t, summary.Failures[3].Err, strategy.ErrInvalidInput)

	entries, _ := journal.Entries()
	require.Len(t, entries, 5)
	for _, e := range entries[:4] {
		assert.Equal(t, storage.StatusSkipped, e.Status, e.Symbol)
	}
}

func TestCloser_ConnectionLossStopsBatch(t *testing.T) {
	placer := &mockPlacer{}
	c, _ := newTestCloser(placer, storage.NewMockStorage(), false)

	lost := fmt.Errorf("%w: socket closed", broker.ErrConnectionLost)
	placer.On("PlaceOrder", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(models.OrderID(0), lost).Once()

	summary, err := c.Run(context.Background(), positions(shortPut("A", 1, 2), shortPut("B", 1, 2)))
	require.Error(t, err)
	assert.ErrorIs(t, err, broker.ErrConnectionLost)
	assert.True(t, broker.IsFatal(err))
	assert.Equal(t, 1, summary.Processed)
	placer.AssertNumberOfCalls(t, "PlaceOrder", 1)
}

func TestCloser_FeedFailureStopsBatch(t *testing.T) {
	placer := &mockPlacer{}
	c, _ := newTestCloser(placer, storage.NewMockStorage(), true)

	boom := errors.New("tracker unavailable")
	failing := func(yield func(models.OptionPosition, error) bool) {
		if !yield(shortPut("A", 1, 2), nil) {
			return
		}
		yield(models.OptionPosition{}, boom)
	}

	summary, err := c.Run(context.Background(), failing)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, summary.Planned)
}

func TestCloser_CanceledContext(t *testing.T) {
	placer := &mockPlacer{}
	c, _ := newTestCloser(placer, storage.NewMockStorage(), false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Run(ctx, positions(shortPut("A", 1, 2)))
	assert.ErrorIs(t, err, context.Canceled)
	placer.AssertNotCalled(t, "PlaceOrder", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestCloser_JournalFailureIsLogged(t *testing.T) {
	placer := &mockPlacer{}
	journal := storage.NewMockStorage()
	journal.SetRecordError(errors.New("disk full"))
	c, hook := newTestCloser(placer, journal, true)

	summary, err := c.Run(context.Background(), positions(shortPut("XYZ", 5, 10)))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Planned)
	assert.True(t, hasMessage(hook, "Failed to journal order"))
	assert.Equal(t, 1, journal.GetRecordCallCount())
}

func TestNewCloser_PanicsOnMissingDependencies(t *testing.T) {
	assert.Panics(t, func() { NewCloser(nil, nil, storage.NewMockStorage(), nil) })
	assert.Panics(t, func() { NewCloser(&mockPlacer{}, nil, nil, nil) })
	assert.NotPanics(t, func() { NewCloser(&mockPlacer{}, nil, storage.NewMockStorage(), nil) })
	assert.NotPanics(t, func() { NewCloser(nil, nil, storage.NewMockStorage(), nil, Config{DryRun: true}) })
}

// End to end: tracker feed, simulated gateway and a live session.
func TestCloser_EndToEndWithSimulatedGateway(t *testing.T) {
	const tracker = `[{"status": "open", "symbol": "XYZ", "sell_price": 5.00, "sell_date": "2026-10-08",
		"num_of_contracts": 2, "last_trade_date_or_contract_month": "2026-10-30", "strike": 50, "right": 1}]`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(tracker))
	}))
	defer srv.Close()

	logger, _ := test.NewNullLogger()
	reader := feed.NewReader(feed.NewJSONSource(srv.URL, time.Second, logger), logger)

	gw := gateway.NewGateway(gateway.Config{FirstOrderID: 7})
	cfg := broker.DefaultConfig
	cfg.ConnectTimeout = time.Second
	cfg.OrderThrottle = 10 * time.Millisecond
	session := broker.NewSession(gw, logger, cfg)
	require.NoError(t, session.Connect(context.Background()))
	defer func() { _ = session.Close() }()
	require.NoError(t, session.WaitUntilReady(context.Background(), time.Second))

	t.Run("dry run", func(t *testing.T) {
		c, hook := newTestCloser(session, storage.NewMockStorage(), true)
		_, err := c.Run(context.Background(), reader.OpenShortPositions(context.Background()))
		require.NoError(t, err)
		assert.True(t, hasMessage(hook, "BUY 2 XYZ 20261030 50 P 1.5"))
		assert.Empty(t, gw.Orders())
	})

	t.Run("live", func(t *testing.T) {
		c, _ := newTestCloser(session, storage.NewMockStorage(), false)
		summary, err := c.Run(context.Background(), reader.OpenShortPositions(context.Background()))
		require.NoError(t, err)

		assert.Equal(t, []models.OrderID{7}, summary.OrderIDs)
		assert.Equal(t, models.OrderID(8), session.Snapshot().NextOrderID)

		orders := gw.Orders()
		require.Len(t, orders, 1)
		assert.Equal(t, models.OrderID(7), orders[0].ID)
		assert.Equal(t, models.ActionBuy, orders[0].Order.Action)
		assert.Equal(t, 2, orders[0].Order.Quantity)
		assert.Equal(t, 1.5, orders[0].Order.LimitPrice)
		assert.Equal(t, models.ExchangeSmart, orders[0].Contract.Exchange)
	})
}
