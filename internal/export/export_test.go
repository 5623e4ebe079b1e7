package export

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/shortput_closer/internal/broker"
	"github.com/eddiefleurent/shortput_closer/internal/mock"
	"github.com/eddiefleurent/shortput_closer/internal/models"
)

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return records
}

func TestBarWriter_WriteSymbol(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	w := NewBarWriter(dir)

	bars := []models.Bar{
		{Date: "20261016 09:30:00", Open: 27.1, High: 27.25, Low: 27, Close: 27.2, Volume: 1200},
		{Date: "20261016 09:35:00", Open: 27.2, High: 27.3, Low: 27.15, Close: 27.3, Volume: 800},
	}
	path, err := w.WriteSymbol("cper", bars)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "CPER.csv"), path)

	records := readCSV(t, path)
	require.Len(t, records, 3)
	assert.Equal(t, Header, records[0])
	assert.Equal(t, []string{"20261016 09:30:00", "27.1", "27.25", "27", "27.2", "1200"}, records[1])

	// Rewriting replaces the previous contents
	_, err = w.WriteSymbol("CPER", bars[:1])
	require.NoError(t, err)
	assert.Len(t, readCSV(t, path), 2)

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))

	_, err = w.WriteSymbol(" ", bars)
	assert.Error(t, err)
}

func TestExportBars_WithSession(t *testing.T) {
	cperBars := []models.Bar{{Date: "20261016 09:30:00", Open: 1, High: 2, Low: 1, Close: 2, Volume: 10}}
	gw := mock.NewGateway(mock.Config{
		FirstOrderID: 1,
		Bars:         map[string][]models.Bar{"CPER": cperBars},
		BarCount:     12,
	})
	logger, hook := test.NewNullLogger()

	cfg := broker.DefaultConfig
	cfg.RequestTimeout = 2 * time.Second
	session := broker.NewSession(gw, logger, cfg)
	require.NoError(t, session.Connect(context.Background()))
	defer func() { _ = session.Close() }()
	require.NoError(t, session.WaitUntilReady(context.Background(), time.Second))

	w := NewBarWriter(t.TempDir())
	written, err := ExportBars(context.Background(), session, w, []string{"CPER", "uvxy"}, Options{}, logger)
	require.NoError(t, err)
	require.Len(t, written, 2)

	cper := readCSV(t, written["CPER"])
	require.Len(t, cper, 2)
	assert.Equal(t, "20261016 09:30:00", cper[1][0])
	assert.Len(t, readCSV(t, written["UVXY"]), 13)

	var exported int
	for _, e := range hook.AllEntries() {
		if e.Message == "Exported historical bars" {
			exported++
		}
	}
	assert.Equal(t, 2, exported)
	assert.Zero(t, session.Snapshot().PendingRequests)
}

// recordingFetcher captures requests and fails for one symbol.
type recordingFetcher struct {
	mu       sync.Mutex
	seq      int64
	requests []models.Contract
	failFor  string
}

func (f *recordingFetcher) NextRequestID() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	return f.seq
}

func (f *recordingFetcher) FetchHistoricalBars(ctx context.Context, reqID int64, contract models.Contract, duration, barSize string) ([]models.Bar, error) {
	f.mu.Lock()
	f.requests = append(f.requests, contract)
	f.mu.Unlock()
	if contract.Symbol == f.failFor {
		return nil, &broker.GatewayError{ReqID: reqID, Code: 162, Message: "no permissions"}
	}
	if duration != broker.DefaultDuration || barSize != broker.DefaultBarSize {
		return nil, errors.New("unexpected defaults")
	}
	return []models.Bar{{Date: "20261016 09:30:00", Close: 1}}, nil
}

func TestExportBars_UsesIslandStockContracts(t *testing.T) {
	f := &recordingFetcher{}
	_, err := ExportBars(context.Background(), f, NewBarWriter(t.TempDir()), []string{"AAPL", "MSFT"}, Options{Concurrency: 1}, nil)
	require.NoError(t, err)

	require.Len(t, f.requests, 2)
	for _, c := range f.requests {
		assert.Equal(t, models.SecTypeStock, c.SecType)
		assert.Equal(t, models.ExchangeIsland, c.Exchange)
	}
}

func TestExportBars_Failure(t *testing.T) {
	f := &recordingFetcher{failFor: "BAD"}
	_, err := ExportBars(context.Background(), f, NewBarWriter(t.TempDir()), []string{"AAPL", "BAD"}, Options{}, nil)
	require.Error(t, err)

	var gwErr *broker.GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, 162, gwErr.Code)
}
