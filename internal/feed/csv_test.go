package feed

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/shortput_closer/internal/models"
)

const sheetCSV = `Options trading,,,,,,
,,,,,,
Status,Ticker,Ticker,Avg cost,Days since sold,Num Contratos,Type
O,CPER Nov20'26 27 P 0.45,CPER,0.45,0,-2,
O,XYZ Oct30'26 50 P 1.37,XYZ,,3,-1,STO
C,ABC Oct30'26 40 P 1.00,ABC,1.00,10,-1,
O,DEF Oct30'26 40 P 1.00,DEF,1.00,10,1,protective
O,BAD bad'26 40 P 1.00,BAD,1.00,2,-1,
O,GHI Dec18'26 12.5 C 0.21,GHI,,9,-3,
`

func writeSheet(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sheet.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func newTestReader(source RowSource) (*Reader, *test.Hook) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	r := NewReader(source, logger)
	r.SetClock(func() time.Time { return testNow })
	return r, hook
}

func TestCSVSource_OpenShortPositions(t *testing.T) {
	r, hook := newTestReader(NewCSVSource(writeSheet(t, sheetCSV), DefaultHeaderRows))

	got, err := r.ReadAll(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, "CPER", got[0].Symbol)
	assert.Equal(t, "20261120", got[0].Expiry)
	assert.Equal(t, 27.0, got[0].Strike)
	assert.Equal(t, models.RightPut, got[0].Right)
	assert.Equal(t, -2, got[0].Quantity)
	assert.InDelta(t, 0.45, got[0].AvgCost, 1e-9)
	assert.Equal(t, 0, got[0].DaysSinceOpen(testNow))

	// Avg cost falls back to the price at the end of the compound ticker
	assert.Equal(t, "XYZ", got[1].Symbol)
	assert.InDelta(t, 1.37, got[1].AvgCost, 1e-9)
	assert.Equal(t, 3, got[1].DaysSinceOpen(testNow))

	assert.Equal(t, "GHI", got[2].Symbol)
	assert.Equal(t, models.RightCall, got[2].Right)
	assert.Equal(t, 12.5, got[2].Strike)
	assert.Equal(t, -3, got[2].Quantity)

	var warnings int
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel {
			warnings++
		}
	}
	assert.Equal(t, 1, warnings)
}

func TestCSVSource_Restartable(t *testing.T) {
	r, _ := newTestReader(NewCSVSource(writeSheet(t, sheetCSV), DefaultHeaderRows))

	first, err := r.ReadAll(context.Background())
	require.NoError(t, err)
	second, err := r.ReadAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestCSVSource_EarlyBreak(t *testing.T) {
	r, _ := newTestReader(NewCSVSource(writeSheet(t, sheetCSV), DefaultHeaderRows))

	var n int
	for _, err := range r.OpenShortPositions(context.Background()) {
		require.NoError(t, err)
		n++
		break
	}
	assert.Equal(t, 1, n)
}

func TestCSVSource_MissingFile(t *testing.T) {
	r, _ := newTestReader(NewCSVSource(filepath.Join(t.TempDir(), "missing.csv"), 2))

	_, err := r.ReadAll(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestCSVSource_NoStatusColumn(t *testing.T) {
	r, _ := newTestReader(NewCSVSource(writeSheet(t, "Ticker,Avg cost\nXYZ Oct30'26 50 P 1,1\n"), 0))

	_, err := r.ReadAll(context.Background())
	assert.Error(t, err)
}

func TestCSVSource_SeparateColumns(t *testing.T) {
	content := "Status,Symbol,Expiry,Strike,Right,Avg cost,Sale date,Contracts\n" +
		"O,xyz,2026-10-30,50,PUT,1.37,2026-10-11,2\n"
	r, _ := newTestReader(NewCSVSource(writeSheet(t, content), 0))

	got, err := r.ReadAll(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "XYZ", got[0].Symbol)
	assert.Equal(t, 7, got[0].DaysSinceOpen(testNow))
}

func TestCSVSource_ContextCanceled(t *testing.T) {
	r, _ := newTestReader(NewCSVSource(writeSheet(t, sheetCSV), DefaultHeaderRows))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.ReadAll(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
