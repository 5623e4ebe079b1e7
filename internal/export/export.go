// Package export writes historical bars to per-symbol CSV files.
package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/eddiefleurent/shortput_closer/internal/broker"
	"github.com/eddiefleurent/shortput_closer/internal/models"
)

// Header is the first row of every exported file.
var Header = []string{"Date", "Open", "High", "Low", "Close", "Volume"}

// BarFetcher fetches historical bars. *broker.Session implements it.
type BarFetcher interface {
	NextRequestID() int64
	FetchHistoricalBars(ctx context.Context, reqID int64, contract models.Contract, duration, barSize string) ([]models.Bar, error)
}

// BarWriter writes one CSV file per symbol into a directory.
type BarWriter struct {
	dir string
}

// NewBarWriter creates a BarWriter rooted at dir.
func NewBarWriter(dir string) *BarWriter {
	if dir == "" {
		dir = "."
	}
	return &BarWriter{dir: dir}
}

// Path returns the file written for symbol.
func (w *BarWriter) Path(symbol string) string {
	return filepath.Join(w.dir, strings.ToUpper(strings.TrimSpace(symbol))+".csv")
}

// WriteSymbol replaces <dir>/<SYMBOL>.csv with bars, one row per bar date.
func (w *BarWriter) WriteSymbol(symbol string, bars []models.Bar) (string, error) {
	if strings.TrimSpace(symbol) == "" {
		return "", fmt.Errorf("symbol is required")
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return "", fmt.Errorf("creating export dir: %w", err)
	}

	path := w.Path(symbol)
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return "", err
	}

	cw := csv.NewWriter(f)
	_ = cw.Write(Header)
	for _, b := range bars {
		_ = cw.Write([]string{
			b.Date,
			formatFloat(b.Open),
			formatFloat(b.High),
			formatFloat(b.Low),
			formatFloat(b.Close),
			formatFloat(b.Volume),
		})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return "", fmt.Errorf("writing %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	return path, os.Rename(tmp, path)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Options controls an export run.
type Options struct {
	Duration string
	BarSize  string
	Exchange string
	// Concurrency bounds outstanding requests; zero means one per symbol.
	Concurrency int
}

// ExportBars fetches bars for each symbol's stock contract concurrently and
// writes one file per symbol. It returns the written paths keyed by symbol.
// The first failure cancels the remaining requests.
func ExportBars(ctx context.Context, fetcher BarFetcher, w *BarWriter, symbols []string, opts Options, logger *logrus.Logger) (map[string]string, error) {
	if opts.Duration == "" {
		opts.Duration = broker.DefaultDuration
	}
	if opts.BarSize == "" {
		opts.BarSize = broker.DefaultBarSize
	}
	if opts.Exchange == "" {
		opts.Exchange = models.ExchangeIsland
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	written := make(map[string]string, len(symbols))
	paths := make([]string, len(symbols))

	group, groupCtx := errgroup.WithContext(ctx)
	if opts.Concurrency > 0 {
		group.SetLimit(opts.Concurrency)
	}
	for i, symbol := range symbols {
		group.Go(func() error {
			contract := models.NewStockContract(symbol, opts.Exchange)
			reqID := fetcher.NextRequestID()
			bars, err := fetcher.FetchHistoricalBars(groupCtx, reqID, contract, opts.Duration, opts.BarSize)
			if err != nil {
				return fmt.Errorf("fetching bars for %s: %w", contract.Symbol, err)
			}
			path, err := w.WriteSymbol(contract.Symbol, bars)
			if err != nil {
				return err
			}
			paths[i] = path
			logger.WithFields(logrus.Fields{
				"symbol": contract.Symbol,
				"req_id": reqID,
				"bars":   len(bars),
				"path":   path,
			}).Info("Exported historical bars")
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	for i, symbol := range symbols {
		written[strings.ToUpper(strings.TrimSpace(symbol))] = paths[i]
	}
	return written, nil
}
