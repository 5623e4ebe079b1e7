package feed

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/shortput_closer/internal/models"
)

// Reader turns a RowSource into a sequence of open short option positions.
type Reader struct {
	source RowSource
	logger *logrus.Logger
	now    func() time.Time
}

// NewReader creates a Reader over source.
func NewReader(source RowSource, logger *logrus.Logger) *Reader {
	if source == nil {
		panic("feed.NewReader: source must not be nil")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Reader{source: source, logger: logger, now: time.Now}
}

// SetClock replaces the clock used to resolve "days since open" columns.
func (r *Reader) SetClock(now func() time.Time) {
	if now != nil {
		r.now = now
	}
}

// OpenShortPositions yields every open short option position in the feed.
// The sequence is lazy and re-reads the source each time it is ranged over.
// Malformed records are logged and skipped; a source failure is yielded once
// and ends the sequence.
func (r *Reader) OpenShortPositions(ctx context.Context) iter.Seq2[models.OptionPosition, error] {
	return func(yield func(models.OptionPosition, error) bool) {
		now := r.now()
		for row, err := range r.source.Rows(ctx) {
			if err != nil {
				if errors.Is(err, ErrMalformedRecord) {
					r.logger.WithError(err).Warn("Skipping malformed feed record")
					continue
				}
				yield(models.OptionPosition{}, err)
				return
			}

			pos, keep, err := ParseRow(row, now)
			if err != nil {
				r.logger.WithError(err).Warn("Skipping malformed feed record")
				continue
			}
			if !keep {
				r.logger.WithField("ref", row.Ref).Debug("Skipping closed or long record")
				continue
			}
			if !yield(pos, nil) {
				return
			}
		}
	}
}

// ReadAll collects OpenShortPositions into a slice.
func (r *Reader) ReadAll(ctx context.Context) ([]models.OptionPosition, error) {
	var out []models.OptionPosition
	for pos, err := range r.OpenShortPositions(ctx) {
		if err != nil {
			return out, err
		}
		out = append(out, pos)
	}
	return out, nil
}
