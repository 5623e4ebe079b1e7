package feed

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sliceSource replays fixed rows and errors.
type sliceSource struct {
	rows []RawRow
	errs []error
}

func (s sliceSource) Rows(context.Context) iter.Seq2[RawRow, error] {
	return func(yield func(RawRow, error) bool) {
		for i, row := range s.rows {
			var err error
			if i < len(s.errs) {
				err = s.errs[i]
			}
			if !yield(row, err) {
				return
			}
		}
	}
}

func TestReader_SourceErrorEndsSequence(t *testing.T) {
	failure := errors.New("disk on fire")
	src := sliceSource{
		rows: []RawRow{validRow(), {}, validRow()},
		errs: []error{nil, failure, nil},
	}
	r, _ := newTestReader(src)

	var positions, errs int
	for _, err := range r.OpenShortPositions(context.Background()) {
		if err != nil {
			errs++
			assert.ErrorIs(t, err, failure)
			continue
		}
		positions++
	}
	assert.Equal(t, 1, positions)
	assert.Equal(t, 1, errs)
}

func TestReader_MalformedRowErrorsAreSkipped(t *testing.T) {
	src := sliceSource{
		rows: []RawRow{{Ref: "x:1"}, validRow()},
		errs: []error{fmt.Errorf("%w: x:1: bad quote", ErrMalformedRecord)},
	}
	r, hook := newTestReader(src)

	got, err := r.ReadAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, got, 1)
	require.NotNil(t, hook.LastEntry())
}
