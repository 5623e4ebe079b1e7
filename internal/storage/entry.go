package storage

import (
	cryptoRand "crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/eddiefleurent/shortput_closer/internal/models"
)

// EntryStatus is the outcome recorded for a closing order.
type EntryStatus string

const (
	StatusDryRun    EntryStatus = "dry_run"
	StatusSubmitted EntryStatus = "submitted"
	StatusRejected  EntryStatus = "rejected"
	StatusSkipped   EntryStatus = "skipped"
)

// Entry is one journaled closing order.
type Entry struct {
	Time       time.Time      `json:"time"`
	ID         string         `json:"id"`
	RunID      string         `json:"run_id"`
	Symbol     string         `json:"symbol"`
	Expiry     string         `json:"expiry"`
	Right      models.Right   `json:"right"`
	Action     models.Action  `json:"action"`
	Status     EntryStatus    `json:"status"`
	Reason     string         `json:"reason,omitempty"`
	OrderID    models.OrderID `json:"order_id,omitempty"`
	Strike     float64        `json:"strike"`
	LimitPrice float64        `json:"limit_price"`
	Quantity   int            `json:"quantity"`
}

// Validate checks the fields every backend requires.
func (e Entry) Validate() error {
	if strings.TrimSpace(e.RunID) == "" {
		return fmt.Errorf("entry run id is required")
	}
	if strings.TrimSpace(e.Symbol) == "" {
		return fmt.Errorf("entry symbol is required")
	}
	switch e.Status {
	case StatusDryRun, StatusSubmitted, StatusRejected, StatusSkipped:
	default:
		return fmt.Errorf("invalid entry status %q", e.Status)
	}
	return nil
}

var (
	idMu sync.Mutex
	mono io.Reader
)

func init() {
	// Seed a PRNG from crypto/rand so ULID entropy is unpredictable.
	// Monotonic keeps ids generated within the same millisecond increasing.
	var seed int64
	_ = binary.Read(cryptoRand.Reader, binary.LittleEndian, &seed)
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	mono = ulid.Monotonic(rand.New(rand.NewSource(seed)), 0)
}

// NewID returns a time-sortable entry id.
func NewID() string {
	idMu.Lock()
	defer idMu.Unlock()

	id, err := ulid.New(ulid.Timestamp(time.Now().UTC()), mono)
	if err != nil {
		// Only possible if the clock goes backwards past the monotonic window
		panic(err)
	}
	return id.String()
}

// prepare fills the id and time of a new entry.
func prepare(e Entry) (Entry, error) {
	if err := e.Validate(); err != nil {
		return e, err
	}
	if e.ID == "" {
		e.ID = NewID()
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	e.Time = e.Time.UTC()
	return e, nil
}
