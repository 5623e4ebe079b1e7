package storage

import (
	"fmt"
	"strings"
)

// Interface is the order journal.
//
// Implementations must be safe for concurrent use. Entries are returned in
// recording order; ids are ULIDs so that order is also id order.
type Interface interface {
	// Record stores an entry, assigning its id and time when unset.
	Record(entry Entry) (Entry, error)
	Entries() ([]Entry, error)
	EntriesForRun(runID string) ([]Entry, error)
	Close() error
}

// Backend names accepted by NewStorage.
const (
	BackendJSON   = "json"
	BackendSQLite = "sqlite"
)

// NewStorage opens the journal backend named by backend at path.
func NewStorage(backend, path string) (Interface, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendJSON:
		return NewJSONStorage(path)
	case BackendSQLite:
		return NewSQLiteStorage(path)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}
}

// Ensure implementations satisfy Interface
var (
	_ Interface = (*JSONStorage)(nil)
	_ Interface = (*SQLiteStorage)(nil)
	_ Interface = (*MockStorage)(nil)
)
