package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// JSONStorage keeps the journal in a single JSON file, rewritten atomically on
// every record.
type JSONStorage struct {
	mu       sync.RWMutex
	filepath string
	data     *journalData
	closed   bool
}

type journalData struct {
	LastUpdated time.Time `json:"last_updated"`
	Entries     []Entry   `json:"entries"`
}

// NewJSONStorage opens the journal at path, loading existing entries.
func NewJSONStorage(path string) (*JSONStorage, error) {
	if path == "" {
		return nil, fmt.Errorf("journal path is required")
	}
	s := &JSONStorage{
		filepath: path,
		data:     &journalData{},
	}

	// Load existing data if file exists
	if _, err := os.Stat(path); err == nil {
		if err := s.load(); err != nil {
			return nil, fmt.Errorf("loading journal: %w", err)
		}
	}
	return s, nil
}

func (s *JSONStorage) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.filepath)
	if err != nil {
		return err
	}
	data := &journalData{}
	if err := json.Unmarshal(raw, data); err != nil {
		return err
	}
	s.data = data
	return nil
}

// saveLocked must be called with mu held for writing.
func (s *JSONStorage) saveLocked() error {
	s.data.LastUpdated = time.Now().UTC()

	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}

	// Write to temp file first
	tmpFile := s.filepath + ".tmp"
	if err := os.WriteFile(tmpFile, raw, 0o600); err != nil {
		return err
	}

	// Atomic rename
	return os.Rename(tmpFile, s.filepath)
}

// Record implements Interface.
func (s *JSONStorage) Record(entry Entry) (Entry, error) {
	entry, err := prepare(entry)
	if err != nil {
		return entry, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return entry, ErrClosed
	}

	s.data.Entries = append(s.data.Entries, entry)
	if err := s.saveLocked(); err != nil {
		s.data.Entries = s.data.Entries[:len(s.data.Entries)-1]
		return entry, fmt.Errorf("saving journal: %w", err)
	}
	return entry, nil
}

// Entries implements Interface.
func (s *JSONStorage) Entries() ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Entry(nil), s.data.Entries...), nil
}

// EntriesForRun implements Interface.
func (s *JSONStorage) EntriesForRun(runID string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Entry
	for _, e := range s.data.Entries {
		if e.RunID == runID {
			out = append(out, e)
		}
	}
	return out, nil
}

// Close implements Interface.
func (s *JSONStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
