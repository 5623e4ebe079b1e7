package storage

import "sync"

// MockStorage implements Interface in memory for testing
type MockStorage struct {
	mu          sync.Mutex
	recordError error
	entries     []Entry
	recordCalls int
	closed      bool
}

// NewMockStorage creates a new mock storage for testing
func NewMockStorage() *MockStorage {
	return &MockStorage{}
}

// Record implements Interface.
func (m *MockStorage) Record(entry Entry) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recordCalls++
	if m.recordError != nil {
		return entry, m.recordError
	}
	if m.closed {
		return entry, ErrClosed
	}
	entry, err := prepare(entry)
	if err != nil {
		return entry, err
	}
	m.entries = append(m.entries, entry)
	return entry, nil
}

// Entries implements Interface.
func (m *MockStorage) Entries() ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...), nil
}

// EntriesForRun implements Interface.
func (m *MockStorage) EntriesForRun(runID string) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entry
	for _, e := range m.entries {
		if e.RunID == runID {
			out = append(out, e)
		}
	}
	return out, nil
}

// Close implements Interface.
func (m *MockStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Helper methods for testing

// SetRecordError makes every subsequent Record fail with err.
func (m *MockStorage) SetRecordError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recordError = err
}

// GetRecordCallCount returns how many times Record was called.
func (m *MockStorage) GetRecordCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recordCalls
}
