package storage

import "errors"

var (
	// ErrUnknownBackend is returned by NewStorage for an unsupported backend name
	ErrUnknownBackend = errors.New("unknown storage backend")
	// ErrClosed is returned when recording into a closed journal
	ErrClosed = errors.New("journal closed")
)
