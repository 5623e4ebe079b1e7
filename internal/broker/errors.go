package broker

import "errors"

var (
	// ErrConnectionTimeout is returned when the gateway does not become ready, or a
	// request gets no terminal reply, within the configured wait.
	ErrConnectionTimeout = errors.New("connection timeout")
	// ErrConnectionLost is returned when the transport drops or cannot be opened.
	ErrConnectionLost = errors.New("connection lost")
	// ErrSessionFailed is returned for requests issued after the session failed.
	ErrSessionFailed = errors.New("session failed")
	// ErrSessionClosed is returned for requests issued after Close.
	ErrSessionClosed = errors.New("session closed")
	// ErrNotReady is returned when a request is issued before the gateway is ready.
	ErrNotReady = errors.New("session not ready")
	// ErrOrderRejected is returned when an order, cancel or modify is refused. The
	// order id stays consumed.
	ErrOrderRejected = errors.New("order rejected")
	// ErrUnknownOrder is returned when cancel or modify names an order this session never placed.
	ErrUnknownOrder = errors.New("unknown order id")
	// ErrDuplicateRequest is returned when a request id is already outstanding.
	ErrDuplicateRequest = errors.New("duplicate request id")
)

// IsFatal reports whether err ends the session, so no further orders should be issued.
func IsFatal(err error) bool {
	return errors.Is(err, ErrConnectionLost) ||
		errors.Is(err, ErrConnectionTimeout) ||
		errors.Is(err, ErrSessionFailed) ||
		errors.Is(err, ErrSessionClosed)
}
