package broker

import (
	"fmt"

	"github.com/eddiefleurent/shortput_closer/internal/models"
)

// Notification is a message delivered by the gateway event loop. The set is closed;
// the session switches over the concrete types below.
type Notification interface {
	notification()
}

// NextValidID reports the next order id the gateway will accept. The first one
// marks the connection as ready.
type NextValidID struct {
	OrderID models.OrderID
}

// PositionReport is one row of the position stream.
type PositionReport struct {
	Position models.BrokerPosition
}

// PositionEnd terminates the position stream.
type PositionEnd struct{}

// OptionChainParam carries metadata for one exchange of an option chain query.
type OptionChainParam struct {
	ReqID int64
	Param models.OptionChainParam
}

// OptionChainParamEnd terminates an option chain query.
type OptionChainParamEnd struct {
	ReqID int64
}

// HistoricalBar is one bar of a historical query.
type HistoricalBar struct {
	ReqID int64
	Bar   models.Bar
}

// HistoricalDataEnd terminates a historical query.
type HistoricalDataEnd struct {
	ReqID int64
	Start string
	End   string
}

// ConnectionClosed reports that the transport dropped.
type ConnectionClosed struct {
	Err error
}

// NoRequestID is used by the gateway for errors not tied to a request.
const NoRequestID int64 = -1

// GatewayError is an error or warning message. ReqID is a request id, an order id,
// or NoRequestID.
type GatewayError struct {
	ReqID   int64
	Code    int
	Message string
}

func (NextValidID) notification()         {}
func (PositionReport) notification()      {}
func (PositionEnd) notification()         {}
func (OptionChainParam) notification()    {}
func (OptionChainParamEnd) notification() {}
func (HistoricalBar) notification()       {}
func (HistoricalDataEnd) notification()   {}
func (ConnectionClosed) notification()    {}
func (*GatewayError) notification()       {}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway error %d (request %d): %s", e.Code, e.ReqID, e.Message)
}

// Gateway message codes with special handling.
const (
	CodeOrderCanceled       = 202  // sent after a successful cancel
	CodeOrderWarning        = 399  // order accepted with a warning
	CodeCouldNotConnect     = 502  // couldn't connect to the gateway
	CodeNotConnected        = 504  // not connected
	CodeConnectivityLost    = 1100 // connectivity between gateway and server lost
	CodeConnectivityRestore = 1101 // restored, data lost
	CodeConnectivityOK      = 1102 // restored, data maintained
)

// IsInformational reports whether the message is a status notice rather than a failure.
func (e *GatewayError) IsInformational() bool {
	switch e.Code {
	case CodeOrderCanceled, CodeOrderWarning, CodeConnectivityRestore, CodeConnectivityOK:
		return true
	}
	// 2100-2199 are farm connection and data warnings
	return e.Code >= 2100 && e.Code < 2200
}

// IsConnectionFatal reports whether the message means the session is gone.
func (e *GatewayError) IsConnectionFatal() bool {
	switch e.Code {
	case CodeCouldNotConnect, CodeNotConnected, CodeConnectivityLost:
		return true
	}
	return false
}
