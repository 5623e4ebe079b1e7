// Package broker turns the asynchronous notification stream of a brokerage gateway
// into blocking, race-free session operations.
package broker

import (
	"context"

	"github.com/eddiefleurent/shortput_closer/internal/models"
)

// Gateway is the transport to the brokerage gateway process. Outbound calls only
// enqueue requests; replies arrive as Notifications on the channel passed to Run.
// Implementations never deliver two notifications concurrently and never retain
// references into session state.
type Gateway interface {
	// Connect opens the session to host:port as clientID.
	Connect(ctx context.Context, host string, port int, clientID int) error
	// Run is the event loop. It blocks for the life of the connection, sending every
	// notification to out in arrival order, and returns when ctx is canceled or the
	// connection drops.
	Run(ctx context.Context, out chan<- Notification) error
	// Disconnect closes the connection; Run returns afterwards.
	Disconnect() error

	// Position stream (answered by PositionReport... PositionEnd)
	RequestPositions() error
	CancelPositions() error

	// Option chain metadata (answered by OptionChainParam... OptionChainParamEnd)
	RequestOptionChainParams(reqID int64, symbol, exchange, secType string, conID int64) error

	// Historical bars (answered by HistoricalBar... HistoricalDataEnd)
	RequestHistoricalData(reqID int64, req HistoricalRequest) error

	// Orders. Rejections arrive asynchronously as GatewayError with ReqID == order id.
	PlaceOrder(id models.OrderID, contract models.Contract, order models.Order) error
	CancelOrder(id models.OrderID) error
}

// HistoricalRequest carries the parameters of a historical bar query.
type HistoricalRequest struct {
	Contract    models.Contract
	EndDateTime string // empty means now
	Duration    string // e.g. "2 D"
	BarSize     string // e.g. "5 mins"
	WhatToShow  string // e.g. "ADJUSTED_LAST"
	UseRTH      bool
}

// Historical query defaults.
const (
	DefaultWhatToShow = "ADJUSTED_LAST"
	DefaultDuration   = "2 D"
	DefaultBarSize    = "5 mins"
)
