// Package mock provides a simulated brokerage gateway for paper runs and tests.
package mock

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/eddiefleurent/shortput_closer/internal/broker"
	"github.com/eddiefleurent/shortput_closer/internal/models"
)

// Gateway message codes used by the simulation.
const (
	CodeNoSecurityDefinition = 200
	CodeOrderRejected        = 201
	CodeHistoricalDataError  = 162
	CodeCancelNotFound       = 10147
	CodeFarmOK               = 2104
)

// ErrNotConnected is returned by outbound calls before Connect or after Disconnect.
var ErrNotConnected = errors.New("mock gateway: not connected")

// Config describes the simulated account and market.
type Config struct {
	FirstOrderID models.OrderID
	Account      string
	Positions    []models.BrokerPosition
	OptionChains map[string][]models.OptionChainParam
	// GenerateChains answers chain requests for unconfigured symbols with SampleChain.
	GenerateChains bool
	// Bars per symbol; symbols without an entry get a generated random walk.
	Bars     map[string][]models.Bar
	BarCount int
	// RejectSymbols maps a symbol to the rejection reason sent for its orders.
	RejectSymbols map[string]string
	// ConnectErr makes Connect fail.
	ConnectErr error
	// WithholdReady keeps the first order id back until SendNextValidID.
	WithholdReady bool
	// WithholdPositionEnd never terminates the position stream.
	WithholdPositionEnd bool
	QueueSize           int
}

// SubmittedOrder is an order received by the simulated gateway.
type SubmittedOrder struct {
	ID       models.OrderID
	Contract models.Contract
	Order    models.Order
	Canceled bool
}

// Gateway simulates the gateway process in memory. Outbound calls queue
// notifications which Run delivers in order.
type Gateway struct {
	config Config

	mu        sync.Mutex
	connected bool
	clientID  int
	orders    map[models.OrderID]*SubmittedOrder
	orderSeq  []models.OrderID
	requests  []string

	queue    chan broker.Notification
	stop     chan struct{}
	stopOnce sync.Once
}

// NewGateway creates a simulated gateway.
func NewGateway(config Config) *Gateway {
	if config.FirstOrderID <= 0 {
		config.FirstOrderID = 1
	}
	if config.Account == "" {
		config.Account = "DU12345"
	}
	if config.BarCount <= 0 {
		config.BarCount = 78 // one session of 5 minute bars
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 1024
	}
	return &Gateway{
		config: config,
		orders: make(map[models.OrderID]*SubmittedOrder),
		queue:  make(chan broker.Notification, config.QueueSize),
		stop:   make(chan struct{}),
	}
}

// Connect accepts the connection and queues the first order id.
func (g *Gateway) Connect(ctx context.Context, host string, port int, clientID int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if g.config.ConnectErr != nil {
		return g.config.ConnectErr
	}

	g.mu.Lock()
	g.connected = true
	g.clientID = clientID
	g.mu.Unlock()

	g.emit(&broker.GatewayError{
		ReqID:   broker.NoRequestID,
		Code:    CodeFarmOK,
		Message: "Market data farm connection is OK:usfarm",
	})
	if !g.config.WithholdReady {
		g.emit(broker.NextValidID{OrderID: g.config.FirstOrderID})
	}
	return nil
}

// Run delivers queued notifications until ctx ends, Disconnect is called, or
// the connection is dropped.
func (g *Gateway) Run(ctx context.Context, out chan<- broker.Notification) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-g.stop:
			return nil
		case n := <-g.queue:
			select {
			case out <- n:
			case <-ctx.Done():
				return ctx.Err()
			}
			if closed, ok := n.(broker.ConnectionClosed); ok {
				return fmt.Errorf("connection dropped: %w", closed.Err)
			}
		}
	}
}

// Disconnect stops Run.
func (g *Gateway) Disconnect() error {
	g.mu.Lock()
	g.connected = false
	g.mu.Unlock()
	g.stopOnce.Do(func() { close(g.stop) })
	return nil
}

// RequestPositions queues the configured positions followed by the end marker.
func (g *Gateway) RequestPositions() error {
	if err := g.begin("positions"); err != nil {
		return err
	}
	for _, p := range g.config.Positions {
		if p.Account == "" {
			p.Account = g.config.Account
		}
		g.emit(broker.PositionReport{Position: p})
	}
	if !g.config.WithholdPositionEnd {
		g.emit(broker.PositionEnd{})
	}
	return nil
}

// CancelPositions ends the position subscription.
func (g *Gateway) CancelPositions() error {
	return g.begin("cancel positions")
}

// RequestOptionChainParams queues the configured chain for symbol.
func (g *Gateway) RequestOptionChainParams(reqID int64, symbol, exchange, secType string, conID int64) error {
	if err := g.begin(fmt.Sprintf("chain %d %s", reqID, symbol)); err != nil {
		return err
	}
	params, ok := g.config.OptionChains[strings.ToUpper(symbol)]
	if !ok && g.config.GenerateChains && symbol != "" {
		params, ok = SampleChain(symbol, 20+jitter()*80, time.Now()), true
	}
	if !ok {
		g.emit(&broker.GatewayError{
			ReqID:   reqID,
			Code:    CodeNoSecurityDefinition,
			Message: "No security definition has been found for the request",
		})
		return nil
	}
	for _, p := range params {
		if exchange != "" && p.Exchange != exchange {
			continue
		}
		g.emit(broker.OptionChainParam{ReqID: reqID, Param: p})
	}
	g.emit(broker.OptionChainParamEnd{ReqID: reqID})
	return nil
}

// RequestHistoricalData queues bars for the contract symbol.
func (g *Gateway) RequestHistoricalData(reqID int64, req broker.HistoricalRequest) error {
	symbol := req.Contract.Symbol
	if err := g.begin(fmt.Sprintf("bars %d %s", reqID, symbol)); err != nil {
		return err
	}
	if symbol == "" {
		g.emit(&broker.GatewayError{
			ReqID:   reqID,
			Code:    CodeHistoricalDataError,
			Message: "Historical Market Data Service error message:No market data permissions",
		})
		return nil
	}

	bars, ok := g.config.Bars[symbol]
	if !ok {
		bars = generateBars(g.config.BarCount, time.Now())
	}
	for _, b := range bars {
		g.emit(broker.HistoricalBar{ReqID: reqID, Bar: b})
	}
	end := broker.HistoricalDataEnd{ReqID: reqID}
	if len(bars) > 0 {
		end.Start = bars[0].Date
		end.End = bars[len(bars)-1].Date
	}
	g.emit(end)
	return nil
}

// PlaceOrder records the order. Orders for configured symbols are rejected
// asynchronously with an error carrying the order id.
func (g *Gateway) PlaceOrder(id models.OrderID, contract models.Contract, order models.Order) error {
	if err := g.begin(fmt.Sprintf("order %d %s", id, contract.Symbol)); err != nil {
		return err
	}

	g.mu.Lock()
	if existing, ok := g.orders[id]; ok {
		existing.Order = order
	} else {
		g.orders[id] = &SubmittedOrder{ID: id, Contract: contract, Order: order}
		g.orderSeq = append(g.orderSeq, id)
	}
	g.mu.Unlock()

	if reason, ok := g.config.RejectSymbols[contract.Symbol]; ok {
		g.emit(&broker.GatewayError{
			ReqID:   int64(id),
			Code:    CodeOrderRejected,
			Message: "Order rejected - reason:" + reason,
		})
	}
	return nil
}

// CancelOrder cancels a recorded order.
func (g *Gateway) CancelOrder(id models.OrderID) error {
	if err := g.begin(fmt.Sprintf("cancel %d", id)); err != nil {
		return err
	}

	g.mu.Lock()
	o, ok := g.orders[id]
	if ok {
		o.Canceled = true
	}
	g.mu.Unlock()

	if !ok {
		g.emit(&broker.GatewayError{
			ReqID:   int64(id),
			Code:    CodeCancelNotFound,
			Message: "OrderId that needs to be cancelled is not found.",
		})
		return nil
	}
	g.emit(&broker.GatewayError{
		ReqID:   int64(id),
		Code:    broker.CodeOrderCanceled,
		Message: "Order Canceled - reason:",
	})
	return nil
}

// SendNextValidID delivers an order id, as the gateway does after connect or on request.
func (g *Gateway) SendNextValidID(id models.OrderID) {
	g.emit(broker.NextValidID{OrderID: id})
}

// DropConnection simulates the transport going away.
func (g *Gateway) DropConnection(err error) {
	if err == nil {
		err = errors.New("socket closed")
	}
	g.emit(broker.ConnectionClosed{Err: err})
}

// Inject queues an arbitrary notification.
func (g *Gateway) Inject(n broker.Notification) {
	g.emit(n)
}

// Orders returns the orders received so far, in submission order.
func (g *Gateway) Orders() []SubmittedOrder {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]SubmittedOrder, 0, len(g.orderSeq))
	for _, id := range g.orderSeq {
		out = append(out, *g.orders[id])
	}
	return out
}

// Requests returns a log of outbound calls, for assertions.
func (g *Gateway) Requests() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.requests...)
}

// ClientID returns the client id passed to Connect.
func (g *Gateway) ClientID() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.clientID
}

func (g *Gateway) begin(request string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.connected {
		return ErrNotConnected
	}
	g.requests = append(g.requests, request)
	return nil
}

func (g *Gateway) emit(n broker.Notification) {
	select {
	case g.queue <- n:
	case <-g.stop:
	}
}

// generateBars builds a random walk of 5 minute bars ending at end.
func generateBars(count int, end time.Time) []models.Bar {
	price := 50.0 + jitter()*100
	start := end.Add(-time.Duration(count) * 5 * time.Minute).Truncate(5 * time.Minute)

	bars := make([]models.Bar, 0, count)
	for i := 0; i < count; i++ {
		open := price
		price = math.Max(0.01, price+(jitter()-0.5)*price*0.004)
		high := math.Max(open, price) + jitter()*price*0.001
		low := math.Max(0.01, math.Min(open, price)-jitter()*price*0.001)
		bars = append(bars, models.Bar{
			Date:   start.Add(time.Duration(i) * 5 * time.Minute).Format("20060102 15:04:05"),
			Open:   round2(open),
			High:   round2(high),
			Low:    round2(low),
			Close:  round2(price),
			Volume: float64(lotSize(100, 100000)),
		})
	}
	return bars
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}

// SampleChain builds chain metadata with weekly expiries and strikes around price.
func SampleChain(symbol string, price float64, from time.Time) []models.OptionChainParam {
	var expirations []string
	for d := 0; len(expirations) < 6; d++ {
		day := from.AddDate(0, 0, d)
		if day.Weekday() == time.Friday {
			expirations = append(expirations, day.Format(models.ExpiryLayout))
		}
	}

	interval := 1.0
	if price > 100 {
		interval = 5
	}
	center := math.Round(price/interval) * interval
	var strikes []float64
	for k := -10; k <= 10; k++ {
		if s := center + float64(k)*interval; s > 0 {
			strikes = append(strikes, s)
		}
	}
	sort.Float64s(strikes)

	params := make([]models.OptionChainParam, 0, 2)
	for _, exch := range []string{models.ExchangeSmart, "CBOE"} {
		params = append(params, models.OptionChainParam{
			Exchange:     exch,
			TradingClass: strings.ToUpper(symbol),
			Multiplier:   models.DefaultMultiplier,
			Expirations:  append([]string(nil), expirations...),
			Strikes:      append([]float64(nil), strikes...),
		})
	}
	return params
}
