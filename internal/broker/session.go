package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/eddiefleurent/shortput_closer/internal/models"
)

// Config contains connection parameters and timeouts for a Session.
type Config struct {
	Host               string
	Port               int
	ClientID           int
	ConnectTimeout     time.Duration
	RequestTimeout     time.Duration
	OrderThrottle      time.Duration
	NotificationBuffer int
}

// DefaultConfig is the default configuration for a Session.
var DefaultConfig = Config{
	Host:               "127.0.0.1",
	Port:               7496,
	ClientID:           23,
	ConnectTimeout:     10 * time.Second,
	RequestTimeout:     30 * time.Second,
	OrderThrottle:      5 * time.Second,
	NotificationBuffer: 256,
}

// MinOrderThrottle is the shortest post-submission window a Session accepts.
// Shorter windows can end before the gateway's rejection is dispatched.
const MinOrderThrottle = 10 * time.Millisecond

// requestIDBase keeps generated request ids clear of the order id range; the
// gateway reports errors for both on the same id field.
const requestIDBase int64 = 1 << 20

type requestKind string

const (
	kindPositions requestKind = "positions"
	kindChain     requestKind = "option chain"
	kindBars      requestKind = "historical data"
)

// pendingRequest buffers a multi-part reply until its end marker arrives.
// Buffers are written by the dispatcher under Session.mu and read by the waiter
// only after done is closed.
type pendingRequest struct {
	id        int64
	kind      requestKind
	symbol    string
	positions []models.BrokerPosition
	chain     []models.OptionChainParam
	bars      []models.Bar
	done      chan struct{}
	err       error
	finished  bool
}

func newPending(id int64, kind requestKind) *pendingRequest {
	return &pendingRequest{id: id, kind: kind, done: make(chan struct{})}
}

// finish must be called with Session.mu held.
func (p *pendingRequest) finish(err error) {
	if p.finished {
		return
	}
	p.finished = true
	p.err = err
	close(p.done)
}

// PlacedOrder is an order submitted during this session.
type PlacedOrder struct {
	ID       models.OrderID  `json:"id"`
	Contract models.Contract `json:"contract"`
	Order    models.Order    `json:"order"`
	PlacedAt time.Time       `json:"placed_at"`
	Canceled bool            `json:"canceled"`
	Rejected bool            `json:"rejected"`
}

// Snapshot is a point-in-time copy of session state.
type Snapshot struct {
	State           models.SessionState                  `json:"state"`
	NextOrderID     models.OrderID                       `json:"next_order_id"`
	HasOrderID      bool                                 `json:"has_order_id"`
	InFlight        int                                  `json:"in_flight"`
	PendingRequests int                                  `json:"pending_requests"`
	Positions       []models.BrokerPosition              `json:"positions"`
	OptionChains    map[string][]models.OptionChainParam `json:"option_chains"`
	Orders          []PlacedOrder                        `json:"orders"`
	LastTransition  time.Time                            `json:"last_transition"`
}

// Session coordinates one connection to the brokerage gateway. Every exported
// method is safe for concurrent use. Notifications are applied by a single
// dispatcher goroutine, so state updates are serialized.
type Session struct {
	gateway Gateway
	logger  *logrus.Logger
	config  Config

	// submitMu serializes order submissions, including their throttle wait.
	submitMu sync.Mutex

	mu           sync.Mutex
	sm           *models.StateMachine
	nextOrderID  models.OrderID
	hasOrderID   bool
	inFlight     int
	positions    map[string]models.BrokerPosition
	optionChains map[string][]models.OptionChainParam
	placed       map[models.OrderID]*PlacedOrder
	pending      map[int64]*pendingRequest
	positionsReq *pendingRequest
	orderWatch   map[models.OrderID]chan error

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	doneOnce  sync.Once
	doneErr   error

	notes  chan Notification
	cancel context.CancelFunc
	group  *errgroup.Group
	reqSeq atomic.Int64
}

// NewSession creates a session over gateway. The session does not connect until Connect.
func NewSession(gateway Gateway, logger *logrus.Logger, config ...Config) *Session {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}

	if logger == nil {
		logger = logrus.StandardLogger()
	}

	// Validate and clamp config values
	if cfg.Host == "" {
		cfg.Host = DefaultConfig.Host
	}
	if cfg.Port <= 0 {
		cfg.Port = DefaultConfig.Port
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConfig.ConnectTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultConfig.RequestTimeout
	}
	if cfg.OrderThrottle < MinOrderThrottle {
		cfg.OrderThrottle = MinOrderThrottle
	}
	if cfg.NotificationBuffer <= 0 {
		cfg.NotificationBuffer = DefaultConfig.NotificationBuffer
	}

	if gateway == nil {
		panic("broker.NewSession: gateway must not be nil")
	}

	s := &Session{
		gateway:      gateway,
		logger:       logger,
		config:       cfg,
		sm:           models.NewStateMachine(),
		positions:    make(map[string]models.BrokerPosition),
		optionChains: make(map[string][]models.OptionChainParam),
		placed:       make(map[models.OrderID]*PlacedOrder),
		pending:      make(map[int64]*pendingRequest),
		orderWatch:   make(map[models.OrderID]chan error),
		ready:        make(chan struct{}),
		done:         make(chan struct{}),
		notes:        make(chan Notification, cfg.NotificationBuffer),
	}
	s.reqSeq.Store(requestIDBase)
	return s
}

// Connect opens the gateway connection and starts the background event loop.
// The session is usable once WaitUntilReady returns nil.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if state := s.sm.GetCurrentState(); state != models.StateDisconnected || s.isDone() {
		s.mu.Unlock()
		return fmt.Errorf("connect: session is %s", state)
	}
	s.mu.Unlock()

	connectCtx, cancel := context.WithTimeout(ctx, s.config.ConnectTimeout)
	defer cancel()

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	if err := s.gateway.Connect(connectCtx, s.config.Host, s.config.Port, s.config.ClientID); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: connecting to %s: %v", ErrConnectionTimeout, addr, err)
		} else {
			err = fmt.Errorf("%w: connecting to %s: %v", ErrConnectionLost, addr, err)
		}
		s.fail(err)
		return err
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(runCtx)

	s.mu.Lock()
	if s.isDone() {
		// Closed while the gateway was connecting
		s.mu.Unlock()
		runCancel()
		_ = s.gateway.Disconnect()
		return ErrSessionClosed
	}
	if err := s.sm.Transition(models.StateConnecting, models.ConditionConnected); err != nil {
		s.mu.Unlock()
		runCancel()
		return fmt.Errorf("connect: %w", err)
	}
	s.cancel = runCancel
	s.group = group
	s.mu.Unlock()

	group.Go(func() error {
		err := s.gateway.Run(groupCtx, s.notes)
		if groupCtx.Err() == nil {
			if err == nil {
				err = errors.New("event loop exited")
			}
			s.fail(fmt.Errorf("%w: %v", ErrConnectionLost, err))
		}
		return err
	})
	group.Go(func() error {
		s.dispatch(groupCtx)
		return nil
	})

	s.logger.WithFields(logrus.Fields{
		"addr":      addr,
		"client_id": s.config.ClientID,
	}).Info("Connected to gateway, waiting for next valid order id")
	return nil
}

// WaitUntilReady blocks until the gateway has delivered its first order id.
func (s *Session) WaitUntilReady(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = s.config.ConnectTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-s.ready:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.requireReadyLocked()
	case <-s.done:
		return s.doneErr
	case <-timer.C:
		return fmt.Errorf("%w: gateway not ready after %v", ErrConnectionTimeout, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close disconnects from the gateway and stops the event loop. Outstanding
// requests complete with ErrSessionClosed.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.sm.AcceptsRequests() || s.sm.GetCurrentState() == models.StateConnecting {
		if err := s.sm.Transition(models.StateDisconnected, models.ConditionClosed); err != nil {
			s.logger.WithError(err).Warn("Unexpected state transition on close")
		}
	}
	s.terminateLocked(ErrSessionClosed)
	cancel, group := s.cancel, s.group
	s.mu.Unlock()

	err := s.gateway.Disconnect()
	if cancel != nil {
		cancel()
	}
	if group != nil {
		if werr := group.Wait(); werr != nil && !errors.Is(werr, context.Canceled) {
			s.logger.WithError(werr).Debug("Event loop stopped with error")
		}
	}
	return err
}

// NextRequestID allocates a request id for callers that do not manage their own.
func (s *Session) NextRequestID() int64 {
	return s.reqSeq.Add(1)
}

// PlaceOrder submits a day limit order and returns its id after the throttle delay.
// The id is consumed even when the order is rejected.
func (s *Session) PlaceOrder(ctx context.Context, action models.Action, contract models.Contract, limitPrice float64, quantity int) (models.OrderID, error) {
	return s.SubmitOrder(ctx, contract, models.NewLimitOrder(action, quantity, limitPrice))
}

// SubmitOrder submits an arbitrary order. See PlaceOrder.
func (s *Session) SubmitOrder(ctx context.Context, contract models.Contract, order models.Order) (models.OrderID, error) {
	if err := contract.Validate(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrOrderRejected, err)
	}
	if err := order.Validate(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrOrderRejected, err)
	}

	s.submitMu.Lock()
	defer s.submitMu.Unlock()

	s.mu.Lock()
	if err := s.requireReadyLocked(); err != nil {
		s.mu.Unlock()
		return 0, err
	}
	if !s.hasOrderID {
		s.mu.Unlock()
		return 0, fmt.Errorf("%w: no order id from gateway yet", ErrNotReady)
	}
	id := s.nextOrderID
	s.nextOrderID++
	watch := s.watchOrderLocked(id)
	s.placed[id] = &PlacedOrder{ID: id, Contract: contract, Order: order, PlacedAt: time.Now().UTC()}
	s.beginLocked()
	s.mu.Unlock()
	defer s.unwatchOrder(id)

	log := s.logger.WithFields(logrus.Fields{"order_id": id, "contract": contract.String()})
	if err := s.gateway.PlaceOrder(id, contract, order); err != nil {
		s.markRejected(id)
		return id, fmt.Errorf("%w: order %d: %v", ErrOrderRejected, id, err)
	}
	log.WithFields(logrus.Fields{
		"action":   order.Action,
		"quantity": order.Quantity,
		"limit":    order.LimitPrice,
	}).Info("Order submitted")

	if err := s.quiesce(ctx, watch); err != nil {
		if errors.Is(err, ErrOrderRejected) {
			s.markRejected(id)
		}
		return id, fmt.Errorf("order %d: %w", id, err)
	}
	return id, nil
}

// CancelOrder cancels an order placed during this session.
func (s *Session) CancelOrder(ctx context.Context, id models.OrderID) error {
	s.submitMu.Lock()
	defer s.submitMu.Unlock()

	s.mu.Lock()
	if err := s.requireReadyLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	if _, ok := s.placed[id]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownOrder, id)
	}
	watch := s.watchOrderLocked(id)
	s.beginLocked()
	s.mu.Unlock()
	defer s.unwatchOrder(id)

	if err := s.gateway.CancelOrder(id); err != nil {
		return fmt.Errorf("%w: cancel %d: %v", ErrOrderRejected, id, err)
	}
	if err := s.quiesce(ctx, watch); err != nil {
		return fmt.Errorf("cancel %d: %w", id, err)
	}

	s.mu.Lock()
	if p, ok := s.placed[id]; ok {
		p.Canceled = true
	}
	s.mu.Unlock()
	s.logger.WithField("order_id", id).Info("Order canceled")
	return nil
}

// ModifyOrder re-submits an order under the same id, using the contract recorded at placement.
func (s *Session) ModifyOrder(ctx context.Context, id models.OrderID, order models.Order) error {
	if err := order.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrOrderRejected, err)
	}

	s.submitMu.Lock()
	defer s.submitMu.Unlock()

	s.mu.Lock()
	if err := s.requireReadyLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	placed, ok := s.placed[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownOrder, id)
	}
	contract := placed.Contract
	watch := s.watchOrderLocked(id)
	s.beginLocked()
	s.mu.Unlock()
	defer s.unwatchOrder(id)

	if err := s.gateway.PlaceOrder(id, contract, order); err != nil {
		return fmt.Errorf("%w: modify %d: %v", ErrOrderRejected, id, err)
	}
	if err := s.quiesce(ctx, watch); err != nil {
		return fmt.Errorf("modify %d: %w", id, err)
	}

	s.mu.Lock()
	if p, ok := s.placed[id]; ok {
		p.Order = order
	}
	s.mu.Unlock()
	s.logger.WithFields(logrus.Fields{"order_id": id, "limit": order.LimitPrice}).Info("Order modified")
	return nil
}

// FetchPositions requests the account position stream and returns the option
// positions once the stream ends. The positions table is updated only on completion.
func (s *Session) FetchPositions(ctx context.Context) ([]models.OptionPosition, error) {
	s.mu.Lock()
	if err := s.requireReadyLocked(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if s.positionsReq != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: positions already requested", ErrDuplicateRequest)
	}
	req := newPending(NoRequestID, kindPositions)
	s.positionsReq = req
	s.beginLocked()
	s.mu.Unlock()
	defer s.end()

	if err := s.gateway.RequestPositions(); err != nil {
		s.abandon(req)
		return nil, fmt.Errorf("requesting positions: %w", err)
	}

	err := s.await(ctx, req)
	if cerr := s.gateway.CancelPositions(); cerr != nil {
		s.logger.WithError(cerr).Debug("Cancel positions failed")
	}
	if err != nil {
		return nil, err
	}

	out := make([]models.OptionPosition, 0, len(req.positions))
	for _, bp := range req.positions {
		if !bp.IsOption() || bp.Quantity == 0 {
			continue
		}
		pos, perr := bp.OptionPosition()
		if perr != nil {
			s.logger.WithError(perr).WithField("contract", bp.Contract.String()).Warn("Skipping unreadable position")
			continue
		}
		out = append(out, pos)
	}
	return out, nil
}

// FetchOptionChainParams requests option chain metadata for an underlying.
func (s *Session) FetchOptionChainParams(ctx context.Context, reqID int64, symbol, secType string, conID int64) ([]models.OptionChainParam, error) {
	req := newPending(reqID, kindChain)
	req.symbol = symbol
	if err := s.register(req); err != nil {
		return nil, err
	}
	defer s.end()

	// An empty exchange asks for every exchange listing the chain
	if err := s.gateway.RequestOptionChainParams(reqID, symbol, "", secType, conID); err != nil {
		s.abandon(req)
		return nil, fmt.Errorf("requesting option chain for %s: %w", symbol, err)
	}
	if err := s.await(ctx, req); err != nil {
		return nil, err
	}
	return req.chain, nil
}

// FetchHistoricalBars requests historical bars for a contract. Concurrent calls
// with distinct request ids never see each other's bars.
func (s *Session) FetchHistoricalBars(ctx context.Context, reqID int64, contract models.Contract, duration, barSize string) ([]models.Bar, error) {
	if duration == "" {
		duration = DefaultDuration
	}
	if barSize == "" {
		barSize = DefaultBarSize
	}

	req := newPending(reqID, kindBars)
	req.symbol = contract.Symbol
	if err := s.register(req); err != nil {
		return nil, err
	}
	defer s.end()

	hr := HistoricalRequest{
		Contract:   contract,
		Duration:   duration,
		BarSize:    barSize,
		WhatToShow: DefaultWhatToShow,
		UseRTH:     true,
	}
	if err := s.gateway.RequestHistoricalData(reqID, hr); err != nil {
		s.abandon(req)
		return nil, fmt.Errorf("requesting historical data for %s: %w", contract.Symbol, err)
	}
	if err := s.await(ctx, req); err != nil {
		return nil, err
	}
	return req.bars, nil
}

// Snapshot returns a copy of the current session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		State:           s.sm.GetCurrentState(),
		NextOrderID:     s.nextOrderID,
		HasOrderID:      s.hasOrderID,
		InFlight:        s.inFlight,
		PendingRequests: len(s.pending),
		Positions:       make([]models.BrokerPosition, 0, len(s.positions)),
		OptionChains:    make(map[string][]models.OptionChainParam, len(s.optionChains)),
		Orders:          make([]PlacedOrder, 0, len(s.placed)),
		LastTransition:  s.sm.GetTransitionTime(),
	}
	for _, p := range s.positions {
		snap.Positions = append(snap.Positions, p)
	}
	sort.Slice(snap.Positions, func(i, j int) bool {
		return positionKey(snap.Positions[i]) < positionKey(snap.Positions[j])
	})
	for sym, params := range s.optionChains {
		snap.OptionChains[sym] = append([]models.OptionChainParam(nil), params...)
	}
	for _, o := range s.placed {
		snap.Orders = append(snap.Orders, *o)
	}
	sort.Slice(snap.Orders, func(i, j int) bool { return snap.Orders[i].ID < snap.Orders[j].ID })
	return snap
}

// State returns the current session state.
func (s *Session) State() models.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sm.GetCurrentState()
}

// dispatch is the only consumer of the notification channel.
func (s *Session) dispatch(ctx context.Context) {
	for {
		select {
		case n := <-s.notes:
			s.handle(n)
		case <-ctx.Done():
			// Apply whatever the loop delivered before it stopped
			for {
				select {
				case n := <-s.notes:
					s.handle(n)
				default:
					return
				}
			}
		}
	}
}

func (s *Session) handle(n Notification) {
	switch n := n.(type) {
	case NextValidID:
		s.onNextValidID(n.OrderID)
	case PositionReport:
		s.mu.Lock()
		if req := s.positionsReq; req != nil && !req.finished {
			req.positions = append(req.positions, n.Position)
		} else {
			s.logger.WithField("contract", n.Position.Contract.String()).Debug("Position report with no request outstanding")
		}
		s.mu.Unlock()
	case PositionEnd:
		s.mu.Lock()
		if req := s.positionsReq; req != nil && !req.finished {
			for _, p := range req.positions {
				key := positionKey(p)
				if p.Quantity == 0 {
					delete(s.positions, key)
					continue
				}
				s.positions[key] = p
			}
			s.positionsReq = nil
			req.finish(nil)
		} else {
			s.logger.Debug("Position end with no request outstanding")
		}
		s.mu.Unlock()
	case OptionChainParam:
		s.mu.Lock()
		if req := s.pendingLocked(n.ReqID, kindChain); req != nil {
			req.chain = append(req.chain, n.Param)
		}
		s.mu.Unlock()
	case OptionChainParamEnd:
		s.mu.Lock()
		if req := s.pendingLocked(n.ReqID, kindChain); req != nil {
			s.optionChains[req.symbol] = append([]models.OptionChainParam(nil), req.chain...)
			delete(s.pending, n.ReqID)
			req.finish(nil)
		}
		s.mu.Unlock()
	case HistoricalBar:
		s.mu.Lock()
		if req := s.pendingLocked(n.ReqID, kindBars); req != nil {
			req.bars = append(req.bars, n.Bar)
		}
		s.mu.Unlock()
	case HistoricalDataEnd:
		s.mu.Lock()
		if req := s.pendingLocked(n.ReqID, kindBars); req != nil {
			delete(s.pending, n.ReqID)
			req.finish(nil)
		}
		s.mu.Unlock()
	case *GatewayError:
		s.onGatewayError(n)
	case ConnectionClosed:
		err := ErrConnectionLost
		if n.Err != nil {
			err = fmt.Errorf("%w: %v", ErrConnectionLost, n.Err)
		}
		s.fail(err)
	default:
		s.logger.WithField("type", fmt.Sprintf("%T", n)).Warn("Ignoring unknown notification")
	}
}

func (s *Session) onNextValidID(id models.OrderID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Never move the counter backwards; ids already handed out stay unique
	if !s.hasOrderID || id > s.nextOrderID {
		s.nextOrderID = id
	}
	s.hasOrderID = true

	state := s.sm.GetCurrentState()
	switch state {
	case models.StateConnecting:
		if err := s.sm.Transition(models.StateReady, models.ConditionNextValidID); err != nil {
			s.logger.WithError(err).Warn("Unexpected state transition")
		}
		s.readyOnce.Do(func() { close(s.ready) })
		s.logger.WithField("next_order_id", s.nextOrderID).Info("Gateway ready")
	case models.StateReady, models.StateBusy:
		_ = s.sm.Transition(state, models.ConditionNextValidID)
		s.logger.WithField("next_order_id", s.nextOrderID).Debug("Order id counter refreshed")
	default:
		s.logger.WithField("state", state).Debug("Next valid id ignored")
	}
}

func (s *Session) onGatewayError(e *GatewayError) {
	log := s.logger.WithFields(logrus.Fields{
		"req_id": e.ReqID,
		"code":   e.Code,
	})

	if e.IsConnectionFatal() {
		log.Error(e.Message)
		s.fail(fmt.Errorf("%w: %w", ErrConnectionLost, e))
		return
	}
	if e.IsInformational() {
		log.Info(e.Message)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if req, ok := s.pending[e.ReqID]; ok {
		log.WithField("request", req.kind).Warn(e.Message)
		delete(s.pending, e.ReqID)
		req.finish(e)
		return
	}
	if watch, ok := s.orderWatch[models.OrderID(e.ReqID)]; ok {
		log.Warn(e.Message)
		select {
		case watch <- fmt.Errorf("%w: %w", ErrOrderRejected, e):
		default:
		}
		return
	}
	if placed, ok := s.placed[models.OrderID(e.ReqID)]; ok {
		// Arrived after the throttle window; the caller already has its answer
		placed.Rejected = true
		log.WithField("order_id", placed.ID).Warn("Late order rejection: " + e.Message)
		return
	}
	if e.ReqID == NoRequestID {
		log.Warn(e.Message)
		return
	}
	log.Debug("Gateway error for unrecognized request: " + e.Message)
}

// pendingLocked returns the live request for id, or nil when the notification is stale.
func (s *Session) pendingLocked(id int64, kind requestKind) *pendingRequest {
	req, ok := s.pending[id]
	if !ok || req.kind != kind || req.finished {
		s.logger.WithFields(logrus.Fields{"req_id": id, "kind": kind}).Debug("Notification for unrecognized request id")
		return nil
	}
	return req
}

func (s *Session) register(req *pendingRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireReadyLocked(); err != nil {
		return err
	}
	if _, ok := s.pending[req.id]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateRequest, req.id)
	}
	s.pending[req.id] = req
	s.beginLocked()
	return nil
}

// await waits for req to finish. On timeout or cancellation the request is
// removed so that late notifications are dropped.
func (s *Session) await(ctx context.Context, req *pendingRequest) error {
	timer := time.NewTimer(s.config.RequestTimeout)
	defer timer.Stop()

	select {
	case <-req.done:
		return req.err
	case <-timer.C:
		if finished, err := s.abandon(req); finished {
			return err
		}
		return fmt.Errorf("%w: %s request %d got no reply within %v",
			ErrConnectionTimeout, req.kind, req.id, s.config.RequestTimeout)
	case <-ctx.Done():
		if finished, err := s.abandon(req); finished {
			return err
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s request %d: %v", ErrConnectionTimeout, req.kind, req.id, ctx.Err())
		}
		return ctx.Err()
	}
}

// abandon removes req from the arena. It reports the request's own result when
// it finished first.
func (s *Session) abandon(req *pendingRequest) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if req.finished {
		return true, req.err
	}
	if req.kind == kindPositions {
		if s.positionsReq == req {
			s.positionsReq = nil
		}
	} else if s.pending[req.id] == req {
		delete(s.pending, req.id)
	}
	req.finish(ErrConnectionTimeout)
	return false, nil
}

// quiesce holds the caller for the order throttle. A rejection for the order
// during the window is returned once the window ends.
func (s *Session) quiesce(ctx context.Context, watch <-chan error) error {
	timer := time.NewTimer(s.config.OrderThrottle)
	defer timer.Stop()

	var rejected error
	for {
		select {
		case <-timer.C:
			if rejected == nil {
				// A rejection may race the timer
				select {
				case rejected = <-watch:
				default:
				}
			}
			return rejected
		case err := <-watch:
			rejected = err
			watch = nil
		case <-s.done:
			return s.doneErr
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Session) watchOrderLocked(id models.OrderID) chan error {
	ch := make(chan error, 1)
	s.orderWatch[id] = ch
	return ch
}

func (s *Session) unwatchOrder(id models.OrderID) {
	s.mu.Lock()
	delete(s.orderWatch, id)
	s.mu.Unlock()
	s.end()
}

func (s *Session) markRejected(id models.OrderID) {
	s.mu.Lock()
	if p, ok := s.placed[id]; ok {
		p.Rejected = true
	}
	s.mu.Unlock()
}

// beginLocked marks a request in flight.
func (s *Session) beginLocked() {
	s.inFlight++
	if s.inFlight == 1 && s.sm.GetCurrentState() == models.StateReady {
		_ = s.sm.Transition(models.StateBusy, models.ConditionRequestIssued)
	}
}

func (s *Session) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight > 0 {
		s.inFlight--
	}
	if s.inFlight == 0 && s.sm.GetCurrentState() == models.StateBusy {
		_ = s.sm.Transition(models.StateReady, models.ConditionRequestDone)
	}
}

func (s *Session) requireReadyLocked() error {
	if s.isDone() {
		if errors.Is(s.doneErr, ErrSessionClosed) {
			return ErrSessionClosed
		}
		return fmt.Errorf("%w: %w", ErrSessionFailed, s.doneErr)
	}
	if !s.sm.AcceptsRequests() {
		return fmt.Errorf("%w: session is %s", ErrNotReady, s.sm.GetCurrentState())
	}
	return nil
}

func (s *Session) isDone() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// fail moves the session to Failed and completes every waiter with err.
func (s *Session) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isDone() {
		return
	}
	if terr := s.sm.Transition(models.StateFailed, models.ConditionConnectionLost); terr != nil {
		s.logger.WithError(terr).Debug("Failure transition rejected")
	}
	s.logger.WithError(err).Error("Gateway session failed")
	s.terminateLocked(err)
}

func (s *Session) terminateLocked(err error) {
	s.doneOnce.Do(func() {
		s.doneErr = err
		close(s.done)
	})
	for id, req := range s.pending {
		req.finish(s.doneErr)
		delete(s.pending, id)
	}
	if s.positionsReq != nil {
		s.positionsReq.finish(s.doneErr)
		s.positionsReq = nil
	}
}

func positionKey(p models.BrokerPosition) string {
	c := p.Contract
	if c.ConID != 0 {
		return fmt.Sprintf("%s/%d", p.Account, c.ConID)
	}
	return fmt.Sprintf("%s/%s/%s/%s/%s/%s", p.Account, c.SecType, c.Symbol, c.Expiry, models.FormatStrike(c.Strike), c.Right)
}
