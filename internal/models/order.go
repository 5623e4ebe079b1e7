package models

import (
	"fmt"
	"math"
)

// OrderID identifies an order within one brokerage session.
type OrderID int64

// Action is the side of an order.
type Action string

const (
	// ActionBuy buys contracts (buy-to-close for short positions)
	ActionBuy Action = "BUY"
	// ActionSell sells contracts
	ActionSell Action = "SELL"
)

// OrderType is the gateway order type.
type OrderType string

const (
	OrderTypeLimit  OrderType = "LMT"
	OrderTypeMarket OrderType = "MKT"
	OrderTypeStop   OrderType = "STP"
)

// TimeInForceDay makes the order valid for the trading session it was placed in.
const TimeInForceDay = "DAY"

// Order is paired with a Contract and an OrderID at submission time.
type Order struct {
	Action      Action    `json:"action"`
	OrderType   OrderType `json:"order_type"`
	TimeInForce string    `json:"tif"`
	Quantity    int       `json:"quantity"`
	LimitPrice  float64   `json:"limit_price"`
}

// NewLimitOrder builds a day limit order.
func NewLimitOrder(action Action, quantity int, limitPrice float64) Order {
	return Order{
		Action:      action,
		OrderType:   OrderTypeLimit,
		TimeInForce: TimeInForceDay,
		Quantity:    quantity,
		LimitPrice:  limitPrice,
	}
}

// Validate rejects orders the gateway would refuse outright.
func (o Order) Validate() error {
	switch o.Action {
	case ActionBuy, ActionSell:
	default:
		return fmt.Errorf("invalid order action %q", o.Action)
	}
	if o.Quantity <= 0 {
		return fmt.Errorf("invalid order quantity: %d (must be > 0)", o.Quantity)
	}
	switch o.OrderType {
	case OrderTypeLimit, OrderTypeStop:
		if o.LimitPrice <= 0 || math.IsNaN(o.LimitPrice) || math.IsInf(o.LimitPrice, 0) {
			return fmt.Errorf("invalid %s price: %.2f (must be > 0)", o.OrderType, o.LimitPrice)
		}
	case OrderTypeMarket:
	default:
		return fmt.Errorf("invalid order type %q", o.OrderType)
	}
	return nil
}

// Bar is one historical price bar.
type Bar struct {
	Date   string  `json:"date"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// OptionChainParam is the exchange metadata describing valid expiries and strikes.
type OptionChainParam struct {
	Exchange        string    `json:"exchange"`
	TradingClass    string    `json:"trading_class"`
	Multiplier      string    `json:"multiplier"`
	Expirations     []string  `json:"expirations"`
	Strikes         []float64 `json:"strikes"`
	UnderlyingConID int64     `json:"underlying_con_id"`
}
