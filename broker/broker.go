// Package broker defines the venue boundary: account snapshots, quotes
// and order placement. The engine only ever talks to a Broker; whether
// that is the REST client against a live venue or the in-process paper
// broker is a wiring decision.
package broker

import (
	"context"
	"errors"
	"time"
)

var (
	ErrOrderNotFound = errors.New("broker: order not found")
	ErrNoQuote       = errors.New("broker: no quote for symbol")
)

type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// OrderStatus is the venue's view of an order.
type OrderStatus string

const (
	StatusSubmitted OrderStatus = "SUBMITTED"
	StatusPartial   OrderStatus = "PARTIAL"
	StatusFilled    OrderStatus = "FILLED"
	StatusCanceled  OrderStatus = "CANCELED"
	StatusFailed    OrderStatus = "FAILED"
)

// Terminal reports whether the status can no longer change.
func (s OrderStatus) Terminal() bool {
	return s == StatusFilled || s == StatusCanceled || s == StatusFailed
}

type Quote struct {
	Symbol string
	Price  float64
	Time   time.Time
}

// Holding is one position as the venue reports it.
type Holding struct {
	Symbol   string
	Quantity float64
	Price    float64 // current valuation price
}

// Account is the authoritative account snapshot. NetAssetValue is the
// venue's single net figure after unsettled funds; cash is always
// derived from it by subtraction, never summed independently, so
// multi-day settlement cannot double-count.
type Account struct {
	ID            string
	NetAssetValue float64
	Holdings      []Holding
	Time          time.Time
}

// Invested returns the market value of all holdings.
func (a Account) Invested() float64 {
	var v float64
	for _, h := range a.Holdings {
		v += h.Quantity * h.Price
	}
	return v
}

// Cash is NetAssetValue minus invested value.
func (a Account) Cash() float64 {
	return a.NetAssetValue - a.Invested()
}

// OrderRequest asks the venue for an order. LimitPrice 0 means market.
type OrderRequest struct {
	Symbol     string
	Side       Side
	Quantity   float64
	LimitPrice float64
}

// OrderResult is the venue's answer for an order, on placement or on a
// later status poll. After a cancel races a fill this is the final
// word: the caller must trust Status here, not its own request.
type OrderResult struct {
	OrderID      string
	Symbol       string
	Side         Side
	Status       OrderStatus
	RequestedQty float64
	FilledQty    float64
	AvgFillPrice float64
	Fee          float64
	Time         time.Time
}

// Remaining is the unfilled part of the request.
func (r OrderResult) Remaining() float64 {
	rem := r.RequestedQty - r.FilledQty
	if rem < 0 {
		return 0
	}
	return rem
}

type Broker interface {
	Name() string
	GetAccount(ctx context.Context) (Account, error)
	GetQuote(ctx context.Context, symbol string) (Quote, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	GetOrder(ctx context.Context, orderID string) (OrderResult, error)
	CancelOrder(ctx context.Context, orderID string) (OrderResult, error)
}
