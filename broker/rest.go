package broker

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// REST is a Broker over a venue's JSON API (or a local bridge exposing
// one). Paths follow the bridge conventions: /v1/account, /v1/quote,
// /v1/orders.
type REST struct {
	name   string
	client *Client
}

// NewREST builds a REST broker. connectTimeout and readTimeout bound
// every call independently (resilience layer 1).
func NewREST(name, baseURL, token string, connectTimeout, readTimeout time.Duration) *REST {
	return &REST{
		name:   name,
		client: NewClient(baseURL, token, connectTimeout, readTimeout),
	}
}

func (r *REST) Name() string { return r.name }

type restHolding struct {
	Symbol   string  `json:"symbol"`
	Quantity float64 `json:"quantity"`
	Price    float64 `json:"price"`
}

type restAccount struct {
	ID            string        `json:"id"`
	NetAssetValue float64       `json:"net_asset_value"`
	Holdings      []restHolding `json:"holdings"`
	Time          time.Time     `json:"time"`
}

func (r *REST) GetAccount(ctx context.Context) (Account, error) {
	var ra restAccount
	if err := r.client.Do(ctx, http.MethodGet, "/v1/account", nil, nil, &ra); err != nil {
		return Account{}, fmt.Errorf("get account: %w", err)
	}
	acct := Account{
		ID:            ra.ID,
		NetAssetValue: ra.NetAssetValue,
		Time:          ra.Time,
	}
	for _, h := range ra.Holdings {
		acct.Holdings = append(acct.Holdings, Holding(h))
	}
	if acct.Time.IsZero() {
		acct.Time = time.Now()
	}
	return acct, nil
}

type restQuote struct {
	Symbol string    `json:"symbol"`
	Price  float64   `json:"price"`
	Time   time.Time `json:"time"`
}

func (r *REST) GetQuote(ctx context.Context, symbol string) (Quote, error) {
	var rq restQuote
	err := r.client.Do(ctx, http.MethodGet, "/v1/quote", map[string]string{"symbol": symbol}, nil, &rq)
	if err != nil {
		return Quote{}, fmt.Errorf("get quote %s: %w", symbol, err)
	}
	return Quote(rq), nil
}

type restOrderReq struct {
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	Quantity   float64 `json:"quantity"`
	LimitPrice float64 `json:"limit_price,omitempty"`
}

type restOrder struct {
	OrderID      string    `json:"order_id"`
	Symbol       string    `json:"symbol"`
	Side         string    `json:"side"`
	Status       string    `json:"status"`
	RequestedQty float64   `json:"requested_qty"`
	FilledQty    float64   `json:"filled_qty"`
	AvgFillPrice float64   `json:"avg_fill_price"`
	Fee          float64   `json:"fee"`
	Time         time.Time `json:"time"`
}

func (o restOrder) result() OrderResult {
	return OrderResult{
		OrderID:      o.OrderID,
		Symbol:       o.Symbol,
		Side:         Side(o.Side),
		Status:       OrderStatus(o.Status),
		RequestedQty: o.RequestedQty,
		FilledQty:    o.FilledQty,
		AvgFillPrice: o.AvgFillPrice,
		Fee:          o.Fee,
		Time:         o.Time,
	}
}

func (r *REST) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	body := restOrderReq{
		Symbol:     req.Symbol,
		Side:       string(req.Side),
		Quantity:   req.Quantity,
		LimitPrice: req.LimitPrice,
	}
	var ro restOrder
	if err := r.client.Do(ctx, http.MethodPost, "/v1/orders", nil, body, &ro); err != nil {
		return OrderResult{}, fmt.Errorf("place order %s %s: %w", req.Side, req.Symbol, err)
	}
	return ro.result(), nil
}

func (r *REST) GetOrder(ctx context.Context, orderID string) (OrderResult, error) {
	var ro restOrder
	err := r.client.Do(ctx, http.MethodGet, "/v1/orders/"+orderID, nil, nil, &ro)
	if err != nil {
		return OrderResult{}, fmt.Errorf("get order %s: %w", orderID, err)
	}
	return ro.result(), nil
}

// CancelOrder requests a cancel and returns the venue's final status.
// A cancel can race a fill; the returned status is authoritative.
func (r *REST) CancelOrder(ctx context.Context, orderID string) (OrderResult, error) {
	var ro restOrder
	err := r.client.Do(ctx, http.MethodDelete, "/v1/orders/"+orderID, nil, nil, &ro)
	if err != nil {
		return OrderResult{}, fmt.Errorf("cancel order %s: %w", orderID, err)
	}
	return ro.result(), nil
}
