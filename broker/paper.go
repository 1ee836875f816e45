package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rustyeddy/autotrader/pkg/id"
)

// Paper is an in-process broker for dry-run and simulated accounts.
// Market orders fill immediately at the last quote (plus slippage);
// limit orders rest until a quote crosses them. The account starts as
// cash and tracks holdings from fills.
type Paper struct {
	mu       sync.Mutex
	name     string
	cash     float64
	feePct   float64
	slipPct  float64
	fillFrac float64 // fraction of requested qty filled per order, 1.0 = full
	quotes   map[string]Quote
	holdings map[string]float64
	orders   map[string]*OrderResult
	limits   map[string]float64 // orderID -> limit price for resting orders
}

// NewPaper creates a paper broker seeded with starting cash.
func NewPaper(name string, startingCash float64) *Paper {
	return &Paper{
		name:     name,
		cash:     startingCash,
		fillFrac: 1.0,
		quotes:   make(map[string]Quote),
		holdings: make(map[string]float64),
		orders:   make(map[string]*OrderResult),
		limits:   make(map[string]float64),
	}
}

// SetFees sets proportional fee and slippage applied to fills.
func (p *Paper) SetFees(feePct, slipPct float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.feePct = feePct
	p.slipPct = slipPct
}

// SetFillFraction makes subsequent orders fill only frac of their
// requested quantity, for exercising partial-fill handling.
func (p *Paper) SetFillFraction(frac float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if frac <= 0 || frac > 1 {
		frac = 1
	}
	p.fillFrac = frac
}

func (p *Paper) Name() string { return p.name }

// SetQuote feeds a price. Resting limit orders that become marketable
// fill against it.
func (p *Paper) SetQuote(q Quote) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if q.Time.IsZero() {
		q.Time = time.Now()
	}
	p.quotes[q.Symbol] = q

	for _, o := range p.orders {
		if o.Status.Terminal() || o.Symbol != q.Symbol {
			continue
		}
		limit := p.limits[o.OrderID]
		if limit <= 0 {
			continue
		}
		marketable := (o.Side == Buy && q.Price <= limit) ||
			(o.Side == Sell && q.Price >= limit)
		if marketable {
			p.fill(o, q.Price)
		}
	}
}

func (p *Paper) GetQuote(ctx context.Context, symbol string) (Quote, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	q, ok := p.quotes[symbol]
	if !ok {
		return Quote{}, fmt.Errorf("%w: %s", ErrNoQuote, symbol)
	}
	return q, nil
}

func (p *Paper) GetAccount(ctx context.Context) (Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	acct := Account{
		ID:   p.name,
		Time: time.Now(),
	}
	nav := p.cash
	for sym, qty := range p.holdings {
		if qty == 0 {
			continue
		}
		price := p.quotes[sym].Price
		acct.Holdings = append(acct.Holdings, Holding{Symbol: sym, Quantity: qty, Price: price})
		nav += qty * price
	}
	acct.NetAssetValue = nav
	return acct, nil
}

// fill executes (part of) an order at price. Caller holds p.mu.
func (p *Paper) fill(o *OrderResult, price float64) {
	qty := (o.RequestedQty - o.FilledQty) * p.fillFrac
	if qty <= 0 {
		return
	}

	if o.Side == Buy {
		price *= 1 + p.slipPct
	} else {
		price *= 1 - p.slipPct
	}
	notional := qty * price
	fee := notional * p.feePct

	if o.Side == Buy {
		p.cash -= notional + fee
		p.holdings[o.Symbol] += qty
	} else {
		p.cash += notional - fee
		p.holdings[o.Symbol] -= qty
	}

	prevNotional := o.AvgFillPrice * o.FilledQty
	o.FilledQty += qty
	o.AvgFillPrice = (prevNotional + notional) / o.FilledQty
	o.Fee += fee
	o.Time = time.Now()
	if o.FilledQty >= o.RequestedQty {
		o.Status = StatusFilled
	} else {
		o.Status = StatusPartial
	}
}

func (p *Paper) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if req.Quantity <= 0 {
		return OrderResult{}, fmt.Errorf("paper: invalid quantity %f", req.Quantity)
	}

	o := &OrderResult{
		OrderID:      id.New(),
		Symbol:       req.Symbol,
		Side:         req.Side,
		Status:       StatusSubmitted,
		RequestedQty: req.Quantity,
		Time:         time.Now(),
	}
	p.orders[o.OrderID] = o

	q, haveQuote := p.quotes[req.Symbol]
	if req.LimitPrice > 0 {
		p.limits[o.OrderID] = req.LimitPrice
		marketable := haveQuote &&
			((req.Side == Buy && q.Price <= req.LimitPrice) ||
				(req.Side == Sell && q.Price >= req.LimitPrice))
		if marketable {
			p.fill(o, q.Price)
		}
	} else {
		if !haveQuote {
			return OrderResult{}, fmt.Errorf("%w: %s", ErrNoQuote, req.Symbol)
		}
		p.fill(o, q.Price)
	}

	return *o, nil
}

func (p *Paper) GetOrder(ctx context.Context, orderID string) (OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok {
		return OrderResult{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	return *o, nil
}

// CancelOrder cancels what is left of an order. If the order already
// filled the filled result is returned unchanged, mirroring a venue
// where a cancel raced a fill.
func (p *Paper) CancelOrder(ctx context.Context, orderID string) (OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok {
		return OrderResult{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if !o.Status.Terminal() {
		o.Status = StatusCanceled
		o.Time = time.Now()
	}
	return *o, nil
}
