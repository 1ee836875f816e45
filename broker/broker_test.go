package broker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccountCashDerivedFromNAV(t *testing.T) {
	t.Parallel()

	acct := Account{
		NetAssetValue: 100000,
		Holdings: []Holding{
			{Symbol: "AAPL", Quantity: 100, Price: 150},
			{Symbol: "MSFT", Quantity: 10, Price: 900},
		},
	}
	assert.Equal(t, 24000.0, acct.Invested())
	assert.Equal(t, 76000.0, acct.Cash())
}

func TestOrderStatusTerminal(t *testing.T) {
	t.Parallel()

	assert.False(t, StatusSubmitted.Terminal())
	assert.False(t, StatusPartial.Terminal())
	assert.True(t, StatusFilled.Terminal())
	assert.True(t, StatusCanceled.Terminal())
	assert.True(t, StatusFailed.Terminal())
}

func TestRequestErrorClassification(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		err       RequestError
		retryable bool
	}{
		{"timeout", RequestError{Timeout: true}, true},
		{"rate limited", RequestError{StatusCode: http.StatusTooManyRequests}, true},
		{"server error", RequestError{StatusCode: http.StatusBadGateway}, true},
		{"no response", RequestError{StatusCode: 0}, true},
		{"auth failure", RequestError{StatusCode: http.StatusUnauthorized}, false},
		{"bad request", RequestError{StatusCode: http.StatusBadRequest}, false},
		{"not found", RequestError{StatusCode: http.StatusNotFound}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.retryable, tc.err.Retryable())
		})
	}
}

func TestClientDoDecodesAndAuthenticates(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sekrit", r.Header.Get("Authorization"))
		assert.Equal(t, "AAPL", r.URL.Query().Get("symbol"))
		w.Write([]byte(`{"symbol":"AAPL","price":123.45}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "sekrit", time.Second, time.Second)
	var out struct {
		Symbol string  `json:"symbol"`
		Price  float64 `json:"price"`
	}
	err := c.Do(context.Background(), http.MethodGet, "/v1/quote",
		map[string]string{"symbol": "AAPL"}, nil, &out)
	require.NoError(t, err)
	assert.Equal(t, 123.45, out.Price)
}

func TestClientDoSurfacesHTTPErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "insufficient balance", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", time.Second, time.Second)
	err := c.Do(context.Background(), http.MethodPost, "/v1/orders", nil, map[string]any{}, nil)
	require.Error(t, err)

	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, http.StatusBadRequest, reqErr.StatusCode)
	assert.False(t, reqErr.Retryable())
	assert.Contains(t, reqErr.Body, "insufficient balance")
}

func TestClientReadTimeout(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	c := NewClient(srv.URL, "", time.Second, 50*time.Millisecond)
	err := c.Do(context.Background(), http.MethodGet, "/v1/account", nil, nil, nil)
	require.Error(t, err)

	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.True(t, reqErr.Timeout)
	assert.True(t, reqErr.Retryable())
}

func TestPaperMarketOrderFillsWithSlippageAndFee(t *testing.T) {
	t.Parallel()

	p := NewPaper("paper", 100000)
	p.SetFees(0.001, 0.01)
	p.SetQuote(Quote{Symbol: "AAPL", Price: 100})

	res, err := p.PlaceOrder(context.Background(), OrderRequest{
		Symbol: "AAPL", Side: Buy, Quantity: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, res.Status)
	assert.Equal(t, 10.0, res.FilledQty)
	assert.InDelta(t, 101.0, res.AvgFillPrice, 1e-9, "1% slippage on a buy")
	assert.InDelta(t, 1.01, res.Fee, 1e-9)

	acct, err := p.GetAccount(context.Background())
	require.NoError(t, err)
	require.Len(t, acct.Holdings, 1)
	assert.Equal(t, 10.0, acct.Holdings[0].Quantity)
}

func TestPaperMarketOrderNeedsQuote(t *testing.T) {
	t.Parallel()

	p := NewPaper("paper", 1000)
	_, err := p.PlaceOrder(context.Background(), OrderRequest{
		Symbol: "NOPE", Side: Buy, Quantity: 1,
	})
	assert.ErrorIs(t, err, ErrNoQuote)
}

func TestPaperLimitOrderRestsUntilCrossed(t *testing.T) {
	t.Parallel()

	p := NewPaper("paper", 100000)
	p.SetQuote(Quote{Symbol: "AAPL", Price: 100})

	res, err := p.PlaceOrder(context.Background(), OrderRequest{
		Symbol: "AAPL", Side: Buy, Quantity: 10, LimitPrice: 95,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusSubmitted, res.Status)
	assert.Zero(t, res.FilledQty)

	// Quote crosses the limit; the resting order fills.
	p.SetQuote(Quote{Symbol: "AAPL", Price: 94})
	got, err := p.GetOrder(context.Background(), res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, got.Status)
	assert.Equal(t, 10.0, got.FilledQty)
	assert.InDelta(t, 94.0, got.AvgFillPrice, 1e-9)
}

func TestPaperCancelRacesFill(t *testing.T) {
	t.Parallel()

	p := NewPaper("paper", 100000)
	p.SetQuote(Quote{Symbol: "AAPL", Price: 100})

	// Order fills before the cancel lands: the venue's final word is
	// the fill, not the cancel.
	res, err := p.PlaceOrder(context.Background(), OrderRequest{
		Symbol: "AAPL", Side: Buy, Quantity: 5,
	})
	require.NoError(t, err)
	require.Equal(t, StatusFilled, res.Status)

	final, err := p.CancelOrder(context.Background(), res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, final.Status)
	assert.Equal(t, 5.0, final.FilledQty)

	// A resting order cancels cleanly.
	res, err = p.PlaceOrder(context.Background(), OrderRequest{
		Symbol: "AAPL", Side: Buy, Quantity: 5, LimitPrice: 90,
	})
	require.NoError(t, err)
	final, err = p.CancelOrder(context.Background(), res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, final.Status)
	assert.Zero(t, final.FilledQty)
}

func TestPaperPartialFillFraction(t *testing.T) {
	t.Parallel()

	p := NewPaper("paper", 100000)
	p.SetQuote(Quote{Symbol: "AAPL", Price: 100})
	p.SetFillFraction(0.6)

	res, err := p.PlaceOrder(context.Background(), OrderRequest{
		Symbol: "AAPL", Side: Buy, Quantity: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, res.Status)
	assert.InDelta(t, 6.0, res.FilledQty, 1e-9)
	assert.InDelta(t, 4.0, res.Remaining(), 1e-9)
}
