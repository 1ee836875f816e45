package executor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rustyeddy/autotrader/broker"
	"github.com/rustyeddy/autotrader/journal"
	"github.com/rustyeddy/autotrader/notify"
	"github.com/rustyeddy/autotrader/pkg/ratelimit"
	"github.com/rustyeddy/autotrader/state"
)

type fixture struct {
	paper *broker.Paper
	store *state.Store
	jr    journal.Journal
	bus   *notify.Bus
	exec  *Executor
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	dir := t.TempDir()

	store, err := state.Open(filepath.Join(dir, "state.json"), zap.NewNop())
	require.NoError(t, err)
	_, err = store.Mutate(func(s *state.EngineState) error {
		s.RunMode = state.Running
		s.Cash = 100000
		return nil
	})
	require.NoError(t, err)

	jr, err := journal.NewJSONL(
		filepath.Join(dir, "tx.jsonl"),
		filepath.Join(dir, "snaps.json"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { jr.Close() })

	if cfg.StopLossPct == 0 {
		cfg.StopLossPct = 0.05
	}
	if len(cfg.TakeProfitPcts) == 0 {
		cfg.TakeProfitPcts = []float64{0.10, 0.20}
	}

	paper := broker.NewPaper("paper", 100000)
	bus := notify.NewBus()
	exec := New(paper, store, jr, bus, ratelimit.New(0), cfg, zap.NewNop())
	return &fixture{paper: paper, store: store, jr: jr, bus: bus, exec: exec}
}

func (f *fixture) entriesToday(t *testing.T) []journal.Entry {
	t.Helper()
	entries, err := f.jr.EntriesBetween(time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	require.NoError(t, err)
	return entries
}

func TestSubmitGatedByRunMode(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.paper.SetQuote(broker.Quote{Symbol: "AAPL", Price: 100})

	_, err := f.store.Mutate(func(s *state.EngineState) error {
		s.RunMode = state.Paused
		return nil
	})
	require.NoError(t, err)

	// Entries are blocked while paused.
	_, err = f.exec.Submit(context.Background(), Intent{
		Symbol: "AAPL", Side: broker.Buy, Quantity: 1, Reason: ReasonEntry,
	})
	assert.ErrorIs(t, err, ErrNotPermitted)

	// Exits still pass.
	_, err = f.store.Mutate(func(s *state.EngineState) error {
		s.Positions["AAPL"] = state.Position{Symbol: "AAPL", Quantity: 1, EntryPrice: 100}
		return nil
	})
	require.NoError(t, err)
	_, err = f.exec.Submit(context.Background(), Intent{
		Symbol: "AAPL", Side: broker.Sell, Quantity: 1, Reason: ReasonStopLoss,
	})
	assert.NoError(t, err)

	// Emergency stop blocks everything, exits included.
	_, err = f.store.Mutate(func(s *state.EngineState) error {
		s.RunMode = state.EmergencyStop
		return nil
	})
	require.NoError(t, err)
	_, err = f.exec.Submit(context.Background(), Intent{
		Symbol: "AAPL", Side: broker.Sell, Quantity: 1, Reason: ReasonStopLoss,
	})
	assert.ErrorIs(t, err, ErrNotPermitted)
}

func TestDryRunSendsNothing(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.paper.SetQuote(broker.Quote{Symbol: "AAPL", Price: 100})
	_, err := f.store.Mutate(func(s *state.EngineState) error {
		s.DryRun = true
		return nil
	})
	require.NoError(t, err)

	orderID, err := f.exec.Submit(context.Background(), Intent{
		Symbol: "AAPL", Side: broker.Buy, Quantity: 10, Reason: ReasonEntry,
	})
	require.NoError(t, err)
	assert.Empty(t, orderID)
	assert.Empty(t, f.entriesToday(t))
	assert.Empty(t, f.store.Snapshot().Positions)
}

func TestMarketBuyOpensPosition(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.paper.SetQuote(broker.Quote{Symbol: "AAPL", Price: 100})

	orderID, err := f.exec.Submit(context.Background(), Intent{
		Symbol: "AAPL", Side: broker.Buy, Quantity: 10, Reason: ReasonEntry,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, orderID)

	st := f.store.Snapshot()
	pos, ok := st.Positions["AAPL"]
	require.True(t, ok)
	assert.Equal(t, 10.0, pos.Quantity)
	assert.InDelta(t, 95.0, pos.StopLoss, 1e-9) // 100 * (1 - 0.05)
	require.Len(t, pos.TakeProfits, 2)
	assert.InDelta(t, 110.0, pos.TakeProfits[0], 1e-9)
	assert.InDelta(t, 120.0, pos.TakeProfits[1], 1e-9)
	assert.InDelta(t, 99000.0, st.Cash, 1e-9)

	entries := f.entriesToday(t)
	require.Len(t, entries, 1)
	assert.Equal(t, "BUY", entries[0].Action)
	assert.Equal(t, 10.0, entries[0].Quantity)
	assert.Equal(t, orderID, entries[0].OrderID)
}

// A market BUY for 10 that fills 6, with the remaining notional below
// the minimum, is accepted as final: exactly one journal entry for 6
// units and no follow-up order.
func TestPartialFillBelowMinimumIsFinal(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{MinOrderNotional: 500})
	f.paper.SetQuote(broker.Quote{Symbol: "AAPL", Price: 100})
	f.paper.SetFillFraction(0.6)

	_, err := f.exec.Submit(context.Background(), Intent{
		Symbol: "AAPL", Side: broker.Buy, Quantity: 10, Reason: ReasonEntry,
	})
	require.NoError(t, err)

	entries := f.entriesToday(t)
	require.Len(t, entries, 1, "exactly one journal entry")
	assert.Equal(t, 6.0, entries[0].Quantity)

	st := f.store.Snapshot()
	assert.Equal(t, 6.0, st.Positions["AAPL"].Quantity)
	assert.Empty(t, st.PendingOrders, "no follow-up order")
}

func TestPartialFillAboveMinimumFollowsUp(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{MinOrderNotional: 100})
	f.paper.SetQuote(broker.Quote{Symbol: "AAPL", Price: 100})
	f.paper.SetFillFraction(0.6)

	_, err := f.exec.Submit(context.Background(), Intent{
		Symbol: "AAPL", Side: broker.Buy, Quantity: 10, Reason: ReasonEntry,
	})
	require.NoError(t, err)

	entries := f.entriesToday(t)
	assert.GreaterOrEqual(t, len(entries), 2, "remainder resubmitted")
	assert.Greater(t, f.store.Snapshot().Positions["AAPL"].Quantity, 9.0)
}

func TestSellRealizesProfitAndClosesPosition(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.paper.SetQuote(broker.Quote{Symbol: "AAPL", Price: 100})
	_, err := f.exec.Submit(context.Background(), Intent{
		Symbol: "AAPL", Side: broker.Buy, Quantity: 10, Reason: ReasonEntry,
	})
	require.NoError(t, err)

	f.paper.SetQuote(broker.Quote{Symbol: "AAPL", Price: 120})
	_, err = f.exec.Submit(context.Background(), Intent{
		Symbol: "AAPL", Side: broker.Sell, Quantity: 10, Reason: ReasonTakeProfit,
	})
	require.NoError(t, err)

	st := f.store.Snapshot()
	assert.NotContains(t, st.Positions, "AAPL")

	entries := f.entriesToday(t)
	require.Len(t, entries, 2)
	sell := entries[1]
	assert.Equal(t, "TAKE_PROFIT", sell.Action)
	assert.InDelta(t, 200.0, sell.RealizedPL, 1e-9) // (120-100)*10
}

func TestPyramidAddBlendsEntry(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.paper.SetQuote(broker.Quote{Symbol: "AAPL", Price: 100})
	_, err := f.exec.Submit(context.Background(), Intent{
		Symbol: "AAPL", Side: broker.Buy, Quantity: 10, Reason: ReasonEntry,
	})
	require.NoError(t, err)

	f.paper.SetQuote(broker.Quote{Symbol: "AAPL", Price: 110})
	_, err = f.exec.Submit(context.Background(), Intent{
		Symbol: "AAPL", Side: broker.Buy, Quantity: 10, Reason: ReasonRebalance,
	})
	require.NoError(t, err)

	pos := f.store.Snapshot().Positions["AAPL"]
	assert.Equal(t, 20.0, pos.Quantity)
	assert.InDelta(t, 105.0, pos.EntryPrice, 1e-9)
	assert.Equal(t, 1, pos.Stage)

	// Partial exit unwinds the pyramid stage.
	_, err = f.exec.Submit(context.Background(), Intent{
		Symbol: "AAPL", Side: broker.Sell, Quantity: 10, Reason: ReasonTakeProfit,
	})
	require.NoError(t, err)
	pos = f.store.Snapshot().Positions["AAPL"]
	assert.Equal(t, 10.0, pos.Quantity)
	assert.Equal(t, 0, pos.Stage)
}

func TestRestingLimitGoesPending(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.paper.SetQuote(broker.Quote{Symbol: "AAPL", Price: 100})

	orderID, err := f.exec.Submit(context.Background(), Intent{
		Symbol: "AAPL", Side: broker.Buy, Quantity: 10, LimitPrice: 95, Reason: ReasonEntry,
	})
	require.NoError(t, err)

	st := f.store.Snapshot()
	require.Len(t, st.PendingOrders, 1)
	assert.Equal(t, orderID, st.PendingOrders[0].OrderID)
	assert.Empty(t, st.Positions)
	assert.Empty(t, f.entriesToday(t))
}

func TestReconcilePendingFinalizesFill(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	f.paper.SetQuote(broker.Quote{Symbol: "AAPL", Price: 100})
	_, err := f.exec.Submit(context.Background(), Intent{
		Symbol: "AAPL", Side: broker.Buy, Quantity: 10, LimitPrice: 95, Reason: ReasonEntry,
	})
	require.NoError(t, err)

	// Price crosses the limit; the venue fills the resting order.
	f.paper.SetQuote(broker.Quote{Symbol: "AAPL", Price: 94})

	require.NoError(t, f.exec.ReconcilePending(context.Background()))

	st := f.store.Snapshot()
	assert.Empty(t, st.PendingOrders)
	assert.Equal(t, 10.0, st.Positions["AAPL"].Quantity)
	require.Len(t, f.entriesToday(t), 1)
}

// An aged resting order must not be canceled and resubmitted at market
// while the run mode blocks trading; it stays on the book untouched.
func TestReconcilePendingRespectsRunMode(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{MaxPendingAge: time.Minute, MinOrderNotional: 10})
	f.paper.SetQuote(broker.Quote{Symbol: "AAPL", Price: 100})
	orderID, err := f.exec.Submit(context.Background(), Intent{
		Symbol: "AAPL", Side: broker.Buy, Quantity: 5, LimitPrice: 90, Reason: ReasonEntry,
	})
	require.NoError(t, err)

	// Emergency stop with the order aged well past its budget.
	_, err = f.store.Mutate(func(s *state.EngineState) error {
		s.RunMode = state.EmergencyStop
		s.PendingOrders[0].SubmitTime = time.Now().Add(-time.Hour)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, f.exec.ReconcilePending(context.Background()))

	st := f.store.Snapshot()
	require.Len(t, st.PendingOrders, 1, "stale order stays on the book")
	assert.Equal(t, orderID, st.PendingOrders[0].OrderID)
	assert.Empty(t, st.Positions)
	assert.Empty(t, f.entriesToday(t))

	// Paused blocks entry resubmission the same way.
	_, err = f.store.Mutate(func(s *state.EngineState) error {
		s.RunMode = state.Paused
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, f.exec.ReconcilePending(context.Background()))
	assert.Len(t, f.store.Snapshot().PendingOrders, 1)
	assert.Empty(t, f.store.Snapshot().Positions)
}

func TestReconcilePendingReapsStaleOrder(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{MaxPendingAge: time.Minute, MinOrderNotional: 10})
	f.paper.SetQuote(broker.Quote{Symbol: "AAPL", Price: 100})
	_, err := f.exec.Submit(context.Background(), Intent{
		Symbol: "AAPL", Side: broker.Buy, Quantity: 10, LimitPrice: 90, Reason: ReasonEntry,
	})
	require.NoError(t, err)

	// Age the order past its budget.
	_, err = f.store.Mutate(func(s *state.EngineState) error {
		s.PendingOrders[0].SubmitTime = time.Now().Add(-time.Hour)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, f.exec.ReconcilePending(context.Background()))

	// Canceled at the venue, remainder resubmitted at market.
	st := f.store.Snapshot()
	assert.Empty(t, st.PendingOrders)
	assert.Equal(t, 10.0, st.Positions["AAPL"].Quantity)
}
