package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rustyeddy/autotrader/broker"
	"github.com/rustyeddy/autotrader/executor"
	"github.com/rustyeddy/autotrader/journal"
	"github.com/rustyeddy/autotrader/notify"
	"github.com/rustyeddy/autotrader/pkg/ratelimit"
	"github.com/rustyeddy/autotrader/resilience"
	"github.com/rustyeddy/autotrader/signal"
	"github.com/rustyeddy/autotrader/state"
)

type cycleFixture struct {
	paper *broker.Paper
	store *state.Store
	jr    journal.Journal
	cycle *Cycle
}

func newCycleFixture(t *testing.T, provider signal.Provider) *cycleFixture {
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

	paper := broker.NewPaper("paper", 100000)
	paper.SetQuote(broker.Quote{Symbol: "AAPL", Price: 100})
	paper.SetQuote(broker.Quote{Symbol: "MSFT", Price: 200})

	bus := notify.NewBus()
	exec := executor.New(paper, store, jr, bus, ratelimit.New(0), executor.Config{
		MinOrderNotional: 10,
		StopLossPct:      0.05,
		TakeProfitPcts:   []float64{0.10, 0.20},
	}, zap.NewNop())

	breaker := resilience.NewBreaker(3, zap.NewNop(), nil)
	cycle := NewCycle(paper, store, exec, jr, provider, bus, breaker, CycleConfig{
		Universe:         []string{"AAPL", "MSFT"},
		TargetPositions:  2,
		MinOrderNotional: 10,
		ItemTimeout:      time.Second,
		BatchTimeout:     5 * time.Second,
		Workers:          2,
		WarnAfter:        time.Hour,
	}, zap.NewNop())
	return &cycleFixture{paper: paper, store: store, jr: jr, cycle: cycle}
}

func (f *cycleFixture) journalCount(t *testing.T) int {
	t.Helper()
	entries, err := f.jr.EntriesBetween(time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	require.NoError(t, err)
	return len(entries)
}

func TestRebalanceBuysEqualWeights(t *testing.T) {
	t.Parallel()

	f := newCycleFixture(t, signal.EqualWeight{})
	require.NoError(t, f.cycle.Rebalance(context.Background()))

	st := f.store.Snapshot()
	require.Contains(t, st.Positions, "AAPL")
	require.Contains(t, st.Positions, "MSFT")
	// Half the venue NAV per symbol.
	assert.InDelta(t, 500.0, st.Positions["AAPL"].Quantity, 1e-6)
	assert.InDelta(t, 250.0, st.Positions["MSFT"].Quantity, 1e-6)
	assert.False(t, st.LastRebalance.IsZero())
}

func TestMonthlyRebalanceGuard(t *testing.T) {
	t.Parallel()

	f := newCycleFixture(t, signal.EqualWeight{})
	require.NoError(t, f.cycle.Rebalance(context.Background()))
	first := f.store.Snapshot().LastRebalance
	orders := f.journalCount(t)

	// Same month: guarded, nothing runs.
	require.NoError(t, f.cycle.Rebalance(context.Background()))
	assert.Equal(t, first, f.store.Snapshot().LastRebalance)
	assert.Equal(t, orders, f.journalCount(t))
}

// The urgent rebalance keeps its own guard: it may run in a month the
// monthly rebalance already used, but at most once per day.
func TestUrgentRebalanceGuardIsIndependent(t *testing.T) {
	t.Parallel()

	f := newCycleFixture(t, signal.EqualWeight{})
	require.NoError(t, f.cycle.Rebalance(context.Background()))
	monthly := f.store.Snapshot().LastRebalance

	require.NoError(t, f.cycle.UrgentRebalance(context.Background()))
	st := f.store.Snapshot()
	assert.False(t, st.LastUrgentRebalance.IsZero())
	assert.Equal(t, monthly, st.LastRebalance, "urgent run must not touch the monthly guard")

	urgent := st.LastUrgentRebalance
	require.NoError(t, f.cycle.UrgentRebalance(context.Background()))
	assert.Equal(t, urgent, f.store.Snapshot().LastUrgentRebalance, "once per day")
}

func TestRebalanceSkippedUnlessRunning(t *testing.T) {
	t.Parallel()

	f := newCycleFixture(t, signal.EqualWeight{})
	_, err := f.store.Mutate(func(s *state.EngineState) error {
		s.RunMode = state.Paused
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, f.cycle.Rebalance(context.Background()))
	st := f.store.Snapshot()
	assert.Empty(t, st.Positions)
	assert.Equal(t, 0, f.journalCount(t))
	assert.True(t, st.LastRebalance.IsZero(), "gated firing must not burn the guard")

	// After resuming, the month's rebalance still runs.
	_, err = f.store.Mutate(func(s *state.EngineState) error {
		s.RunMode = state.Running
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, f.cycle.Rebalance(context.Background()))
	st = f.store.Snapshot()
	assert.Contains(t, st.Positions, "AAPL")
	assert.False(t, st.LastRebalance.IsZero())
}

// An urgent firing while paused must not consume the once-per-day
// guard either.
func TestUrgentRebalanceGuardNotBurnedWhileGated(t *testing.T) {
	t.Parallel()

	f := newCycleFixture(t, signal.EqualWeight{})
	_, err := f.store.Mutate(func(s *state.EngineState) error {
		s.RunMode = state.Paused
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, f.cycle.UrgentRebalance(context.Background()))
	assert.True(t, f.store.Snapshot().LastUrgentRebalance.IsZero())
}

func TestHoldPlanPlacesNoOrders(t *testing.T) {
	t.Parallel()

	f := newCycleFixture(t, signal.HoldAll{})
	require.NoError(t, f.cycle.Rebalance(context.Background()))
	assert.Empty(t, f.store.Snapshot().Positions)
	assert.Equal(t, 0, f.journalCount(t))
}

func TestScreeningCachesPlan(t *testing.T) {
	t.Parallel()

	static := signal.Static{Instr: []signal.Instruction{
		{Symbol: "AAPL", Action: signal.Buy, TargetWeight: 1},
	}}
	f := newCycleFixture(t, static)

	require.NoError(t, f.cycle.Screening(context.Background()))
	f.cycle.mu.Lock()
	planned := len(f.cycle.plan)
	f.cycle.mu.Unlock()
	assert.Equal(t, 1, planned)

	require.NoError(t, f.cycle.Rebalance(context.Background()))
	st := f.store.Snapshot()
	assert.Contains(t, st.Positions, "AAPL")
	assert.NotContains(t, st.Positions, "MSFT", "plan overrides the raw universe")
}

func TestSellInstructionExitsPosition(t *testing.T) {
	t.Parallel()

	f := newCycleFixture(t, signal.Static{Instr: []signal.Instruction{
		{Symbol: "AAPL", Action: signal.Sell},
	}})
	_, err := f.store.Mutate(func(s *state.EngineState) error {
		s.Positions["AAPL"] = state.Position{Symbol: "AAPL", Quantity: 100, EntryPrice: 90}
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, f.cycle.Rebalance(context.Background()))
	assert.NotContains(t, f.store.Snapshot().Positions, "AAPL")
}

func TestReportRecordsDailySnapshotOnce(t *testing.T) {
	t.Parallel()

	f := newCycleFixture(t, signal.EqualWeight{})
	require.NoError(t, f.cycle.Rebalance(context.Background()))

	require.NoError(t, f.cycle.Report(context.Background()))
	snaps, err := f.jr.Snapshots()
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, time.Now().Format("2006-01-02"), snaps[0].Date)

	// Snapshots are immutable per day.
	assert.Error(t, f.cycle.Report(context.Background()))
}
