package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/rustyeddy/autotrader/broker"
	"github.com/rustyeddy/autotrader/executor"
	"github.com/rustyeddy/autotrader/journal"
	"github.com/rustyeddy/autotrader/metrics"
	"github.com/rustyeddy/autotrader/notify"
	"github.com/rustyeddy/autotrader/pkg/retry"
	"github.com/rustyeddy/autotrader/resilience"
	"github.com/rustyeddy/autotrader/schedule"
	"github.com/rustyeddy/autotrader/signal"
	"github.com/rustyeddy/autotrader/state"
)

// CycleConfig tunes the analysis/rebalance cycle.
type CycleConfig struct {
	Universe         []string
	TargetPositions  int // fallback when state carries none
	MinOrderNotional float64
	ItemTimeout      time.Duration
	BatchTimeout     time.Duration
	Workers          int
	WarnAfter        time.Duration
}

// Cycle is the trade-decision pipeline: the screening trigger asks the
// signal provider for a plan, the execution trigger turns the plan into
// orders. Monthly and urgent rebalances each keep their own
// once-per-period guard.
type Cycle struct {
	broker   broker.Broker
	store    *state.Store
	exec     *executor.Executor
	journal  journal.Journal
	provider signal.Provider
	bus      *notify.Bus
	breaker  *resilience.Breaker
	log      *zap.Logger
	cfg      CycleConfig

	mu       sync.Mutex
	plan     []signal.Instruction
	planTime time.Time
}

func NewCycle(b broker.Broker, st *state.Store, exec *executor.Executor, jr journal.Journal,
	provider signal.Provider, bus *notify.Bus, breaker *resilience.Breaker,
	cfg CycleConfig, log *zap.Logger) *Cycle {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &Cycle{
		broker:   b,
		store:    st,
		exec:     exec,
		journal:  jr,
		provider: provider,
		bus:      bus,
		breaker:  breaker,
		log:      log,
		cfg:      cfg,
	}
}

// Screening asks the signal provider for the day's plan and caches it
// for the execution trigger.
func (c *Cycle) Screening(ctx context.Context) error {
	if !c.store.Snapshot().RunMode.AllowsEntries() {
		c.log.Info("screening skipped, run mode blocks entries")
		return nil
	}

	instr, err := c.provider.Instructions(ctx, c.cfg.Universe)
	if err != nil {
		return fmt.Errorf("signal provider %s: %w", c.provider.Name(), err)
	}

	c.mu.Lock()
	c.plan = instr
	c.planTime = time.Now()
	c.mu.Unlock()

	c.log.Info("screening done",
		zap.String("provider", c.provider.Name()),
		zap.Int("instructions", len(instr)),
	)
	return nil
}

// Rebalance runs the scheduled monthly rebalance: at most once per
// calendar month, guarded by its own persisted timestamp.
func (c *Cycle) Rebalance(ctx context.Context) error {
	st := c.store.Snapshot()
	now := time.Now()
	if schedule.SameMonth(st.LastRebalance, now) {
		c.log.Debug("rebalance already ran this month",
			zap.Time("last", st.LastRebalance))
		return nil
	}
	ran, err := c.execute(ctx)
	if err != nil || !ran {
		return err
	}
	_, err = c.store.Mutate(func(s *state.EngineState) error {
		s.LastRebalance = now
		return nil
	})
	return err
}

// UrgentRebalance runs an out-of-band rebalance, at most once per day.
// Its guard is independent of the monthly one, so an urgent trigger
// can never re-fire the monthly action inside the same month.
func (c *Cycle) UrgentRebalance(ctx context.Context) error {
	st := c.store.Snapshot()
	now := time.Now()
	if schedule.SameDay(st.LastUrgentRebalance, now) {
		c.log.Debug("urgent rebalance already ran today",
			zap.Time("last", st.LastUrgentRebalance))
		return nil
	}
	ran, err := c.execute(ctx)
	if err != nil || !ran {
		return err
	}
	_, err = c.store.Mutate(func(s *state.EngineState) error {
		s.LastUrgentRebalance = now
		return nil
	})
	return err
}

// execute turns the current plan into orders: price everything, size
// deltas against net asset value, sell first to free cash, then buy.
// The whole run sits under the cycle watch and feeds the breaker. A
// gated firing reports ran=false so the caller's period guard stays
// unburned.
func (c *Cycle) execute(ctx context.Context) (ran bool, err error) {
	st := c.store.Snapshot()
	if !st.RunMode.AllowsEntries() {
		c.log.Info("execution skipped, run mode blocks entries",
			zap.String("mode", string(st.RunMode)))
		return false, nil
	}

	var slow atomic.Bool
	stop := resilience.WatchCycle("execution", c.cfg.WarnAfter, c.log, func(elapsed time.Duration) {
		slow.Store(true)
		c.bus.Publish(notify.NewEvent(notify.CycleSlow, "",
			fmt.Sprintf("execution cycle slow: %s elapsed", elapsed.Round(time.Second))))
	})
	start := time.Now()
	timedOut, err := c.executeInner(ctx, st)
	stop()
	metrics.CycleSeconds.Set(time.Since(start).Seconds())

	c.breaker.Record(timedOut || slow.Load())
	metrics.ConsecutiveTimeouts.Set(float64(c.breaker.Strikes()))
	return true, err
}

func (c *Cycle) executeInner(ctx context.Context, st state.EngineState) (timedOut bool, err error) {
	plan := c.todaysPlan(ctx)

	acct, err := retry.DoWithResult(ctx, func() (broker.Account, error) {
		return c.broker.GetAccount(ctx)
	}, retry.DefaultConfig())
	if err != nil {
		return false, fmt.Errorf("fetch account: %w", err)
	}
	metrics.NAV.Set(acct.NetAssetValue)

	symbols := planSymbols(plan, st.Positions)
	quotes, failed, err := resilience.MapBatch(ctx, symbols, c.cfg.Workers,
		c.cfg.ItemTimeout, c.cfg.BatchTimeout,
		func(ctx context.Context, sym string) (broker.Quote, error) {
			return c.broker.GetQuote(ctx, sym)
		})
	if err != nil {
		if !errors.Is(err, resilience.ErrBatchTimeout) {
			return false, err
		}
		// Proceed with what priced; unpriced symbols hold.
		timedOut = true
		c.log.Warn("quote batch timed out, unpriced symbols hold",
			zap.Int("missing", len(failed)))
	}

	intents := c.buildIntents(st, acct, plan, quotes)
	for _, intent := range intents {
		if _, err := c.exec.Submit(ctx, intent); err != nil {
			if errors.Is(err, executor.ErrNotPermitted) {
				return timedOut, nil // mode changed mid-cycle, stop quietly
			}
			c.log.Error("cycle order failed",
				zap.String("symbol", intent.Symbol),
				zap.Error(err),
			)
		}
	}
	return timedOut, nil
}

// todaysPlan returns the cached screening plan if it is from today,
// otherwise asks the provider directly.
func (c *Cycle) todaysPlan(ctx context.Context) []signal.Instruction {
	c.mu.Lock()
	plan, planTime := c.plan, c.planTime
	c.mu.Unlock()

	if len(plan) > 0 && schedule.SameDay(planTime, time.Now()) {
		return plan
	}
	instr, err := c.provider.Instructions(ctx, c.cfg.Universe)
	if err != nil {
		c.log.Error("signal provider failed, holding", zap.Error(err))
		return nil
	}
	return instr
}

// buildIntents sizes orders against net asset value. Sells come first
// so the buys that follow have the cash. Symbols without a fresh quote
// are held.
func (c *Cycle) buildIntents(st state.EngineState, acct broker.Account,
	plan []signal.Instruction, quotes map[string]broker.Quote) []executor.Intent {

	target := st.TargetPositions
	if target <= 0 {
		target = c.cfg.TargetPositions
	}
	defaultWeight := 0.0
	if target > 0 {
		defaultWeight = 1.0 / float64(target)
	}

	var sells, buys []executor.Intent
	for _, in := range plan {
		q, ok := quotes[in.Symbol]
		if !ok || q.Price <= 0 {
			continue
		}
		pos, held := st.Positions[in.Symbol]

		var targetValue float64
		switch in.Action {
		case signal.Buy:
			w := in.TargetWeight
			if w <= 0 {
				w = defaultWeight
			}
			targetValue = acct.NetAssetValue * w
		case signal.Sell:
			targetValue = 0
		default:
			continue // hold
		}

		currentValue := 0.0
		if held {
			currentValue = pos.Quantity * q.Price
		}
		delta := targetValue - currentValue
		if delta > -c.cfg.MinOrderNotional && delta < c.cfg.MinOrderNotional {
			continue
		}

		intent := executor.Intent{
			Symbol:   in.Symbol,
			Quantity: delta / q.Price,
			Reason:   executor.ReasonRebalance,
		}
		if !held {
			intent.Reason = executor.ReasonEntry
		}
		if delta < 0 {
			intent.Side = broker.Sell
			intent.Quantity = -intent.Quantity
			if intent.Quantity > pos.Quantity {
				intent.Quantity = pos.Quantity
			}
			sells = append(sells, intent)
		} else {
			intent.Side = broker.Buy
			buys = append(buys, intent)
		}
	}

	sortByNotionalDesc := func(xs []executor.Intent) {
		sort.SliceStable(xs, func(i, j int) bool {
			qi, qj := quotes[xs[i].Symbol], quotes[xs[j].Symbol]
			return xs[i].Quantity*qi.Price > xs[j].Quantity*qj.Price
		})
	}
	sortByNotionalDesc(sells)
	sortByNotionalDesc(buys)
	return append(sells, buys...)
}

// Report builds and records the day's snapshot from the journal plus
// the authoritative account valuation. Duplicate days are rejected by
// the journal backend, so a re-fired report trigger is harmless.
func (c *Cycle) Report(ctx context.Context) error {
	acct, err := retry.DoWithResult(ctx, func() (broker.Account, error) {
		return c.broker.GetAccount(ctx)
	}, retry.DefaultConfig())
	if err != nil {
		return fmt.Errorf("fetch account: %w", err)
	}

	now := time.Now()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	entries, err := c.journal.EntriesBetween(dayStart, now)
	if err != nil {
		return fmt.Errorf("read journal: %w", err)
	}

	st := c.store.Snapshot()
	var unrealized float64
	for _, h := range acct.Holdings {
		if pos, ok := st.Positions[h.Symbol]; ok {
			unrealized += (h.Price - pos.EntryPrice) * pos.Quantity
		}
	}

	snap := journal.BuildDailySnapshot(now, acct, unrealized, entries)
	if err := c.journal.RecordSnapshot(snap); err != nil {
		return fmt.Errorf("record snapshot: %w", err)
	}
	c.log.Info("daily snapshot recorded",
		zap.String("date", snap.Date),
		zap.Float64("total_assets", snap.TotalAssets),
		zap.Float64("realized_pl", snap.RealizedPL),
	)
	return nil
}

// planSymbols is the union of planned and held symbols, stable order.
func planSymbols(plan []signal.Instruction, positions map[string]state.Position) []string {
	seen := make(map[string]bool, len(plan)+len(positions))
	out := make([]string, 0, len(plan)+len(positions))
	for _, in := range plan {
		if !seen[in.Symbol] {
			seen[in.Symbol] = true
			out = append(out, in.Symbol)
		}
	}
	held := make([]string, 0, len(positions))
	for sym := range positions {
		if !seen[sym] {
			held = append(held, sym)
		}
	}
	sort.Strings(held)
	return append(out, held...)
}
