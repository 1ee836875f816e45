// Package monitor watches open positions on a fixed interval,
// independent of the trade-decision cycle. Each tick it prices every
// position through a bounded, timeout-bounded batch, then walks the
// exit ladder: hard stop-loss, staged take-profits, trailing stop.
// Exits route through the order executor; the monitor never talks to
// the venue's order endpoints itself.
package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rustyeddy/autotrader/broker"
	"github.com/rustyeddy/autotrader/executor"
	"github.com/rustyeddy/autotrader/metrics"
	"github.com/rustyeddy/autotrader/notify"
	"github.com/rustyeddy/autotrader/resilience"
	"github.com/rustyeddy/autotrader/state"
)

// Config tunes the monitor loop.
type Config struct {
	Interval        time.Duration
	TrailRetracePct float64 // retrace from high-water mark that triggers the trailing exit
	ItemTimeout     time.Duration
	BatchTimeout    time.Duration
	Workers         int
}

// quoteCache keeps the last known-good quote per symbol so one slow
// price lookup degrades to stale data instead of a missing symbol.
type quoteCache struct {
	mu     sync.Mutex
	quotes map[string]broker.Quote
}

func (c *quoteCache) put(q broker.Quote) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quotes[q.Symbol] = q
}

func (c *quoteCache) get(symbol string) (broker.Quote, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.quotes[symbol]
	return q, ok
}

type Monitor struct {
	broker broker.Broker
	store  *state.Store
	exec   *executor.Executor
	bus    *notify.Bus
	log    *zap.Logger
	cfg    Config
	cache  quoteCache

	// Heartbeat, if set, is called once per tick for liveness
	// signalling (watchdog file + metrics).
	Heartbeat func()
}

func New(b broker.Broker, st *state.Store, exec *executor.Executor, bus *notify.Bus,
	cfg Config, log *zap.Logger) *Monitor {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &Monitor{
		broker: b,
		store:  st,
		exec:   exec,
		bus:    bus,
		log:    log,
		cfg:    cfg,
		cache:  quoteCache{quotes: make(map[string]broker.Quote)},
	}
}

// Run ticks until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick prices all open positions and processes due exits. Exported so
// the scheduler and tests can drive it directly.
func (m *Monitor) Tick(ctx context.Context) {
	if m.Heartbeat != nil {
		m.Heartbeat()
	}
	metrics.TouchHeartbeat()

	st := m.store.Snapshot()
	if !st.RunMode.AllowsExits() {
		return
	}
	if len(st.Positions) == 0 {
		return
	}

	symbols := make([]string, 0, len(st.Positions))
	for sym := range st.Positions {
		symbols = append(symbols, sym)
	}

	quotes, failed, err := resilience.MapBatch(ctx, symbols, m.cfg.Workers,
		m.cfg.ItemTimeout, m.cfg.BatchTimeout,
		func(ctx context.Context, sym string) (broker.Quote, error) {
			return m.broker.GetQuote(ctx, sym)
		})
	if err != nil {
		m.log.Warn("quote batch incomplete", zap.Error(err), zap.Int("missing", len(failed)))
	}

	for _, q := range quotes {
		m.cache.put(q)
	}

	for _, sym := range symbols {
		pos, ok := st.Positions[sym]
		if !ok {
			continue
		}
		q, isFresh := quotes[sym], true
		if _, failedLookup := failed[sym]; failedLookup {
			cached, ok := m.cache.get(sym)
			if !ok {
				m.log.Warn("no price available, skipping symbol this tick",
					zap.String("symbol", sym))
				continue
			}
			q, isFresh = cached, false
			m.log.Debug("using stale quote",
				zap.String("symbol", sym),
				zap.Time("as_of", q.Time))
		}
		m.evaluate(ctx, pos, q.Price, isFresh)
	}
}

// evaluate walks one position down the exit ladder.
func (m *Monitor) evaluate(ctx context.Context, pos state.Position, price float64, fresh bool) {
	_ = fresh // stale quotes still protect the position; they are just logged as such

	// (a) hard stop-loss: full exit.
	if pos.StopLoss > 0 && price <= pos.StopLoss {
		m.exit(ctx, pos, pos.Quantity, executor.ReasonStopLoss, price)
		return
	}

	// (b) staged take-profits: partial exit per target, full on the
	// last one.
	if pos.TargetsHit < len(pos.TakeProfits) && price >= pos.TakeProfits[pos.TargetsHit] {
		remainingTargets := len(pos.TakeProfits) - pos.TargetsHit
		qty := pos.Quantity
		if remainingTargets > 1 {
			qty = pos.Quantity / float64(remainingTargets)
		}
		if m.exit(ctx, pos, qty, executor.ReasonTakeProfit, price) {
			m.advanceTarget(pos.Symbol, price)
		}
		return
	}

	// (c) trailing stop: armed after the first target, tracks the
	// high-water mark, exits on the configured retrace.
	if pos.TrailingActive() {
		if price > pos.TrailHigh {
			m.raiseWaterMark(pos.Symbol, price)
			return
		}
		if pos.TrailHigh > 0 && price <= pos.TrailHigh*(1-m.cfg.TrailRetracePct) {
			m.exit(ctx, pos, pos.Quantity, executor.ReasonTrailingStop, price)
		}
	}
}

// exit submits a sell through the executor. Returns true if the order
// went in.
func (m *Monitor) exit(ctx context.Context, pos state.Position, qty float64, reason string, price float64) bool {
	_, err := m.exec.Submit(ctx, executor.Intent{
		Symbol:   pos.Symbol,
		Side:     broker.Sell,
		Quantity: qty,
		Reason:   reason,
	})
	if err != nil {
		m.log.Error("exit order failed",
			zap.String("symbol", pos.Symbol),
			zap.String("reason", reason),
			zap.Error(err),
		)
		return false
	}

	metrics.Exits.WithLabelValues(reason).Inc()
	kind := notify.StopLossTriggered
	switch reason {
	case executor.ReasonTakeProfit:
		kind = notify.TakeProfitTriggered
	case executor.ReasonTrailingStop:
		kind = notify.TrailingStopTriggered
	}
	m.bus.Publish(notify.NewEvent(kind, pos.Symbol,
		fmt.Sprintf("%s: %.4f %s @ %.4f", reason, qty, pos.Symbol, price)))
	return true
}

// advanceTarget marks one staged target taken and arms/raises the
// trailing mark.
func (m *Monitor) advanceTarget(symbol string, price float64) {
	_, err := m.store.Mutate(func(s *state.EngineState) error {
		pos, ok := s.Positions[symbol]
		if !ok {
			return nil // fully exited by the fill
		}
		pos.TargetsHit++
		if price > pos.TrailHigh {
			pos.TrailHigh = price
		}
		s.Positions[symbol] = pos
		return nil
	})
	if err != nil {
		m.log.Error("advance target", zap.String("symbol", symbol), zap.Error(err))
	}
}

func (m *Monitor) raiseWaterMark(symbol string, price float64) {
	_, err := m.store.Mutate(func(s *state.EngineState) error {
		pos, ok := s.Positions[symbol]
		if !ok {
			return nil
		}
		if price > pos.TrailHigh {
			pos.TrailHigh = price
		}
		s.Positions[symbol] = pos
		return nil
	})
	if err != nil {
		m.log.Error("raise water mark", zap.String("symbol", symbol), zap.Error(err))
	}
}
