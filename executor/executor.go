// Package executor submits and tracks orders. It is the only path to
// the venue for trading calls: every submission is rate limited,
// retried per the error taxonomy, journaled on execution, and mirrored
// into durable state so a restart picks up every pending order.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rustyeddy/autotrader/broker"
	"github.com/rustyeddy/autotrader/journal"
	"github.com/rustyeddy/autotrader/metrics"
	"github.com/rustyeddy/autotrader/notify"
	"github.com/rustyeddy/autotrader/pkg/id"
	"github.com/rustyeddy/autotrader/pkg/ratelimit"
	"github.com/rustyeddy/autotrader/pkg/retry"
	"github.com/rustyeddy/autotrader/state"
)

// ErrNotPermitted is returned when the run mode blocks the submission.
var ErrNotPermitted = errors.New("executor: run mode does not permit this order")

// Exit reasons an intent can carry. Entries use ReasonEntry or
// ReasonRebalance; the monitor uses the exit reasons.
const (
	ReasonEntry        = "entry"
	ReasonRebalance    = "rebalance"
	ReasonStopLoss     = "stop_loss"
	ReasonTakeProfit   = "take_profit"
	ReasonTrailingStop = "trailing_stop"
	ReasonAging        = "pending_aged"
)

// Intent is a fully specified order request. LimitPrice 0 means market.
type Intent struct {
	Symbol     string
	Side       broker.Side
	Quantity   float64
	LimitPrice float64
	Reason     string
}

func (i Intent) isExit() bool {
	switch i.Reason {
	case ReasonStopLoss, ReasonTakeProfit, ReasonTrailingStop:
		return true
	}
	return false
}

// modePermits is the run-mode gate: entries need a mode that allows
// entries, exits also pass while paused. Every path that places an
// order goes through it, follow-ups and stale-order resubmissions
// included.
func modePermits(mode state.RunMode, intent Intent) bool {
	if intent.isExit() {
		return mode.AllowsExits()
	}
	return mode.AllowsEntries()
}

// Config tunes the executor.
type Config struct {
	MaxRetries       int
	MaxPendingAge    time.Duration
	MinOrderNotional float64
	StopLossPct      float64   // default when state carries none
	TakeProfitPcts   []float64 // staged target percents, ascending
}

type Executor struct {
	broker  broker.Broker
	store   *state.Store
	journal journal.Journal
	bus     *notify.Bus
	limiter *ratelimit.Limiter
	log     *zap.Logger
	cfg     Config
}

func New(b broker.Broker, st *state.Store, jr journal.Journal, bus *notify.Bus,
	limiter *ratelimit.Limiter, cfg Config, log *zap.Logger) *Executor {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 4
	}
	if cfg.MaxPendingAge <= 0 {
		cfg.MaxPendingAge = 10 * time.Minute
	}
	return &Executor{
		broker:  b,
		store:   st,
		journal: jr,
		bus:     bus,
		limiter: limiter,
		log:     log,
		cfg:     cfg,
	}
}

// Submit places an order. It gates on run mode (entries need RUNNING,
// exits also pass while PAUSED), respects dry-run, waits for the rate
// limiter, and retries retryable venue errors with backoff. The
// returned id is the venue's order id, or empty in dry-run.
func (e *Executor) Submit(ctx context.Context, intent Intent) (string, error) {
	st := e.store.Snapshot()

	if !modePermits(st.RunMode, intent) {
		return "", fmt.Errorf("%w: %s while %s", ErrNotPermitted, intent.Reason, st.RunMode)
	}

	if intent.Quantity <= 0 {
		return "", retry.Permanent(fmt.Errorf("executor: invalid quantity %f", intent.Quantity))
	}

	if st.DryRun {
		e.log.Info("dry run, order not sent",
			zap.String("symbol", intent.Symbol),
			zap.String("side", string(intent.Side)),
			zap.Float64("quantity", intent.Quantity),
			zap.String("reason", intent.Reason),
		)
		return "", nil
	}

	res, err := e.place(ctx, broker.OrderRequest{
		Symbol:     intent.Symbol,
		Side:       intent.Side,
		Quantity:   intent.Quantity,
		LimitPrice: intent.LimitPrice,
	})
	if err != nil {
		e.orderFailed(intent.Symbol, intent.Reason, err)
		return "", err
	}

	mode := "live"
	if !st.LiveAccount {
		mode = "paper"
	}
	metrics.Orders.WithLabelValues(mode, string(intent.Side)).Inc()

	if err := e.handleResult(ctx, intent, res, 0); err != nil {
		return res.OrderID, err
	}
	return res.OrderID, nil
}

// place performs one rate-limited, retried PlaceOrder call.
func (e *Executor) place(ctx context.Context, req broker.OrderRequest) (broker.OrderResult, error) {
	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = e.cfg.MaxRetries
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		e.log.Warn("order placement retry",
			zap.String("symbol", req.Symbol),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
	}
	return retry.DoWithResult(ctx, func() (broker.OrderResult, error) {
		if err := e.limiter.Wait(ctx); err != nil {
			return broker.OrderResult{}, err
		}
		return e.broker.PlaceOrder(ctx, req)
	}, cfg)
}

// handleResult routes a venue response. Market orders settle on the
// spot: the venue's answer is final, and a short fill triggers the
// partial-fill rule. Resting limit orders go into the pending book for
// ReconcilePending to track.
func (e *Executor) handleResult(ctx context.Context, intent Intent, res broker.OrderResult, retries int) error {
	if res.FilledQty > 0 {
		if err := e.finalizeFill(intent, res); err != nil {
			return err
		}
	}

	switch {
	case res.Status == broker.StatusFilled:
		return nil

	case intent.LimitPrice == 0:
		// Market order came back short. Follow up on the remainder if
		// it is still worth an order, otherwise accept the partial as
		// final.
		return e.handleShortFill(ctx, intent, res, retries)

	case res.Status.Terminal():
		// Limit order died (canceled/failed) before filling fully.
		return e.handleShortFill(ctx, intent, res, retries)

	default:
		// Resting limit order: remember it durably.
		_, err := e.store.Mutate(func(s *state.EngineState) error {
			s.PendingOrders = append(s.PendingOrders, state.PendingOrder{
				OrderID:    res.OrderID,
				Symbol:     intent.Symbol,
				Side:       intent.Side,
				Quantity:   intent.Quantity,
				LimitPrice: intent.LimitPrice,
				Reason:     intent.Reason,
				SubmitTime: time.Now(),
				Retries:    retries,
				Status:     res.Status,
			})
			return nil
		})
		return err
	}
}

// handleShortFill applies the partial-fill rule to an order that will
// not fill further: resubmit the remainder at market when its notional
// clears the minimum, otherwise accept what filled as final.
func (e *Executor) handleShortFill(ctx context.Context, intent Intent, res broker.OrderResult, retries int) error {
	remaining := res.Remaining()
	if remaining <= 0 {
		return nil
	}

	refPrice := res.AvgFillPrice
	if refPrice == 0 {
		if q, err := e.broker.GetQuote(ctx, intent.Symbol); err == nil {
			refPrice = q.Price
		}
	}
	notional := remaining * refPrice

	if notional < e.cfg.MinOrderNotional {
		e.log.Info("remaining notional below minimum, accepting partial fill as final",
			zap.String("symbol", intent.Symbol),
			zap.Float64("filled", res.FilledQty),
			zap.Float64("remaining", remaining),
			zap.Float64("notional", notional),
		)
		return nil
	}

	if res.FilledQty == 0 && res.Status == broker.StatusFailed {
		// Nothing filled and the venue refused; surface rather than
		// loop on a follow-up that will fail the same way.
		err := fmt.Errorf("executor: order failed with nothing filled: %s", res.OrderID)
		e.orderFailed(intent.Symbol, intent.Reason, err)
		return err
	}

	if st := e.store.Snapshot(); !modePermits(st.RunMode, intent) {
		e.log.Info("run mode blocks follow-up, accepting partial fill as final",
			zap.String("symbol", intent.Symbol),
			zap.String("mode", string(st.RunMode)),
			zap.Float64("remaining", remaining),
		)
		return nil
	}

	e.log.Info("submitting follow-up for remainder",
		zap.String("symbol", intent.Symbol),
		zap.Float64("remaining", remaining),
	)
	followUp := intent
	followUp.Quantity = remaining
	followUp.LimitPrice = 0 // market

	res2, err := e.place(ctx, broker.OrderRequest{
		Symbol:   followUp.Symbol,
		Side:     followUp.Side,
		Quantity: followUp.Quantity,
	})
	if err != nil {
		e.orderFailed(followUp.Symbol, followUp.Reason, err)
		return err
	}
	return e.handleResult(ctx, followUp, res2, retries+1)
}

// finalizeFill journals an executed (possibly partial) fill and
// applies it to positions. The journal append happens before the state
// mutation so a crash in between is caught by reconciliation rather
// than losing the audit record.
func (e *Executor) finalizeFill(intent Intent, res broker.OrderResult) error {
	entry := journal.Entry{
		ID:       id.New(),
		Time:     time.Now(),
		Symbol:   intent.Symbol,
		Action:   actionFor(intent),
		Quantity: res.FilledQty,
		Price:    res.AvgFillPrice,
		Fee:      res.Fee,
		OrderID:  res.OrderID,
	}

	if intent.Side == broker.Sell {
		st := e.store.Snapshot()
		if pos, ok := st.Positions[intent.Symbol]; ok {
			entry.RealizedPL = (res.AvgFillPrice-pos.EntryPrice)*res.FilledQty - res.Fee
		}
	}

	if err := e.journal.Append(entry); err != nil {
		return fmt.Errorf("journal fill: %w", err)
	}

	_, err := e.store.Mutate(func(s *state.EngineState) error {
		e.applyFill(s, intent, res)
		if i := s.FindPending(res.OrderID); i >= 0 {
			s.RemovePending(i)
		}
		return nil
	})
	if err != nil {
		return err
	}

	e.bus.Publish(notify.NewEvent(notify.OrderFilled, intent.Symbol,
		fmt.Sprintf("%s %.4f %s @ %.4f (%s)",
			intent.Side, res.FilledQty, intent.Symbol, res.AvgFillPrice, intent.Reason)))
	return nil
}

// applyFill updates the position book and the local cash ledger for an
// executed fill.
func (e *Executor) applyFill(s *state.EngineState, intent Intent, res broker.OrderResult) {
	pos, exists := s.Positions[intent.Symbol]

	notional := res.FilledQty * res.AvgFillPrice
	if intent.Side == broker.Buy {
		s.Cash -= notional + res.Fee
	} else {
		s.Cash += notional - res.Fee
	}

	if intent.Side == broker.Buy {
		if exists {
			// Pyramid add: blend the entry price, advance the stage.
			total := pos.Quantity + res.FilledQty
			pos.EntryPrice = (pos.EntryPrice*pos.Quantity + res.AvgFillPrice*res.FilledQty) / total
			pos.Quantity = total
			pos.Stage++
		} else {
			stopPct := s.StopLossPct
			if stopPct <= 0 {
				stopPct = e.cfg.StopLossPct
			}
			pos = state.Position{
				Symbol:      intent.Symbol,
				Quantity:    res.FilledQty,
				EntryPrice:  res.AvgFillPrice,
				EntryTime:   time.Now(),
				StopLoss:    res.AvgFillPrice * (1 - stopPct),
				TakeProfits: e.takeProfitLevels(res.AvgFillPrice, s.TakeProfitPct),
			}
		}
		s.Positions[intent.Symbol] = pos
		return
	}

	// Sell
	if !exists {
		e.log.Warn("fill for unknown position, reconciliation will pick it up",
			zap.String("symbol", intent.Symbol))
		return
	}
	pos.Quantity -= res.FilledQty
	if pos.Quantity <= quantityEpsilon {
		delete(s.Positions, intent.Symbol)
		return
	}
	if pos.Stage > 0 {
		// Partial exits unwind pyramiding in reverse.
		pos.Stage--
	}
	s.Positions[intent.Symbol] = pos
}

const quantityEpsilon = 1e-9

// takeProfitLevels builds the staged target prices for a new position.
func (e *Executor) takeProfitLevels(entryPrice, statePct float64) []float64 {
	pcts := e.cfg.TakeProfitPcts
	if len(pcts) == 0 && statePct > 0 {
		pcts = []float64{statePct}
	}
	levels := make([]float64, 0, len(pcts))
	for _, p := range pcts {
		levels = append(levels, entryPrice*(1+p))
	}
	return levels
}

func (e *Executor) orderFailed(symbol, reason string, err error) {
	kind := "retryable_exhausted"
	var perm *retry.PermanentError
	if errors.As(err, &perm) {
		kind = "fatal"
	}
	var reqErr *broker.RequestError
	if errors.As(err, &reqErr) && !reqErr.Retryable() {
		kind = "fatal"
	}
	metrics.OrderFailures.WithLabelValues(kind).Inc()
	e.log.Error("order failed",
		zap.String("symbol", symbol),
		zap.String("reason", reason),
		zap.String("class", kind),
		zap.Error(err),
	)
	e.bus.Publish(notify.NewEvent(notify.OrderFailed, symbol,
		fmt.Sprintf("%s order failed (%s): %v", reason, kind, err)))
}

func actionFor(intent Intent) string {
	switch intent.Reason {
	case ReasonStopLoss:
		return "STOP_LOSS"
	case ReasonTakeProfit:
		return "TAKE_PROFIT"
	case ReasonTrailingStop:
		return "TRAILING_STOP"
	}
	return string(intent.Side)
}
