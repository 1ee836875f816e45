package executor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rustyeddy/autotrader/broker"
	"github.com/rustyeddy/autotrader/pkg/retry"
	"github.com/rustyeddy/autotrader/state"
)

// ReconcilePending polls every pending order against the venue and
// settles the book: fills finalize, dead orders clear, and orders that
// sat unfilled past MaxPendingAge are canceled and resubmitted at
// market. Errors on individual orders are logged and skipped so one
// flaky lookup cannot stall the rest.
func (e *Executor) ReconcilePending(ctx context.Context) error {
	pending := e.store.Snapshot().PendingOrders
	if len(pending) == 0 {
		return nil
	}

	var firstErr error
	for _, po := range pending {
		if err := e.reconcileOne(ctx, po); err != nil {
			e.log.Warn("pending order reconcile failed",
				zap.String("order_id", po.OrderID),
				zap.String("symbol", po.Symbol),
				zap.Error(err),
			)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (e *Executor) reconcileOne(ctx context.Context, po state.PendingOrder) error {
	res, err := retry.DoWithResult(ctx, func() (broker.OrderResult, error) {
		if err := e.limiter.Wait(ctx); err != nil {
			return broker.OrderResult{}, err
		}
		return e.broker.GetOrder(ctx, po.OrderID)
	}, retry.DefaultConfig())
	if err != nil {
		return fmt.Errorf("poll order: %w", err)
	}

	intent := Intent{
		Symbol:     po.Symbol,
		Side:       po.Side,
		Quantity:   po.Quantity,
		LimitPrice: po.LimitPrice,
		Reason:     po.Reason,
	}

	if res.Status.Terminal() {
		if res.FilledQty == 0 {
			// Nothing executed; just drop it from the book.
			_, err := e.store.Mutate(func(s *state.EngineState) error {
				if i := s.FindPending(po.OrderID); i >= 0 {
					s.RemovePending(i)
				}
				return nil
			})
			return err
		}
		return e.handleResult(ctx, intent, res, po.Retries)
	}

	if age := time.Since(po.SubmitTime); age > e.cfg.MaxPendingAge {
		return e.reapStale(ctx, po, intent, age)
	}

	// Still working inside its age budget; refresh the stored status.
	_, err = e.store.Mutate(func(s *state.EngineState) error {
		if i := s.FindPending(po.OrderID); i >= 0 {
			s.PendingOrders[i].Status = res.Status
		}
		return nil
	})
	return err
}

// reapStale cancels an aged order and deals with the venue's final
// word: anything that filled while we were canceling is finalized, and
// the true remainder is resubmitted at market through the normal
// partial-fill rule.
func (e *Executor) reapStale(ctx context.Context, po state.PendingOrder, intent Intent, age time.Duration) error {
	// Canceling and resubmitting is new trading activity; the order
	// stays on the book until the mode permits it again.
	if st := e.store.Snapshot(); !modePermits(st.RunMode, intent) {
		e.log.Info("stale order left pending, run mode blocks resubmission",
			zap.String("order_id", po.OrderID),
			zap.String("symbol", po.Symbol),
			zap.String("mode", string(st.RunMode)),
		)
		return nil
	}

	e.log.Info("canceling stale pending order",
		zap.String("order_id", po.OrderID),
		zap.String("symbol", po.Symbol),
		zap.Duration("age", age),
	)

	final, err := retry.DoWithResult(ctx, func() (broker.OrderResult, error) {
		if err := e.limiter.Wait(ctx); err != nil {
			return broker.OrderResult{}, err
		}
		return e.broker.CancelOrder(ctx, po.OrderID)
	}, retry.DefaultConfig())
	if err != nil {
		return fmt.Errorf("cancel stale order: %w", err)
	}

	// The cancel may have raced a fill; final is authoritative.
	intent.Reason = ReasonAging
	intent.LimitPrice = 0
	if final.FilledQty == 0 {
		_, err := e.store.Mutate(func(s *state.EngineState) error {
			if i := s.FindPending(po.OrderID); i >= 0 {
				s.RemovePending(i)
			}
			return nil
		})
		if err != nil {
			return err
		}
		// Resubmit the full quantity at market.
		return e.handleShortFill(ctx, intent, final, po.Retries+1)
	}
	return e.handleResult(ctx, intent, final, po.Retries+1)
}

// Cancel cancels one order by id and settles whatever the venue says
// actually happened.
func (e *Executor) Cancel(ctx context.Context, orderID string) error {
	pending := e.store.Snapshot().PendingOrders
	var po *state.PendingOrder
	for i := range pending {
		if pending[i].OrderID == orderID {
			po = &pending[i]
			break
		}
	}
	if po == nil {
		return fmt.Errorf("executor: unknown pending order %s", orderID)
	}

	final, err := retry.DoWithResult(ctx, func() (broker.OrderResult, error) {
		if err := e.limiter.Wait(ctx); err != nil {
			return broker.OrderResult{}, err
		}
		return e.broker.CancelOrder(ctx, orderID)
	}, retry.DefaultConfig())
	if err != nil {
		return fmt.Errorf("cancel order: %w", err)
	}

	if final.FilledQty > 0 {
		intent := Intent{
			Symbol:   po.Symbol,
			Side:     po.Side,
			Quantity: po.Quantity,
			Reason:   po.Reason,
		}
		if err := e.finalizeFill(intent, final); err != nil {
			return err
		}
	}
	_, err = e.store.Mutate(func(s *state.EngineState) error {
		if i := s.FindPending(orderID); i >= 0 {
			s.RemovePending(i)
		}
		return nil
	})
	return err
}
