// Package engine is the system controller: the run-mode state machine
// every trading call site consults, the operator control API, and the
// hook registry front-ends plug into. The controller never imports a
// concrete notifier or signal provider; both attach through Subscribe
// and RegisterAction.
package engine

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/rustyeddy/autotrader/notify"
	"github.com/rustyeddy/autotrader/state"
)

// Action is a manually triggerable engine operation (screening,
// rebalance, reconcile). Registered by the application at wiring time.
type Action func(ctx context.Context) error

type Controller struct {
	store *state.Store
	bus   *notify.Bus
	log   *zap.Logger

	mu      sync.Mutex
	actions map[string]Action
}

func NewController(store *state.Store, bus *notify.Bus, log *zap.Logger) *Controller {
	return &Controller{
		store:   store,
		bus:     bus,
		log:     log,
		actions: make(map[string]Action),
	}
}

// Mode returns the current run mode.
func (c *Controller) Mode() state.RunMode {
	return c.store.Snapshot().RunMode
}

// AllowsEntries reports whether new order submission is permitted.
func (c *Controller) AllowsEntries() bool { return c.Mode().AllowsEntries() }

// AllowsExits reports whether risk-exit processing is permitted.
func (c *Controller) AllowsExits() bool { return c.Mode().AllowsExits() }

// transition moves the run mode, persisting it immediately. extra, if
// non-nil, is applied in the same mutation.
func (c *Controller) transition(to state.RunMode, extra func(*state.EngineState)) error {
	_, err := c.store.Mutate(func(s *state.EngineState) error {
		if !CanTransition(s.RunMode, to) {
			return fmt.Errorf("invalid transition %s -> %s", s.RunMode, to)
		}
		c.log.Info("run mode change",
			zap.String("from", string(s.RunMode)),
			zap.String("to", string(to)),
		)
		s.RunMode = to
		if extra != nil {
			extra(s)
		}
		return nil
	})
	return err
}

func (c *Controller) Start() error {
	return c.transition(state.Running, func(s *state.EngineState) {
		s.OperatorStopped = false
	})
}

// Stop records an operator stop; the watchdog will not restart the
// process while OperatorStopped is set.
func (c *Controller) Stop() error {
	return c.transition(state.Stopped, func(s *state.EngineState) {
		s.OperatorStopped = true
	})
}

func (c *Controller) Pause() error  { return c.transition(state.Paused, nil) }
func (c *Controller) Resume() error { return c.transition(state.Running, nil) }

// Emergency halts all trading activity, exits included, from any state.
func (c *Controller) Emergency(reason string) error {
	_, err := c.store.Mutate(func(s *state.EngineState) error {
		if s.RunMode == state.EmergencyStop {
			return nil
		}
		c.log.Warn("emergency stop", zap.String("reason", reason))
		s.RunMode = state.EmergencyStop
		return nil
	})
	if err != nil {
		return err
	}
	c.bus.Publish(notify.NewEvent(notify.EmergencyStop, "", reason))
	return nil
}

// ClearEmergency releases an emergency stop back to Stopped. Trading
// resumes only after an explicit Start.
func (c *Controller) ClearEmergency() error {
	return c.transition(state.Stopped, nil)
}

// SetConfig mutates one tunable field by name. The change is persisted
// immediately and read by the next cycle; in-flight cycles are not
// retargeted.
func (c *Controller) SetConfig(field, value string) error {
	_, err := c.store.Mutate(func(s *state.EngineState) error {
		switch field {
		case "target_positions":
			n, err := strconv.Atoi(value)
			if err != nil || n <= 0 {
				return fmt.Errorf("target_positions: want positive integer, got %q", value)
			}
			s.TargetPositions = n
		case "stop_loss_pct":
			f, err := strconv.ParseFloat(value, 64)
			if err != nil || f <= 0 || f >= 1 {
				return fmt.Errorf("stop_loss_pct: want 0 < pct < 1, got %q", value)
			}
			s.StopLossPct = f
		case "take_profit_pct":
			f, err := strconv.ParseFloat(value, 64)
			if err != nil || f <= 0 {
				return fmt.Errorf("take_profit_pct: want positive, got %q", value)
			}
			s.TakeProfitPct = f
		case "dry_run":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("dry_run: want bool, got %q", value)
			}
			s.DryRun = b
		default:
			return fmt.Errorf("unknown config field %q", field)
		}
		c.log.Info("config changed", zap.String("field", field), zap.String("value", value))
		return nil
	})
	return err
}

// Subscribe registers a hook for one event kind. This is how the
// notifier/controller front-end observes the engine.
func (c *Controller) Subscribe(kind notify.Kind, h notify.Handler) {
	c.bus.Subscribe(kind, h)
}

// RegisterAction exposes a named operation for manual triggering.
func (c *Controller) RegisterAction(name string, fn Action) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.actions[name] = fn
}

// RunOnce fires a registered action immediately, regardless of the
// schedule. The run-mode gate still applies inside the action itself.
func (c *Controller) RunOnce(ctx context.Context, name string) error {
	c.mu.Lock()
	fn, ok := c.actions[name]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown action %q", name)
	}
	c.log.Info("manual trigger", zap.String("action", name))
	return fn(ctx)
}
