// Package state owns the engine's durable state: run mode, open
// positions, pending orders and rebalance bookkeeping. All mutation
// goes through Store.Mutate, which persists atomically, so the on-disk
// file is always a complete snapshot of the last applied mutation.
package state

import (
	"time"

	"github.com/rustyeddy/autotrader/broker"
)

// RunMode is the controller's run state. Persisted so a restart
// resumes in the mode the operator left the engine in.
type RunMode string

const (
	Stopped       RunMode = "STOPPED"
	Running       RunMode = "RUNNING"
	Paused        RunMode = "PAUSED"
	EmergencyStop RunMode = "EMERGENCY_STOP"
)

// AllowsEntries reports whether new orders may be submitted.
func (m RunMode) AllowsEntries() bool { return m == Running }

// AllowsExits reports whether risk exits (stop-loss/take-profit) may be
// processed. Paused blocks entries but still protects open positions.
func (m RunMode) AllowsExits() bool { return m == Running || m == Paused }

// Position is one open holding with its exit levels.
type Position struct {
	Symbol      string    `json:"symbol"`
	Quantity    float64   `json:"quantity"`
	EntryPrice  float64   `json:"entry_price"`
	EntryTime   time.Time `json:"entry_time"`
	StopLoss    float64   `json:"stop_loss"`
	TakeProfits []float64 `json:"take_profits"` // staged targets, ascending
	TargetsHit  int       `json:"targets_hit"`  // staged targets already taken
	TrailHigh   float64   `json:"trail_high"`   // high-water mark, 0 until trailing activates
	Stage       int       `json:"stage"`        // pyramiding stage, 0..N
}

// TrailingActive reports whether the trailing stop is armed. It arms
// once the first profit target has been taken.
func (p Position) TrailingActive() bool { return p.TargetsHit > 0 }

// PendingOrder is a submitted order that has not reached a terminal
// status. LimitPrice 0 means market.
type PendingOrder struct {
	OrderID    string             `json:"order_id"`
	Symbol     string             `json:"symbol"`
	Side       broker.Side        `json:"side"`
	Quantity   float64            `json:"quantity"`
	LimitPrice float64            `json:"limit_price"`
	Reason     string             `json:"reason"`
	SubmitTime time.Time          `json:"submit_time"`
	Retries    int                `json:"retries"`
	Status     broker.OrderStatus `json:"status"`
}

// EngineState is the durable singleton. Mutate it only through
// Store.Mutate; other components read copies.
type EngineState struct {
	RunMode             RunMode                 `json:"run_mode"`
	DryRun              bool                    `json:"dry_run"`      // compute orders but do not send
	LiveAccount         bool                    `json:"live_account"` // real account vs virtual/simulated
	Cash                float64                 `json:"cash"`         // local ledger cash, corrected by reconciliation
	TargetPositions     int                     `json:"target_positions"`
	StopLossPct         float64                 `json:"stop_loss_pct"`
	TakeProfitPct       float64                 `json:"take_profit_pct"`
	Positions           map[string]Position     `json:"positions"`
	PendingOrders       []PendingOrder          `json:"pending_orders"`
	LastRebalance       time.Time               `json:"last_rebalance"`
	LastUrgentRebalance time.Time               `json:"last_urgent_rebalance"`
	OperatorStopped     bool                    `json:"operator_stopped"` // set on explicit stop; watchdog will not restart
}

// NewEngineState returns a stopped state with empty books.
func NewEngineState() EngineState {
	return EngineState{
		RunMode:   Stopped,
		Positions: make(map[string]Position),
	}
}

// clone deep-copies the state so callers cannot alias the store's copy.
func (s EngineState) clone() EngineState {
	out := s
	out.Positions = make(map[string]Position, len(s.Positions))
	for sym, p := range s.Positions {
		p.TakeProfits = append([]float64(nil), p.TakeProfits...)
		out.Positions[sym] = p
	}
	out.PendingOrders = make([]PendingOrder, len(s.PendingOrders))
	copy(out.PendingOrders, s.PendingOrders)
	return out
}

// FindPending returns the index of the pending order with the given
// venue order id, or -1.
func (s *EngineState) FindPending(orderID string) int {
	for i := range s.PendingOrders {
		if s.PendingOrders[i].OrderID == orderID {
			return i
		}
	}
	return -1
}

// RemovePending deletes the pending order at index i, preserving order.
func (s *EngineState) RemovePending(i int) {
	s.PendingOrders = append(s.PendingOrders[:i], s.PendingOrders[i+1:]...)
}
