// Package notify carries the engine's typed events out to whatever
// front-end is listening (chat controller, log, test harness). The
// engine publishes; subscribers register callbacks. The engine never
// imports a concrete notifier.
package notify

import (
	"sync"
	"time"

	"github.com/rustyeddy/autotrader/pkg/id"
)

type Kind string

const (
	OrderFilled             Kind = "order_filled"
	OrderFailed             Kind = "order_failed"
	StopLossTriggered       Kind = "stop_loss_triggered"
	TakeProfitTriggered     Kind = "take_profit_triggered"
	TrailingStopTriggered   Kind = "trailing_stop_triggered"
	ReconciliationAlert     Kind = "reconciliation_alert"
	ConsecutiveTimeoutAlert Kind = "consecutive_timeout_alert"
	EmergencyStop           Kind = "emergency_stop"
	CycleSlow               Kind = "cycle_slow"
)

type Event struct {
	ID      string
	Kind    Kind
	Time    time.Time
	Symbol  string // empty for account-level events
	Message string
}

// NewEvent stamps an event with an id and the current time.
func NewEvent(kind Kind, symbol, message string) Event {
	return Event{
		ID:      id.New(),
		Kind:    kind,
		Time:    time.Now(),
		Symbol:  symbol,
		Message: message,
	}
}

// Handler receives published events. Handlers must not block; slow
// consumers should queue internally.
type Handler func(Event)

// Bus is a synchronous fan-out of events to registered handlers.
type Bus struct {
	mu       sync.RWMutex
	byKind   map[Kind][]Handler
	catchAll []Handler
}

func NewBus() *Bus {
	return &Bus{byKind: make(map[Kind][]Handler)}
}

// Subscribe registers a handler for one event kind.
func (b *Bus) Subscribe(kind Kind, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byKind[kind] = append(b.byKind[kind], h)
}

// SubscribeAll registers a handler for every event.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.catchAll = append(b.catchAll, h)
}

// Publish delivers ev to all matching handlers. Handlers run on the
// caller's goroutine, outside the bus lock.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.byKind[ev.Kind])+len(b.catchAll))
	handlers = append(handlers, b.byKind[ev.Kind]...)
	handlers = append(handlers, b.catchAll...)
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}
