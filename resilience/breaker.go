package resilience

import (
	"sync"

	"go.uber.org/zap"
)

// Breaker counts consecutive cycles that blew their time budget. When
// the count reaches the limit it trips exactly once; the owner is
// expected to alert and exit cleanly so the supervisor restarts the
// process. Any good cycle resets the count.
type Breaker struct {
	mu      sync.Mutex
	limit   int
	strikes int
	tripped bool
	log     *zap.Logger
	onTrip  func(strikes int)
}

// NewBreaker creates a breaker that calls onTrip when limit
// consecutive bad cycles accumulate.
func NewBreaker(limit int, log *zap.Logger, onTrip func(strikes int)) *Breaker {
	if limit <= 0 {
		limit = 3
	}
	return &Breaker{limit: limit, log: log, onTrip: onTrip}
}

// Record notes the outcome of one cycle. Returns true on the firing
// that trips the breaker; subsequent bad cycles after a trip return
// false so the exit path runs once.
func (b *Breaker) Record(timedOut bool) bool {
	b.mu.Lock()

	if !timedOut {
		if b.strikes > 0 {
			b.log.Info("cycle recovered, resetting strike count",
				zap.Int("strikes", b.strikes))
		}
		b.strikes = 0
		b.tripped = false
		b.mu.Unlock()
		return false
	}

	b.strikes++
	strikes := b.strikes
	trip := strikes >= b.limit && !b.tripped
	if trip {
		b.tripped = true
	}
	b.mu.Unlock()

	b.log.Warn("cycle exceeded time budget",
		zap.Int("strikes", strikes),
		zap.Int("limit", b.limit))

	if trip && b.onTrip != nil {
		b.onTrip(strikes)
	}
	return trip
}

// Strikes returns the current consecutive-failure count.
func (b *Breaker) Strikes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.strikes
}
