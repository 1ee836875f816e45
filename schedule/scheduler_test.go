package schedule

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

// Firing a trigger while the previous firing is still running must
// drop the new one, not queue it.
func TestFireDropsWhileInFlight(t *testing.T) {
	t.Parallel()

	s := New(zap.NewNop())

	var runs atomic.Int32
	release := make(chan struct{})
	started := make(chan struct{}, 4)
	tr := &trigger{Trigger: Trigger{
		Name: "slow",
		Run: func(ctx context.Context) error {
			runs.Add(1)
			started <- struct{}{}
			<-release
			return nil
		},
	}}

	s.fire(context.Background(), tr)
	<-started

	// Second and third firings while the first is still running.
	s.fire(context.Background(), tr)
	s.fire(context.Background(), tr)

	close(release)
	s.wg.Wait()
	assert.Equal(t, int32(1), runs.Load())

	// After the slow run finishes, the trigger fires again.
	s.fire(context.Background(), tr)
	s.wg.Wait()
	assert.Equal(t, int32(2), runs.Load())
}

func TestIntervalTrigger(t *testing.T) {
	t.Parallel()

	s := New(zap.NewNop())
	var runs atomic.Int32
	s.Add(Trigger{
		Name:     "tick",
		Interval: 10 * time.Millisecond,
		Run: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	assert.GreaterOrEqual(t, runs.Load(), int32(3))
}

func TestNextDaily(t *testing.T) {
	t.Parallel()

	loc := time.UTC
	now := time.Date(2026, 8, 28, 9, 0, 0, 0, loc)

	// Later today.
	next := nextDaily(now, 16, 10)
	assert.Equal(t, time.Date(2026, 8, 28, 16, 10, 0, 0, loc), next)

	// Already passed: tomorrow.
	next = nextDaily(now, 8, 30)
	assert.Equal(t, time.Date(2026, 8, 29, 8, 30, 0, 0, loc), next)

	// Exactly now: strictly after, so tomorrow.
	next = nextDaily(now, 9, 0)
	assert.Equal(t, time.Date(2026, 8, 29, 9, 0, 0, 0, loc), next)
}

func TestPeriodGuards(t *testing.T) {
	t.Parallel()

	jan15 := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	jan30 := time.Date(2026, 1, 30, 10, 0, 0, 0, time.UTC)
	feb01 := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	assert.True(t, SameMonth(jan15, jan30))
	assert.False(t, SameMonth(jan30, feb01))
	assert.False(t, SameMonth(time.Time{}, jan15), "zero time never matches")

	assert.True(t, SameDay(jan15, jan15.Add(5*time.Hour)))
	assert.False(t, SameDay(jan15, jan30))
	assert.False(t, SameDay(time.Time{}, jan15))

	mon := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
	sun := time.Date(2026, 8, 30, 23, 0, 0, 0, time.UTC)
	nextMon := time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC)
	assert.True(t, SameISOWeek(mon, sun))
	assert.False(t, SameISOWeek(sun, nextMon))
	assert.False(t, SameISOWeek(time.Time{}, mon))
}
