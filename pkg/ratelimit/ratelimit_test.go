package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitEnforcesSpacing(t *testing.T) {
	t.Parallel()

	l := New(30 * time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, l.Wait(ctx))
	require.NoError(t, l.Wait(ctx))
	require.NoError(t, l.Wait(ctx))
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 60*time.Millisecond,
		"three sends need two full intervals between them")
}

func TestZeroIntervalDoesNotPace(t *testing.T) {
	t.Parallel()

	l := New(0)
	start := time.Now()
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Wait(context.Background()))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestWaitHonorsContext(t *testing.T) {
	t.Parallel()

	l := New(time.Hour)
	require.NoError(t, l.Wait(context.Background())) // first send is free

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSetInterval(t *testing.T) {
	t.Parallel()

	l := New(time.Hour)
	assert.Equal(t, time.Hour, l.Interval())
	l.SetInterval(time.Millisecond)
	assert.Equal(t, time.Millisecond, l.Interval())

	require.NoError(t, l.Wait(context.Background()))
	require.NoError(t, l.Wait(context.Background()))
}
