package engine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rustyeddy/autotrader/notify"
	"github.com/rustyeddy/autotrader/state"
)

func newTestController(t *testing.T) (*Controller, *state.Store, *notify.Bus) {
	t.Helper()
	st, err := state.Open(filepath.Join(t.TempDir(), "state.json"), zap.NewNop())
	require.NoError(t, err)
	bus := notify.NewBus()
	return NewController(st, bus, zap.NewNop()), st, bus
}

func TestValidTransitions(t *testing.T) {
	t.Parallel()

	cases := []struct {
		from, to state.RunMode
		ok       bool
	}{
		{state.Stopped, state.Running, true},
		{state.Stopped, state.Paused, false},
		{state.Running, state.Paused, true},
		{state.Running, state.Stopped, true},
		{state.Paused, state.Running, true},
		{state.Paused, state.Stopped, true},
		{state.Stopped, state.EmergencyStop, true},
		{state.Running, state.EmergencyStop, true},
		{state.Paused, state.EmergencyStop, true},
		{state.EmergencyStop, state.Stopped, true},
		{state.EmergencyStop, state.Running, false},
		{state.EmergencyStop, state.Paused, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestControllerLifecycle(t *testing.T) {
	t.Parallel()

	c, st, _ := newTestController(t)

	require.NoError(t, c.Start())
	assert.Equal(t, state.Running, c.Mode())
	assert.True(t, c.AllowsEntries())

	require.NoError(t, c.Pause())
	assert.False(t, c.AllowsEntries())
	assert.True(t, c.AllowsExits())

	require.NoError(t, c.Resume())
	assert.Equal(t, state.Running, c.Mode())

	require.NoError(t, c.Stop())
	assert.Equal(t, state.Stopped, c.Mode())
	assert.True(t, st.Snapshot().OperatorStopped)

	// Start clears the operator-stop flag so the watchdog resumes duty.
	require.NoError(t, c.Start())
	assert.False(t, st.Snapshot().OperatorStopped)
}

func TestControllerInvalidTransition(t *testing.T) {
	t.Parallel()

	c, _, _ := newTestController(t)
	assert.Error(t, c.Pause()) // stopped -> paused is not a thing
}

func TestEmergencyStopBlocksEverything(t *testing.T) {
	t.Parallel()

	c, _, bus := newTestController(t)
	require.NoError(t, c.Start())

	var events []notify.Event
	bus.Subscribe(notify.EmergencyStop, func(ev notify.Event) {
		events = append(events, ev)
	})

	require.NoError(t, c.Emergency("venue melted"))
	assert.Equal(t, state.EmergencyStop, c.Mode())
	assert.False(t, c.AllowsEntries())
	assert.False(t, c.AllowsExits())
	require.Len(t, events, 1)

	// Idempotent: a second emergency while stopped is a no-op.
	require.NoError(t, c.Emergency("again"))
	assert.Equal(t, state.EmergencyStop, c.Mode())

	// Clearing lands in Stopped, not Running.
	require.NoError(t, c.ClearEmergency())
	assert.Equal(t, state.Stopped, c.Mode())
	assert.False(t, c.AllowsEntries())
}

func TestSetConfig(t *testing.T) {
	t.Parallel()

	c, st, _ := newTestController(t)

	require.NoError(t, c.SetConfig("target_positions", "8"))
	require.NoError(t, c.SetConfig("stop_loss_pct", "0.07"))
	require.NoError(t, c.SetConfig("dry_run", "true"))

	s := st.Snapshot()
	assert.Equal(t, 8, s.TargetPositions)
	assert.Equal(t, 0.07, s.StopLossPct)
	assert.True(t, s.DryRun)

	assert.Error(t, c.SetConfig("target_positions", "zero"))
	assert.Error(t, c.SetConfig("stop_loss_pct", "1.5"))
	assert.Error(t, c.SetConfig("no_such_field", "1"))
}

func TestRunOnce(t *testing.T) {
	t.Parallel()

	c, _, _ := newTestController(t)

	ran := 0
	c.RegisterAction("screening", func(ctx context.Context) error {
		ran++
		return nil
	})
	c.RegisterAction("failing", func(ctx context.Context) error {
		return errors.New("boom")
	})

	require.NoError(t, c.RunOnce(context.Background(), "screening"))
	assert.Equal(t, 1, ran)
	assert.Error(t, c.RunOnce(context.Background(), "failing"))
	assert.Error(t, c.RunOnce(context.Background(), "unknown"))
}
