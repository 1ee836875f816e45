package watchdog

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeartbeatBeatAndAge(t *testing.T) {
	t.Parallel()

	hb := NewHeartbeat(filepath.Join(t.TempDir(), "engine.heartbeat"))

	// Missing file reads as ancient.
	assert.Greater(t, hb.Age(), 24*time.Hour)

	require.NoError(t, hb.Beat())
	assert.Less(t, hb.Age(), 5*time.Second)

	hb.Remove()
	assert.Greater(t, hb.Age(), 24*time.Hour)
}

func TestHeartbeatBeatRefreshes(t *testing.T) {
	t.Parallel()

	hb := NewHeartbeat(filepath.Join(t.TempDir(), "engine.heartbeat"))
	require.NoError(t, hb.Beat())
	time.Sleep(30 * time.Millisecond)
	first := hb.Age()
	require.NoError(t, hb.Beat())
	assert.Less(t, hb.Age(), first)
}
