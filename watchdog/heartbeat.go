// Package watchdog keeps the engine alive from the outside. The engine
// process touches a heartbeat file; a separate supervisor process
// restarts the engine when it exits unexpectedly or when the heartbeat
// goes stale.
package watchdog

import (
	"fmt"
	"os"
	"time"
)

// Heartbeat writes liveness marks to a file. The supervisor only looks
// at the file's mtime, the timestamp inside is for humans.
type Heartbeat struct {
	path string
}

func NewHeartbeat(path string) *Heartbeat {
	return &Heartbeat{path: path}
}

// Beat touches the heartbeat file.
func (h *Heartbeat) Beat() error {
	data := []byte(time.Now().Format(time.RFC3339) + "\n")
	if err := os.WriteFile(h.path, data, 0o644); err != nil {
		return fmt.Errorf("write heartbeat: %w", err)
	}
	return nil
}

// Age returns how long ago the file was last touched. A missing file
// reports a very large age.
func (h *Heartbeat) Age() time.Duration {
	fi, err := os.Stat(h.path)
	if err != nil {
		return time.Duration(1<<62 - 1)
	}
	return time.Since(fi.ModTime())
}

// Remove deletes the heartbeat file, if present.
func (h *Heartbeat) Remove() {
	os.Remove(h.path)
}
