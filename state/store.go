package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// Store serializes all EngineState mutations and persists each one
// atomically: marshal to a temp file in the same directory, fsync,
// rename over the live file. A crash at any point leaves either the
// previous or the new complete state on disk, never a partial write.
type Store struct {
	mu   sync.Mutex
	path string
	cur  EngineState
	log  *zap.Logger
}

// Open loads the state file at path, or starts from a fresh stopped
// state if the file does not exist yet.
func Open(path string, log *zap.Logger) (*Store, error) {
	s := &Store{path: path, log: log}

	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		s.cur = NewEngineState()
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("read state %s: %w", path, err)
	}

	var st EngineState
	if err := json.Unmarshal(b, &st); err != nil {
		return nil, fmt.Errorf("parse state %s: %w", path, err)
	}
	if st.Positions == nil {
		st.Positions = make(map[string]Position)
	}
	s.cur = st
	log.Info("state loaded",
		zap.String("run_mode", string(st.RunMode)),
		zap.Int("positions", len(st.Positions)),
		zap.Int("pending_orders", len(st.PendingOrders)),
	)
	return s, nil
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() EngineState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur.clone()
}

// Mutate applies fn to a copy of the current state, persists the
// result, and only then makes it current. If fn or the persist fails
// the in-memory state is unchanged.
func (s *Store) Mutate(fn func(*EngineState) error) (EngineState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.cur.clone()
	if err := fn(&next); err != nil {
		return EngineState{}, err
	}
	if err := s.persist(next); err != nil {
		return EngineState{}, err
	}
	s.cur = next
	return next.clone(), nil
}

// persist writes st to a temp file and renames it over s.path.
// Caller holds s.mu.
func (s *Store) persist(st EngineState) error {
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp state: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp state: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace state: %w", err)
	}
	return nil
}

// Path returns the state file location.
func (s *Store) Path() string { return s.path }
