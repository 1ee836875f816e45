package journal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

// JSONL journals append one JSON object per line to the entries file.
// Snapshots live in a separate JSON array document rewritten on each
// append (at most one append per day, so the rewrite is cheap).
type JSONL struct {
	mu            sync.Mutex
	entriesPath   string
	snapshotsPath string
	f             *os.File
}

func NewJSONL(entriesPath, snapshotsPath string) (*JSONL, error) {
	f, err := os.OpenFile(entriesPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", entriesPath, err)
	}
	return &JSONL{
		entriesPath:   entriesPath,
		snapshotsPath: snapshotsPath,
		f:             f,
	}, nil
}

func (j *JSONL) Append(e Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal journal entry: %w", err)
	}
	b = append(b, '\n')
	if _, err := j.f.Write(b); err != nil {
		return fmt.Errorf("append journal entry: %w", err)
	}
	// Entries are the audit trail; make sure they hit disk before the
	// caller moves on to mutate state.
	return j.f.Sync()
}

func (j *JSONL) EntriesBetween(start, end time.Time) ([]Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.Open(j.entriesPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open journal %s: %w", j.entriesPath, err)
	}
	defer f.Close()

	var out []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("parse journal line: %w", err)
		}
		if (e.Time.Equal(start) || e.Time.After(start)) && e.Time.Before(end) {
			out = append(out, e)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan journal: %w", err)
	}
	return out, nil
}

func (j *JSONL) RecordSnapshot(s DailySnapshot) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	snaps, err := j.readSnapshots()
	if err != nil {
		return err
	}
	for _, existing := range snaps {
		if existing.Date == s.Date {
			// Snapshots are immutable after creation.
			return fmt.Errorf("snapshot for %s already recorded", s.Date)
		}
	}
	snaps = append(snaps, s)

	b, err := json.MarshalIndent(snaps, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshots: %w", err)
	}
	tmp := j.snapshotsPath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("write snapshots: %w", err)
	}
	if err := os.Rename(tmp, j.snapshotsPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace snapshots: %w", err)
	}
	return nil
}

func (j *JSONL) Snapshots() ([]DailySnapshot, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.readSnapshots()
}

func (j *JSONL) readSnapshots() ([]DailySnapshot, error) {
	b, err := os.ReadFile(j.snapshotsPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read snapshots %s: %w", j.snapshotsPath, err)
	}
	var snaps []DailySnapshot
	if err := json.Unmarshal(b, &snaps); err != nil {
		return nil, fmt.Errorf("parse snapshots %s: %w", j.snapshotsPath, err)
	}
	return snaps, nil
}

func (j *JSONL) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.f.Close()
}
