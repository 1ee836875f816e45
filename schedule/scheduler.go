// Package schedule fires named triggers at fixed daily times and on
// intervals. Firings are idempotent-guarded: while a trigger is still
// running, a second firing of the same trigger is dropped, not queued,
// so a slow cycle cannot pile up behind itself.
package schedule

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Trigger is one scheduled job. Interval > 0 means periodic; otherwise
// the trigger fires daily at Hour:Minute.
type Trigger struct {
	Name     string
	Hour     int
	Minute   int
	Interval time.Duration
	Run      func(ctx context.Context) error
}

type trigger struct {
	Trigger
	inflight atomic.Bool
}

type Scheduler struct {
	log      *zap.Logger
	mu       sync.Mutex
	triggers []*trigger
	wg       sync.WaitGroup
}

func New(log *zap.Logger) *Scheduler {
	return &Scheduler{log: log}
}

func (s *Scheduler) Add(t Trigger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggers = append(s.triggers, &trigger{Trigger: t})
}

// Run drives all triggers until ctx is done, then waits for in-flight
// runs to finish.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	triggers := append([]*trigger(nil), s.triggers...)
	s.mu.Unlock()

	var loops sync.WaitGroup
	for _, t := range triggers {
		loops.Add(1)
		go func(t *trigger) {
			defer loops.Done()
			if t.Interval > 0 {
				s.runInterval(ctx, t)
			} else {
				s.runDaily(ctx, t)
			}
		}(t)
	}
	loops.Wait()
	s.wg.Wait()
}

func (s *Scheduler) runInterval(ctx context.Context, t *trigger) {
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.fire(ctx, t)
		}
	}
}

func (s *Scheduler) runDaily(ctx context.Context, t *trigger) {
	for {
		next := nextDaily(time.Now(), t.Hour, t.Minute)
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.fire(ctx, t)
		}
	}
}

// fire runs the trigger unless an identical firing is still in flight,
// in which case this one is dropped.
func (s *Scheduler) fire(ctx context.Context, t *trigger) {
	if !t.inflight.CompareAndSwap(false, true) {
		s.log.Warn("trigger still in flight, dropping firing",
			zap.String("trigger", t.Name))
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer t.inflight.Store(false)
		start := time.Now()
		if err := t.Run(ctx); err != nil {
			s.log.Error("trigger failed",
				zap.String("trigger", t.Name),
				zap.Duration("elapsed", time.Since(start)),
				zap.Error(err),
			)
			return
		}
		s.log.Debug("trigger done",
			zap.String("trigger", t.Name),
			zap.Duration("elapsed", time.Since(start)),
		)
	}()
}

// nextDaily returns the next occurrence of hh:mm strictly after now.
func nextDaily(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
