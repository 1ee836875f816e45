package resilience

import (
	"time"

	"go.uber.org/zap"
)

// WatchCycle arms a soft-deadline warning for a cycle. If the returned
// stop function is not called within warnAfter, onSlow fires once; the
// cycle itself is never interrupted. Call stop when the cycle ends.
func WatchCycle(name string, warnAfter time.Duration, log *zap.Logger, onSlow func(elapsed time.Duration)) (stop func()) {
	start := time.Now()
	t := time.AfterFunc(warnAfter, func() {
		elapsed := time.Since(start)
		log.Warn("cycle running past soft deadline",
			zap.String("cycle", name),
			zap.Duration("elapsed", elapsed),
			zap.Duration("soft_deadline", warnAfter),
		)
		if onSlow != nil {
			onSlow(elapsed)
		}
	})
	return func() { t.Stop() }
}
