// Package resilience bounds the engine's batch work in time. It covers
// three of the timeout ladder's layers: the per-item and aggregate
// batch timeouts, the soft cycle-duration warning, and the
// consecutive-timeout circuit breaker. Per-request timeouts live in the
// broker client; the external watchdog is its own process.
package resilience

import (
	"context"
	"errors"
	"time"
)

// ErrBatchTimeout marks a batch that hit its aggregate deadline. The
// results gathered before the deadline are still returned.
var ErrBatchTimeout = errors.New("resilience: batch timeout")

// itemResult carries one completed item back to the collector.
type itemResult[V any] struct {
	key string
	val V
	err error
}

// MapBatch fans items out over a bounded worker pool. Each item runs
// under its own itemTimeout; the whole batch is bounded by
// batchTimeout. On aggregate timeout the call returns immediately with
// whatever completed and ErrBatchTimeout. In-flight workers are
// signalled through context and abandoned, never joined. One slow item
// can cost at most itemTimeout; N hung items cannot push the batch past
// batchTimeout.
func MapBatch[V any](
	ctx context.Context,
	items []string,
	workers int,
	itemTimeout, batchTimeout time.Duration,
	fn func(ctx context.Context, item string) (V, error),
) (map[string]V, map[string]error, error) {
	done := make(map[string]V, len(items))
	failed := make(map[string]error)
	if len(items) == 0 {
		return done, failed, nil
	}
	if workers <= 0 {
		workers = 1
	}
	if workers > len(items) {
		workers = len(items)
	}

	batchCtx, cancel := context.WithTimeout(ctx, batchTimeout)
	defer cancel()

	// Buffered so abandoned workers can finish their send and exit
	// without anyone reading.
	work := make(chan string, len(items))
	results := make(chan itemResult[V], len(items))
	for _, it := range items {
		work <- it
	}
	close(work)

	for i := 0; i < workers; i++ {
		go func() {
			for item := range work {
				select {
				case <-batchCtx.Done():
					return
				default:
				}
				itemCtx, itemCancel := context.WithTimeout(batchCtx, itemTimeout)
				v, err := fn(itemCtx, item)
				itemCancel()
				results <- itemResult[V]{key: item, val: v, err: err}
			}
		}()
	}

	for range items {
		select {
		case r := <-results:
			if r.err != nil {
				failed[r.key] = r.err
			} else {
				done[r.key] = r.val
			}
		case <-batchCtx.Done():
			if err := ctx.Err(); err != nil {
				// Caller cancellation, not the batch deadline.
				return done, failed, err
			}
			// Aggregate deadline: stop collecting, abandon the rest.
			for _, it := range items {
				if _, ok := done[it]; ok {
					continue
				}
				if _, ok := failed[it]; ok {
					continue
				}
				failed[it] = ErrBatchTimeout
			}
			return done, failed, ErrBatchTimeout
		}
	}
	return done, failed, nil
}
