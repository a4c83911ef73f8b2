package async

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/openbracket/openbracket/pkg/observability"
)

// SafeGo executes a function in a goroutine with:
// - Context cancellation support
// - Panic recovery
// - Timeout enforcement
// - Error logging
//
// Use this instead of bare `go func()` for fire-and-forget work such as
// asynchronous cache population.
//
// Example:
//
//	SafeGo(ctx, 5*time.Second, "cache warm", func(ctx context.Context) error {
//	    return svc.WarmCache(ctx, tenantID)
//	})
func SafeGo(parentCtx context.Context, timeout time.Duration, taskName string, fn func(context.Context) error) {
	logger := observability.FromContext(parentCtx)

	go func() {
		ctx, cancel := context.WithTimeout(parentCtx, timeout)
		defer cancel()

		defer func() {
			if r := recover(); r != nil {
				logger.WithFields(map[string]interface{}{
					"task":  taskName,
					"panic": fmt.Sprintf("%v", r),
					"stack": string(debug.Stack()),
				}).Error("panic in background task")
			}
		}()

		if err := fn(ctx); err != nil {
			// Log but don't crash; the caller opted out of waiting for the result.
			logger.WithError(err).WithField("task", taskName).Warn("background task failed")
		}
	}()
}

// TaskError pairs a batch item with the error it produced.
type TaskError[T any] struct {
	Item T
	Err  error
}

func (e TaskError[T]) Error() string {
	return fmt.Sprintf("%v: %v", e.Item, e.Err)
}

// Batch processes a slice of items concurrently with a bounded number of
// workers, collecting per-item errors instead of aborting on the first
// failure. A panicking task is reported as an error for its item.
//
// Example:
//
//	errs := Batch(ctx, tenantIDs, 4, "tenant aggregation", 2*time.Minute,
//	    func(ctx context.Context, tenantID int64) error {
//	        return aggregator.AggregateTenant(ctx, tenantID, period)
//	    })
func Batch[T any](ctx context.Context, items []T, workers int, taskName string, timeout time.Duration,
	fn func(context.Context, T) error) []TaskError[T] {

	if workers <= 0 {
		workers = 1
	}

	logger := observability.FromContext(ctx).WithField("task", taskName)

	var (
		mu   sync.Mutex
		errs []TaskError[T]
		wg   sync.WaitGroup
		sem  = make(chan struct{}, workers)
	)

	record := func(item T, err error) {
		mu.Lock()
		errs = append(errs, TaskError[T]{Item: item, Err: err})
		mu.Unlock()
	}

	for _, item := range items {
		select {
		case <-ctx.Done():
			record(item, ctx.Err())
			continue
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(item T) {
			defer wg.Done()
			defer func() { <-sem }()

			taskCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			defer func() {
				if r := recover(); r != nil {
					logger.WithField("panic", fmt.Sprintf("%v", r)).Error("panic in batch task")
					record(item, fmt.Errorf("panic: %v", r))
				}
			}()

			if err := fn(taskCtx, item); err != nil {
				record(item, err)
			}
		}(item)
	}

	wg.Wait()
	return errs
}
