package async

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/permengine/pkg/observability"
)

// SafeGo executes a function in a goroutine with:
// - Context cancellation support
// - Panic recovery
// - Timeout enforcement (timeout <= 0 runs until ctx is done)
// - Error logging through the logger carried by ctx
//
// Use this instead of bare `go func()` to prevent goroutine crashes.
//
// Example:
//
//	SafeGo(ctx, 0, "permission invalidation subscriber", func(ctx context.Context) error {
//	    return listen(ctx)
//	})
func SafeGo(parentCtx context.Context, timeout time.Duration, taskName string, fn func(context.Context) error) {
	go func() {
		ctx, cancel := withOptionalTimeout(parentCtx, timeout)
		defer cancel()

		logger := observability.FromContext(ctx).WithField("task", taskName)
		defer observability.RecoverPanic(logger, taskName)

		if err := fn(ctx); err != nil {
			// Logged, never fatal: the caller decides what is critical
			logger.WithError(err).Error("Background task failed")
		}
	}()
}

// SafeGoNoError is like SafeGo but for functions that don't return errors.
func SafeGoNoError(parentCtx context.Context, timeout time.Duration, taskName string, fn func(context.Context)) {
	SafeGo(parentCtx, timeout, taskName, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

func withOptionalTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// Batch runs fn over items with at most workers in flight and returns every
// error encountered. Each call gets its own timeout. A panic in fn is
// returned as an error for that item.
//
// Example:
//
//	errs := Batch(ctx, tenantIDs, 4, "reconcile", time.Second, func(ctx context.Context, id string) error {
//	    return reconcile(ctx, id)
//	})
func Batch[T any](ctx context.Context, items []T, workers int, taskName string, timeout time.Duration,
	fn func(context.Context, T) error) []error {

	if workers < 1 {
		workers = 1
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	record := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	var g errgroup.Group
	g.SetLimit(workers)
	for _, item := range items {
		if ctx.Err() != nil {
			record(fmt.Errorf("%s: %w", taskName, ctx.Err()))
			break
		}
		g.Go(func() error {
			taskCtx, cancel := withOptionalTimeout(ctx, timeout)
			defer cancel()
			defer func() {
				if err := observability.MustRecover(recover()); err != nil {
					record(fmt.Errorf("%s: %w", taskName, err))
				}
			}()
			if err := fn(taskCtx, item); err != nil {
				record(err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs
}
