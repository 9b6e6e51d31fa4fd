package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/platinummonkey/permengine/pkg/async"
	"github.com/platinummonkey/permengine/pkg/observability"
)

// DefaultSubscribeBackOff retries forever, starting at 500ms and capping at 30s
func DefaultSubscribeBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// SubscribeWithRetry subscribes in the background, retrying failures with
// policy until the subscription is live or ctx is done. The returned channel
// is closed once subscribed; it stays open if retrying gives up.
func SubscribeWithRetry(ctx context.Context, b Bus, handler Handler, policy backoff.BackOff, logger *observability.Logger) <-chan struct{} {
	if policy == nil {
		policy = DefaultSubscribeBackOff()
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	subscribed := make(chan struct{})

	// The subscription must outlive the retry task, so it uses ctx directly.
	async.SafeGo(observability.WithLogger(ctx, logger), 0, "invalidation bus subscribe", func(context.Context) error {
		attempts := 0
		err := backoff.RetryNotify(func() error {
			attempts++
			return b.Subscribe(ctx, handler)
		}, backoff.WithContext(policy, ctx), func(err error, next time.Duration) {
			logger.WithError(err).WithFields(map[string]interface{}{
				"attempt":  attempts,
				"retry_in": next.String(),
			}).Warn("Invalidation bus subscribe failed, retrying")
		})
		switch {
		case err == nil:
			if attempts > 1 {
				logger.WithField("attempts", attempts).Info("Invalidation bus subscription recovered")
			}
			close(subscribed)
			return nil
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil
		default:
			return fmt.Errorf("subscribe after %d attempts: %w", attempts, err)
		}
	})
	return subscribed
}
