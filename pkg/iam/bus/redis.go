package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/permengine/pkg/async"
	"github.com/platinummonkey/permengine/pkg/iam"
	"github.com/platinummonkey/permengine/pkg/observability"
)

// RedisBus carries invalidations over Redis pub/sub. Delivery is best
// effort: a subscriber that is down simply misses messages.
type RedisBus struct {
	client  *redis.Client
	channel string
	timeout time.Duration
	logger  *observability.Logger
}

// NewRedisBus creates a bus on channel. Publish calls are bounded by timeout.
func NewRedisBus(client *redis.Client, channel string, timeout time.Duration, logger *observability.Logger) *RedisBus {
	if channel == "" {
		channel = DefaultChannel
	}
	if timeout <= 0 {
		timeout = 50 * time.Millisecond
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &RedisBus{
		client:  client,
		channel: channel,
		timeout: timeout,
		logger:  logger.WithField("channel", channel),
	}
}

// Publish announces that tenantID changed
func (b *RedisBus) Publish(ctx context.Context, tenantID string) error {
	data, err := json.Marshal(NewMessage(tenantID))
	if err != nil {
		return fmt.Errorf("encode invalidation: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("%w: publish: %v", iam.ErrBusUnavailable, err)
	}
	return nil
}

// Subscribe confirms the subscription, then dispatches messages in a
// background loop until ctx is done. go-redis reconnects the underlying
// connection on its own.
func (b *RedisBus) Subscribe(ctx context.Context, handler Handler) error {
	pubsub := b.client.Subscribe(ctx, b.channel)

	// Wait for confirmation that subscription is created
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("%w: subscribe: %v", iam.ErrBusUnavailable, err)
	}
	b.logger.Info("Subscribed to permission invalidations")

	ctx = observability.WithLogger(ctx, b.logger)
	async.SafeGo(ctx, 0, "permission invalidation subscriber", func(ctx context.Context) error {
		defer pubsub.Close()
		b.listen(ctx, pubsub.Channel(), handler)
		return nil
	})
	return nil
}

func (b *RedisBus) listen(ctx context.Context, ch <-chan *redis.Message, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("Stopping invalidation subscriber")
			return
		case m, ok := <-ch:
			if !ok {
				b.logger.Warn("Invalidation channel closed")
				return
			}
			msg, err := Decode([]byte(m.Payload))
			if err != nil {
				b.logger.WithError(err).Warn("Dropping malformed invalidation message")
				continue
			}
			dispatch(ctx, b.logger, handler, msg)
		}
	}
}

// dispatch runs one handler call so that a panic loses a single message
// instead of the whole subscription.
func dispatch(ctx context.Context, logger *observability.Logger, handler Handler, msg Message) {
	defer observability.RecoverPanic(logger.WithField("tenant_id", msg.TenantID), "invalidation handler")
	handler(ctx, msg)
}
