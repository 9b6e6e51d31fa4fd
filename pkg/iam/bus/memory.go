package bus

import (
	"context"
	"sync"

	"github.com/platinummonkey/permengine/pkg/observability"
)

// MemoryBus delivers invalidations within one process. It is used when no
// Redis is configured and in tests.
type MemoryBus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[int]Handler
	logger   *observability.Logger
}

// NewMemoryBus creates an in-process bus
func NewMemoryBus(logger *observability.Logger) *MemoryBus {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &MemoryBus{
		handlers: make(map[int]Handler),
		logger:   logger,
	}
}

// Publish calls every live handler synchronously
func (b *MemoryBus) Publish(ctx context.Context, tenantID string) error {
	msg := NewMessage(tenantID)

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		dispatch(ctx, b.logger, h, msg)
	}
	return nil
}

// Subscribe registers handler until ctx is done
func (b *MemoryBus) Subscribe(ctx context.Context, handler Handler) error {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = handler
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}()
	return nil
}

// Subscribers returns the number of live handlers
func (b *MemoryBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}
