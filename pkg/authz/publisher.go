package authz

import (
	"context"

	"github.com/platinummonkey/permengine/pkg/iam/bus"
	"github.com/platinummonkey/permengine/pkg/observability"
)

// Publisher counts every invalidation sent through the bus. It satisfies
// store.Publisher.
type Publisher struct {
	bus      bus.Bus
	recorder observability.Recorder
}

// NewPublisher wraps b so outgoing invalidations are recorded
func NewPublisher(b bus.Bus, recorder observability.Recorder) *Publisher {
	if recorder == nil {
		recorder = observability.Recorders(nil)
	}
	return &Publisher{bus: b, recorder: recorder}
}

// Publish announces that the tenant's permissions changed
func (p *Publisher) Publish(ctx context.Context, tenantID string) error {
	err := p.bus.Publish(ctx, tenantID)
	p.recorder.RecordInvalidation("out", err)
	return err
}
