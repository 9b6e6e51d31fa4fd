package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/permengine/pkg/iam"
)

// DefaultChannel is the well-known pub/sub channel for invalidations
const DefaultChannel = "perm_invalidation"

// Message announces that a tenant's permissions changed
type Message struct {
	TenantID    string    `json:"tenantId"`
	EventID     string    `json:"eventId"`
	PublishedAt time.Time `json:"publishedAt"`
}

// NewMessage stamps a fresh event id and publish time
func NewMessage(tenantID string) Message {
	return Message{
		TenantID:    tenantID,
		EventID:     uuid.NewString(),
		PublishedAt: time.Now().UTC(),
	}
}

// Decode parses a payload. Older publishers sent {"restaurantId": "..."},
// which is still accepted.
func Decode(payload []byte) (Message, error) {
	var raw struct {
		Message
		RestaurantID string `json:"restaurantId"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Message{}, fmt.Errorf("%w: decode invalidation: %v", iam.ErrInvalidArgument, err)
	}
	msg := raw.Message
	if msg.TenantID == "" {
		msg.TenantID = raw.RestaurantID
	}
	if msg.TenantID == "" {
		return Message{}, fmt.Errorf("%w: invalidation without tenant id", iam.ErrInvalidArgument)
	}
	return msg, nil
}

// Handler reacts to one invalidation, typically by evicting the local tier
type Handler func(ctx context.Context, msg Message)

// Bus publishes and fans out invalidations
type Bus interface {
	Publish(ctx context.Context, tenantID string) error
	// Subscribe registers handler until ctx is done. The subscription is
	// live when Subscribe returns.
	Subscribe(ctx context.Context, handler Handler) error
}
