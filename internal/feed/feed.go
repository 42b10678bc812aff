package feed

import (
	"context"
	"time"
)

// Event describes one committed mutation. Subscribers use it to refresh
// their view of an owner's ledger; the payload carries ids, not state.
type Event struct {
	OwnerID    string    `json:"owner_id"`
	ActorID    string    `json:"actor_id"`
	Action     string    `json:"action"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Publisher delivers events after the underlying transaction has committed.
// Publishing is best effort; a failed publish never rolls anything back.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

type NoopPublisher struct{}

func (NoopPublisher) Publish(_ context.Context, _ Event) error {
	return nil
}
