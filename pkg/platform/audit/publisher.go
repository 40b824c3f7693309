package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Store persists audit entries. Implementations must be append-only.
type Store interface {
	Append(ctx context.Context, entry Entry) error
	ListByResource(ctx context.Context, resourceType, resourceID string) ([]Entry, error)
	ListRecent(ctx context.Context, limit int) ([]Entry, error)
}

// Publisher captures structured audit entries. It is append-only and uses the
// storage layer for persistence so tests can swap sinks easily.
type Publisher struct {
	store Store
}

func NewPublisher(store Store) *Publisher {
	return &Publisher{store: store}
}

// Emit stamps missing identity and timestamp fields and appends the entry.
func (p *Publisher) Emit(ctx context.Context, entry Entry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	return p.store.Append(ctx, entry)
}

// List returns the trail for one resource, newest first where the store
// supports ordering.
func (p *Publisher) List(ctx context.Context, resourceType, resourceID string) ([]Entry, error) {
	return p.store.ListByResource(ctx, resourceType, resourceID)
}

// ChannelPublisher hands entries to a Worker through a buffered channel,
// keeping audit persistence off the transition hot path. A full inbox drops
// the entry; Emit never blocks domain logic.
type ChannelPublisher struct {
	inbox chan<- Entry
}

func NewChannelPublisher(inbox chan<- Entry) *ChannelPublisher {
	return &ChannelPublisher{inbox: inbox}
}

func (p *ChannelPublisher) Emit(_ context.Context, entry Entry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	select {
	case p.inbox <- entry:
		return nil
	default:
		return errors.New("audit inbox is full")
	}
}
