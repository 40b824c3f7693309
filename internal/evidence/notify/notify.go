// Package notify fans out evidence state transitions to interested parties.
// Every transition produces exactly one event; delivery is best-effort and
// never blocks or fails the transition that produced it.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	id "anchorline/pkg/domain"
)

// Event describes one evidence record state transition.
type Event struct {
	RecordID        id.RecordID `json:"record_id"`
	Fingerprint     string      `json:"fingerprint"`
	Status          string      `json:"status"`
	LedgerReference string      `json:"ledger_reference,omitempty"`
	ErrorDetail     string      `json:"error_detail,omitempty"`
	Timestamp       time.Time   `json:"timestamp"`
}

// Publisher delivers transition events. Implementations must be safe for
// concurrent use.
type Publisher interface {
	Publish(ctx context.Context, event Event)
	Close()
}

const subscriberBuffer = 64

// Broker is the in-process fan-out publisher. Subscribers receive events on
// buffered channels; a slow subscriber drops events rather than stalling the
// pipeline.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[int]chan Event
	nextID      int
	closed      bool
	logger      *slog.Logger
}

// NewBroker creates an empty in-process broker.
func NewBroker(logger *slog.Logger) *Broker {
	return &Broker{
		subscribers: make(map[int]chan Event),
		logger:      logger,
	}
}

// Subscribe registers a new listener. The returned cancel function detaches
// the listener and closes its channel.
func (b *Broker) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	subID := b.nextID
	b.nextID++
	b.subscribers[subID] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subscribers[subID]; ok {
			delete(b.subscribers, subID)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers the event to every subscriber. Full subscriber buffers
// drop the event; notification is a courtesy, the store is the truth.
func (b *Broker) Publish(ctx context.Context, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			b.logger.WarnContext(ctx, "dropping notification for slow subscriber",
				"record_id", event.RecordID.String(),
				"status", event.Status,
			)
		}
	}
}

// Close detaches all subscribers and closes their channels.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for subID, ch := range b.subscribers {
		delete(b.subscribers, subID)
		close(ch)
	}
}

// Multi publishes to several publishers in order. Used to pair the in-process
// broker with the Kafka publisher when brokers are configured.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, event Event) {
	for _, p := range m {
		p.Publish(ctx, event)
	}
}

func (m Multi) Close() {
	for _, p := range m {
		p.Close()
	}
}
