package audit

import (
	"context"
	"log/slog"
)

// Worker consumes audit entries from a channel and persists them, keeping
// audit writes off the hot path of state transitions. A failed append is
// logged and dropped rather than retried; the entry content is preserved in
// the log line so the trail can be replayed by operators.
type Worker struct {
	store  Store
	inbox  <-chan Entry
	logger *slog.Logger
}

func NewWorker(store Store, inbox <-chan Entry, logger *slog.Logger) *Worker {
	return &Worker{store: store, inbox: inbox, logger: logger}
}

func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case entry := <-w.inbox:
			if err := w.store.Append(ctx, entry); err != nil {
				w.logger.ErrorContext(ctx, "audit append failed",
					"action", entry.Action,
					"resource_type", entry.ResourceType,
					"resource_id", entry.ResourceID,
					"error", err,
				)
			}
		}
	}
}
