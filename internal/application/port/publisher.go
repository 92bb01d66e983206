package port

import (
	"context"

	"signalpipe/internal/domain/model"
)

// EventPublisher receives fire-and-forget events after a signal is applied.
// Implementations must not block the processor; errors are logged, never
// propagated back into the transaction.
type EventPublisher interface {
	Publish(ctx context.Context, event *model.Event)
}
