package identity

import (
	"context"
	"errors"
	"slices"

	"github.com/google/uuid"
	"github.com/wolfeidau/planboard/internal/models"
	"github.com/wolfeidau/planboard/internal/orchestrator"
	"github.com/wolfeidau/planboard/internal/store"
)

// Register installs one orchestrator handler per identity event type.
func Register(o *orchestrator.Orchestrator, s *Syncer) {
	for _, eventType := range EventTypes {
		o.Register(JobName(eventType), func(ctx context.Context, job *models.Job, _ *orchestrator.Steps) error {
			return s.Handle(ctx, Event{Type: eventType, Data: job.Payload})
		})
	}
}

// Enqueuer accepts events for background processing.
type Enqueuer interface {
	Enqueue(ctx context.Context, name string, payload any, opts ...orchestrator.EnqueueOption) (uuid.UUID, error)
}

// Publish hands a delivered event to the orchestrator. The delivery id deduplicates
// redeliveries. Unknown event types are dropped and reported with ok set to false.
func Publish(ctx context.Context, q Enqueuer, deliveryID string, evt *Event) (id uuid.UUID, ok bool, err error) {
	if !slices.Contains(EventTypes, evt.Type) {
		return uuid.Nil, false, nil
	}

	id, err = q.Enqueue(ctx, JobName(evt.Type), evt.Data,
		orchestrator.WithIdempotencyKey(deliveryID),
		orchestrator.WithOrderingKey(OrderingKey(evt)),
	)
	if err != nil {
		return uuid.Nil, false, err
	}
	return id, true, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
