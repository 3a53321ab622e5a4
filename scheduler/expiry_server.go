package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
)

// Expirer is the slice of the admission controller the task handler
// needs. Expire is idempotent, which is what makes asynq's
// at-least-once delivery safe here.
type Expirer interface {
	Expire(ctx context.Context, entryID, eventID string) error
}

type ExpiryHandler struct {
	admission Expirer
}

func NewExpiryHandler(admission Expirer) *ExpiryHandler {
	return &ExpiryHandler{admission: admission}
}

func (h *ExpiryHandler) HandleOfferExpiry(ctx context.Context, t *asynq.Task) error {
	var payload OfferExpiryPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal expiry payload: %w", err)
	}

	if err := h.admission.Expire(ctx, payload.EntryID, payload.EventID); err != nil {
		return fmt.Errorf("expire entry %s: %w", payload.EntryID, err)
	}
	return nil
}

// NewExpiryServer builds the asynq worker that fires offer expirations.
func NewExpiryServer(redisOpt asynq.RedisClientOpt, handler *ExpiryHandler) (*asynq.Server, *asynq.ServeMux) {
	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: 10,
		Queues: map[string]int{
			QueueOffers: 10,
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			slog.Error("expiry task failed", "type", task.Type(), "error", err)
		}),
	})

	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeOfferExpiry, handler.HandleOfferExpiry)

	return srv, mux
}
