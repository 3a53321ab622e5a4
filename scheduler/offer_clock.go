package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const (
	TypeOfferExpiry = "offer:expire"

	// QueueOffers is the asynq queue carrying expiry tasks.
	QueueOffers = "offers"
)

type OfferExpiryPayload struct {
	EntryID string `json:"entry_id"`
	EventID string `json:"event_id"`
}

// OfferClock schedules durable offer expirations through asynq. Tasks
// live in Redis, survive process restarts, and are delivered
// at-least-once; anything that slips through entirely is picked up by
// the periodic sweep.
type OfferClock struct {
	client *asynq.Client
}

func NewOfferClock(client *asynq.Client) *OfferClock {
	return &OfferClock{client: client}
}

func (c *OfferClock) ScheduleExpiry(ctx context.Context, entryID, eventID string, delay time.Duration) error {
	payload, err := json.Marshal(OfferExpiryPayload{EntryID: entryID, EventID: eventID})
	if err != nil {
		return fmt.Errorf("marshal expiry payload: %w", err)
	}

	task := asynq.NewTask(TypeOfferExpiry, payload)
	_, err = c.client.EnqueueContext(ctx, task,
		asynq.ProcessIn(delay),
		asynq.Queue(QueueOffers),
		asynq.MaxRetry(5),
		asynq.TaskID("offer-expiry:"+entryID),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		// Already armed for this entry.
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue expiry for entry %s: %w", entryID, err)
	}
	return nil
}
