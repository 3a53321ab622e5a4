package services

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pocketbase/dbx"

	"ticket-admission/models"
	"ticket-admission/store"
)

// QueueProcessor promotes waiting entries when capacity frees up.
// Promotion is strict FIFO by arrival and capped at the remaining
// capacity recomputed inside the promoting transaction; waiters beyond
// that stay waiting. When the pool is permanently exhausted every
// waiting entry is expired rather than left in a line that can never
// move.
type QueueProcessor struct {
	store    *store.Store
	clock    OfferClock
	metrics  Metrics
	offerTTL time.Duration
	now      func() time.Time
	locks    typeLocks
}

func NewQueueProcessor(st *store.Store, clock OfferClock, metrics Metrics, offerTTL time.Duration) *QueueProcessor {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &QueueProcessor{
		store:    st,
		clock:    clock,
		metrics:  metrics,
		offerTTL: offerTTL,
		now:      time.Now,
	}
}

// Process re-evaluates one ticket type's queue. Invocations for the
// same ticket type are serialized; calling it twice back-to-back is
// safe because state is always recomputed fresh.
func (p *QueueProcessor) Process(ctx context.Context, eventID, ticketTypeID string) error {
	unlock := p.locks.lock(ticketTypeID)
	defer unlock()

	var promoted []*models.WaitingListEntry
	massExpired := 0

	err := p.store.Transactional(ctx, func(tx dbx.Builder) error {
		tt, err := p.store.TicketType(tx, ticketTypeID)
		if err != nil {
			return err
		}
		if tt == nil {
			slog.Warn("queue processing skipped, ticket type gone", "ticket_type_id", ticketTypeID)
			return nil
		}

		now := p.now().UTC()
		avail, err := p.store.Availability(tx, tt, now)
		if err != nil {
			return err
		}

		waiting, err := p.store.WaitingEntries(tx, eventID, ticketTypeID)
		if err != nil {
			return err
		}

		if avail.Remaining <= 0 {
			// Nothing left to offer, ever; unbounded waiting would
			// just be misleading.
			for _, entry := range waiting {
				if err := p.store.SetEntryStatus(tx, entry.ID, models.EntryExpired, nil, now); err != nil {
					return err
				}
				massExpired++
			}
			return nil
		}

		budget := avail.Remaining
		for _, entry := range waiting {
			if entry.RequestedCount > budget {
				break
			}
			expires := now.Add(p.offerTTL)
			if err := p.store.SetEntryStatus(tx, entry.ID, models.EntryOffered, &expires, now); err != nil {
				return err
			}
			entry.Status = models.EntryOffered
			entry.OfferExpiresAt = &expires
			budget -= entry.RequestedCount
			promoted = append(promoted, entry)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for i := 0; i < massExpired; i++ {
		p.metrics.TrackExpiration("mass")
	}

	for _, entry := range promoted {
		// Armed after commit; a failed arm is covered by the sweep.
		if err := p.clock.ScheduleExpiry(ctx, entry.ID, entry.EventID, p.offerTTL); err != nil {
			slog.Error("failed to arm offer expiry", "entry_id", entry.ID, "error", err)
		}
	}
	if len(promoted) > 0 {
		p.metrics.TrackPromotions(len(promoted))
	}

	return nil
}

// typeLocks serializes queue processing per ticket type.
type typeLocks struct {
	mu sync.Map
}

func (l *typeLocks) lock(key string) func() {
	v, _ := l.mu.LoadOrStore(key, &sync.Mutex{})
	m := v.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}
