package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pocketbase/dbx"

	"ticket-admission/internal/status"
	"ticket-admission/models"
	"ticket-admission/store"
	"ticket-admission/utils"
)

// OfferClock schedules a durable one-shot expiry for an offered entry.
// Delivery is at-least-once; Expire tolerates duplicates.
type OfferClock interface {
	ScheduleExpiry(ctx context.Context, entryID, eventID string, delay time.Duration) error
}

// RateLimiter gates how often one identity may attempt an action.
type RateLimiter interface {
	CheckAndConsume(ctx context.Context, key, action string) (allowed bool, retryAfter time.Duration, err error)
}

type Metrics interface {
	TrackJoin(outcome string)
	TrackPromotions(n int)
	TrackExpiration(source string)
	TrackPurchase()
	TrackSweepBatch(size int)
}

type NopMetrics struct{}

func (NopMetrics) TrackJoin(string)       {}
func (NopMetrics) TrackPromotions(int)    {}
func (NopMetrics) TrackExpiration(string) {}
func (NopMetrics) TrackPurchase()         {}
func (NopMetrics) TrackSweepBatch(int)    {}

const actionJoin = "waitlist_join"

// AdmissionService decides, under concurrent demand for limited
// inventory, who receives a time-boxed offer, who waits, and how
// expired offers cascade to the next party in line. Every mutation runs
// in a single write transaction that recomputes remaining capacity from
// committed facts, so two racing joins can never both claim the last
// unit.
type AdmissionService struct {
	store     *store.Store
	clock     OfferClock
	limiter   RateLimiter
	metrics   Metrics
	processor *QueueProcessor
	offerTTL  time.Duration
	now       func() time.Time
}

func NewAdmissionService(st *store.Store, clock OfferClock, limiter RateLimiter, metrics Metrics, offerTTL time.Duration) *AdmissionService {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &AdmissionService{
		store:     st,
		clock:     clock,
		limiter:   limiter,
		metrics:   metrics,
		processor: NewQueueProcessor(st, clock, metrics, offerTTL),
		offerTTL:  offerTTL,
		now:       time.Now,
	}
}

// Processor exposes the queue processor for wiring and tests.
func (s *AdmissionService) Processor() *QueueProcessor { return s.processor }

type JoinRequest struct {
	EventID        string `json:"event_id"`
	TicketTypeID   string `json:"ticket_type_id"`
	RequesterID    string `json:"requester_id"`
	RequestedCount int    `json:"requested_count"`
}

// Join admits a request into the waiting list. Depending on remaining
// capacity the entry starts as an offer with a deadline, queues as
// waiting, or is rejected. Multi-unit requests never queue: holding
// back several units for one party would starve single-unit waiters.
func (s *AdmissionService) Join(ctx context.Context, req JoinRequest) (*models.JoinResult, error) {
	if req.RequestedCount < 1 {
		return nil, fmt.Errorf("requested count must be at least 1: %w", status.ErrInvalidState)
	}

	allowed, retryAfter, err := s.limiter.CheckAndConsume(ctx, req.RequesterID, actionJoin)
	if err != nil {
		return nil, fmt.Errorf("rate limit check: %w", err)
	}
	if !allowed {
		s.metrics.TrackJoin("rate_limited")
		return nil, &status.RateLimitError{RetryAfter: retryAfter}
	}

	var result *models.JoinResult
	err = s.store.Transactional(ctx, func(tx dbx.Builder) error {
		event, err := s.store.Event(tx, req.EventID)
		if err != nil {
			return err
		}
		if event == nil {
			return fmt.Errorf("event %s: %w", req.EventID, status.ErrNotFound)
		}
		if event.Cancelled() {
			return status.ErrEventInactive
		}

		tt, err := s.store.TicketType(tx, req.TicketTypeID)
		if err != nil {
			return err
		}
		if tt == nil || tt.EventID != req.EventID {
			return fmt.Errorf("ticket type %s: %w", req.TicketTypeID, status.ErrNotFound)
		}

		active, err := s.store.ActiveEntry(tx, req.RequesterID, req.EventID)
		if err != nil {
			return err
		}
		if active != nil {
			return status.ErrDuplicateEntry
		}

		now := s.now().UTC()
		avail, err := s.store.Availability(tx, tt, now)
		if err != nil {
			return err
		}

		switch {
		case avail.Remaining >= req.RequestedCount:
			expires := now.Add(s.offerTTL)
			entry := s.newEntry(req, models.EntryOffered, now)
			entry.OfferExpiresAt = &expires
			if err := s.store.InsertEntry(tx, entry); err != nil {
				return err
			}
			result = &models.JoinResult{Outcome: models.JoinOffered, Entry: entry}

		case req.RequestedCount == 1:
			entry := s.newEntry(req, models.EntryWaiting, now)
			if err := s.store.InsertEntry(tx, entry); err != nil {
				return err
			}
			result = &models.JoinResult{Outcome: models.JoinWaiting, Entry: entry}

		case avail.Remaining == 1:
			result = &models.JoinResult{Outcome: models.JoinRejected, Reason: "only 1 remaining"}

		default:
			result = &models.JoinResult{
				Outcome: models.JoinRejected,
				Reason:  fmt.Sprintf("only %d remaining, reduce to 1 to queue", avail.Remaining),
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Outcome == models.JoinOffered {
		// Armed after commit: if scheduling fails the sweep still
		// expires the offer, just later than the deadline.
		if err := s.clock.ScheduleExpiry(ctx, result.Entry.ID, result.Entry.EventID, s.offerTTL); err != nil {
			slog.Error("failed to arm offer expiry", "entry_id", result.Entry.ID, "error", err)
		}
	}

	s.metrics.TrackJoin(string(result.Outcome))
	return result, nil
}

func (s *AdmissionService) newEntry(req JoinRequest, st models.EntryStatus, now time.Time) *models.WaitingListEntry {
	return &models.WaitingListEntry{
		ID:             uuid.New().String(),
		EventID:        req.EventID,
		TicketTypeID:   req.TicketTypeID,
		RequesterID:    req.RequesterID,
		RequestedCount: req.RequestedCount,
		Status:         st,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

type PurchaseRequest struct {
	EntryID     string
	RequesterID string
	Payment     models.PaymentConfirmation
}

// Purchase converts an offered entry into a committed ticket. Payment
// is assumed already confirmed by the caller; the supplied reference
// and amount are recorded as-is. Ticket creation and the purchased
// transition land in one transaction or not at all.
func (s *AdmissionService) Purchase(ctx context.Context, req PurchaseRequest) (*models.Ticket, error) {
	var ticket *models.Ticket
	var entry *models.WaitingListEntry

	err := s.store.Transactional(ctx, func(tx dbx.Builder) error {
		var err error
		entry, err = s.store.Entry(tx, req.EntryID)
		if err != nil {
			return err
		}
		if entry == nil {
			return fmt.Errorf("entry %s: %w", req.EntryID, status.ErrNotFound)
		}
		if entry.Status != models.EntryOffered {
			return fmt.Errorf("entry %s is %s: %w", entry.ID, entry.Status, status.ErrInvalidState)
		}
		if entry.RequesterID != req.RequesterID {
			return status.ErrForbidden
		}
		now := s.now().UTC()
		if !entry.OfferActive(now) {
			// The lapsed unit may already be offered to the next
			// joiner; honoring the stale offer could double-sell it.
			return fmt.Errorf("entry %s offer deadline passed: %w", entry.ID, status.ErrInvalidState)
		}

		event, err := s.store.Event(tx, entry.EventID)
		if err != nil {
			return err
		}
		if event == nil {
			return fmt.Errorf("event %s: %w", entry.EventID, status.ErrNotFound)
		}
		if event.Cancelled() {
			return status.ErrEventInactive
		}

		serial, err := utils.GenerateCode(6)
		if err != nil {
			return fmt.Errorf("generate ticket serial: %w", err)
		}

		ticket = &models.Ticket{
			ID:           uuid.New().String(),
			EntryID:      entry.ID,
			EventID:      entry.EventID,
			TicketTypeID: entry.TicketTypeID,
			PurchaserID:  entry.RequesterID,
			Quantity:     entry.RequestedCount,
			Amount:       req.Payment.Amount,
			PaymentRef:   req.Payment.Reference,
			Serial:       serial,
			Status:       models.TicketValid,
			CreatedAt:    now,
		}
		if err := s.store.InsertTicket(tx, ticket); err != nil {
			return err
		}
		return s.store.SetEntryStatus(tx, entry.ID, models.EntryPurchased, nil, now)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.TrackPurchase()

	// The purchased unit was already reserved, but entries may have
	// gone stale concurrently; re-check is the cheap, safe default.
	if err := s.processor.Process(ctx, entry.EventID, entry.TicketTypeID); err != nil {
		slog.Error("queue processing after purchase failed",
			"event_id", entry.EventID, "ticket_type_id", entry.TicketTypeID, "error", err)
	}

	return ticket, nil
}

// Expire moves an offered entry to expired and cascades freed capacity
// to the next waiting parties. Safe to call any number of times for
// the same entry: the timer and the sweep may both fire.
func (s *AdmissionService) Expire(ctx context.Context, entryID, eventID string) error {
	return s.expire(ctx, entryID, "timer")
}

func (s *AdmissionService) expire(ctx context.Context, entryID, source string) error {
	entry, changed, err := s.expireEntry(ctx, entryID)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	s.metrics.TrackExpiration(source)
	return s.processor.Process(ctx, entry.EventID, entry.TicketTypeID)
}

// expireEntry performs the terminal transition only. changed is false
// when the entry is absent or already left the offered state.
func (s *AdmissionService) expireEntry(ctx context.Context, entryID string) (*models.WaitingListEntry, bool, error) {
	var entry *models.WaitingListEntry
	changed := false

	err := s.store.Transactional(ctx, func(tx dbx.Builder) error {
		var err error
		entry, err = s.store.Entry(tx, entryID)
		if err != nil {
			return err
		}
		if entry == nil || entry.Status != models.EntryOffered {
			return nil
		}
		if err := s.store.SetEntryStatus(tx, entry.ID, models.EntryExpired, nil, s.now().UTC()); err != nil {
			return err
		}
		entry.Status = models.EntryExpired
		changed = true
		return nil
	})
	return entry, changed, err
}

// Release is the user-initiated cancellation of an offer. A released
// offer and a timed-out offer end in the same terminal state.
func (s *AdmissionService) Release(ctx context.Context, entryID, requesterID string) error {
	var entry *models.WaitingListEntry

	err := s.store.Transactional(ctx, func(tx dbx.Builder) error {
		var err error
		entry, err = s.store.Entry(tx, entryID)
		if err != nil {
			return err
		}
		if entry == nil {
			return fmt.Errorf("entry %s: %w", entryID, status.ErrNotFound)
		}
		if entry.RequesterID != requesterID {
			return status.ErrForbidden
		}
		if entry.Status != models.EntryOffered {
			return fmt.Errorf("entry %s is %s: %w", entry.ID, entry.Status, status.ErrInvalidState)
		}
		return s.store.SetEntryStatus(tx, entry.ID, models.EntryExpired, nil, s.now().UTC())
	})
	if err != nil {
		return err
	}

	s.metrics.TrackExpiration("release")
	return s.processor.Process(ctx, entry.EventID, entry.TicketTypeID)
}

// GetAvailability is a pure read over the same derived counts the
// admission check uses, so "N left" displays never disagree with the
// controller.
func (s *AdmissionService) GetAvailability(ctx context.Context, eventID, ticketTypeID string) (*models.Availability, error) {
	tt, err := s.store.TicketType(s.store.DB(), ticketTypeID)
	if err != nil {
		return nil, err
	}
	if tt == nil || tt.EventID != eventID {
		return nil, fmt.Errorf("ticket type %s: %w", ticketTypeID, status.ErrNotFound)
	}
	return s.store.Availability(s.store.DB(), tt, s.now().UTC())
}

// EntryStatus reports an entry's lifecycle state plus, for waiting
// entries, its FIFO position within the ticket type.
type EntryStatusResult struct {
	Entry    *models.WaitingListEntry `json:"entry"`
	Position int                      `json:"position,omitempty"`
}

func (s *AdmissionService) EntryStatus(ctx context.Context, entryID, requesterID string) (*EntryStatusResult, error) {
	entry, err := s.store.Entry(s.store.DB(), entryID)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, fmt.Errorf("entry %s: %w", entryID, status.ErrNotFound)
	}
	if entry.RequesterID != requesterID {
		return nil, status.ErrForbidden
	}

	position, err := s.store.WaitingPosition(s.store.DB(), entry)
	if err != nil {
		return nil, err
	}
	return &EntryStatusResult{Entry: entry, Position: position}, nil
}

// SweepExpiredOffers finds offered entries whose deadline passed but
// whose timer never fired (missed delivery, restart) and processes
// them, invoking the queue processor once per ticket type.
func (s *AdmissionService) SweepExpiredOffers(ctx context.Context) (int, error) {
	stale, err := s.store.StaleOffered(s.store.DB(), s.now().UTC(), 500)
	if err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}

	type group struct{ eventID, ticketTypeID string }
	seen := make(map[group]bool)
	var order []group

	expired := 0
	for _, entry := range stale {
		_, changed, err := s.expireEntry(ctx, entry.ID)
		if err != nil {
			slog.Error("sweep expiry failed", "entry_id", entry.ID, "error", err)
			continue
		}
		if !changed {
			continue
		}
		expired++
		s.metrics.TrackExpiration("sweep")

		g := group{entry.EventID, entry.TicketTypeID}
		if !seen[g] {
			seen[g] = true
			order = append(order, g)
		}
	}

	for _, g := range order {
		if err := s.processor.Process(ctx, g.eventID, g.ticketTypeID); err != nil {
			slog.Error("queue processing after sweep failed",
				"event_id", g.eventID, "ticket_type_id", g.ticketTypeID, "error", err)
		}
	}

	s.metrics.TrackSweepBatch(len(stale))
	return expired, nil
}

// Dashboard aggregates per-status entry counts and current capacity
// for one ticket type.
type Dashboard struct {
	Availability *models.Availability       `json:"availability"`
	EntryCounts  map[models.EntryStatus]int `json:"entry_counts"`
}

func (s *AdmissionService) GetDashboard(ctx context.Context, eventID, ticketTypeID string) (*Dashboard, error) {
	avail, err := s.GetAvailability(ctx, eventID, ticketTypeID)
	if err != nil {
		return nil, err
	}
	counts, err := s.store.EntryCounts(s.store.DB(), eventID, ticketTypeID)
	if err != nil {
		return nil, err
	}
	return &Dashboard{Availability: avail, EntryCounts: counts}, nil
}
