package models

import (
	"time"
)

type EntryStatus string

const (
	EntryWaiting   EntryStatus = "waiting"
	EntryOffered   EntryStatus = "offered"
	EntryPurchased EntryStatus = "purchased"
	EntryExpired   EntryStatus = "expired"
)

// Active reports whether the entry still occupies a slot in its
// (requester, event) pair. Purchased and expired entries are terminal.
func (s EntryStatus) Active() bool {
	return s == EntryWaiting || s == EntryOffered
}

// WaitingListEntry is one admission request for a ticket type. Entries
// are created by Join, promoted in FIFO order by the queue processor,
// and end up either purchased or expired.
type WaitingListEntry struct {
	ID             string      `json:"id"`
	EventID        string      `json:"event_id"`
	TicketTypeID   string      `json:"ticket_type_id"`
	RequesterID    string      `json:"requester_id"`
	RequestedCount int         `json:"requested_count"`
	Status         EntryStatus `json:"status"`
	OfferExpiresAt *time.Time  `json:"offer_expires_at,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// OfferActive reports whether the entry holds a live reservation at
// the given instant.
func (e *WaitingListEntry) OfferActive(now time.Time) bool {
	return e.Status == EntryOffered && e.OfferExpiresAt != nil && e.OfferExpiresAt.After(now)
}

type JoinOutcome string

const (
	JoinOffered  JoinOutcome = "offered"
	JoinWaiting  JoinOutcome = "waiting"
	JoinRejected JoinOutcome = "rejected"
)

// JoinResult is the structured outcome of a join attempt. "Sold out"
// style rejections are normal results, not errors.
type JoinResult struct {
	Outcome JoinOutcome       `json:"outcome"`
	Entry   *WaitingListEntry `json:"entry,omitempty"`
	Reason  string            `json:"reason,omitempty"`
}
