package models

import (
	"time"
)

type Event struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Venue     string    `json:"venue"`
	StartTime time.Time `json:"start_time"`
	Status    string    `json:"status"` // upcoming, ongoing, completed, cancelled
}

func (e *Event) Cancelled() bool { return e.Status == "cancelled" }

type TicketType struct {
	ID           string `json:"id"`
	EventID      string `json:"event_id"`
	Name         string `json:"name"`
	TotalTickets int    `json:"total_tickets"`
}

// Availability is the derived capacity view for one ticket type. The
// counts are recomputed from entries and tickets on every read so this
// never disagrees with the admission controller's own check.
type Availability struct {
	EventID          string `json:"event_id"`
	TicketTypeID     string `json:"ticket_type_id"`
	TotalTickets     int    `json:"total_tickets"`
	CommittedCount   int    `json:"committed_count"`
	ActiveOfferCount int    `json:"active_offer_count"`
	Remaining        int    `json:"remaining"`
}
