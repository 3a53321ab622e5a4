package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type TicketStatus string

const (
	TicketValid     TicketStatus = "valid"
	TicketUsed      TicketStatus = "used"
	TicketRefunded  TicketStatus = "refunded"
	TicketCancelled TicketStatus = "cancelled"
)

// Committed reports whether the ticket's quantity counts against the
// ticket type's capacity. Refunds and cancellations return their
// quantity to the pool.
func (s TicketStatus) Committed() bool {
	return s == TicketValid || s == TicketUsed
}

// Ticket is a committed sale. It is only ever created together with
// the purchased transition of an offered waiting-list entry.
type Ticket struct {
	ID           string          `json:"id"`
	EntryID      string          `json:"entry_id"`
	EventID      string          `json:"event_id"`
	TicketTypeID string          `json:"ticket_type_id"`
	PurchaserID  string          `json:"purchaser_id"`
	Quantity     int             `json:"quantity"`
	Amount       decimal.Decimal `json:"amount"`
	PaymentRef   string          `json:"payment_ref"`
	Serial       string          `json:"serial"`
	Status       TicketStatus    `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
}

// PaymentConfirmation is the opaque proof of payment supplied by the
// caller. The engine never talks to a payment provider itself.
type PaymentConfirmation struct {
	Reference string          `json:"reference"`
	Amount    decimal.Decimal `json:"amount"`
}
