package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pocketbase/dbx"
	"github.com/shopspring/decimal"

	"ticket-admission/models"
)

type ticketRow struct {
	ID           string `db:"id"`
	EntryID      string `db:"entry_id"`
	EventID      string `db:"event_id"`
	TicketTypeID string `db:"ticket_type_id"`
	PurchaserID  string `db:"purchaser_id"`
	Quantity     int    `db:"quantity"`
	Amount       string `db:"amount"`
	PaymentRef   string `db:"payment_ref"`
	Serial       string `db:"serial"`
	Status       string `db:"status"`
	CreatedAt    int64  `db:"created_at"`
}

func (r *ticketRow) model() (*models.Ticket, error) {
	amount, err := decimal.NewFromString(r.Amount)
	if err != nil {
		return nil, fmt.Errorf("parse ticket %s amount %q: %w", r.ID, r.Amount, err)
	}
	return &models.Ticket{
		ID:           r.ID,
		EntryID:      r.EntryID,
		EventID:      r.EventID,
		TicketTypeID: r.TicketTypeID,
		PurchaserID:  r.PurchaserID,
		Quantity:     r.Quantity,
		Amount:       amount,
		PaymentRef:   r.PaymentRef,
		Serial:       r.Serial,
		Status:       models.TicketStatus(r.Status),
		CreatedAt:    time.Unix(0, r.CreatedAt).UTC(),
	}, nil
}

func (s *Store) InsertTicket(tx dbx.Builder, t *models.Ticket) error {
	_, err := tx.Insert("tickets", dbx.Params{
		"id":             t.ID,
		"entry_id":       t.EntryID,
		"event_id":       t.EventID,
		"ticket_type_id": t.TicketTypeID,
		"purchaser_id":   t.PurchaserID,
		"quantity":       t.Quantity,
		"amount":         t.Amount.String(),
		"payment_ref":    t.PaymentRef,
		"serial":         t.Serial,
		"status":         string(t.Status),
		"created_at":     t.CreatedAt.UnixNano(),
	}).Execute()
	if err != nil {
		return fmt.Errorf("insert ticket %s: %w", t.ID, err)
	}
	return nil
}

// TicketByEntry loads the ticket issued for a purchased entry, or
// (nil, nil) when the entry never purchased.
func (s *Store) TicketByEntry(tx dbx.Builder, entryID string) (*models.Ticket, error) {
	var row ticketRow
	err := tx.Select("*").From("tickets").Where(dbx.HashExp{"entry_id": entryID}).One(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load ticket for entry %s: %w", entryID, err)
	}
	return row.model()
}

// CommittedCount sums the quantities of committed sales for a ticket
// type. Refunded and cancelled tickets return capacity to the pool.
func (s *Store) CommittedCount(tx dbx.Builder, ticketTypeID string) (int, error) {
	var committed sql.NullInt64
	err := tx.Select("SUM(quantity)").
		From("tickets").
		Where(dbx.HashExp{"ticket_type_id": ticketTypeID}).
		AndWhere(dbx.In("status", string(models.TicketValid), string(models.TicketUsed))).
		Row(&committed)
	if err != nil {
		return 0, fmt.Errorf("sum committed tickets for %s: %w", ticketTypeID, err)
	}
	return int(committed.Int64), nil
}

// Availability derives the capacity view for a ticket type from
// committed facts. There is no stored counter to drift: every caller,
// the admission check included, goes through this same computation.
func (s *Store) Availability(tx dbx.Builder, tt *models.TicketType, now time.Time) (*models.Availability, error) {
	committed, err := s.CommittedCount(tx, tt.ID)
	if err != nil {
		return nil, err
	}
	reserved, err := s.ActiveOfferCount(tx, tt.ID, now)
	if err != nil {
		return nil, err
	}
	return &models.Availability{
		EventID:          tt.EventID,
		TicketTypeID:     tt.ID,
		TotalTickets:     tt.TotalTickets,
		CommittedCount:   committed,
		ActiveOfferCount: reserved,
		Remaining:        tt.TotalTickets - committed - reserved,
	}, nil
}

// ActiveOfferCount sums requested counts over live offers for a ticket
// type. Offers past their deadline no longer reserve capacity even
// before the expiry job lands.
func (s *Store) ActiveOfferCount(tx dbx.Builder, ticketTypeID string, now time.Time) (int, error) {
	var reserved sql.NullInt64
	err := tx.Select("SUM(requested_count)").
		From("waitlist_entries").
		Where(dbx.HashExp{
			"ticket_type_id": ticketTypeID,
			"status":         string(models.EntryOffered),
		}).
		AndWhere(dbx.NewExp("offer_expires_at > {:now}", dbx.Params{"now": now.UnixNano()})).
		Row(&reserved)
	if err != nil {
		return 0, fmt.Errorf("sum active offers for %s: %w", ticketTypeID, err)
	}
	return int(reserved.Int64), nil
}
