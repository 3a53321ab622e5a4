package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pocketbase/dbx"

	"ticket-admission/models"
)

// The registry tables are owned by the event CRUD layer; the admission
// engine only reads them. The save helpers exist for seeding and tests.

type eventRow struct {
	ID        string `db:"id"`
	Name      string `db:"name"`
	Venue     string `db:"venue"`
	StartTime int64  `db:"start_time"`
	Status    string `db:"status"`
}

func (s *Store) Event(tx dbx.Builder, id string) (*models.Event, error) {
	var row eventRow
	err := tx.Select("*").From("events").Where(dbx.HashExp{"id": id}).One(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load event %s: %w", id, err)
	}
	return &models.Event{
		ID:        row.ID,
		Name:      row.Name,
		Venue:     row.Venue,
		StartTime: time.Unix(0, row.StartTime).UTC(),
		Status:    row.Status,
	}, nil
}

func (s *Store) TicketType(tx dbx.Builder, id string) (*models.TicketType, error) {
	var row struct {
		ID           string `db:"id"`
		EventID      string `db:"event_id"`
		Name         string `db:"name"`
		TotalTickets int    `db:"total_tickets"`
	}
	err := tx.Select("*").From("ticket_types").Where(dbx.HashExp{"id": id}).One(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load ticket type %s: %w", id, err)
	}
	return &models.TicketType{
		ID:           row.ID,
		EventID:      row.EventID,
		Name:         row.Name,
		TotalTickets: row.TotalTickets,
	}, nil
}

// dbx's sqlite builder has no native upsert, so the save helpers spell
// out ON CONFLICT themselves.

func (s *Store) SaveEvent(e *models.Event) error {
	_, err := s.db.NewQuery(`
		INSERT INTO events (id, name, venue, start_time, status)
		VALUES ({:id}, {:name}, {:venue}, {:start_time}, {:status})
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			venue = excluded.venue,
			start_time = excluded.start_time,
			status = excluded.status`).
		Bind(dbx.Params{
			"id":         e.ID,
			"name":       e.Name,
			"venue":      e.Venue,
			"start_time": e.StartTime.UnixNano(),
			"status":     e.Status,
		}).Execute()
	if err != nil {
		return fmt.Errorf("save event %s: %w", e.ID, err)
	}
	return nil
}

func (s *Store) SaveTicketType(t *models.TicketType) error {
	_, err := s.db.NewQuery(`
		INSERT INTO ticket_types (id, event_id, name, total_tickets)
		VALUES ({:id}, {:event_id}, {:name}, {:total_tickets})
		ON CONFLICT(id) DO UPDATE SET
			event_id = excluded.event_id,
			name = excluded.name,
			total_tickets = excluded.total_tickets`).
		Bind(dbx.Params{
			"id":            t.ID,
			"event_id":      t.EventID,
			"name":          t.Name,
			"total_tickets": t.TotalTickets,
		}).Execute()
	if err != nil {
		return fmt.Errorf("save ticket type %s: %w", t.ID, err)
	}
	return nil
}
