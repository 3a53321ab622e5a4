package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pocketbase/dbx"

	"ticket-admission/models"
)

type entryRow struct {
	ID             string        `db:"id"`
	EventID        string        `db:"event_id"`
	TicketTypeID   string        `db:"ticket_type_id"`
	RequesterID    string        `db:"requester_id"`
	RequestedCount int           `db:"requested_count"`
	Status         string        `db:"status"`
	OfferExpiresAt sql.NullInt64 `db:"offer_expires_at"`
	CreatedAt      int64         `db:"created_at"`
	UpdatedAt      int64         `db:"updated_at"`
}

func (r *entryRow) model() *models.WaitingListEntry {
	e := &models.WaitingListEntry{
		ID:             r.ID,
		EventID:        r.EventID,
		TicketTypeID:   r.TicketTypeID,
		RequesterID:    r.RequesterID,
		RequestedCount: r.RequestedCount,
		Status:         models.EntryStatus(r.Status),
		CreatedAt:      time.Unix(0, r.CreatedAt).UTC(),
		UpdatedAt:      time.Unix(0, r.UpdatedAt).UTC(),
	}
	if r.OfferExpiresAt.Valid {
		t := time.Unix(0, r.OfferExpiresAt.Int64).UTC()
		e.OfferExpiresAt = &t
	}
	return e
}

// Entry loads a single waiting-list entry. Returns (nil, nil) when it
// does not exist so idempotent callers can treat absence as a no-op.
func (s *Store) Entry(tx dbx.Builder, id string) (*models.WaitingListEntry, error) {
	var row entryRow
	err := tx.Select("*").From("waitlist_entries").Where(dbx.HashExp{"id": id}).One(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load entry %s: %w", id, err)
	}
	return row.model(), nil
}

// ActiveEntry finds the waiting or offered entry for a (requester,
// event) pair, if any. At most one can exist.
func (s *Store) ActiveEntry(tx dbx.Builder, requesterID, eventID string) (*models.WaitingListEntry, error) {
	var row entryRow
	err := tx.Select("*").
		From("waitlist_entries").
		Where(dbx.HashExp{"requester_id": requesterID, "event_id": eventID}).
		AndWhere(dbx.In("status", string(models.EntryWaiting), string(models.EntryOffered))).
		One(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load active entry for %s/%s: %w", requesterID, eventID, err)
	}
	return row.model(), nil
}

func (s *Store) InsertEntry(tx dbx.Builder, e *models.WaitingListEntry) error {
	params := dbx.Params{
		"id":               e.ID,
		"event_id":         e.EventID,
		"ticket_type_id":   e.TicketTypeID,
		"requester_id":     e.RequesterID,
		"requested_count":  e.RequestedCount,
		"status":           string(e.Status),
		"offer_expires_at": nil,
		"created_at":       e.CreatedAt.UnixNano(),
		"updated_at":       e.UpdatedAt.UnixNano(),
	}
	if e.OfferExpiresAt != nil {
		params["offer_expires_at"] = e.OfferExpiresAt.UnixNano()
	}
	if _, err := tx.Insert("waitlist_entries", params).Execute(); err != nil {
		return fmt.Errorf("insert entry %s: %w", e.ID, err)
	}
	return nil
}

// SetEntryStatus moves an entry to a new lifecycle state. The offer
// deadline is set on promotion to offered and left in place otherwise
// for audit.
func (s *Store) SetEntryStatus(tx dbx.Builder, id string, st models.EntryStatus, offerExpiresAt *time.Time, now time.Time) error {
	params := dbx.Params{
		"status":     string(st),
		"updated_at": now.UnixNano(),
	}
	if offerExpiresAt != nil {
		params["offer_expires_at"] = offerExpiresAt.UnixNano()
	}
	if _, err := tx.Update("waitlist_entries", params, dbx.HashExp{"id": id}).Execute(); err != nil {
		return fmt.Errorf("update entry %s to %s: %w", id, st, err)
	}
	return nil
}

// WaitingEntries returns the waiting entries for a ticket type in
// strict arrival order.
func (s *Store) WaitingEntries(tx dbx.Builder, eventID, ticketTypeID string) ([]*models.WaitingListEntry, error) {
	var rows []entryRow
	err := tx.Select("*").
		From("waitlist_entries").
		Where(dbx.HashExp{
			"event_id":       eventID,
			"ticket_type_id": ticketTypeID,
			"status":         string(models.EntryWaiting),
		}).
		OrderBy("created_at ASC", "id ASC").
		All(&rows)
	if err != nil {
		return nil, fmt.Errorf("load waiting entries for %s/%s: %w", eventID, ticketTypeID, err)
	}

	entries := make([]*models.WaitingListEntry, 0, len(rows))
	for i := range rows {
		entries = append(entries, rows[i].model())
	}
	return entries, nil
}

// StaleOffered returns offered entries whose deadline already passed,
// in arrival order. The sweeper groups them by ticket type afterwards.
func (s *Store) StaleOffered(tx dbx.Builder, now time.Time, limit int) ([]*models.WaitingListEntry, error) {
	q := tx.Select("*").
		From("waitlist_entries").
		Where(dbx.HashExp{"status": string(models.EntryOffered)}).
		AndWhere(dbx.NewExp("offer_expires_at < {:now}", dbx.Params{"now": now.UnixNano()})).
		OrderBy("created_at ASC")
	if limit > 0 {
		q = q.Limit(int64(limit))
	}

	var rows []entryRow
	if err := q.All(&rows); err != nil {
		return nil, fmt.Errorf("load stale offered entries: %w", err)
	}

	entries := make([]*models.WaitingListEntry, 0, len(rows))
	for i := range rows {
		entries = append(entries, rows[i].model())
	}
	return entries, nil
}

// WaitingPosition reports the 1-based FIFO position among the waiting
// entries of the same ticket type, or 0 when the entry is not waiting.
func (s *Store) WaitingPosition(tx dbx.Builder, e *models.WaitingListEntry) (int, error) {
	if e.Status != models.EntryWaiting {
		return 0, nil
	}

	var ahead int
	err := tx.Select("COUNT(*)").
		From("waitlist_entries").
		Where(dbx.HashExp{
			"event_id":       e.EventID,
			"ticket_type_id": e.TicketTypeID,
			"status":         string(models.EntryWaiting),
		}).
		AndWhere(dbx.NewExp(
			"(created_at < {:created} OR (created_at = {:created} AND id < {:id}))",
			dbx.Params{"created": e.CreatedAt.UnixNano(), "id": e.ID},
		)).
		Row(&ahead)
	if err != nil {
		return 0, fmt.Errorf("compute waiting position for %s: %w", e.ID, err)
	}
	return ahead + 1, nil
}

// EntryStateCounts returns current waiting and offered entry counts
// keyed by ticket type, for the metrics collector.
func (s *Store) EntryStateCounts() (map[string]int, map[string]int, error) {
	var rows []struct {
		TicketTypeID string `db:"ticket_type_id"`
		Status       string `db:"status"`
		Count        int    `db:"cnt"`
	}
	err := s.db.Select("ticket_type_id", "status", "COUNT(*) AS cnt").
		From("waitlist_entries").
		Where(dbx.In("status", string(models.EntryWaiting), string(models.EntryOffered))).
		GroupBy("ticket_type_id", "status").
		All(&rows)
	if err != nil {
		return nil, nil, fmt.Errorf("count entry states: %w", err)
	}

	waiting := make(map[string]int)
	offered := make(map[string]int)
	for _, r := range rows {
		switch models.EntryStatus(r.Status) {
		case models.EntryWaiting:
			waiting[r.TicketTypeID] = r.Count
		case models.EntryOffered:
			offered[r.TicketTypeID] = r.Count
		}
	}
	return waiting, offered, nil
}

// EntryCounts aggregates entry counts per status for one ticket type.
func (s *Store) EntryCounts(tx dbx.Builder, eventID, ticketTypeID string) (map[models.EntryStatus]int, error) {
	var rows []struct {
		Status string `db:"status"`
		Count  int    `db:"cnt"`
	}
	err := tx.Select("status", "COUNT(*) AS cnt").
		From("waitlist_entries").
		Where(dbx.HashExp{"event_id": eventID, "ticket_type_id": ticketTypeID}).
		GroupBy("status").
		All(&rows)
	if err != nil {
		return nil, fmt.Errorf("count entries for %s/%s: %w", eventID, ticketTypeID, err)
	}

	counts := make(map[models.EntryStatus]int, len(rows))
	for _, r := range rows {
		counts[models.EntryStatus(r.Status)] = r.Count
	}
	return counts, nil
}
