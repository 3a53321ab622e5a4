package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pocketbase/dbx"
	_ "modernc.org/sqlite"
)

// Store is the durable source of truth for waiting-list entries,
// tickets and the event/ticket-type registry. A single SQLite file
// backs all of it; every admission mutation runs inside one immediate
// write transaction, which serializes writers and closes the
// check-then-act window on capacity.
type Store struct {
	db *dbx.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	venue      TEXT NOT NULL DEFAULT '',
	start_time INTEGER NOT NULL DEFAULT 0,
	status     TEXT NOT NULL DEFAULT 'upcoming'
);

CREATE TABLE IF NOT EXISTS ticket_types (
	id            TEXT PRIMARY KEY,
	event_id      TEXT NOT NULL REFERENCES events(id),
	name          TEXT NOT NULL,
	total_tickets INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS waitlist_entries (
	id               TEXT PRIMARY KEY,
	event_id         TEXT NOT NULL,
	ticket_type_id   TEXT NOT NULL,
	requester_id     TEXT NOT NULL,
	requested_count  INTEGER NOT NULL,
	status           TEXT NOT NULL,
	offer_expires_at INTEGER,
	created_at       INTEGER NOT NULL,
	updated_at       INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_entries_requester_event
	ON waitlist_entries (requester_id, event_id, status);
CREATE INDEX IF NOT EXISTS idx_entries_type_status
	ON waitlist_entries (event_id, ticket_type_id, status, created_at);
CREATE INDEX IF NOT EXISTS idx_entries_status_expiry
	ON waitlist_entries (status, offer_expires_at);

CREATE TABLE IF NOT EXISTS tickets (
	id             TEXT PRIMARY KEY,
	entry_id       TEXT NOT NULL UNIQUE,
	event_id       TEXT NOT NULL,
	ticket_type_id TEXT NOT NULL,
	purchaser_id   TEXT NOT NULL,
	quantity       INTEGER NOT NULL,
	amount         TEXT NOT NULL,
	payment_ref    TEXT NOT NULL,
	serial         TEXT NOT NULL,
	status         TEXT NOT NULL,
	created_at     INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tickets_type_status
	ON tickets (ticket_type_id, status);
`

// Open opens (and if needed creates) the SQLite database at path and
// applies the schema. The DSN takes the write lock at BEGIN so
// concurrent admission transactions queue instead of failing late.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	dsn := fmt.Sprintf(
		"file:%s?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)",
		path,
	)

	db, err := dbx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if _, err := db.NewQuery(schema).Execute(); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying builder for read-only queries that do not
// need transaction scope.
func (s *Store) DB() dbx.Builder { return s.db }

// Transactional runs fn inside a single write transaction. Either the
// whole mutation lands or none of it does.
func (s *Store) Transactional(ctx context.Context, fn func(tx dbx.Builder) error) error {
	return s.db.TransactionalContext(ctx, nil, func(tx *dbx.Tx) error {
		return fn(tx)
	})
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.DB().PingContext(ctx)
}
