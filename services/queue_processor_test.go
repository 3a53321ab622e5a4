package services

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticket-admission/models"
	"ticket-admission/store"
)

func setupProcessor(t *testing.T, totalTickets int) (*QueueProcessor, *store.Store, *fakeOfferClock) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	require.NoError(t, st.SaveEvent(&models.Event{ID: "evt-1", Name: "Test Concert", Status: "upcoming"}))
	require.NoError(t, st.SaveTicketType(&models.TicketType{
		ID: "tt-standard", EventID: "evt-1", Name: "Standard", TotalTickets: totalTickets,
	}))

	clock := &fakeOfferClock{}
	return NewQueueProcessor(st, clock, nil, 30*time.Minute), st, clock
}

func seedWaiting(t *testing.T, st *store.Store, id string, count int, createdAt time.Time) {
	t.Helper()
	require.NoError(t, st.InsertEntry(st.DB(), &models.WaitingListEntry{
		ID:             id,
		EventID:        "evt-1",
		TicketTypeID:   "tt-standard",
		RequesterID:    "req-" + id,
		RequestedCount: count,
		Status:         models.EntryWaiting,
		CreatedAt:      createdAt,
		UpdatedAt:      createdAt,
	}))
}

func TestProcessPromotesFIFOUpToRemaining(t *testing.T) {
	p, st, clock := setupProcessor(t, 3)

	base := time.Now().UTC().Add(-time.Hour)
	seedWaiting(t, st, "e-1", 2, base)
	seedWaiting(t, st, "e-2", 1, base.Add(time.Minute))
	seedWaiting(t, st, "e-3", 1, base.Add(2*time.Minute))

	require.NoError(t, p.Process(context.Background(), "evt-1", "tt-standard"))

	for id, want := range map[string]models.EntryStatus{
		"e-1": models.EntryOffered,
		"e-2": models.EntryOffered,
		"e-3": models.EntryWaiting,
	} {
		entry, err := st.Entry(st.DB(), id)
		require.NoError(t, err)
		assert.Equal(t, want, entry.Status, "entry %s", id)
	}

	assert.True(t, clock.armedFor("e-1"))
	assert.True(t, clock.armedFor("e-2"))
	assert.False(t, clock.armedFor("e-3"))
}

func TestProcessStopsAtFirstOversizedRequest(t *testing.T) {
	p, st, _ := setupProcessor(t, 3)

	base := time.Now().UTC().Add(-time.Hour)
	seedWaiting(t, st, "e-big", 5, base)
	seedWaiting(t, st, "e-small", 1, base.Add(time.Minute))

	require.NoError(t, p.Process(context.Background(), "evt-1", "tt-standard"))

	// FIFO is strict: a later small request never jumps an earlier
	// large one.
	big, err := st.Entry(st.DB(), "e-big")
	require.NoError(t, err)
	assert.Equal(t, models.EntryWaiting, big.Status)

	small, err := st.Entry(st.DB(), "e-small")
	require.NoError(t, err)
	assert.Equal(t, models.EntryWaiting, small.Status)
}

func TestProcessMassExpiresWhenExhausted(t *testing.T) {
	p, st, clock := setupProcessor(t, 0)

	base := time.Now().UTC().Add(-time.Hour)
	for i := 1; i <= 5; i++ {
		seedWaiting(t, st, fmt.Sprintf("e-%d", i), 1, base.Add(time.Duration(i)*time.Minute))
	}

	require.NoError(t, p.Process(context.Background(), "evt-1", "tt-standard"))

	for i := 1; i <= 5; i++ {
		id := fmt.Sprintf("e-%d", i)
		entry, err := st.Entry(st.DB(), id)
		require.NoError(t, err)
		assert.Equal(t, models.EntryExpired, entry.Status, "entry %s", id)
		assert.False(t, clock.armedFor(id), "mass expiry arms no timers")
	}
}

func TestProcessIsIdempotent(t *testing.T) {
	p, st, clock := setupProcessor(t, 1)

	seedWaiting(t, st, "e-1", 1, time.Now().UTC().Add(-time.Hour))

	require.NoError(t, p.Process(context.Background(), "evt-1", "tt-standard"))
	require.NoError(t, p.Process(context.Background(), "evt-1", "tt-standard"))

	entry, err := st.Entry(st.DB(), "e-1")
	require.NoError(t, err)
	assert.Equal(t, models.EntryOffered, entry.Status)

	clock.mu.Lock()
	armed := len(clock.armed)
	clock.mu.Unlock()
	assert.Equal(t, 1, armed, "a second pass must not re-promote")
}

func TestProcessUnknownTicketTypeIsNoOp(t *testing.T) {
	p, _, _ := setupProcessor(t, 1)
	assert.NoError(t, p.Process(context.Background(), "evt-1", "tt-missing"))
}
