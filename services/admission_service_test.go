package services

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticket-admission/internal/status"
	"ticket-admission/models"
	"ticket-admission/store"
)

// fakeOfferClock records armed timers instead of scheduling them.
type fakeOfferClock struct {
	mu    sync.Mutex
	armed []string
}

func (c *fakeOfferClock) ScheduleExpiry(_ context.Context, entryID, _ string, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.armed = append(c.armed, entryID)
	return nil
}

func (c *fakeOfferClock) armedFor(entryID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range c.armed {
		if id == entryID {
			return true
		}
	}
	return false
}

type fakeLimiter struct {
	allow      bool
	retryAfter time.Duration
}

func (l *fakeLimiter) CheckAndConsume(context.Context, string, string) (bool, time.Duration, error) {
	return l.allow, l.retryAfter, nil
}

type testEnv struct {
	svc   *AdmissionService
	store *store.Store
	clock *fakeOfferClock
	now   time.Time
}

// advance moves the service's injected clock forward.
func (env *testEnv) advance(d time.Duration) {
	env.now = env.now.Add(d)
	now := env.now
	env.svc.now = func() time.Time { return now }
	env.svc.processor.now = env.svc.now
}

func setupEnv(t *testing.T, totalTickets int) *testEnv {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	require.NoError(t, st.SaveEvent(&models.Event{
		ID:        "evt-1",
		Name:      "Test Concert",
		Venue:     "Test Arena",
		StartTime: time.Now().Add(48 * time.Hour),
		Status:    "upcoming",
	}))
	require.NoError(t, st.SaveTicketType(&models.TicketType{
		ID:           "tt-standard",
		EventID:      "evt-1",
		Name:         "Standard",
		TotalTickets: totalTickets,
	}))

	clock := &fakeOfferClock{}
	svc := NewAdmissionService(st, clock, &fakeLimiter{allow: true}, nil, 30*time.Minute)

	env := &testEnv{svc: svc, store: st, clock: clock, now: time.Now().UTC()}
	env.advance(0)
	return env
}

func join(t *testing.T, env *testEnv, requester string, count int) *models.JoinResult {
	t.Helper()
	result, err := env.svc.Join(context.Background(), JoinRequest{
		EventID:        "evt-1",
		TicketTypeID:   "tt-standard",
		RequesterID:    requester,
		RequestedCount: count,
	})
	require.NoError(t, err)
	return result
}

func TestJoinOfferedWhenCapacityAvailable(t *testing.T) {
	env := setupEnv(t, 5)

	result := join(t, env, "user-1", 2)

	assert.Equal(t, models.JoinOffered, result.Outcome)
	require.NotNil(t, result.Entry)
	assert.Equal(t, models.EntryOffered, result.Entry.Status)
	require.NotNil(t, result.Entry.OfferExpiresAt)
	assert.True(t, result.Entry.OfferExpiresAt.Equal(env.now.Add(30*time.Minute)))
	assert.True(t, env.clock.armedFor(result.Entry.ID), "offer must arm an expiry timer")
}

func TestJoinWaitingWhenSoldOut(t *testing.T) {
	env := setupEnv(t, 1)

	first := join(t, env, "user-1", 1)
	second := join(t, env, "user-2", 1)

	assert.Equal(t, models.JoinOffered, first.Outcome)
	assert.Equal(t, models.JoinWaiting, second.Outcome)
	assert.Nil(t, second.Entry.OfferExpiresAt)
	assert.False(t, env.clock.armedFor(second.Entry.ID), "waiting entries arm no timer")
}

func TestJoinMultiUnitNeverQueues(t *testing.T) {
	env := setupEnv(t, 4)

	join(t, env, "user-1", 3) // leaves 1 remaining

	result := join(t, env, "user-2", 3)
	assert.Equal(t, models.JoinRejected, result.Outcome)
	assert.Equal(t, "only 1 remaining", result.Reason)
	assert.Nil(t, result.Entry)
}

func TestJoinMultiUnitRejectionNamesRemaining(t *testing.T) {
	env := setupEnv(t, 3)

	result := join(t, env, "user-1", 5)

	assert.Equal(t, models.JoinRejected, result.Outcome)
	assert.Equal(t, "only 3 remaining, reduce to 1 to queue", result.Reason)
}

func TestJoinDuplicateActiveEntry(t *testing.T) {
	env := setupEnv(t, 1)

	join(t, env, "user-1", 1) // offered
	join(t, env, "user-2", 1) // waiting

	_, err := env.svc.Join(context.Background(), JoinRequest{
		EventID: "evt-1", TicketTypeID: "tt-standard", RequesterID: "user-1", RequestedCount: 1,
	})
	assert.ErrorIs(t, err, status.ErrDuplicateEntry)

	_, err = env.svc.Join(context.Background(), JoinRequest{
		EventID: "evt-1", TicketTypeID: "tt-standard", RequesterID: "user-2", RequestedCount: 1,
	})
	assert.ErrorIs(t, err, status.ErrDuplicateEntry, "waiting entries also block rejoin")
}

func TestJoinRateLimited(t *testing.T) {
	env := setupEnv(t, 5)
	env.svc.limiter = &fakeLimiter{allow: false, retryAfter: 42 * time.Second}

	_, err := env.svc.Join(context.Background(), JoinRequest{
		EventID: "evt-1", TicketTypeID: "tt-standard", RequesterID: "user-1", RequestedCount: 1,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, status.ErrRateLimited)

	var rl *status.RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, 42*time.Second, rl.RetryAfter)
}

func TestJoinValidation(t *testing.T) {
	env := setupEnv(t, 5)

	_, err := env.svc.Join(context.Background(), JoinRequest{
		EventID: "evt-1", TicketTypeID: "tt-standard", RequesterID: "user-1", RequestedCount: 0,
	})
	assert.ErrorIs(t, err, status.ErrInvalidState)

	_, err = env.svc.Join(context.Background(), JoinRequest{
		EventID: "no-such-event", TicketTypeID: "tt-standard", RequesterID: "user-1", RequestedCount: 1,
	})
	assert.ErrorIs(t, err, status.ErrNotFound)

	_, err = env.svc.Join(context.Background(), JoinRequest{
		EventID: "evt-1", TicketTypeID: "no-such-type", RequesterID: "user-1", RequestedCount: 1,
	})
	assert.ErrorIs(t, err, status.ErrNotFound)
}

func TestJoinCancelledEvent(t *testing.T) {
	env := setupEnv(t, 5)
	require.NoError(t, env.store.SaveEvent(&models.Event{ID: "evt-1", Name: "Test Concert", Status: "cancelled"}))

	_, err := env.svc.Join(context.Background(), JoinRequest{
		EventID: "evt-1", TicketTypeID: "tt-standard", RequesterID: "user-1", RequestedCount: 1,
	})
	assert.ErrorIs(t, err, status.ErrEventInactive)
}

func TestConcurrentJoinsNeverOverCommit(t *testing.T) {
	env := setupEnv(t, 3)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.svc.Join(context.Background(), JoinRequest{
				EventID:        "evt-1",
				TicketTypeID:   "tt-standard",
				RequesterID:    uuid.New().String(),
				RequestedCount: 1,
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	avail, err := env.svc.GetAvailability(context.Background(), "evt-1", "tt-standard")
	require.NoError(t, err)
	assert.Equal(t, 3, avail.ActiveOfferCount, "exactly the capacity is offered")
	assert.Equal(t, 0, avail.Remaining)
	assert.GreaterOrEqual(t, avail.Remaining, 0, "capacity invariant")
}

func purchase(t *testing.T, env *testEnv, entryID, requester string) (*models.Ticket, error) {
	t.Helper()
	return env.svc.Purchase(context.Background(), PurchaseRequest{
		EntryID:     entryID,
		RequesterID: requester,
		Payment: models.PaymentConfirmation{
			Reference: "pay-" + entryID,
			Amount:    decimal.RequireFromString("99.90"),
		},
	})
}

func TestPurchaseCommitsTicket(t *testing.T) {
	env := setupEnv(t, 2)

	offered := join(t, env, "user-1", 2)
	ticket, err := purchase(t, env, offered.Entry.ID, "user-1")
	require.NoError(t, err)

	assert.Equal(t, offered.Entry.ID, ticket.EntryID)
	assert.Equal(t, 2, ticket.Quantity)
	assert.Equal(t, "user-1", ticket.PurchaserID)
	assert.True(t, ticket.Amount.Equal(decimal.RequireFromString("99.90")))
	assert.Equal(t, models.TicketValid, ticket.Status)
	assert.NotEmpty(t, ticket.Serial)

	entry, err := env.store.Entry(env.store.DB(), offered.Entry.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EntryPurchased, entry.Status)

	avail, err := env.svc.GetAvailability(context.Background(), "evt-1", "tt-standard")
	require.NoError(t, err)
	assert.Equal(t, 2, avail.CommittedCount)
	assert.Equal(t, 0, avail.Remaining)
}

func TestPurchaseValidation(t *testing.T) {
	env := setupEnv(t, 1)

	offered := join(t, env, "user-1", 1)
	waiting := join(t, env, "user-2", 1)

	_, err := purchase(t, env, "no-such-entry", "user-1")
	assert.ErrorIs(t, err, status.ErrNotFound)

	_, err = purchase(t, env, waiting.Entry.ID, "user-2")
	assert.ErrorIs(t, err, status.ErrInvalidState, "waiting entries cannot purchase")

	_, err = purchase(t, env, offered.Entry.ID, "user-9")
	assert.ErrorIs(t, err, status.ErrForbidden)

	_, err = purchase(t, env, offered.Entry.ID, "user-1")
	require.NoError(t, err)

	_, err = purchase(t, env, offered.Entry.ID, "user-1")
	assert.ErrorIs(t, err, status.ErrInvalidState, "purchased entries are terminal")
}

func TestPurchaseCancelledEvent(t *testing.T) {
	env := setupEnv(t, 1)
	offered := join(t, env, "user-1", 1)

	require.NoError(t, env.store.SaveEvent(&models.Event{ID: "evt-1", Name: "Test Concert", Status: "cancelled"}))

	_, err := purchase(t, env, offered.Entry.ID, "user-1")
	assert.ErrorIs(t, err, status.ErrEventInactive)
}

func TestExpireCascadesToNextWaiter(t *testing.T) {
	env := setupEnv(t, 1)

	offered := join(t, env, "user-a", 1)
	waiting := join(t, env, "user-b", 1)

	require.NoError(t, env.svc.Expire(context.Background(), offered.Entry.ID, "evt-1"))

	expired, err := env.store.Entry(env.store.DB(), offered.Entry.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EntryExpired, expired.Status)

	promoted, err := env.store.Entry(env.store.DB(), waiting.Entry.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EntryOffered, promoted.Status)
	require.NotNil(t, promoted.OfferExpiresAt)
	assert.True(t, env.clock.armedFor(promoted.ID))
}

func TestExpireIsIdempotent(t *testing.T) {
	env := setupEnv(t, 1)

	offered := join(t, env, "user-a", 1)
	join(t, env, "user-b", 1)
	join(t, env, "user-c", 1)

	// Timer and sweep racing on the same entry.
	require.NoError(t, env.svc.Expire(context.Background(), offered.Entry.ID, "evt-1"))
	require.NoError(t, env.svc.Expire(context.Background(), offered.Entry.ID, "evt-1"))

	avail, err := env.svc.GetAvailability(context.Background(), "evt-1", "tt-standard")
	require.NoError(t, err)
	assert.Equal(t, 1, avail.ActiveOfferCount, "a double expiry must not double-promote")

	require.NoError(t, env.svc.Expire(context.Background(), "no-such-entry", "evt-1"), "absent entries are a no-op")
}

func TestReleaseBehavesLikeTimeout(t *testing.T) {
	env := setupEnv(t, 1)

	offered := join(t, env, "user-a", 1)
	waiting := join(t, env, "user-b", 1)

	require.NoError(t, env.svc.Release(context.Background(), offered.Entry.ID, "user-a"))

	released, err := env.store.Entry(env.store.DB(), offered.Entry.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EntryExpired, released.Status)

	promoted, err := env.store.Entry(env.store.DB(), waiting.Entry.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EntryOffered, promoted.Status)
}

func TestReleaseValidation(t *testing.T) {
	env := setupEnv(t, 1)

	offered := join(t, env, "user-a", 1)
	waiting := join(t, env, "user-b", 1)

	err := env.svc.Release(context.Background(), "no-such-entry", "user-a")
	assert.ErrorIs(t, err, status.ErrNotFound)

	err = env.svc.Release(context.Background(), offered.Entry.ID, "user-x")
	assert.ErrorIs(t, err, status.ErrForbidden)

	err = env.svc.Release(context.Background(), waiting.Entry.ID, "user-b")
	assert.ErrorIs(t, err, status.ErrInvalidState, "only offers can be released")

	require.NoError(t, env.svc.Release(context.Background(), offered.Entry.ID, "user-a"))
	err = env.svc.Release(context.Background(), offered.Entry.ID, "user-a")
	assert.ErrorIs(t, err, status.ErrInvalidState, "expired entries are terminal")
}

func TestEntryStatusReportsPosition(t *testing.T) {
	env := setupEnv(t, 1)

	join(t, env, "user-a", 1)
	b := join(t, env, "user-b", 1)
	c := join(t, env, "user-c", 1)

	result, err := env.svc.EntryStatus(context.Background(), c.Entry.ID, "user-c")
	require.NoError(t, err)
	assert.Equal(t, models.EntryWaiting, result.Entry.Status)
	assert.Equal(t, 2, result.Position)

	_, err = env.svc.EntryStatus(context.Background(), b.Entry.ID, "someone-else")
	assert.ErrorIs(t, err, status.ErrForbidden)
}

func TestSweepExpiresLapsedOffers(t *testing.T) {
	env := setupEnv(t, 1)

	offered := join(t, env, "user-a", 1)
	waiting := join(t, env, "user-b", 1)

	// Primary timer never fires; the deadline passes.
	env.advance(31 * time.Minute)

	expired, err := env.svc.SweepExpiredOffers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	stale, err := env.store.Entry(env.store.DB(), offered.Entry.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EntryExpired, stale.Status)

	promoted, err := env.store.Entry(env.store.DB(), waiting.Entry.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EntryOffered, promoted.Status, "sweep triggers the same cascade as a timer")

	expired, err = env.svc.SweepExpiredOffers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, expired, "sweep is idempotent")
}

func TestAvailabilityExcludesLapsedOffersBeforeExpiryRuns(t *testing.T) {
	env := setupEnv(t, 1)

	join(t, env, "user-a", 1)
	env.advance(31 * time.Minute)

	// No expiry job has run yet, but the lapsed offer no longer
	// reserves the unit.
	avail, err := env.svc.GetAvailability(context.Background(), "evt-1", "tt-standard")
	require.NoError(t, err)
	assert.Equal(t, 0, avail.ActiveOfferCount)
	assert.Equal(t, 1, avail.Remaining)
}

func TestPurchaseAfterDeadlinePassedFails(t *testing.T) {
	env := setupEnv(t, 1)

	offered := join(t, env, "user-a", 1)

	// Deadline lapses but neither the timer nor the sweep has run.
	env.advance(31 * time.Minute)

	_, err := purchase(t, env, offered.Entry.ID, "user-a")
	assert.ErrorIs(t, err, status.ErrInvalidState)
}

func TestLapsedOfferCannotDoubleSell(t *testing.T) {
	env := setupEnv(t, 1)

	stale := join(t, env, "user-a", 1)
	env.advance(31 * time.Minute)

	// The lapsed unit is re-offerable before any expiry job fires.
	fresh := join(t, env, "user-b", 1)
	require.Equal(t, models.JoinOffered, fresh.Outcome)

	_, err := purchase(t, env, fresh.Entry.ID, "user-b")
	require.NoError(t, err)

	_, err = purchase(t, env, stale.Entry.ID, "user-a")
	assert.ErrorIs(t, err, status.ErrInvalidState)

	avail, err := env.svc.GetAvailability(context.Background(), "evt-1", "tt-standard")
	require.NoError(t, err)
	assert.Equal(t, 1, avail.CommittedCount, "only the live offer commits")
	assert.LessOrEqual(t, avail.CommittedCount+avail.ActiveOfferCount, avail.TotalTickets)
}

func TestPurchaseAfterExpiryFails(t *testing.T) {
	env := setupEnv(t, 1)

	offered := join(t, env, "user-a", 1)
	require.NoError(t, env.svc.Expire(context.Background(), offered.Entry.ID, "evt-1"))

	_, err := purchase(t, env, offered.Entry.ID, "user-a")
	assert.ErrorIs(t, err, status.ErrInvalidState)
}
