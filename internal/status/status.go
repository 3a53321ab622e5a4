package status

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrDuplicateEntry = errors.New("waitlist: active entry already exists for this event")
	ErrNotFound       = errors.New("waitlist: record not found")
	ErrInvalidState   = errors.New("waitlist: entry is not in a valid state for this operation")
	ErrForbidden      = errors.New("waitlist: requester does not own this entry")
	ErrEventInactive  = errors.New("waitlist: event is cancelled")
	ErrRateLimited    = errors.New("waitlist: too many join attempts")
)

// RateLimitError carries the remaining window time so callers can
// surface a Retry-After to the client.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%v, retry after %s", ErrRateLimited, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }
