package ticket

import (
	"context"
	"time"

	"PPMessenger/tools/errs"

	"github.com/google/uuid"
)

// DefaultTTL is how long an issued ticket stays redeemable.
const DefaultTTL = 60 * time.Second

// ErrNotFound is returned for unknown, expired and already consumed tickets.
var ErrNotFound = &errs.ErrTicketInvalid

// Store holds short-lived single-use connection tickets.
type Store interface {
	// Issue mints a ticket owned by userID.
	Issue(ctx context.Context, userID int64) (string, error)
	// Peek returns the owner without consuming the ticket.
	Peek(ctx context.Context, id string) (int64, error)
	// Consume reads and deletes the ticket in one atomic step. Of any number
	// of concurrent consumers of the same id at most one succeeds.
	Consume(ctx context.Context, id string) (int64, error)
}

func newID() string {
	return uuid.NewString()
}

// validID rejects ids that could not have been issued, so lookups for
// garbage never reach the backend.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil && len(id) == 36
}
