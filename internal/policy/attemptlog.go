package policy

import (
	"context"
	"time"

	"github.com/bastionauth/bastion/internal/models"
)

// KeyField selects which identity dimension an attempt-log query matches on.
type KeyField int

const (
	// KeyUsername matches attempts by username, case-insensitively.
	KeyUsername KeyField = iota
	// KeyAddress matches attempts by source address, exactly.
	KeyAddress
)

func (k KeyField) String() string {
	if k == KeyAddress {
		return "address"
	}
	return "username"
}

// AttemptLog is the append-only, queryable store of login attempts the
// policies run against. Implementations must assign strictly increasing
// identifiers on Append; "most recent" is defined by id descending, not by
// timestamp, so ordering stays correct under coarse clock resolution.
//
// ClearLockout must be a single atomic filtered update relative to concurrent
// CountLockouts calls. An excludeID of 0 means "exclude nothing" (assigned
// ids start at 1), and a zero since means the count is unbounded in time.
type AttemptLog interface {
	Append(ctx context.Context, attempt *models.LoginAttempt) (int64, error)
	MostRecent(ctx context.Context, key KeyField, value string, excludeID int64) (*models.LoginAttempt, error)
	CountLockouts(ctx context.Context, key KeyField, value string, excludeID int64, since time.Time) (int, error)
	ClearLockout(ctx context.Context, key KeyField, value string) error
	Finalize(ctx context.Context, id int64, successful, lockout bool) error
}
