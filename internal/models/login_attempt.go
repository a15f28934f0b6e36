package models

import "time"

// LoginAttempt is one row in the append-only attempt log. Rows are never
// deleted by the login path; the only mutations are the one-time finalize of
// Successful/Lockout once the attempt's outcome is known, and the bulk
// Lockout reset performed when a later attempt for the same key succeeds.
type LoginAttempt struct {
	ID            int64     `db:"id"`
	Username      string    `db:"username"`
	SourceAddress string    `db:"source_address"`
	Timestamp     time.Time `db:"attempt_time"`
	Successful    bool      `db:"successful"`
	Lockout       bool      `db:"lockout"`
	UserID        *string   `db:"user_id"`
}
