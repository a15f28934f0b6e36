package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/bastionauth/bastion/internal/database"
	"github.com/bastionauth/bastion/internal/models"
	"github.com/bastionauth/bastion/internal/policy"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AttemptRepository is the Postgres-backed attempt log. The bigserial id
// column provides the strictly increasing identifiers the lockout
// evaluation orders by.
type AttemptRepository struct {
	pool *pgxpool.Pool
}

func NewAttemptRepository(db *database.DB) *AttemptRepository {
	return &AttemptRepository{pool: db.Pool}
}

// attemptKeyClause renders the key match for $1: usernames compare
// case-insensitively, source addresses exactly.
func attemptKeyClause(key policy.KeyField) string {
	if key == policy.KeyAddress {
		return "source_address = $1"
	}
	return "LOWER(username) = LOWER($1)"
}

func (r *AttemptRepository) Append(ctx context.Context, attempt *models.LoginAttempt) (int64, error) {
	query := `
		INSERT INTO login_attempts (username, source_address, attempt_time, successful, lockout, user_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`

	var id int64
	err := r.pool.QueryRow(ctx, query,
		attempt.Username,
		attempt.SourceAddress,
		attempt.Timestamp,
		attempt.Successful,
		attempt.Lockout,
		attempt.UserID,
	).Scan(&id)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}

	return id, nil
}

func (r *AttemptRepository) MostRecent(ctx context.Context, key policy.KeyField, value string, excludeID int64) (*models.LoginAttempt, error) {
	query := `
		SELECT id, username, source_address, attempt_time, successful, lockout, user_id
		FROM login_attempts
		WHERE ` + attemptKeyClause(key) + ` AND id <> $2
		ORDER BY id DESC
		LIMIT 1
	`

	var attempt models.LoginAttempt
	err := r.pool.QueryRow(ctx, query, value, excludeID).Scan(
		&attempt.ID,
		&attempt.Username,
		&attempt.SourceAddress,
		&attempt.Timestamp,
		&attempt.Successful,
		&attempt.Lockout,
		&attempt.UserID,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, database.MapPostgresError(err)
	}

	return &attempt, nil
}

func (r *AttemptRepository) CountLockouts(ctx context.Context, key policy.KeyField, value string, excludeID int64, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*) FROM login_attempts
		WHERE ` + attemptKeyClause(key) + `
		AND successful = false AND lockout = true AND id <> $2
	`

	args := []any{value, excludeID}
	if !since.IsZero() {
		query += ` AND attempt_time > $3`
		args = append(args, since)
	}

	var count int
	if err := r.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, database.MapPostgresError(err)
	}
	return count, nil
}

// ClearLockout is the reset on success: one conditional statement so it
// stays atomic relative to concurrent count queries.
func (r *AttemptRepository) ClearLockout(ctx context.Context, key policy.KeyField, value string) error {
	query := `
		UPDATE login_attempts SET lockout = false
		WHERE ` + attemptKeyClause(key) + ` AND lockout = true
	`

	_, err := r.pool.Exec(ctx, query, value)
	return database.MapPostgresError(err)
}

func (r *AttemptRepository) Finalize(ctx context.Context, id int64, successful, lockout bool) error {
	query := `UPDATE login_attempts SET successful = $2, lockout = $3 WHERE id = $1`

	tag, err := r.pool.Exec(ctx, query, id, successful, lockout)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// DeleteBefore prunes attempt rows past the retention window.
func (r *AttemptRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM login_attempts WHERE attempt_time < $1`, cutoff)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return tag.RowsAffected(), nil
}
