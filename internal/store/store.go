// Package store is the embedded single-node backend: the same attempt-log
// and user-directory operations the Postgres repositories provide, backed
// by SQLite over database/sql.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bastionauth/bastion/internal/models"
	"github.com/bastionauth/bastion/internal/policy"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the database at path and brings the schema up
// to date. WAL mode and a busy timeout keep concurrent login attempts from
// tripping over write contention.
func NewStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.db.PingContext(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	// AUTOINCREMENT keeps attempt ids strictly increasing even across
	// retention deletes; COLLATE NOCASE gives the case-insensitive
	// username matching the lockout policy requires.
	schema := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL UNIQUE COLLATE NOCASE,
			email TEXT NOT NULL DEFAULT '',
			password_hash TEXT NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 1,
			last_login INTEGER,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS login_attempts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT NOT NULL COLLATE NOCASE,
			source_address TEXT NOT NULL,
			attempt_time INTEGER NOT NULL,
			successful INTEGER NOT NULL DEFAULT 0,
			lockout INTEGER NOT NULL DEFAULT 0,
			user_id TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_attempts_username ON login_attempts(username, id DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_attempts_address ON login_attempts(source_address, id DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_attempts_time ON login_attempts(attempt_time)`,
	}

	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func attemptKeyClause(key policy.KeyField) string {
	if key == policy.KeyAddress {
		return "source_address = ?"
	}
	return "username = ?"
}

func (s *Store) Append(ctx context.Context, attempt *models.LoginAttempt) (int64, error) {
	query := `INSERT INTO login_attempts (username, source_address, attempt_time, successful, lockout, user_id)
		VALUES (?, ?, ?, ?, ?, ?)`

	res, err := s.db.ExecContext(ctx, query,
		attempt.Username,
		attempt.SourceAddress,
		attempt.Timestamp.UnixNano(),
		attempt.Successful,
		attempt.Lockout,
		attempt.UserID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to record login attempt: %w", err)
	}

	return res.LastInsertId()
}

func (s *Store) MostRecent(ctx context.Context, key policy.KeyField, value string, excludeID int64) (*models.LoginAttempt, error) {
	query := `SELECT id, username, source_address, attempt_time, successful, lockout, user_id
		FROM login_attempts
		WHERE ` + attemptKeyClause(key) + ` AND id <> ?
		ORDER BY id DESC
		LIMIT 1`

	var (
		attempt models.LoginAttempt
		ts      int64
		userID  sql.NullString
	)
	err := s.db.QueryRowContext(ctx, query, value, excludeID).Scan(
		&attempt.ID,
		&attempt.Username,
		&attempt.SourceAddress,
		&ts,
		&attempt.Successful,
		&attempt.Lockout,
		&userID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load most recent attempt: %w", err)
	}

	attempt.Timestamp = time.Unix(0, ts)
	if userID.Valid {
		attempt.UserID = &userID.String
	}
	return &attempt, nil
}

func (s *Store) CountLockouts(ctx context.Context, key policy.KeyField, value string, excludeID int64, since time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM login_attempts
		WHERE ` + attemptKeyClause(key) + `
		AND successful = 0 AND lockout = 1 AND id <> ?`

	args := []any{value, excludeID}
	if !since.IsZero() {
		query += ` AND attempt_time > ?`
		args = append(args, since.UnixNano())
	}

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count lockout attempts: %w", err)
	}
	return count, nil
}

func (s *Store) ClearLockout(ctx context.Context, key policy.KeyField, value string) error {
	query := `UPDATE login_attempts SET lockout = 0 WHERE ` + attemptKeyClause(key) + ` AND lockout = 1`

	if _, err := s.db.ExecContext(ctx, query, value); err != nil {
		return fmt.Errorf("failed to clear lockout flags: %w", err)
	}
	return nil
}

func (s *Store) Finalize(ctx context.Context, id int64, successful, lockout bool) error {
	query := `UPDATE login_attempts SET successful = ?, lockout = ? WHERE id = ?`

	res, err := s.db.ExecContext(ctx, query, successful, lockout, id)
	if err != nil {
		return fmt.Errorf("failed to finalize login attempt: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM login_attempts WHERE attempt_time < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to prune login attempts: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	query := `SELECT id, username, email, password_hash, is_active, last_login, created_at, updated_at
		FROM users WHERE username = ?`

	var (
		user      models.User
		lastLogin sql.NullInt64
		created   int64
		updated   int64
	)
	err := s.db.QueryRowContext(ctx, query, username).Scan(
		&user.ID, &user.Username, &user.Email, &user.PasswordHash,
		&user.IsActive, &lastLogin, &created, &updated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user by username: %w", err)
	}

	if lastLogin.Valid {
		t := time.Unix(0, lastLogin.Int64)
		user.LastLogin = &t
	}
	user.CreatedAt = time.Unix(0, created)
	user.UpdatedAt = time.Unix(0, updated)
	return &user, nil
}

func (s *Store) Create(ctx context.Context, user *models.User) (*models.User, error) {
	now := time.Now()
	id := uuid.New().String()

	query := `INSERT INTO users (id, username, email, password_hash, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		id, user.Username, user.Email, user.PasswordHash, user.IsActive,
		now.UnixNano(), now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	return s.GetByUsername(ctx, user.Username)
}

func (s *Store) TouchLastLogin(ctx context.Context, id string) error {
	now := time.Now().UnixNano()
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET last_login = ?, updated_at = ? WHERE id = ?`, now, now, id)
	if err != nil {
		return fmt.Errorf("failed to touch last login: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.ErrNotFound
	}
	return nil
}

// SetActive reactivates (or deactivates) an account. Reactivation touches
// last_login so the expiry sweep does not immediately disable the account
// again.
func (s *Store) SetActive(ctx context.Context, id string, active bool) error {
	now := time.Now().UnixNano()

	var (
		res sql.Result
		err error
	)
	if active {
		res, err = s.db.ExecContext(ctx,
			`UPDATE users SET is_active = 1, last_login = ?, updated_at = ? WHERE id = ?`, now, now, id)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE users SET is_active = 0, updated_at = ? WHERE id = ?`, now, id)
	}
	if err != nil {
		return fmt.Errorf("failed to set user active state: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.ErrNotFound
	}
	return nil
}

// DisableExpired deactivates every active user whose last login predates
// the cutoff and returns the users it disabled.
func (s *Store) DisableExpired(ctx context.Context, cutoff time.Time) ([]*models.User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM users WHERE is_active = 1 AND last_login IS NOT NULL AND last_login < ?`,
		cutoff.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to find expired users: %w", err)
	}

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan expired user: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating expired users: %w", err)
	}

	now := time.Now().UnixNano()
	disabled := make([]*models.User, 0, len(ids))
	for _, id := range ids {
		// Conditional per-row update so a login that lands between the
		// select and the update keeps the account active.
		res, err := s.db.ExecContext(ctx,
			`UPDATE users SET is_active = 0, updated_at = ?
			 WHERE id = ? AND is_active = 1 AND last_login < ?`,
			now, id, cutoff.UnixNano())
		if err != nil {
			return nil, fmt.Errorf("failed to disable expired user: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			continue
		}

		user, err := s.getByID(ctx, id)
		if err != nil {
			return nil, err
		}
		disabled = append(disabled, user)
	}

	return disabled, nil
}

func (s *Store) getByID(ctx context.Context, id string) (*models.User, error) {
	query := `SELECT id, username, email, password_hash, is_active, last_login, created_at, updated_at
		FROM users WHERE id = ?`

	var (
		user      models.User
		lastLogin sql.NullInt64
		created   int64
		updated   int64
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&user.ID, &user.Username, &user.Email, &user.PasswordHash,
		&user.IsActive, &lastLogin, &created, &updated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	if lastLogin.Valid {
		t := time.Unix(0, lastLogin.Int64)
		user.LastLogin = &t
	}
	user.CreatedAt = time.Unix(0, created)
	user.UpdatedAt = time.Unix(0, updated)
	return &user, nil
}
