package policy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bastionauth/bastion/internal/models"
)

// LockoutConfig holds the thresholds for one lockout dimension.
type LockoutConfig struct {
	// MaxFailed is the number of qualifying failed attempts at which the
	// key becomes locked.
	MaxFailed int
	// Period is the sliding window used when counting qualifying attempts.
	// Zero means every qualifying attempt ever recorded counts.
	Period time.Duration
	// LockoutDuration is how long the lock stays active after the most
	// recent qualifying attempt.
	LockoutDuration time.Duration
}

// LockoutPolicy rejects login attempts for a key (username or source
// address) that has accumulated too many failed attempts. The two instances
// registered in a chain share the algorithm and differ only in key field.
type LockoutPolicy struct {
	log    AttemptLog
	key    KeyField
	cfg    LockoutConfig
	code   Code
	text   string
	logger *slog.Logger
	now    func() time.Time
}

// NewUsernameLockout builds a lockout policy keyed by username
// (case-insensitive).
func NewUsernameLockout(log AttemptLog, cfg LockoutConfig, logger *slog.Logger) (*LockoutPolicy, error) {
	return newLockout(log, KeyUsername, CodeUsernameLocked, cfg, logger)
}

// NewAddressLockout builds a lockout policy keyed by source address
// (exact match).
func NewAddressLockout(log AttemptLog, cfg LockoutConfig, logger *slog.Logger) (*LockoutPolicy, error) {
	return newLockout(log, KeyAddress, CodeAddressLocked, cfg, logger)
}

func newLockout(log AttemptLog, key KeyField, code Code, cfg LockoutConfig, logger *slog.Logger) (*LockoutPolicy, error) {
	if cfg.MaxFailed <= 0 {
		return nil, fmt.Errorf("%w: max failed attempts must be positive, got %d",
			models.ErrInvalidConfig, cfg.MaxFailed)
	}
	if cfg.LockoutDuration <= 0 {
		return nil, fmt.Errorf("%w: lockout duration must be positive, got %s",
			models.ErrInvalidConfig, cfg.LockoutDuration)
	}
	// A period shorter than the lock would let a lock expire and be
	// recounted inconsistently within the same window.
	if cfg.Period != 0 && cfg.Period <= cfg.LockoutDuration {
		return nil, fmt.Errorf("%w: period (%s) must exceed lockout duration (%s)",
			models.ErrInvalidConfig, cfg.Period, cfg.LockoutDuration)
	}

	return &LockoutPolicy{
		log:    log,
		key:    key,
		cfg:    cfg,
		code:   code,
		text: fmt.Sprintf("Too many failed login attempts. Your account has been locked for %s.",
			FormatLockDuration(cfg.LockoutDuration)),
		logger: logger,
		now:    time.Now,
	}, nil
}

// IsLocked reports whether the key value is currently locked out. excludeID
// removes the in-flight attempt from consideration so a login try never
// counts against itself.
func (p *LockoutPolicy) IsLocked(ctx context.Context, value string, excludeID int64) (bool, error) {
	now := p.now()

	prev, err := p.log.MostRecent(ctx, p.key, value, excludeID)
	if err != nil {
		return false, fmt.Errorf("lockout lookup for %s: %w", p.key, err)
	}
	if prev == nil {
		// No attempts for this key and thus no lockout
		return false, nil
	}

	// If the previous attempt did not count towards a lockout one is
	// certainly not locked out, so skip the full count.
	if !prev.Lockout {
		return false, nil
	}

	// Lock expired when the most recent qualifying attempt is older than
	// the lockout duration.
	lockFrom := now.Add(-p.cfg.LockoutDuration)
	if prev.Timestamp.Before(lockFrom) {
		return false, nil
	}

	var since time.Time
	if p.cfg.Period > 0 {
		since = now.Add(-p.cfg.Period)
	}

	count, err := p.log.CountLockouts(ctx, p.key, value, excludeID, since)
	if err != nil {
		return false, fmt.Errorf("lockout count for %s: %w", p.key, err)
	}

	return count >= p.cfg.MaxFailed, nil
}

func (p *LockoutPolicy) keyValue(attempt *models.LoginAttempt) string {
	if p.key == KeyAddress {
		return attempt.SourceAddress
	}
	return attempt.Username
}

// PreCheck rejects the attempt while its key is locked out.
func (p *LockoutPolicy) PreCheck(ctx context.Context, attempt *models.LoginAttempt, password string) (*Rejection, error) {
	locked, err := p.IsLocked(ctx, p.keyValue(attempt), attempt.ID)
	if err != nil {
		return nil, err
	}
	if locked {
		p.logger.Info("authentication failure: key locked",
			slog.String("key", p.key.String()),
			slog.String("username", attempt.Username),
			slog.String("address", attempt.SourceAddress))
		return &Rejection{Code: p.code, Message: p.text}, nil
	}
	return nil, nil
}

// PostCheck is a no-op; lockout is evaluated before credentials are checked.
func (p *LockoutPolicy) PostCheck(ctx context.Context, attempt *models.LoginAttempt, user *models.User) (*Rejection, error) {
	return nil, nil
}

// OnSuccess resets the lockout state for this policy's key: every prior
// lockout-flagged attempt is cleared in one atomic filtered update.
func (p *LockoutPolicy) OnSuccess(ctx context.Context, attempt *models.LoginAttempt, user *models.User) error {
	if err := p.log.ClearLockout(ctx, p.key, p.keyValue(attempt)); err != nil {
		return fmt.Errorf("lockout reset for %s: %w", p.key, err)
	}
	return nil
}
