package policy

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bastionauth/bastion/internal/models"
	pkglogger "github.com/bastionauth/bastion/pkg/logger"
)

// Policy is one pluggable check run around a credential-verification
// attempt. PreCheck runs before credentials are verified, PostCheck after,
// against the (possibly absent) resolved user. OnSuccess runs only when the
// whole attempt succeeded and must not reject.
//
// A returned *Rejection refuses the login; a returned error is an
// infrastructure fault and aborts the attempt without a decision.
type Policy interface {
	PreCheck(ctx context.Context, attempt *models.LoginAttempt, password string) (*Rejection, error)
	PostCheck(ctx context.Context, attempt *models.LoginAttempt, user *models.User) (*Rejection, error)
	OnSuccess(ctx context.Context, attempt *models.LoginAttempt, user *models.User) error
}

// nonCounting is implemented by policies whose rejections should not count
// toward future lockout decisions.
type nonCounting interface {
	NonCounting() bool
}

// CredentialVerifier is the opaque external credential check. A nil user
// with a nil error means the credentials did not resolve to an identity.
type CredentialVerifier interface {
	Verify(ctx context.Context, username, password string) (*models.User, error)
}

// Chain runs an ordered list of policies around one login attempt and
// produces a single decision. Every attempt is recorded in the attempt log
// exactly once, before the pre-checks run, so the in-flight record can be
// self-excluded by id during lockout evaluation.
type Chain struct {
	log      AttemptLog
	verifier CredentialVerifier
	policies []Policy
	logger   *slog.Logger
	audit    *pkglogger.AuditLogger
	now      func() time.Time
}

// NewChain assembles a policy chain. Policies run in the given order; the
// first rejection short-circuits everything after it.
func NewChain(log AttemptLog, verifier CredentialVerifier, policies []Policy, logger *slog.Logger, audit *pkglogger.AuditLogger) *Chain {
	return &Chain{
		log:      log,
		verifier: verifier,
		policies: policies,
		logger:   logger,
		audit:    audit,
		now:      time.Now,
	}
}

// Authenticate runs one login attempt through the chain. Exactly one of the
// first two results is non-nil unless the returned error is set, in which
// case the attempt log or verifier failed and no decision was reached.
func (c *Chain) Authenticate(ctx context.Context, username, password, sourceAddress string) (*models.User, *Rejection, error) {
	username = strings.TrimSpace(username)

	// The in-flight row is recorded as a counting failure up front and only
	// relaxed by Finalize once the outcome is known. A concurrent attempt for
	// the same key excludes its own id but still sees this row, so an active
	// lock stays visible to parallel requests.
	attempt := &models.LoginAttempt{
		Username:      username,
		SourceAddress: sourceAddress,
		Timestamp:     c.now(),
		Successful:    false,
		Lockout:       true,
	}

	id, err := c.log.Append(ctx, attempt)
	if err != nil {
		return nil, nil, fmt.Errorf("record login attempt: %w", err)
	}
	attempt.ID = id

	for _, p := range c.policies {
		rej, err := p.PreCheck(ctx, attempt, password)
		if err != nil {
			return nil, nil, err
		}
		if rej != nil {
			return c.reject(ctx, attempt, p, rej)
		}
	}

	user, err := c.verifier.Verify(ctx, username, password)
	if err != nil {
		return nil, nil, fmt.Errorf("verify credentials: %w", err)
	}
	if user != nil {
		attempt.UserID = &user.ID
	}

	for _, p := range c.policies {
		rej, err := p.PostCheck(ctx, attempt, user)
		if err != nil {
			return nil, nil, err
		}
		if rej != nil {
			return c.reject(ctx, attempt, p, rej)
		}
	}

	// A chain without basic checks registered still must not succeed
	// without a resolved identity.
	if user == nil {
		return c.reject(ctx, attempt, nil, invalidLogin())
	}

	attempt.Successful = true
	attempt.Lockout = false
	if err := c.log.Finalize(ctx, attempt.ID, true, false); err != nil {
		return nil, nil, fmt.Errorf("finalize login attempt: %w", err)
	}

	for _, p := range c.policies {
		if err := p.OnSuccess(ctx, attempt, user); err != nil {
			return nil, nil, err
		}
	}

	c.logger.Info("authentication succeeded",
		slog.String("username", username),
		slog.String("address", sourceAddress),
		slog.String("user_id", user.ID))
	c.audit.LogAuthAttempt(pkglogger.AuditEvent{
		EventType:     "login_success",
		Username:      username,
		SourceAddress: sourceAddress,
		UserID:        user.ID,
		Success:       true,
	})

	return user, nil, nil
}

// reject finalizes the attempt record as failed and surfaces the rejection.
// The attempt counts toward lockout thresholds unless the failing policy
// opted out of counting.
func (c *Chain) reject(ctx context.Context, attempt *models.LoginAttempt, failed Policy, rej *Rejection) (*models.User, *Rejection, error) {
	counting := true
	if nc, ok := failed.(nonCounting); ok && nc.NonCounting() {
		counting = false
	}

	attempt.Successful = false
	attempt.Lockout = counting
	if err := c.log.Finalize(ctx, attempt.ID, false, counting); err != nil {
		return nil, nil, fmt.Errorf("finalize login attempt: %w", err)
	}

	c.audit.LogAuthAttempt(pkglogger.AuditEvent{
		EventType:     "login_rejected",
		Username:      attempt.Username,
		SourceAddress: attempt.SourceAddress,
		FailureReason: string(rej.Code),
		Success:       false,
	})

	return nil, rej, nil
}
