package policy

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/bastionauth/bastion/internal/models"
)

// UsernameWhitelist only allows usernames matching at least one of its
// patterns. Useful to restrict login to email addresses under a certain
// domain. Patterns are compiled once at construction; an invalid pattern is
// a startup failure, never a per-request one.
type UsernameWhitelist struct {
	patterns []*regexp.Regexp
	counting bool
	logger   *slog.Logger
}

// NewUsernameWhitelist compiles the pattern list. counting controls whether
// a whitelist rejection still counts toward address lockout thresholds; the
// default deployment passes true, matching the uniform treatment of failed
// attempts.
func NewUsernameWhitelist(patterns []string, counting bool, logger *slog.Logger) (*UsernameWhitelist, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("%w: whitelist pattern %q: %v", models.ErrInvalidConfig, p, err)
		}
		compiled = append(compiled, re)
	}

	return &UsernameWhitelist{patterns: compiled, counting: counting, logger: logger}, nil
}

// NonCounting reports whether whitelist rejections are exempt from lockout
// counting.
func (w *UsernameWhitelist) NonCounting() bool {
	return !w.counting
}

func (w *UsernameWhitelist) PreCheck(ctx context.Context, attempt *models.LoginAttempt, password string) (*Rejection, error) {
	for _, re := range w.patterns {
		if re.MatchString(attempt.Username) {
			w.logger.Debug("username matched whitelisted pattern",
				slog.String("pattern", re.String()))
			return nil, nil
		}
	}

	w.logger.Info("authentication failure: username did not match whitelisted patterns",
		slog.String("username", attempt.Username),
		slog.String("address", attempt.SourceAddress))
	return invalidLogin(), nil
}

func (w *UsernameWhitelist) PostCheck(ctx context.Context, attempt *models.LoginAttempt, user *models.User) (*Rejection, error) {
	return nil, nil
}

func (w *UsernameWhitelist) OnSuccess(ctx context.Context, attempt *models.LoginAttempt, user *models.User) error {
	return nil
}
