package policy

import (
	"context"
	"log/slog"

	"github.com/bastionauth/bastion/internal/models"
)

// BasicChecks rejects attempts with missing input, unresolvable credentials
// or a deactivated account. All three use the same generic message so a
// caller cannot probe which factor failed.
type BasicChecks struct {
	logger *slog.Logger
}

func NewBasicChecks(logger *slog.Logger) *BasicChecks {
	return &BasicChecks{logger: logger}
}

func (b *BasicChecks) PreCheck(ctx context.Context, attempt *models.LoginAttempt, password string) (*Rejection, error) {
	if attempt.Username == "" {
		b.logger.Info("authentication failure: no username supplied",
			slog.String("address", attempt.SourceAddress))
		return invalidLogin(), nil
	}
	if password == "" {
		b.logger.Info("authentication failure: no password supplied",
			slog.String("username", attempt.Username),
			slog.String("address", attempt.SourceAddress))
		return invalidLogin(), nil
	}
	return nil, nil
}

func (b *BasicChecks) PostCheck(ctx context.Context, attempt *models.LoginAttempt, user *models.User) (*Rejection, error) {
	if user == nil {
		b.logger.Info("authentication failure: invalid credentials",
			slog.String("username", attempt.Username),
			slog.String("address", attempt.SourceAddress))
		return invalidLogin(), nil
	}
	if !user.IsActive {
		b.logger.Info("authentication failure: user inactive",
			slog.String("username", attempt.Username),
			slog.String("address", attempt.SourceAddress))
		return &Rejection{Code: CodeInactive, Message: invalidLoginText}, nil
	}
	return nil, nil
}

func (b *BasicChecks) OnSuccess(ctx context.Context, attempt *models.LoginAttempt, user *models.User) error {
	return nil
}
