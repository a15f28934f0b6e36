package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bastionauth/bastion/internal/models"
	pkgauth "github.com/bastionauth/bastion/pkg/auth"
)

// UserSource is the directory the verifier resolves usernames against.
type UserSource interface {
	GetByUsername(ctx context.Context, username string) (*models.User, error)
}

// Verifier is the default credential verification: bcrypt comparison
// against the stored hash. It implements policy.CredentialVerifier; a nil
// user with nil error means the credentials did not resolve.
type Verifier struct {
	users  UserSource
	logger *slog.Logger

	// dummyHash is compared against when the username is unknown so the
	// request costs the same as a real comparison.
	dummyHash string
}

func NewVerifier(users UserSource, logger *slog.Logger) (*Verifier, error) {
	dummy, err := pkgauth.HashPassword("bastion-timing-equalizer")
	if err != nil {
		return nil, fmt.Errorf("failed to prepare verifier: %w", err)
	}

	return &Verifier{users: users, logger: logger, dummyHash: dummy}, nil
}

func (v *Verifier) Verify(ctx context.Context, username, password string) (*models.User, error) {
	user, err := v.users.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			_ = pkgauth.ComparePassword(v.dummyHash, password)
			return nil, nil
		}
		v.logger.Error("failed to look up user", slog.Any("error", err))
		return nil, err
	}

	if err := pkgauth.ComparePassword(user.PasswordHash, password); err != nil {
		return nil, nil
	}

	return user, nil
}
