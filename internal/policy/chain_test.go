package policy_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bastionauth/bastion/internal/models"
	"github.com/bastionauth/bastion/internal/policy"
	pkglogger "github.com/bastionauth/bastion/pkg/logger"
)

// stubVerifier resolves credentials against a fixed map of plaintext
// passwords. A miss is a nil user, never an error.
type stubVerifier struct {
	users map[string]stubAccount
}

type stubAccount struct {
	password string
	user     *models.User
}

func (v *stubVerifier) Verify(ctx context.Context, username, password string) (*models.User, error) {
	acct, ok := v.users[username]
	if !ok || acct.password != password {
		return nil, nil
	}
	return acct.user, nil
}

func newTestChain(t *testing.T, log *memLog, extra ...policy.Policy) *policy.Chain {
	t.Helper()

	verifier := &stubVerifier{users: map[string]stubAccount{
		"bob": {
			password: "secret123",
			user:     &models.User{ID: "u-bob", Username: "bob", IsActive: true},
		},
		"mallory": {
			password: "secret123",
			user:     &models.User{ID: "u-mallory", Username: "mallory", IsActive: false},
		},
	}}

	logger := testLogger()
	usernameLock, err := policy.NewUsernameLockout(log, defaultLockoutConfig(), logger)
	require.NoError(t, err)
	addressLock, err := policy.NewAddressLockout(log, defaultLockoutConfig(), logger)
	require.NoError(t, err)

	policies := []policy.Policy{policy.NewBasicChecks(logger)}
	policies = append(policies, extra...)
	policies = append(policies, usernameLock, addressLock)

	return policy.NewChain(log, verifier, policies, logger, pkglogger.NewAuditLogger(logger))
}

func TestAuthenticateSuccess(t *testing.T) {
	log := newMemLog()
	chain := newTestChain(t, log)

	user, rej, err := chain.Authenticate(context.Background(), "bob", "secret123", "10.0.0.1")
	require.NoError(t, err)
	require.Nil(t, rej)
	require.NotNil(t, user)
	assert.Equal(t, "u-bob", user.ID)

	recorded := log.get(1)
	require.NotNil(t, recorded)
	assert.True(t, recorded.Successful)
	assert.False(t, recorded.Lockout)
	require.NotNil(t, recorded.UserID)
	assert.Equal(t, "u-bob", *recorded.UserID)
}

func TestAuthenticateWrongPassword(t *testing.T) {
	log := newMemLog()
	chain := newTestChain(t, log)

	user, rej, err := chain.Authenticate(context.Background(), "bob", "wrong", "10.0.0.1")
	require.NoError(t, err)
	require.Nil(t, user)
	require.NotNil(t, rej)
	assert.Equal(t, policy.CodeInvalidLogin, rej.Code)
	assert.Equal(t, "Please enter a correct username and password. Note that both fields may be case-sensitive.", rej.Message)

	recorded := log.get(1)
	require.NotNil(t, recorded)
	assert.False(t, recorded.Successful)
	assert.True(t, recorded.Lockout)
}

func TestAuthenticateUnknownUser(t *testing.T) {
	log := newMemLog()
	chain := newTestChain(t, log)

	user, rej, err := chain.Authenticate(context.Background(), "nobody", "whatever", "10.0.0.1")
	require.NoError(t, err)
	assert.Nil(t, user)
	require.NotNil(t, rej)
	assert.Equal(t, policy.CodeInvalidLogin, rej.Code)
}

func TestAuthenticateEmptyInput(t *testing.T) {
	log := newMemLog()
	chain := newTestChain(t, log)

	tests := []struct {
		name     string
		username string
		password string
	}{
		{"empty username", "", "secret123"},
		{"whitespace username", "   ", "secret123"},
		{"empty password", "bob", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			user, rej, err := chain.Authenticate(context.Background(), tt.username, tt.password, "10.0.0.1")
			require.NoError(t, err)
			assert.Nil(t, user)
			require.NotNil(t, rej)
			assert.Equal(t, policy.CodeInvalidLogin, rej.Code)
		})
	}
}

func TestAuthenticateInactiveUser(t *testing.T) {
	log := newMemLog()
	chain := newTestChain(t, log)

	user, rej, err := chain.Authenticate(context.Background(), "mallory", "secret123", "10.0.0.1")
	require.NoError(t, err)
	assert.Nil(t, user)
	require.NotNil(t, rej)
	assert.Equal(t, policy.CodeInactive, rej.Code)
	// Same generic message as a credential failure.
	assert.Equal(t, "Please enter a correct username and password. Note that both fields may be case-sensitive.", rej.Message)
}

// TestAuthenticateLockoutLifecycle walks the full arc: repeated failures
// lock the username, the correct password is refused while locked, the lock
// lapses with time, and the next success wipes the counted failures.
func TestAuthenticateLockoutLifecycle(t *testing.T) {
	log := newMemLog()
	chain := newTestChain(t, log)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, rej, err := chain.Authenticate(ctx, "bob", "wrong", "10.0.0.1")
		require.NoError(t, err)
		require.NotNil(t, rej)
		assert.Equal(t, policy.CodeInvalidLogin, rej.Code)
	}

	// Correct password, but the username is now locked.
	user, rej, err := chain.Authenticate(ctx, "bob", "secret123", "10.0.0.1")
	require.NoError(t, err)
	assert.Nil(t, user)
	require.NotNil(t, rej)
	assert.Equal(t, policy.CodeUsernameLocked, rej.Code)
	assert.Contains(t, rej.Message, "Too many failed login attempts")

	// The refused-while-locked attempt still counted.
	count, err := log.CountLockouts(ctx, policy.KeyUsername, "bob", 0, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 4, count)

	// Let the lock lapse and log in for real.
	log.backdate(2 * time.Minute)
	user, rej, err = chain.Authenticate(ctx, "bob", "secret123", "10.0.0.1")
	require.NoError(t, err)
	require.Nil(t, rej)
	require.NotNil(t, user)

	// Success resets both dimensions.
	assert.Equal(t, 0, log.lockoutCount(policy.KeyUsername, "bob"))
	assert.Equal(t, 0, log.lockoutCount(policy.KeyAddress, "10.0.0.1"))

	// A fresh failure starts counting from zero again.
	_, rej, err = chain.Authenticate(ctx, "bob", "wrong", "10.0.0.1")
	require.NoError(t, err)
	require.NotNil(t, rej)
	assert.Equal(t, policy.CodeInvalidLogin, rej.Code)
}

func TestAuthenticateAddressLockoutAcrossUsernames(t *testing.T) {
	log := newMemLog()
	chain := newTestChain(t, log)
	ctx := context.Background()

	for _, username := range []string{"alice", "carol", "dave"} {
		_, rej, err := chain.Authenticate(ctx, username, "wrong", "10.0.0.9")
		require.NoError(t, err)
		require.NotNil(t, rej)
	}

	// A fourth username from the same address is refused by the address
	// dimension even with valid credentials.
	user, rej, err := chain.Authenticate(ctx, "bob", "secret123", "10.0.0.9")
	require.NoError(t, err)
	assert.Nil(t, user)
	require.NotNil(t, rej)
	assert.Equal(t, policy.CodeAddressLocked, rej.Code)

	// The same credentials from a clean address still work.
	user, rej, err = chain.Authenticate(ctx, "bob", "secret123", "10.0.0.10")
	require.NoError(t, err)
	require.Nil(t, rej)
	require.NotNil(t, user)
}

func TestAuthenticateWhitelistRejection(t *testing.T) {
	log := newMemLog()
	whitelist, err := policy.NewUsernameWhitelist([]string{`^[a-z]+$`}, true, testLogger())
	require.NoError(t, err)
	chain := newTestChain(t, log, whitelist)

	user, rej, err := chain.Authenticate(context.Background(), "bob!", "secret123", "10.0.0.1")
	require.NoError(t, err)
	assert.Nil(t, user)
	require.NotNil(t, rej)
	assert.Equal(t, policy.CodeInvalidLogin, rej.Code)

	// Counting mode: the rejection is a qualifying failure.
	recorded := log.get(1)
	require.NotNil(t, recorded)
	assert.True(t, recorded.Lockout)
}

func TestAuthenticateNonCountingWhitelistRejection(t *testing.T) {
	log := newMemLog()
	whitelist, err := policy.NewUsernameWhitelist([]string{`^[a-z]+$`}, false, testLogger())
	require.NoError(t, err)
	chain := newTestChain(t, log, whitelist)

	_, rej, err := chain.Authenticate(context.Background(), "bob!", "secret123", "10.0.0.1")
	require.NoError(t, err)
	require.NotNil(t, rej)

	// Non-counting mode: recorded as failed but exempt from lockout counts.
	recorded := log.get(1)
	require.NotNil(t, recorded)
	assert.False(t, recorded.Successful)
	assert.False(t, recorded.Lockout)
}

// captureLog records the attempt exactly as the chain appends it, before any
// finalize touches the row.
type captureLog struct {
	*memLog
	appended []models.LoginAttempt
}

func (c *captureLog) Append(ctx context.Context, attempt *models.LoginAttempt) (int64, error) {
	c.appended = append(c.appended, *attempt)
	return c.memLog.Append(ctx, attempt)
}

func TestAuthenticateRecordsInFlightAsCounting(t *testing.T) {
	log := &captureLog{memLog: newMemLog()}
	chain := policy.NewChain(log, &stubVerifier{users: map[string]stubAccount{
		"bob": {password: "secret123", user: &models.User{ID: "u-bob", Username: "bob", IsActive: true}},
	}}, nil, testLogger(), pkglogger.NewAuditLogger(testLogger()))

	// A failed attempt is appended counting and stays that way.
	_, rej, err := chain.Authenticate(context.Background(), "bob", "wrong", "10.0.0.1")
	require.NoError(t, err)
	require.NotNil(t, rej)
	require.Len(t, log.appended, 1)
	assert.False(t, log.appended[0].Successful)
	assert.True(t, log.appended[0].Lockout)

	// A successful attempt is appended counting too; only Finalize relaxes it.
	user, rej, err := chain.Authenticate(context.Background(), "bob", "secret123", "10.0.0.1")
	require.NoError(t, err)
	require.Nil(t, rej)
	require.NotNil(t, user)
	require.Len(t, log.appended, 2)
	assert.False(t, log.appended[1].Successful)
	assert.True(t, log.appended[1].Lockout)

	final := log.get(2)
	require.NotNil(t, final)
	assert.True(t, final.Successful)
	assert.False(t, final.Lockout)
}

func TestAuthenticateTrimsUsername(t *testing.T) {
	log := newMemLog()
	chain := newTestChain(t, log)

	user, rej, err := chain.Authenticate(context.Background(), "  bob  ", "secret123", "10.0.0.1")
	require.NoError(t, err)
	require.Nil(t, rej)
	require.NotNil(t, user)

	recorded := log.get(1)
	require.NotNil(t, recorded)
	assert.Equal(t, "bob", recorded.Username)
}
