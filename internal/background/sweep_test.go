package background

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bastionauth/bastion/internal/models"
	"github.com/bastionauth/bastion/internal/policy"
	pkglogger "github.com/bastionauth/bastion/pkg/logger"
)

type fakeUserStore struct {
	disabled []*models.User
	cutoffs  []time.Time
}

func (f *fakeUserStore) DisableExpired(ctx context.Context, cutoff time.Time) ([]*models.User, error) {
	f.cutoffs = append(f.cutoffs, cutoff)
	return f.disabled, nil
}

type fakeAttemptStore struct {
	pruned  int64
	cutoffs []time.Time
}

func (f *fakeAttemptStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	f.cutoffs = append(f.cutoffs, cutoff)
	return f.pruned, nil
}

type recordingAlerts struct {
	expired [][]*models.User
}

func (r *recordingAlerts) LockoutAlert(ctx context.Context, key policy.KeyField, value string, duration time.Duration) {
}

func (r *recordingAlerts) ExpiredUsersAlert(ctx context.Context, users []*models.User) {
	r.expired = append(r.expired, users)
}

func TestRunSweep(t *testing.T) {
	users := &fakeUserStore{disabled: []*models.User{
		{ID: "u1", Username: "stale"},
	}}
	attempts := &fakeAttemptStore{pruned: 42}
	alerts := &recordingAlerts{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	var auditBuf bytes.Buffer
	audit := pkglogger.NewAuditLogger(slog.New(slog.NewJSONHandler(&auditBuf, nil)))

	sm := NewSweepManager(users, attempts, alerts, logger, audit,
		time.Hour, 90*24*time.Hour, 30*24*time.Hour)

	before := time.Now()
	sm.runSweep(context.Background())

	require.Len(t, users.cutoffs, 1)
	assert.WithinDuration(t, before.Add(-90*24*time.Hour), users.cutoffs[0], 5*time.Second)

	require.Len(t, attempts.cutoffs, 1)
	assert.WithinDuration(t, before.Add(-30*24*time.Hour), attempts.cutoffs[0], 5*time.Second)

	require.Len(t, alerts.expired, 1)
	assert.Equal(t, "u1", alerts.expired[0][0].ID)

	// Each disabled account leaves an audit trail entry.
	assert.Contains(t, auditBuf.String(), "user_expired")
	assert.Contains(t, auditBuf.String(), "u1")
}

func TestRunSweepNoExpiredUsers(t *testing.T) {
	users := &fakeUserStore{}
	attempts := &fakeAttemptStore{}
	alerts := &recordingAlerts{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	audit := pkglogger.NewAuditLogger(logger)

	sm := NewSweepManager(users, attempts, alerts, logger, audit,
		time.Hour, 90*24*time.Hour, 30*24*time.Hour)
	sm.runSweep(context.Background())

	// No alert when nothing was disabled.
	assert.Empty(t, alerts.expired)
}

func TestStartRunsImmediatelyAndStops(t *testing.T) {
	users := &fakeUserStore{}
	attempts := &fakeAttemptStore{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	sm := NewSweepManager(users, attempts, &recordingAlerts{}, logger,
		pkglogger.NewAuditLogger(logger),
		time.Hour, 90*24*time.Hour, 30*24*time.Hour)

	done := make(chan struct{})
	go func() {
		sm.Start(context.Background())
		close(done)
	}()

	sm.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweep manager did not stop")
	}

	// The startup sweep ran before the stop signal was handled.
	assert.Len(t, users.cutoffs, 1)
	assert.Len(t, attempts.cutoffs, 1)
}
