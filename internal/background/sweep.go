package background

import (
	"context"
	"log/slog"
	"time"

	"github.com/bastionauth/bastion/internal/models"
	"github.com/bastionauth/bastion/internal/services"
	pkglogger "github.com/bastionauth/bastion/pkg/logger"
)

// UserStore is the slice of the user directory the sweep needs.
type UserStore interface {
	DisableExpired(ctx context.Context, cutoff time.Time) ([]*models.User, error)
}

// AttemptStore prunes old attempt-log rows.
type AttemptStore interface {
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// SweepManager periodically disables accounts whose last login fell outside
// the inactivity period and prunes attempt-log rows past retention. It is
// the batch counterpart to the per-request policy chain.
type SweepManager struct {
	users          UserStore
	attempts       AttemptStore
	alerts         services.AlertService
	logger         *slog.Logger
	audit          *pkglogger.AuditLogger
	interval       time.Duration
	inactivePeriod time.Duration
	retention      time.Duration
	stopCh         chan struct{}
}

// NewSweepManager creates a new sweep manager
func NewSweepManager(
	users UserStore,
	attempts AttemptStore,
	alerts services.AlertService,
	logger *slog.Logger,
	audit *pkglogger.AuditLogger,
	interval, inactivePeriod, retention time.Duration,
) *SweepManager {
	return &SweepManager{
		users:          users,
		attempts:       attempts,
		alerts:         alerts,
		logger:         logger,
		audit:          audit,
		interval:       interval,
		inactivePeriod: inactivePeriod,
		retention:      retention,
		stopCh:         make(chan struct{}),
	}
}

// Start begins the periodic sweep
func (sm *SweepManager) Start(ctx context.Context) {
	ticker := time.NewTicker(sm.interval)
	defer ticker.Stop()

	// Run immediately on startup
	sm.runSweep(ctx)

	for {
		select {
		case <-ticker.C:
			sm.runSweep(ctx)
		case <-sm.stopCh:
			sm.logger.Info("sweep manager stopped")
			return
		case <-ctx.Done():
			sm.logger.Info("sweep manager context cancelled")
			return
		}
	}
}

func (sm *SweepManager) runSweep(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	now := time.Now()

	disabled, err := sm.users.DisableExpired(sweepCtx, now.Add(-sm.inactivePeriod))
	if err != nil {
		sm.logger.Error("failed to disable expired users", slog.Any("error", err))
	} else if len(disabled) > 0 {
		for _, user := range disabled {
			sm.logger.Info("user disabled: last login outside inactivity period",
				slog.String("user_id", user.ID),
				slog.String("username", user.Username))
			sm.audit.LogAccountAction("user_expired", user.ID, map[string]string{
				"username": user.Username,
			})
		}
		sm.alerts.ExpiredUsersAlert(sweepCtx, disabled)
	}

	pruned, err := sm.attempts.DeleteBefore(sweepCtx, now.Add(-sm.retention))
	if err != nil {
		sm.logger.Error("failed to prune login attempts", slog.Any("error", err))
		return
	}
	if pruned > 0 {
		sm.logger.Info("login attempt retention sweep completed",
			slog.Int64("rows_deleted", pruned))
	}
}

// Stop signals the sweep manager to stop
func (sm *SweepManager) Stop() {
	close(sm.stopCh)
}
