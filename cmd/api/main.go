package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bastionauth/bastion/internal/background"
	"github.com/bastionauth/bastion/internal/config"
	"github.com/bastionauth/bastion/internal/database"
	"github.com/bastionauth/bastion/internal/handlers"
	middlewareCustom "github.com/bastionauth/bastion/internal/middleware"
	"github.com/bastionauth/bastion/internal/models"
	"github.com/bastionauth/bastion/internal/policy"
	"github.com/bastionauth/bastion/internal/repositories"
	"github.com/bastionauth/bastion/internal/routes"
	"github.com/bastionauth/bastion/internal/services"
	"github.com/bastionauth/bastion/internal/store"
	pkgauth "github.com/bastionauth/bastion/pkg/auth"
	pkghttp "github.com/bastionauth/bastion/pkg/http"
	pkglogger "github.com/bastionauth/bastion/pkg/logger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// attemptBackend is everything the service needs from an attempt log,
// whichever driver provides it.
type attemptBackend interface {
	policy.AttemptLog
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// userBackend is everything the service needs from a user directory.
type userBackend interface {
	services.UserSource
	Create(ctx context.Context, user *models.User) (*models.User, error)
	TouchLastLogin(ctx context.Context, id string) error
	DisableExpired(ctx context.Context, cutoff time.Time) ([]*models.User, error)
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		slog.String("env", cfg.Server.Env),
		slog.String("db_driver", cfg.Database.Driver))

	var (
		attempts attemptBackend
		users    userBackend
		pinger   handlers.Pinger
	)

	switch cfg.Database.Driver {
	case "sqlite":
		st, err := store.NewStore(cfg.Database.SQLitePath)
		if err != nil {
			logger.Error("failed to open sqlite store", slog.Any("error", err))
			os.Exit(1)
		}
		defer st.Close()
		attempts, users, pinger = st, st, st

	default:
		if err := database.Migrate(cfg.Database.DSN()); err != nil {
			logger.Error("failed to run migrations", slog.Any("error", err))
			os.Exit(1)
		}

		db, err := database.NewConnection(&cfg.Database, logger)
		if err != nil {
			logger.Error("failed to connect to database", slog.Any("error", err))
			os.Exit(1)
		}
		defer db.Close()
		attempts = repositories.NewAttemptRepository(db)
		users = repositories.NewUserRepository(db)
		pinger = db
	}

	// Alert delivery; a no-op unless an operator address is configured.
	var alerts services.AlertService = services.NoopAlertService{}
	if cfg.Alert.FromAddress != "" && cfg.Alert.ToAddress != "" {
		sesAlerts, err := services.NewAWSSESAlertService(
			cfg.Alert.AWSRegion, cfg.Alert.FromAddress, cfg.Alert.ToAddress, logger)
		if err != nil {
			logger.Error("failed to initialize alert service", slog.Any("error", err))
			os.Exit(1)
		}
		alerts = sesAlerts
	}

	verifier, err := services.NewVerifier(users, logger)
	if err != nil {
		logger.Error("failed to initialize verifier", slog.Any("error", err))
		os.Exit(1)
	}

	policies, err := buildPolicies(attempts, cfg, logger)
	if err != nil {
		logger.Error("invalid policy configuration", slog.Any("error", err))
		os.Exit(1)
	}

	auditLogger := pkglogger.NewAuditLogger(logger)
	chain := policy.NewChain(attempts, verifier, policies, logger, auditLogger)

	sweepManager := background.NewSweepManager(
		users, attempts, alerts, logger, auditLogger,
		cfg.Sweep.Interval, cfg.Sweep.InactivePeriod, cfg.Sweep.AttemptRetention)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := ensureSeedUser(ctx, users, logger); err != nil {
		logger.Error("failed to ensure seed user", slog.Any("error", err))
	}
	cancel()

	ipConfig := &pkghttp.IPConfig{TrustedProxies: cfg.Server.TrustedProxies}
	loginHandler := handlers.NewLoginHandler(
		chain, users, alerts, cfg.Policy.LockoutDuration, ipConfig, logger)

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middlewareCustom.SecureLogger(logger))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))

	routes.RegisterRoutes(router, loginHandler, pinger,
		middlewareCustom.RateLimitConfig{RequestsPerMinute: cfg.Server.LoginRatePerMin})

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	defer sweepCancel()
	go sweepManager.Start(sweepCtx)

	go func() {
		logger.Info("starting server", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received")

	sweepCancel()
	sweepManager.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("server stopped gracefully")
}

// buildPolicies assembles the chain in check order: basic input validity,
// optional username whitelist, then the two independent lockout dimensions.
func buildPolicies(attempts policy.AttemptLog, cfg *config.Config, logger *slog.Logger) ([]policy.Policy, error) {
	lockCfg := policy.LockoutConfig{
		MaxFailed:       cfg.Policy.MaxFailed,
		Period:          cfg.Policy.Period,
		LockoutDuration: cfg.Policy.LockoutDuration,
	}

	policies := []policy.Policy{policy.NewBasicChecks(logger)}

	if len(cfg.Policy.WhitelistPatterns) > 0 {
		whitelist, err := policy.NewUsernameWhitelist(
			cfg.Policy.WhitelistPatterns, cfg.Policy.WhitelistCounts, logger)
		if err != nil {
			return nil, err
		}
		policies = append(policies, whitelist)
	}

	usernameLock, err := policy.NewUsernameLockout(attempts, lockCfg, logger)
	if err != nil {
		return nil, err
	}
	addressLock, err := policy.NewAddressLockout(attempts, lockCfg, logger)
	if err != nil {
		return nil, err
	}

	return append(policies, usernameLock, addressLock), nil
}

// ensureSeedUser creates the first account if SEED_USERNAME and
// SEED_PASSWORD are set
func ensureSeedUser(ctx context.Context, users userBackend, logger *slog.Logger) error {
	username := os.Getenv("SEED_USERNAME")
	password := os.Getenv("SEED_PASSWORD")

	if username == "" || password == "" {
		logger.Info("no SEED_USERNAME or SEED_PASSWORD set, skipping seed user creation")
		return nil
	}

	_, err := users.GetByUsername(ctx, username)
	if err == nil {
		logger.Info("seed user already exists")
		return nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return fmt.Errorf("failed to check if seed user exists: %w", err)
	}

	if err := pkgauth.ValidatePassword(password); err != nil {
		return fmt.Errorf("seed password rejected: %w", err)
	}

	hashedPassword, err := pkgauth.HashPassword(password)
	if err != nil {
		return fmt.Errorf("failed to hash seed password: %w", err)
	}

	_, err = users.Create(ctx, &models.User{
		Username:     username,
		Email:        os.Getenv("SEED_EMAIL"),
		PasswordHash: hashedPassword,
		IsActive:     true,
	})
	if err != nil {
		return fmt.Errorf("failed to create seed user: %w", err)
	}

	logger.Info("seed user created successfully")
	return nil
}
