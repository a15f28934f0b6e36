package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/bastionauth/bastion/internal/metrics"
	"github.com/bastionauth/bastion/internal/models"
	"github.com/bastionauth/bastion/internal/policy"
	"github.com/bastionauth/bastion/internal/services"
	pkghttp "github.com/bastionauth/bastion/pkg/http"
)

// Authenticator runs one login attempt through the policy chain
type Authenticator interface {
	Authenticate(ctx context.Context, username, password, sourceAddress string) (*models.User, *policy.Rejection, error)
}

// UserDirectory is the slice of the user store the handler needs after a
// successful authentication.
type UserDirectory interface {
	TouchLastLogin(ctx context.Context, id string) error
}

// LoginHandler handles authentication HTTP requests
type LoginHandler struct {
	chain           Authenticator
	users           UserDirectory
	alerts          services.AlertService
	lockoutDuration time.Duration
	ipConfig        *pkghttp.IPConfig
	logger          *slog.Logger
}

// NewLoginHandler creates a new LoginHandler
func NewLoginHandler(chain Authenticator, users UserDirectory, alerts services.AlertService, lockoutDuration time.Duration, ipConfig *pkghttp.IPConfig, logger *slog.Logger) *LoginHandler {
	return &LoginHandler{
		chain:           chain,
		users:           users,
		alerts:          alerts,
		lockoutDuration: lockoutDuration,
		ipConfig:        ipConfig,
		logger:          logger,
	}
}

// LoginRequest represents the request body for login
type LoginRequest struct {
	Username string `json:"username" validate:"required,max=254"`
	Password string `json:"password" validate:"required"`
}

// LoginResponse represents a successful login
type LoginResponse struct {
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	Email     string `json:"email,omitempty"`
	LastLogin string `json:"last_login,omitempty"`
}

// Login handles POST /v1/login
func (h *LoginHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "invalid request body")
		return
	}
	if err := ValidateRequest(&req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	sourceAddress := pkghttp.ExtractClientIP(r, h.ipConfig)

	user, rejection, err := h.chain.Authenticate(r.Context(), req.Username, req.Password, sourceAddress)
	if err != nil {
		// Attempt log or verifier unavailable: an infrastructure fault,
		// not a login decision.
		h.logger.Error("authentication aborted", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "authentication unavailable")
		return
	}

	if rejection != nil {
		h.writeRejection(w, r, rejection, sourceAddress, req.Username)
		return
	}

	if err := h.users.TouchLastLogin(r.Context(), user.ID); err != nil {
		h.logger.Error("failed to record last login",
			slog.String("user_id", user.ID), slog.Any("error", err))
	}

	metrics.LoginSuccessTotal.Inc()

	resp := LoginResponse{
		UserID:   user.ID,
		Username: user.Username,
		Email:    user.Email,
	}
	if user.LastLogin != nil {
		resp.LastLogin = user.LastLogin.UTC().Format(time.RFC3339)
	}

	pkghttp.WriteJSON(w, http.StatusOK, resp)
}

func (h *LoginHandler) writeRejection(w http.ResponseWriter, r *http.Request, rejection *policy.Rejection, sourceAddress, username string) {
	metrics.LoginRejectedTotal.WithLabelValues(string(rejection.Code)).Inc()

	status := http.StatusUnauthorized
	switch rejection.Code {
	case policy.CodeInactive:
		status = http.StatusForbidden
	case policy.CodeUsernameLocked:
		status = http.StatusLocked
		metrics.LockoutHitsTotal.WithLabelValues(policy.KeyUsername.String()).Inc()
		h.alerts.LockoutAlert(r.Context(), policy.KeyUsername, username, h.lockoutDuration)
	case policy.CodeAddressLocked:
		status = http.StatusLocked
		metrics.LockoutHitsTotal.WithLabelValues(policy.KeyAddress.String()).Inc()
		h.alerts.LockoutAlert(r.Context(), policy.KeyAddress, sourceAddress, h.lockoutDuration)
	}

	pkghttp.WriteError(w, status, string(rejection.Code), rejection.Message)
}
