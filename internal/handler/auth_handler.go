package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"admin-auth/internal/gateway"
	"admin-auth/internal/session"
	"admin-auth/internal/store"
	"admin-auth/internal/twofactor"
	"admin-auth/internal/util"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type contextKey string

const adminRecordKey contextKey = "adminRecord"

// AdminFromContext returns the record stored by RequireSession, or nil when
// the request did not pass through it.
func AdminFromContext(ctx context.Context) *store.AdminRecord {
	rec, _ := ctx.Value(adminRecordKey).(*store.AdminRecord)
	return rec
}

// AuthHandler handles HTTP requests for admin authentication
type AuthHandler struct {
	gateway *gateway.Gateway
	totp    *twofactor.Manager
	logger  *zap.Logger
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(gw *gateway.Gateway, totp *twofactor.Manager, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		gateway: gw,
		totp:    totp,
		logger:  logger,
	}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{Success: true, Data: data, Message: message}
}

func errorResponse(errStr, message string) Response {
	return Response{Success: false, Error: errStr, Message: message}
}

// RegisterRoutes registers all auth routes
func (h *AuthHandler) RegisterRoutes(router chi.Router) {
	router.Route("/auth", func(r chi.Router) {
		// Public routes
		r.Post("/login", h.Login)
		r.Post("/2fa/verify", h.VerifyTwoFactor)

		// Logout stays outside RequireSession so presenting a dead token is
		// not an error; enrollment has its own first-time bootstrap rule
		r.Post("/logout", h.Logout)
		r.Post("/2fa/enroll", h.EnrollTwoFactor)

		// Routes requiring an authenticated session
		r.Group(func(r chi.Router) {
			r.Use(h.RequireSession(false))
			r.Get("/session", h.SessionCheck)
		})

		// Sensitive routes requiring a 2FA-verified session
		r.Group(func(r chi.Router) {
			r.Use(h.RequireSession(true))
			r.Post("/2fa/backup-codes", h.IssueBackupCodes)
		})
	})
}

// RequireSession authorizes the bearer token before the handler runs and
// stores the admin record on the request context. sensitive routes demand a
// 2FA-verified session on top of a valid one.
func (h *AuthHandler) RequireSession(sensitive bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec, err := h.gateway.Authorize(r.Context(), bearerToken(r), clientIP(r), sensitive)
			if err != nil {
				h.respondWithAuthError(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), adminRecordKey, rec)))
		})
	}
}

// Login handles the primary credential check
// @Summary Admin login
// @Description Verify username and password; returns a session or a 2FA challenge
// @Tags auth
// @Accept json
// @Produce json
// @Success 200 {object} Response
// @Failure 401 {object} Response
// @Failure 423 {object} Response
// @Failure 429 {object} Response
// @Router /auth/login [post]
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "bad_request", "Invalid request body")
		return
	}

	result, err := h.gateway.Login(ctx, req.Username, req.Password, clientIP(r))
	if err != nil {
		h.logger.Error("Login failed internally", util.ErrorField(err))
		h.respondWithError(w, http.StatusInternalServerError, "internal_error", "Login unavailable")
		return
	}

	if !result.Success {
		h.respondWithError(w, failureStatus(result.FailureReason), result.FailureReason, "Login refused")
		return
	}

	if result.ChallengeToken != "" {
		h.respondWithJSON(w, http.StatusOK, successResponse(map[string]interface{}{
			"requires_2fa":    true,
			"challenge_token": result.ChallengeToken,
		}, "Two-factor verification required"))
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(sessionPayload(result.Session), "Login successful"))
	h.logger.Info("Admin logged in via HTTP",
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "Login"),
	)
}

// VerifyTwoFactor completes a pending login
// @Summary Verify second factor
// @Description Complete a challenged login with a TOTP or backup code
// @Tags auth
// @Accept json
// @Produce json
// @Success 200 {object} Response
// @Failure 401 {object} Response
// @Failure 423 {object} Response
// @Router /auth/2fa/verify [post]
func (h *AuthHandler) VerifyTwoFactor(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req struct {
		ChallengeToken string `json:"challenge_token"`
		Code           string `json:"code"`
		BackupCode     bool   `json:"backup_code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "bad_request", "Invalid request body")
		return
	}

	result, err := h.gateway.CompleteTwoFactor(ctx, req.ChallengeToken, req.Code, clientIP(r), req.BackupCode)
	if err != nil {
		h.logger.Error("2FA verification failed internally", util.ErrorField(err))
		h.respondWithError(w, http.StatusInternalServerError, "internal_error", "Verification unavailable")
		return
	}

	if !result.Success {
		h.respondWithError(w, failureStatus(result.FailureReason), result.FailureReason, "Verification refused")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(sessionPayload(result.Session), "Two-factor verification successful"))
	h.logger.Info("Admin completed 2FA via HTTP",
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "VerifyTwoFactor"),
	)
}

// SessionCheck reports the state of the presented session
// @Summary Check session
// @Description Validate the bearer token and return session state
// @Tags auth
// @Produce json
// @Success 200 {object} Response
// @Failure 401 {object} Response
// @Router /auth/session [get]
func (h *AuthHandler) SessionCheck(w http.ResponseWriter, r *http.Request) {
	rec := AdminFromContext(r.Context())
	if rec == nil {
		h.respondWithError(w, http.StatusInternalServerError, "internal_error", "Session state unavailable")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]interface{}{
		"username":            rec.Username,
		"two_factor_verified": rec.TwoFactorVerified,
		"expires_at":          rec.SessionExpiresAt,
	}, "Session is valid"))
}

// Logout invalidates the presented session
// @Summary Logout
// @Description Invalidate the current session
// @Tags auth
// @Produce json
// @Success 200 {object} Response
// @Router /auth/logout [post]
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := h.gateway.Logout(ctx, bearerToken(r), clientIP(r)); err != nil {
		h.logger.Error("Logout failed internally", util.ErrorField(err))
		h.respondWithError(w, http.StatusInternalServerError, "internal_error", "Logout unavailable")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Logged out"))
}

// EnrollTwoFactor provisions a fresh TOTP secret
// @Summary Enroll in 2FA
// @Description Generate a TOTP secret and provisioning URI; shown once
// @Tags auth
// @Produce json
// @Success 200 {object} Response
// @Failure 401 {object} Response
// @Failure 403 {object} Response
// @Failure 429 {object} Response
// @Router /auth/2fa/enroll [post]
func (h *AuthHandler) EnrollTwoFactor(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	rec, err := h.gateway.AuthorizeEnrollment(ctx, bearerToken(r), clientIP(r))
	if err != nil {
		h.respondWithAuthError(w, err)
		return
	}

	enrollment, err := h.totp.GenerateSecret(ctx, rec.Username)
	if err != nil {
		h.logger.Error("2FA enrollment failed", util.ErrorField(err))
		h.respondWithError(w, http.StatusInternalServerError, "internal_error", "Enrollment failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]interface{}{
		"secret":         enrollment.Secret,
		"enrollment_uri": enrollment.EnrollmentURI,
	}, "TOTP secret generated; store it now, it will not be shown again"))
	h.logger.Info("Admin enrolled in 2FA via HTTP",
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "EnrollTwoFactor"),
	)
}

// IssueBackupCodes mints a fresh backup code set
// @Summary Issue backup codes
// @Description Replace the backup code set; plaintext codes shown once
// @Tags auth
// @Produce json
// @Success 200 {object} Response
// @Failure 401 {object} Response
// @Failure 403 {object} Response
// @Failure 429 {object} Response
// @Router /auth/2fa/backup-codes [post]
func (h *AuthHandler) IssueBackupCodes(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	rec := AdminFromContext(ctx)
	if rec == nil {
		h.respondWithError(w, http.StatusInternalServerError, "internal_error", "Session state unavailable")
		return
	}

	codes, err := h.totp.GenerateBackupCodes(ctx, rec.Username)
	if err != nil {
		h.logger.Error("Backup code issuance failed", util.ErrorField(err))
		h.respondWithError(w, http.StatusInternalServerError, "internal_error", "Backup code issuance failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]interface{}{
		"backup_codes": codes,
	}, "Backup codes issued; store them now, they will not be shown again"))
}

// Helper Methods

func sessionPayload(s *session.Session) map[string]interface{} {
	return map[string]interface{}{
		"token":        s.Token,
		"claims_token": s.ClaimsToken,
		"expires_at":   s.ExpiresAt,
	}
}

// failureStatus maps a gateway denial reason to an HTTP status
func failureStatus(reason string) int {
	switch reason {
	case gateway.ReasonRateLimited:
		return http.StatusTooManyRequests
	case gateway.ReasonLocked:
		return http.StatusLocked
	default:
		return http.StatusUnauthorized
	}
}

// respondWithAuthError maps gateway sentinel errors to 401/403/429
func (h *AuthHandler) respondWithAuthError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, gateway.ErrRateLimited):
		h.respondWithError(w, http.StatusTooManyRequests, gateway.ReasonRateLimited, "Too many requests")
	case errors.Is(err, gateway.ErrTwoFactorRequired):
		h.respondWithError(w, http.StatusForbidden, "two_factor_required", "Two-factor verification required")
	case errors.Is(err, gateway.ErrUnauthenticated):
		h.respondWithError(w, http.StatusUnauthorized, "unauthenticated", "Not authenticated")
	default:
		h.logger.Error("Authorization failed internally", util.ErrorField(err))
		h.respondWithError(w, http.StatusInternalServerError, "internal_error", "Authorization unavailable")
	}
}

// bearerToken extracts the opaque session token from the Authorization header
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// clientIP strips the port from the remote address; middleware.RealIP has
// already substituted forwarded headers where present
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// respondWithJSON sends a JSON response
func (h *AuthHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

// respondWithError sends an error response
func (h *AuthHandler) respondWithError(w http.ResponseWriter, statusCode int, errStr, message string) {
	h.logger.Warn("HTTP error response",
		util.String("error", errStr),
		util.Int("status_code", statusCode),
		util.String("message", message),
	)
	h.respondWithJSON(w, statusCode, errorResponse(errStr, message))
}
