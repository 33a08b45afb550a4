package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"admin-auth/internal/audit"
	"admin-auth/internal/config"
	"admin-auth/internal/credentials"
	"admin-auth/internal/gateway"
	"admin-auth/internal/lockout"
	"admin-auth/internal/ratelimit"
	"admin-auth/internal/secrets"
	"admin-auth/internal/session"
	"admin-auth/internal/store"
	"admin-auth/internal/store/memory"
	"admin-auth/internal/twofactor"
)

const (
	adminUser     = "admin"
	adminPassword = "correct horse battery staple"
)

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	ctx := context.Background()

	sec := config.SecurityConfig{
		AdminUsername:      adminUser,
		JWTSecret:          "test-jwt-secret",
		TOTPEnforced:       true,
		MaxFailedAttempts:  5,
		LockoutDuration:    30 * time.Minute,
		SessionDuration:    8 * time.Hour,
		ChallengeDuration:  5 * time.Minute,
		TOTPWindowSteps:    1,
		BackupCodeCount:    10,
		LoginRateLimit:     config.RateLimitRule{MaxRequests: 100, Window: 15 * time.Minute},
		SensitiveRateLimit: config.RateLimitRule{MaxRequests: 100, Window: 10 * time.Minute},
		AdminRateLimit:     config.RateLimitRule{MaxRequests: 300, Window: 5 * time.Minute},
	}

	s := memory.NewStore()
	require.NoError(t, s.PutAdmin(ctx, &store.AdminRecord{Username: adminUser}))

	log := zap.NewNop()
	auditLog := audit.NewLogger(log, s)
	t.Cleanup(auditLog.Close)

	limiter := ratelimit.NewMemoryLimiter()
	tracker := lockout.NewTracker(s, auditLog, log, sec.MaxFailedAttempts, sec.LockoutDuration)

	hash, err := credentials.HashPassword(adminPassword,
		credentials.Argon2Params{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32})
	require.NoError(t, err)

	verifier, err := credentials.NewVerifier(adminUser, hash, limiter, tracker,
		auditLog, log, sec.LoginRateLimit.MaxRequests, sec.LoginRateLimit.Window)
	require.NoError(t, err)

	cipher, err := secrets.NewCipher("test-master-secret",
		secrets.Argon2Params{Memory: 1024, Iterations: 1, Parallelism: 1})
	require.NoError(t, err)

	totpMgr := twofactor.NewManager(s, cipher, auditLog, log,
		"admin-auth", sec.TOTPWindowSteps, sec.BackupCodeCount)

	sessions := session.NewManager(s, auditLog, log, sec.JWTSecret,
		sec.SessionDuration, sec.ChallengeDuration, true)

	gw := gateway.New(verifier, tracker, totpMgr, sessions, limiter, auditLog, log, sec)

	return NewRouter(NewAuthHandler(gw, totpMgr, log), log, false)
}

func doJSON(t *testing.T, router http.Handler, method, path, token string, body interface{}) (*httptest.ResponseRecorder, Response) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	var resp Response
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	return rr, resp
}

func loginToken(t *testing.T, router http.Handler) string {
	t.Helper()
	rr, resp := doJSON(t, router, http.MethodPost, "/api/v1/auth/login", "",
		map[string]string{"username": adminUser, "password": adminPassword})
	require.Equal(t, http.StatusOK, rr.Code)

	data := resp.Data.(map[string]interface{})
	token, _ := data["token"].(string)
	require.NotEmpty(t, token)
	return token
}

func TestHealthEndpoint(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "healthy")
}

func TestLoginEndpoint(t *testing.T) {
	router := newTestRouter(t)

	rr, resp := doJSON(t, router, http.MethodPost, "/api/v1/auth/login", "",
		map[string]string{"username": adminUser, "password": adminPassword})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, resp.Success)

	data := resp.Data.(map[string]interface{})
	assert.NotEmpty(t, data["token"])
	assert.NotEmpty(t, data["claims_token"])
}

func TestLoginEndpointRejectsBadCredentials(t *testing.T) {
	router := newTestRouter(t)

	rr, resp := doJSON(t, router, http.MethodPost, "/api/v1/auth/login", "",
		map[string]string{"username": adminUser, "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.False(t, resp.Success)
	assert.Equal(t, gateway.ReasonInvalidCredentials, resp.Error)
}

func TestLoginEndpointRejectsBadJSON(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewBufferString("{"))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestSessionCheckAndLogout(t *testing.T) {
	router := newTestRouter(t)
	token := loginToken(t, router)

	rr, resp := doJSON(t, router, http.MethodGet, "/api/v1/auth/session", token, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	data := resp.Data.(map[string]interface{})
	assert.Equal(t, adminUser, data["username"])
	assert.Equal(t, false, data["two_factor_verified"])

	rr, _ = doJSON(t, router, http.MethodPost, "/api/v1/auth/logout", token, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr, _ = doJSON(t, router, http.MethodGet, "/api/v1/auth/session", token, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestSessionCheckWithoutToken(t *testing.T) {
	router := newTestRouter(t)

	rr, _ := doJSON(t, router, http.MethodGet, "/api/v1/auth/session", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestEnrollmentFlow(t *testing.T) {
	router := newTestRouter(t)
	token := loginToken(t, router)

	// First enrollment only needs an authenticated session
	rr, resp := doJSON(t, router, http.MethodPost, "/api/v1/auth/2fa/enroll", token, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	data := resp.Data.(map[string]interface{})
	assert.NotEmpty(t, data["secret"])
	assert.NotEmpty(t, data["enrollment_uri"])

	// Re-enrollment replaces a live secret and demands a 2FA-verified session
	rr, _ = doJSON(t, router, http.MethodPost, "/api/v1/auth/2fa/enroll", token, nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	// Backup code issuance is sensitive as well
	rr, _ = doJSON(t, router, http.MethodPost, "/api/v1/auth/2fa/backup-codes", token, nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestUnknownEndpoint(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/no-such-thing", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
