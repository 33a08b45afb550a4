package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"admin-auth/internal/audit"
	"admin-auth/internal/store"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session expired")
	ErrIPMismatch      = errors.New("session IP mismatch")
	ErrInvalidClaims   = errors.New("invalid claims token")
)

// Claims is the signed, self-describing view of an authentication state.
// The opaque session token remains the authority; claims exist so
// downstream handlers can read the auth state without a store round trip.
type Claims struct {
	Username          string `json:"username"`
	Authenticated     bool   `json:"authenticated"`
	Requires2FA       bool   `json:"requires_2fa"`
	TwoFactorVerified bool   `json:"two_factor_verified"`
	jwt.RegisteredClaims
}

// Session is what a completed login hands back to the client.
type Session struct {
	Token       string // opaque token, the server-side authority
	ClaimsToken string // signed HS256 claims describing the session
	ExpiresAt   time.Time
}

// Manager issues and validates sessions. One live session per principal:
// issuing a new one overwrites the previous.
type Manager struct {
	store      store.AdminStore
	audit      *audit.Logger
	log        *zap.Logger
	jwtSecret  []byte
	duration   time.Duration
	challenge  time.Duration
	validateIP bool
	now        func() time.Time
}

func NewManager(
	s store.AdminStore,
	auditLog *audit.Logger,
	log *zap.Logger,
	jwtSecret string,
	duration, challenge time.Duration,
	validateIP bool,
) *Manager {
	return &Manager{
		store:      s,
		audit:      auditLog,
		log:        log,
		jwtSecret:  []byte(jwtSecret),
		duration:   duration,
		challenge:  challenge,
		validateIP: validateIP,
		now:        time.Now,
	}
}

func generateToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate session token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func (m *Manager) signClaims(c Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString(m.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("failed to sign claims: %w", err)
	}
	return signed, nil
}

// ParseClaims verifies the signature and expiry of a claims token. Only
// HS256 is accepted; a token claiming any other algorithm is rejected.
func (m *Manager) ParseClaims(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims,
		func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return m.jwtSecret, nil
		},
		jwt.WithTimeFunc(m.now),
		jwt.WithValidMethods([]string{"HS256"}),
	)
	if err != nil || !token.Valid {
		return nil, ErrInvalidClaims
	}
	return claims, nil
}

// Issue creates a new session for the principal, replacing any existing
// one. twoFactorVerified is stamped on the stored record so sensitive-op
// checks consult the server-side state, not the client's claims.
func (m *Manager) Issue(ctx context.Context, username, ip string, twoFactorVerified bool) (*Session, error) {
	token, err := generateToken()
	if err != nil {
		return nil, err
	}

	now := m.now().UTC()
	expires := now.Add(m.duration)

	_, err = m.store.UpdateAdmin(ctx, username, func(r *store.AdminRecord) error {
		r.SessionToken = token
		r.SessionExpiresAt = &expires
		r.TwoFactorVerified = twoFactorVerified
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}

	claimsToken, err := m.signClaims(Claims{
		Username:          username,
		Authenticated:     true,
		Requires2FA:       false,
		TwoFactorVerified: twoFactorVerified,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			Subject:   username,
		},
	})
	if err != nil {
		return nil, err
	}

	m.audit.Record(ctx, audit.Entry{
		Username:  username,
		Action:    audit.ActionSessionIssued,
		Details:   fmt.Sprintf("session issued, expires %s", expires.Format(time.RFC3339)),
		IPAddress: ip,
		Success:   true,
	})

	return &Session{Token: token, ClaimsToken: claimsToken, ExpiresAt: expires}, nil
}

// IssueChallenge mints a short-lived claims token that binds a login whose
// password checked out but whose second factor is still pending. No opaque
// session exists until the challenge is completed.
func (m *Manager) IssueChallenge(username string) (string, error) {
	now := m.now().UTC()
	return m.signClaims(Claims{
		Username:          username,
		Authenticated:     true,
		Requires2FA:       true,
		TwoFactorVerified: false,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.challenge)),
			Subject:   username,
		},
	})
}

// ValidateChallenge checks a pending-2FA token and returns the principal
// it binds.
func (m *Manager) ValidateChallenge(tokenStr string) (string, error) {
	claims, err := m.ParseClaims(tokenStr)
	if err != nil {
		return "", err
	}
	if !claims.Authenticated || !claims.Requires2FA {
		return "", ErrInvalidClaims
	}
	return claims.Username, nil
}

// Validate resolves an opaque token to its record. Expiry is enforced
// lazily here: an expired session is cleared from the store on the read
// that discovers it. When IP pinning is on, a request from a different
// address invalidates the session entirely.
func (m *Manager) Validate(ctx context.Context, token, ip string) (*store.AdminRecord, error) {
	if token == "" {
		return nil, ErrSessionNotFound
	}

	rec, err := m.store.GetAdminBySessionToken(ctx, token)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("session lookup failed: %w", err)
	}

	if !rec.SessionActive(m.now()) {
		m.clearSession(ctx, rec.Username, audit.ActionSessionExpired, "session expired", ip)
		return nil, ErrSessionExpired
	}

	if m.validateIP && rec.LastIP != "" && ip != rec.LastIP {
		m.log.Warn("session presented from unexpected address",
			zap.String("username", rec.Username),
			zap.String("expected_ip", rec.LastIP),
			zap.String("actual_ip", ip))
		m.clearSession(ctx, rec.Username, audit.ActionSessionIPMismatch, "session IP changed, session invalidated", ip)
		return nil, ErrIPMismatch
	}

	return rec, nil
}

// Invalidate drops the principal's session, if any.
func (m *Manager) Invalidate(ctx context.Context, username, ip string) error {
	_, err := m.store.UpdateAdmin(ctx, username, func(r *store.AdminRecord) error {
		r.ClearSession()
		return nil
	})
	if err != nil && err != store.ErrNotFound {
		return fmt.Errorf("failed to invalidate session: %w", err)
	}
	m.audit.Record(ctx, audit.Entry{
		Username:  username,
		Action:    audit.ActionLogout,
		Details:   "session invalidated",
		IPAddress: ip,
		Success:   true,
	})
	return nil
}

func (m *Manager) clearSession(ctx context.Context, username string, action audit.Action, details, ip string) {
	if _, err := m.store.UpdateAdmin(ctx, username, func(r *store.AdminRecord) error {
		r.ClearSession()
		return nil
	}); err != nil && err != store.ErrNotFound {
		m.log.Error("failed to clear session", zap.String("username", username), zap.Error(err))
	}
	m.audit.Record(ctx, audit.Entry{
		Username:  username,
		Action:    action,
		Details:   details,
		IPAddress: ip,
		Success:   false,
	})
}
