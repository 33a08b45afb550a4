package session

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"admin-auth/internal/audit"
	"admin-auth/internal/store"
	"admin-auth/internal/store/memory"
)

const jwtTestSecret = "test-jwt-secret"

func newTestManager(t *testing.T, validateIP bool) (*Manager, *memory.Store) {
	t.Helper()

	s := memory.NewStore()
	require.NoError(t, s.PutAdmin(context.Background(), &store.AdminRecord{Username: "admin"}))

	auditLog := audit.NewLogger(zap.NewNop(), s)
	t.Cleanup(auditLog.Close)

	return NewManager(s, auditLog, zap.NewNop(), jwtTestSecret,
		8*time.Hour, 5*time.Minute, validateIP), s
}

func TestIssueAndValidate(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, true)

	sess, err := m.Issue(ctx, "admin", "10.0.0.1", true)
	require.NoError(t, err)
	assert.NotEmpty(t, sess.Token)
	assert.NotEmpty(t, sess.ClaimsToken)

	rec, err := m.Validate(ctx, sess.Token, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "admin", rec.Username)
	assert.True(t, rec.TwoFactorVerified)

	claims, err := m.ParseClaims(sess.ClaimsToken)
	require.NoError(t, err)
	assert.Equal(t, "admin", claims.Username)
	assert.True(t, claims.Authenticated)
	assert.True(t, claims.TwoFactorVerified)
	assert.False(t, claims.Requires2FA)
}

func TestValidateUnknownToken(t *testing.T) {
	m, _ := newTestManager(t, true)

	_, err := m.Validate(context.Background(), "no-such-token", "10.0.0.1")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = m.Validate(context.Background(), "", "10.0.0.1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestIssueReplacesPreviousSession(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, true)

	first, err := m.Issue(ctx, "admin", "10.0.0.1", true)
	require.NoError(t, err)
	second, err := m.Issue(ctx, "admin", "10.0.0.1", true)
	require.NoError(t, err)
	require.NotEqual(t, first.Token, second.Token)

	_, err = m.Validate(ctx, first.Token, "10.0.0.1")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = m.Validate(ctx, second.Token, "10.0.0.1")
	assert.NoError(t, err)
}

func TestValidateExpiresLazily(t *testing.T) {
	ctx := context.Background()
	m, s := newTestManager(t, true)

	current := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return current }

	sess, err := m.Issue(ctx, "admin", "10.0.0.1", true)
	require.NoError(t, err)

	current = current.Add(8*time.Hour - time.Second)
	_, err = m.Validate(ctx, sess.Token, "10.0.0.1")
	require.NoError(t, err)

	current = current.Add(2 * time.Second)
	_, err = m.Validate(ctx, sess.Token, "10.0.0.1")
	assert.ErrorIs(t, err, ErrSessionExpired)

	// The expired session was cleared from the record on that read
	rec, err := s.GetAdmin(ctx, "admin")
	require.NoError(t, err)
	assert.Empty(t, rec.SessionToken)
	assert.False(t, rec.TwoFactorVerified)
}

func TestValidateIPPinning(t *testing.T) {
	ctx := context.Background()
	m, s := newTestManager(t, true)

	// LastIP is stamped by the login path; simulate it here
	_, err := s.UpdateAdmin(ctx, "admin", func(r *store.AdminRecord) error {
		r.LastIP = "10.0.0.1"
		return nil
	})
	require.NoError(t, err)

	sess, err := m.Issue(ctx, "admin", "10.0.0.1", true)
	require.NoError(t, err)

	_, err = m.Validate(ctx, sess.Token, "192.168.1.50")
	assert.ErrorIs(t, err, ErrIPMismatch)

	// The mismatch invalidated the session for everyone, original IP included
	_, err = m.Validate(ctx, sess.Token, "10.0.0.1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestValidateIPPinningDisabled(t *testing.T) {
	ctx := context.Background()
	m, s := newTestManager(t, false)

	_, err := s.UpdateAdmin(ctx, "admin", func(r *store.AdminRecord) error {
		r.LastIP = "10.0.0.1"
		return nil
	})
	require.NoError(t, err)

	sess, err := m.Issue(ctx, "admin", "10.0.0.1", true)
	require.NoError(t, err)

	_, err = m.Validate(ctx, sess.Token, "192.168.1.50")
	assert.NoError(t, err)
}

func TestInvalidate(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, true)

	sess, err := m.Issue(ctx, "admin", "10.0.0.1", true)
	require.NoError(t, err)

	require.NoError(t, m.Invalidate(ctx, "admin", "10.0.0.1"))

	_, err = m.Validate(ctx, sess.Token, "10.0.0.1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestChallengeRoundTrip(t *testing.T) {
	m, _ := newTestManager(t, true)

	token, err := m.IssueChallenge("admin")
	require.NoError(t, err)

	username, err := m.ValidateChallenge(token)
	require.NoError(t, err)
	assert.Equal(t, "admin", username)
}

func TestChallengeExpires(t *testing.T) {
	m, _ := newTestManager(t, true)

	current := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return current }

	token, err := m.IssueChallenge("admin")
	require.NoError(t, err)

	current = current.Add(6 * time.Minute)
	_, err = m.ValidateChallenge(token)
	assert.ErrorIs(t, err, ErrInvalidClaims)
}

func TestFullSessionTokenIsNotAChallenge(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, true)

	sess, err := m.Issue(ctx, "admin", "10.0.0.1", true)
	require.NoError(t, err)

	// A completed session's claims must not pass as a pending-2FA proof
	_, err = m.ValidateChallenge(sess.ClaimsToken)
	assert.ErrorIs(t, err, ErrInvalidClaims)
}

func TestParseClaimsRejectsForgery(t *testing.T) {
	m, _ := newTestManager(t, true)

	// Signed with the wrong key
	forged := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Username:      "admin",
		Authenticated: true,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := forged.SignedString([]byte("attacker-key"))
	require.NoError(t, err)

	_, err = m.ParseClaims(signed)
	assert.ErrorIs(t, err, ErrInvalidClaims)

	// Unsigned token is rejected outright
	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{Username: "admin"})
	raw, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = m.ParseClaims(raw)
	assert.ErrorIs(t, err, ErrInvalidClaims)
}
