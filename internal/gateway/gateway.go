package gateway

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"admin-auth/internal/audit"
	"admin-auth/internal/config"
	"admin-auth/internal/credentials"
	"admin-auth/internal/lockout"
	"admin-auth/internal/ratelimit"
	"admin-auth/internal/session"
	"admin-auth/internal/store"
	"admin-auth/internal/twofactor"
)

// Denial reasons surfaced to clients. They are deliberately coarse: a
// caller learns the category of refusal, never which check tripped inside
// the category.
const (
	ReasonInvalidCredentials = "invalid_credentials"
	ReasonLocked             = "locked"
	ReasonRateLimited        = "rate_limited"
	ReasonInvalid2FA         = "invalid_2fa"
)

var (
	// ErrUnauthenticated maps to 401: no usable session.
	ErrUnauthenticated = errors.New("not authenticated")

	// ErrTwoFactorRequired maps to 403: a session exists but has not
	// completed its second factor.
	ErrTwoFactorRequired = errors.New("two-factor verification required")

	// ErrRateLimited maps to 429.
	ErrRateLimited = errors.New("rate limited")
)

// LoginResult is the outcome of Login or CompleteTwoFactor. Exactly one of
// Session or ChallengeToken is set on success paths; FailureReason is set
// otherwise.
type LoginResult struct {
	Success        bool
	Session        *session.Session
	ChallengeToken string
	FailureReason  string
}

// Gateway chains the security components in their fixed order: rate limit,
// lockout, credentials, second factor, session. It is the only component
// that sequences them; nothing below it calls across layers.
type Gateway struct {
	verifier *credentials.Verifier
	lockout  *lockout.Tracker
	totp     *twofactor.Manager
	sessions *session.Manager
	limiter  ratelimit.Limiter
	audit    *audit.Logger
	log      *zap.Logger

	adminUsername string
	totpEnforced  bool
	sensitiveRate config.RateLimitRule
	adminRate     config.RateLimitRule
}

func New(
	verifier *credentials.Verifier,
	tracker *lockout.Tracker,
	totp *twofactor.Manager,
	sessions *session.Manager,
	limiter ratelimit.Limiter,
	auditLog *audit.Logger,
	log *zap.Logger,
	sec config.SecurityConfig,
) *Gateway {
	return &Gateway{
		verifier:      verifier,
		lockout:       tracker,
		totp:          totp,
		sessions:      sessions,
		limiter:       limiter,
		audit:         auditLog,
		log:           log,
		adminUsername: sec.AdminUsername,
		totpEnforced:  sec.TOTPEnforced,
		sensitiveRate: sec.SensitiveRateLimit,
		adminRate:     sec.AdminRateLimit,
	}
}

// Login runs the primary credential check. When the account is enrolled in
// 2FA the caller receives a short-lived challenge token instead of a
// session; the login is not complete until CompleteTwoFactor succeeds.
func (g *Gateway) Login(ctx context.Context, username, password, ip string) (*LoginResult, error) {
	res, err := g.verifier.Verify(ctx, username, password, ip)
	if err != nil {
		return nil, err
	}
	switch {
	case res.RateLimited:
		return &LoginResult{FailureReason: ReasonRateLimited}, nil
	case res.Locked:
		return &LoginResult{FailureReason: ReasonLocked}, nil
	case !res.Success:
		return &LoginResult{FailureReason: ReasonInvalidCredentials}, nil
	}

	enrolled, err := g.totp.Enrolled(ctx, g.adminUsername)
	if err != nil {
		// A corrupt stored secret denies the login rather than skipping the
		// second factor.
		return nil, fmt.Errorf("2FA state unavailable: %w", err)
	}

	if enrolled {
		challenge, err := g.sessions.IssueChallenge(g.adminUsername)
		if err != nil {
			return nil, err
		}
		return &LoginResult{Success: true, ChallengeToken: challenge}, nil
	}

	if g.totpEnforced {
		g.log.Warn("admin logged in without 2FA enrollment while enforcement is on",
			zap.String("username", g.adminUsername))
	}
	return g.completeLogin(ctx, ip, false)
}

// CompleteTwoFactor finishes a pending login with a TOTP code or, when
// useBackup is set, a single-use backup code. Failed codes draw from the
// same lockout budget as failed passwords.
func (g *Gateway) CompleteTwoFactor(ctx context.Context, challengeToken, code, ip string, useBackup bool) (*LoginResult, error) {
	username, err := g.sessions.ValidateChallenge(challengeToken)
	if err != nil {
		return &LoginResult{FailureReason: ReasonInvalid2FA}, nil
	}
	if username != g.adminUsername {
		return &LoginResult{FailureReason: ReasonInvalid2FA}, nil
	}

	locked, err := g.lockout.IsLockedOut(ctx, username)
	if err != nil {
		return nil, err
	}
	if locked {
		return &LoginResult{FailureReason: ReasonLocked}, nil
	}

	var ok bool
	if useBackup {
		ok, err = g.totp.VerifyBackupCode(ctx, username, code)
	} else {
		ok, err = g.totp.VerifyCode(ctx, username, code)
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		nowLocked, err := g.lockout.RecordFailure(ctx, username, ip)
		if err != nil {
			g.log.Error("failed to record 2FA failure", zap.Error(err))
		}
		if nowLocked {
			return &LoginResult{FailureReason: ReasonLocked}, nil
		}
		return &LoginResult{FailureReason: ReasonInvalid2FA}, nil
	}

	return g.completeLogin(ctx, ip, true)
}

func (g *Gateway) completeLogin(ctx context.Context, ip string, twoFactorVerified bool) (*LoginResult, error) {
	if err := g.lockout.RecordSuccess(ctx, g.adminUsername, ip); err != nil {
		return nil, err
	}
	sess, err := g.sessions.Issue(ctx, g.adminUsername, ip, twoFactorVerified)
	if err != nil {
		return nil, err
	}
	g.audit.Record(ctx, audit.Entry{
		Username:  g.adminUsername,
		Action:    audit.ActionLoginSuccess,
		Details:   "login completed",
		IPAddress: ip,
		Success:   true,
	})
	return &LoginResult{Success: true, Session: sess}, nil
}

// Authorize gates a protected request. sensitive marks operations that
// additionally require a 2FA-verified session. Returns the session's
// record on success; the sentinel errors map to 401, 403 and 429.
func (g *Gateway) Authorize(ctx context.Context, token, ip string, sensitive bool) (*store.AdminRecord, error) {
	rule := g.adminRate
	key := "admin:" + ip
	if sensitive {
		rule = g.sensitiveRate
		key = "sensitive:" + ip
	}
	if !g.limiter.Allow(key, rule.MaxRequests, rule.Window) {
		return nil, ErrRateLimited
	}

	rec, err := g.sessions.Validate(ctx, token, ip)
	if err != nil {
		return nil, g.mapSessionError(token, err)
	}

	if sensitive && !rec.TwoFactorVerified && g.requiresTwoFactor(ctx) {
		g.audit.Record(ctx, audit.Entry{
			Username:  rec.Username,
			Action:    audit.ActionSensitiveDenied,
			Details:   "sensitive operation without 2FA-verified session",
			IPAddress: ip,
			Success:   false,
		})
		return nil, ErrTwoFactorRequired
	}

	return rec, nil
}

// mapSessionError folds session validation failures onto the gateway's
// sentinels. A token that resolves to no session but parses as a live
// pending-2FA challenge is reported as incomplete step-up rather than as
// unauthenticated, so the client completes the second factor instead of
// re-entering a password.
func (g *Gateway) mapSessionError(token string, err error) error {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		if _, cerr := g.sessions.ValidateChallenge(token); cerr == nil {
			return ErrTwoFactorRequired
		}
		return ErrUnauthenticated
	case errors.Is(err, session.ErrSessionExpired),
		errors.Is(err, session.ErrIPMismatch):
		return ErrUnauthenticated
	}
	return err
}

// requiresTwoFactor is true when enforcement is configured or the account
// is enrolled. An account that enrolled voluntarily is held to its own
// bar even with enforcement off.
func (g *Gateway) requiresTwoFactor(ctx context.Context) bool {
	if g.totpEnforced {
		return true
	}
	enrolled, err := g.totp.Enrolled(ctx, g.adminUsername)
	if err != nil {
		return true
	}
	return enrolled
}

// AuthorizeEnrollment gates the 2FA enrollment operation. First enrollment
// only needs an authenticated session, otherwise no account could ever
// enroll; re-enrollment replaces a live secret and is held to the full
// sensitive-operation bar.
func (g *Gateway) AuthorizeEnrollment(ctx context.Context, token, ip string) (*store.AdminRecord, error) {
	if !g.limiter.Allow("sensitive:"+ip, g.sensitiveRate.MaxRequests, g.sensitiveRate.Window) {
		return nil, ErrRateLimited
	}

	rec, err := g.sessions.Validate(ctx, token, ip)
	if err != nil {
		return nil, g.mapSessionError(token, err)
	}

	enrolled, err := g.totp.Enrolled(ctx, rec.Username)
	if err != nil {
		return nil, err
	}
	if enrolled && !rec.TwoFactorVerified {
		g.audit.Record(ctx, audit.Entry{
			Username:  rec.Username,
			Action:    audit.ActionSensitiveDenied,
			Details:   "2FA re-enrollment without 2FA-verified session",
			IPAddress: ip,
			Success:   false,
		})
		return nil, ErrTwoFactorRequired
	}

	return rec, nil
}

// Logout invalidates whatever session the token resolves to. An already
// dead token is not an error.
func (g *Gateway) Logout(ctx context.Context, token, ip string) error {
	rec, err := g.sessions.Validate(ctx, token, ip)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) ||
			errors.Is(err, session.ErrSessionExpired) ||
			errors.Is(err, session.ErrIPMismatch) {
			return nil
		}
		return err
	}
	return g.sessions.Invalidate(ctx, rec.Username, ip)
}
