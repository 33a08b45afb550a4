package credentials

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"time"

	"go.uber.org/zap"

	"admin-auth/internal/audit"
	"admin-auth/internal/lockout"
	"admin-auth/internal/ratelimit"
)

// Result is the outcome of a primary-credential check. At most one of
// RateLimited/Locked is set; Success is only true when neither is.
type Result struct {
	Success     bool
	Locked      bool
	RateLimited bool
}

// LoginRateKey scopes the login limiter per client IP.
func LoginRateKey(ip string) string { return "login:" + ip }

// Verifier validates the configured admin principal's username/password,
// gated by the rate limiter and the lockout tracker, in that order.
type Verifier struct {
	username     string
	usernameSum  [sha256.Size]byte
	passwordHash string
	decoyHash    string // verified against when the username is wrong, to keep timing flat

	limiter     ratelimit.Limiter
	lockout     *lockout.Tracker
	audit       *audit.Logger
	log         *zap.Logger
	maxRequests int
	window      time.Duration
}

func NewVerifier(
	username, passwordHash string,
	limiter ratelimit.Limiter,
	tracker *lockout.Tracker,
	auditLog *audit.Logger,
	log *zap.Logger,
	maxRequests int,
	window time.Duration,
) (*Verifier, error) {
	// Hashing a throwaway random password gives a structurally valid decoy
	// so unknown usernames burn the same argon2 work as wrong passwords.
	decoy := make([]byte, 24)
	if _, err := rand.Read(decoy); err != nil {
		return nil, fmt.Errorf("failed to generate decoy credential: %w", err)
	}
	decoyHash, err := HashPassword(hex.EncodeToString(decoy), DefaultArgon2Params())
	if err != nil {
		return nil, err
	}

	if _, _, _, err := decodeHash(passwordHash); err != nil {
		return nil, fmt.Errorf("configured admin password hash is invalid: %w", err)
	}

	return &Verifier{
		username:     username,
		usernameSum:  sha256.Sum256([]byte(username)),
		passwordHash: passwordHash,
		decoyHash:    decoyHash,
		limiter:      limiter,
		lockout:      tracker,
		audit:        auditLog,
		log:          log,
		maxRequests:  maxRequests,
		window:       window,
	}, nil
}

// Verify applies the short-circuit order: rate limit, lockout, then a
// constant-shape credential comparison. A rate-limited request never
// touches lockout state; a locked account fails before any comparison.
// Wrong username and wrong password are indistinguishable to the caller.
func (v *Verifier) Verify(ctx context.Context, username, password, ip string) (Result, error) {
	if !v.limiter.Allow(LoginRateKey(ip), v.maxRequests, v.window) {
		// Throttling is keyed by IP, not account; the typed name is not
		// recorded against anyone.
		v.audit.Record(ctx, audit.Entry{
			Username:  LoginRateKey(ip),
			Action:    audit.ActionLoginRateLimited,
			Details:   "login attempts rate limited",
			IPAddress: ip,
			Success:   false,
		})
		return Result{RateLimited: true}, nil
	}

	locked, err := v.lockout.IsLockedOut(ctx, v.username)
	if err != nil {
		return Result{Locked: true}, err
	}
	if locked {
		v.audit.Record(ctx, audit.Entry{
			Username:  username,
			Action:    audit.ActionLoginFailed,
			Details:   "attempt against locked account",
			IPAddress: ip,
			Success:   false,
		})
		return Result{Locked: true}, nil
	}

	suppliedSum := sha256.Sum256([]byte(username))
	usernameOK := subtle.ConstantTimeCompare(suppliedSum[:], v.usernameSum[:]) == 1

	// Run the slow verify on every path so timing does not reveal whether
	// the username existed.
	target := v.passwordHash
	if !usernameOK {
		target = v.decoyHash
	}
	passwordOK, err := VerifyPassword(password, target)
	if err != nil {
		return Result{}, fmt.Errorf("credential verification failed: %w", err)
	}

	if !usernameOK || !passwordOK {
		// Failures attribute to the configured principal: the lockout
		// budget protects the account, not whatever name was typed.
		if _, err := v.lockout.RecordFailure(ctx, v.username, ip); err != nil {
			v.log.Error("failed to record credential failure", zap.Error(err))
		}
		return Result{}, nil
	}

	return Result{Success: true}, nil
}
