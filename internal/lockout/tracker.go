package lockout

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"admin-auth/internal/audit"
	"admin-auth/internal/store"
)

// Tracker owns the failed-attempt counter and timed lockout for each
// principal. No other component writes failedAttempts or lockedUntil.
//
// State machine per username:
//
//	Unlocked(n) --[n+1 == max failures]--> Locked(until)
//	Locked(until) --[now >= until]--> Unlocked(0)
//
// Expiry is lazy: it happens on the next IsLockedOut check, not via a
// timer.
type Tracker struct {
	store       store.AdminStore
	audit       *audit.Logger
	log         *zap.Logger
	maxFailures int
	duration    time.Duration
	now         func() time.Time
}

func NewTracker(s store.AdminStore, a *audit.Logger, log *zap.Logger, maxFailures int, duration time.Duration) *Tracker {
	return &Tracker{
		store:       s,
		audit:       a,
		log:         log,
		maxFailures: maxFailures,
		duration:    duration,
		now:         time.Now,
	}
}

// IsLockedOut reports whether the account is currently locked. An expired
// lock is cleared atomically (failedAttempts back to 0) before returning
// false. Store failures report locked: ambiguity fails closed.
func (t *Tracker) IsLockedOut(ctx context.Context, username string) (bool, error) {
	rec, err := t.store.GetAdmin(ctx, username)
	if err != nil {
		if err == store.ErrNotFound {
			return false, nil
		}
		return true, fmt.Errorf("lockout check failed: %w", err)
	}

	if rec.LockedUntil == nil {
		return false, nil
	}

	now := t.now()
	if now.Before(*rec.LockedUntil) {
		return true, nil
	}

	// Lock expired: clear it and reset the counter in one atomic update.
	_, err = t.store.UpdateAdmin(ctx, username, func(r *store.AdminRecord) error {
		if r.LockedUntil != nil && !t.now().Before(*r.LockedUntil) {
			r.LockedUntil = nil
			r.FailedAttempts = 0
		}
		return nil
	})
	if err != nil {
		return true, fmt.Errorf("failed to clear expired lockout: %w", err)
	}

	t.audit.Record(ctx, audit.Entry{
		Username: username,
		Action:   audit.ActionLockoutExpired,
		Details:  "lockout expired, counter reset",
		Success:  true,
	})
	return false, nil
}

// RecordFailure increments the counter atomically and transitions to
// Locked when it reaches the maximum. Reports whether this failure
// triggered the lock.
func (t *Tracker) RecordFailure(ctx context.Context, username, ip string) (locked bool, err error) {
	var attempts int
	_, err = t.store.UpdateAdmin(ctx, username, func(r *store.AdminRecord) error {
		r.FailedAttempts++
		attempts = r.FailedAttempts
		if r.FailedAttempts >= t.maxFailures && r.LockedUntil == nil {
			until := t.now().Add(t.duration)
			r.LockedUntil = &until
			locked = true
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to record auth failure: %w", err)
	}

	if locked {
		t.log.Warn("account locked after repeated failures",
			zap.String("username", username),
			zap.String("ip", ip),
			zap.Int("failed_attempts", attempts))
		t.audit.Record(ctx, audit.Entry{
			Username:  username,
			Action:    audit.ActionAccountLocked,
			Details:   fmt.Sprintf("locked for %s after %d failed attempts", t.duration, attempts),
			IPAddress: ip,
			Success:   false,
		})
	} else {
		t.audit.Record(ctx, audit.Entry{
			Username:  username,
			Action:    audit.ActionLoginFailed,
			Details:   fmt.Sprintf("failed attempt %d of %d", attempts, t.maxFailures),
			IPAddress: ip,
			Success:   false,
		})
	}
	return locked, nil
}

// RecordSuccess resets the counter, clears any lock, and stamps the
// last-login metadata.
func (t *Tracker) RecordSuccess(ctx context.Context, username, ip string) error {
	now := t.now().UTC()
	_, err := t.store.UpdateAdmin(ctx, username, func(r *store.AdminRecord) error {
		r.FailedAttempts = 0
		r.LockedUntil = nil
		r.LastLogin = &now
		r.LastIP = ip
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record auth success: %w", err)
	}
	return nil
}
