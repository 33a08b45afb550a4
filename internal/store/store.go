package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no record exists for the given key.
	ErrNotFound = errors.New("record not found")

	// ErrConflict is returned when an atomic update loses too many races
	// and gives up. Callers treat it like any other store failure: deny.
	ErrConflict = errors.New("concurrent update conflict")
)

// AdminRecord is the persistent security state for one administrative
// principal, keyed by username.
//
// failedAttempts and lockedUntil are mutated only through the lockout
// tracker; totpSecret and backupCodes hold cipher envelopes, never
// plaintext.
type AdminRecord struct {
	Username string

	TOTPSecret  string // encrypted envelope, empty when not enrolled
	BackupCodes string // encrypted JSON list of unused codes, empty when none

	FailedAttempts int
	LockedUntil    *time.Time

	LastLogin *time.Time
	LastIP    string

	SessionToken      string // opaque token, empty when no live session
	SessionExpiresAt  *time.Time
	TwoFactorVerified bool // whether the live session completed 2FA

	CreatedAt time.Time
	UpdatedAt time.Time
}

// SessionActive reports whether the record carries a live session at t.
func (r *AdminRecord) SessionActive(t time.Time) bool {
	return r.SessionToken != "" && r.SessionExpiresAt != nil && t.Before(*r.SessionExpiresAt)
}

// ClearSession drops the stored session unconditionally.
func (r *AdminRecord) ClearSession() {
	r.SessionToken = ""
	r.SessionExpiresAt = nil
	r.TwoFactorVerified = false
}

// AdminStore is the persistent record contract consumed by the lockout
// tracker, the TOTP manager, and the session manager.
//
// UpdateAdmin must apply mutate atomically with respect to concurrent
// updates of the same username: two racing failed-attempt increments must
// both land. Implementations either serialize per row (memory) or use a
// conditional write with retry (scylla LWT).
type AdminStore interface {
	GetAdmin(ctx context.Context, username string) (*AdminRecord, error)
	PutAdmin(ctx context.Context, rec *AdminRecord) error
	UpdateAdmin(ctx context.Context, username string, mutate func(*AdminRecord) error) (*AdminRecord, error)
	GetAdminBySessionToken(ctx context.Context, token string) (*AdminRecord, error)
}
