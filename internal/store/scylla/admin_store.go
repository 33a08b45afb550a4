package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"admin-auth/internal/audit"
	"admin-auth/internal/bucketing"
	"admin-auth/internal/store"
	"admin-auth/internal/util"
)

// AdminStore persists AdminRecord rows in Scylla. Atomic read-modify-write
// uses a version column with a lightweight transaction and retry, so two
// racing failed-attempt increments both land.
type AdminStore struct {
	client   *Client
	bucketer *bucketing.Bucketer
}

const casRetries = 5

func NewAdminStore(client *Client, bucketer *bucketing.Bucketer) *AdminStore {
	return &AdminStore{client: client, bucketer: bucketer}
}

const selectAdmin = `
	SELECT username, totp_secret, backup_codes, failed_attempts, locked_until,
	       last_login, last_ip, session_token, session_expires_at,
	       two_factor_verified, created_at, updated_at, version
	FROM admin_security WHERE username = ?`

func (s *AdminStore) GetAdmin(ctx context.Context, username string) (*store.AdminRecord, error) {
	rec, _, err := s.getWithVersion(ctx, username)
	return rec, err
}

func (s *AdminStore) getWithVersion(ctx context.Context, username string) (*store.AdminRecord, int64, error) {
	rec := &store.AdminRecord{}
	var lockedUntil, lastLogin, sessionExpires time.Time
	var version int64

	err := s.client.Session.Query(selectAdmin, username).WithContext(ctx).Scan(
		&rec.Username, &rec.TOTPSecret, &rec.BackupCodes, &rec.FailedAttempts,
		&lockedUntil, &lastLogin, &rec.LastIP, &rec.SessionToken,
		&sessionExpires, &rec.TwoFactorVerified, &rec.CreatedAt, &rec.UpdatedAt,
		&version)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, 0, store.ErrNotFound
		}
		return nil, 0, fmt.Errorf("failed to get admin record: %w", err)
	}

	rec.LockedUntil = optionalTime(lockedUntil)
	rec.LastLogin = optionalTime(lastLogin)
	rec.SessionExpiresAt = optionalTime(sessionExpires)
	return rec, version, nil
}

func (s *AdminStore) PutAdmin(ctx context.Context, rec *store.AdminRecord) error {
	now := time.Now().UTC()
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	err := s.client.Session.Query(`
		INSERT INTO admin_security (
			username, totp_secret, backup_codes, failed_attempts, locked_until,
			last_login, last_ip, session_token, session_expires_at,
			two_factor_verified, created_at, updated_at, version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		rec.Username, rec.TOTPSecret, rec.BackupCodes, rec.FailedAttempts,
		flatTime(rec.LockedUntil), flatTime(rec.LastLogin), rec.LastIP,
		rec.SessionToken, flatTime(rec.SessionExpiresAt),
		rec.TwoFactorVerified, createdAt, now,
	).WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("failed to put admin record: %w", err)
	}

	if rec.SessionToken != "" {
		s.indexToken(ctx, rec.SessionToken, rec.Username)
	}
	return nil
}

// UpdateAdmin reads the record, applies mutate, and writes back guarded by
// IF version = read version. On contention it re-reads and retries.
func (s *AdminStore) UpdateAdmin(ctx context.Context, username string, mutate func(*store.AdminRecord) error) (*store.AdminRecord, error) {
	for attempt := 0; attempt < casRetries; attempt++ {
		rec, version, err := s.getWithVersion(ctx, username)
		if err != nil {
			return nil, err
		}

		oldToken := rec.SessionToken
		if err := mutate(rec); err != nil {
			return nil, err
		}
		rec.UpdatedAt = time.Now().UTC()

		applied, err := s.client.Session.Query(`
			UPDATE admin_security SET
				totp_secret = ?, backup_codes = ?, failed_attempts = ?,
				locked_until = ?, last_login = ?, last_ip = ?,
				session_token = ?, session_expires_at = ?,
				two_factor_verified = ?, updated_at = ?, version = ?
			WHERE username = ? IF version = ?`,
			rec.TOTPSecret, rec.BackupCodes, rec.FailedAttempts,
			flatTime(rec.LockedUntil), flatTime(rec.LastLogin), rec.LastIP,
			rec.SessionToken, flatTime(rec.SessionExpiresAt),
			rec.TwoFactorVerified, rec.UpdatedAt, version+1,
			username, version,
		).WithContext(ctx).ScanCAS()
		if err != nil {
			return nil, fmt.Errorf("failed to update admin record: %w", err)
		}
		if !applied {
			continue // lost the race, re-read and retry
		}

		if rec.SessionToken != oldToken {
			if oldToken != "" {
				s.dropTokenIndex(ctx, oldToken)
			}
			if rec.SessionToken != "" {
				s.indexToken(ctx, rec.SessionToken, username)
			}
		}
		return rec, nil
	}
	return nil, store.ErrConflict
}

func (s *AdminStore) GetAdminBySessionToken(ctx context.Context, token string) (*store.AdminRecord, error) {
	var username string
	err := s.client.Session.Query(
		`SELECT username FROM admin_by_session_token WHERE session_token = ?`,
		token,
	).WithContext(ctx).Scan(&username)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to look up session token: %w", err)
	}

	rec, err := s.GetAdmin(ctx, username)
	if err != nil {
		return nil, err
	}
	// A stale index row must not resurrect a replaced session.
	if rec.SessionToken != token {
		return nil, store.ErrNotFound
	}
	return rec, nil
}

// Append implements audit.Sink: append-only insert into the bucketed
// audit table.
func (s *AdminStore) Append(ctx context.Context, e audit.Entry) error {
	err := s.client.Session.Query(`
		INSERT INTO security_audit (
			event_bucket, event_date, event_time, id, username, action,
			details, ip_address, user_agent, success
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.bucketer.EventBucket(e.Username), s.bucketer.DateBucket(e.Timestamp),
		e.Timestamp, e.ID, e.Username, string(e.Action),
		e.Details, e.IPAddress, e.UserAgent, e.Success,
	).WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (s *AdminStore) indexToken(ctx context.Context, token, username string) {
	err := s.client.Session.Query(
		`INSERT INTO admin_by_session_token (session_token, username) VALUES (?, ?)`,
		token, username,
	).WithContext(ctx).Exec()
	if err != nil {
		util.Warn("failed to index session token", zap.Error(err))
	}
}

func (s *AdminStore) dropTokenIndex(ctx context.Context, token string) {
	err := s.client.Session.Query(
		`DELETE FROM admin_by_session_token WHERE session_token = ?`,
		token,
	).WithContext(ctx).Exec()
	if err != nil {
		util.Warn("failed to drop session token index", zap.Error(err))
	}
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func flatTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
