// Package memory is the in-process AdminStore used by tests and
// single-node deployments. All operations serialize on one mutex, which
// makes UpdateAdmin trivially atomic.
package memory

import (
	"context"
	"sync"
	"time"

	"admin-auth/internal/audit"
	"admin-auth/internal/store"
)

type Store struct {
	mu      sync.Mutex
	admins  map[string]*store.AdminRecord
	byToken map[string]string // opaque session token -> username
	entries []audit.Entry
}

func NewStore() *Store {
	return &Store{
		admins:  make(map[string]*store.AdminRecord),
		byToken: make(map[string]string),
	}
}

func clone(r *store.AdminRecord) *store.AdminRecord {
	cp := *r
	if r.LockedUntil != nil {
		t := *r.LockedUntil
		cp.LockedUntil = &t
	}
	if r.LastLogin != nil {
		t := *r.LastLogin
		cp.LastLogin = &t
	}
	if r.SessionExpiresAt != nil {
		t := *r.SessionExpiresAt
		cp.SessionExpiresAt = &t
	}
	return &cp
}

func (s *Store) GetAdmin(ctx context.Context, username string) (*store.AdminRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.admins[username]
	if !ok {
		return nil, store.ErrNotFound
	}
	return clone(rec), nil
}

func (s *Store) PutAdmin(ctx context.Context, rec *store.AdminRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	cp := clone(rec)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now

	if old, ok := s.admins[cp.Username]; ok && old.SessionToken != "" {
		delete(s.byToken, old.SessionToken)
	}
	s.admins[cp.Username] = cp
	if cp.SessionToken != "" {
		s.byToken[cp.SessionToken] = cp.Username
	}
	return nil
}

// UpdateAdmin runs mutate under the store lock, so concurrent updates of
// the same record never lose writes.
func (s *Store) UpdateAdmin(ctx context.Context, username string, mutate func(*store.AdminRecord) error) (*store.AdminRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.admins[username]
	if !ok {
		return nil, store.ErrNotFound
	}

	// Mutate a copy so a failed mutate leaves the stored record untouched
	rec := clone(current)
	if err := mutate(rec); err != nil {
		return nil, err
	}
	rec.UpdatedAt = time.Now().UTC()

	if rec.SessionToken != current.SessionToken {
		if current.SessionToken != "" {
			delete(s.byToken, current.SessionToken)
		}
		if rec.SessionToken != "" {
			s.byToken[rec.SessionToken] = username
		}
	}
	s.admins[username] = rec
	return clone(rec), nil
}

func (s *Store) GetAdminBySessionToken(ctx context.Context, token string) (*store.AdminRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	username, ok := s.byToken[token]
	if !ok {
		return nil, store.ErrNotFound
	}
	rec, ok := s.admins[username]
	if !ok || rec.SessionToken != token {
		return nil, store.ErrNotFound
	}
	return clone(rec), nil
}

// Append implements audit.Sink.
func (s *Store) Append(ctx context.Context, e audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

// AuditEntries returns a snapshot of recorded entries, oldest first.
// Test helper; the core exposes no audit read path.
func (s *Store) AuditEntries() []audit.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audit.Entry, len(s.entries))
	copy(out, s.entries)
	return out
}
