package memory

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"admin-auth/internal/store"
)

func TestPutAndGetAdmin(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	_, err := s.GetAdmin(ctx, "admin")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.PutAdmin(ctx, &store.AdminRecord{Username: "admin"}))

	rec, err := s.GetAdmin(ctx, "admin")
	require.NoError(t, err)
	assert.Equal(t, "admin", rec.Username)
	assert.False(t, rec.CreatedAt.IsZero())
}

func TestGetAdminReturnsACopy(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	require.NoError(t, s.PutAdmin(ctx, &store.AdminRecord{Username: "admin"}))

	rec, err := s.GetAdmin(ctx, "admin")
	require.NoError(t, err)
	rec.FailedAttempts = 99

	fresh, err := s.GetAdmin(ctx, "admin")
	require.NoError(t, err)
	assert.Equal(t, 0, fresh.FailedAttempts, "caller mutation must not leak into the store")
}

func TestUpdateAdminFailureLeavesRecordUntouched(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	require.NoError(t, s.PutAdmin(ctx, &store.AdminRecord{Username: "admin"}))

	boom := errors.New("mutate failed")
	_, err := s.UpdateAdmin(ctx, "admin", func(r *store.AdminRecord) error {
		r.FailedAttempts = 42
		return boom
	})
	assert.ErrorIs(t, err, boom)

	rec, err := s.GetAdmin(ctx, "admin")
	require.NoError(t, err)
	assert.Equal(t, 0, rec.FailedAttempts)
}

func TestUpdateAdminUnknownUser(t *testing.T) {
	s := NewStore()
	_, err := s.UpdateAdmin(context.Background(), "nobody", func(r *store.AdminRecord) error {
		return nil
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestConcurrentUpdatesAllLand(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	require.NoError(t, s.PutAdmin(ctx, &store.AdminRecord{Username: "admin"}))

	const updates = 50
	var wg sync.WaitGroup
	for i := 0; i < updates; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UpdateAdmin(ctx, "admin", func(r *store.AdminRecord) error {
				r.FailedAttempts++
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	rec, err := s.GetAdmin(ctx, "admin")
	require.NoError(t, err)
	assert.Equal(t, updates, rec.FailedAttempts)
}

func TestSessionTokenIndex(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	require.NoError(t, s.PutAdmin(ctx, &store.AdminRecord{Username: "admin"}))

	_, err := s.GetAdminBySessionToken(ctx, "tok-1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.UpdateAdmin(ctx, "admin", func(r *store.AdminRecord) error {
		r.SessionToken = "tok-1"
		return nil
	})
	require.NoError(t, err)

	rec, err := s.GetAdminBySessionToken(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "admin", rec.Username)

	// Replacing the token drops the old index entry
	_, err = s.UpdateAdmin(ctx, "admin", func(r *store.AdminRecord) error {
		r.SessionToken = "tok-2"
		return nil
	})
	require.NoError(t, err)

	_, err = s.GetAdminBySessionToken(ctx, "tok-1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	rec, err = s.GetAdminBySessionToken(ctx, "tok-2")
	require.NoError(t, err)
	assert.Equal(t, "admin", rec.Username)

	// Clearing the session drops the index entirely
	_, err = s.UpdateAdmin(ctx, "admin", func(r *store.AdminRecord) error {
		r.ClearSession()
		return nil
	})
	require.NoError(t, err)

	_, err = s.GetAdminBySessionToken(ctx, "tok-2")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
