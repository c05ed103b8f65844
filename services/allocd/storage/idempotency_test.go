package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIdempotencyStoreExpires(t *testing.T) {
	store, err := OpenIdempotency(filepath.Join(t.TempDir(), "idem.db"))
	require.NoError(t, err)
	defer store.Close()

	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.Put("alice|POST|/v1/deposits|k1", IdempotencyRecord{
		StatusCode: 200,
		Body:       []byte(`{"operation_id":"op-1"}`),
		StoredAt:   now,
		ExpiresAt:  now.Add(time.Hour),
	}))

	rec, found, err := store.Get("alice|POST|/v1/deposits|k1", now.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 200, rec.StatusCode)
	require.JSONEq(t, `{"operation_id":"op-1"}`, string(rec.Body))

	_, found, err = store.Get("alice|POST|/v1/deposits|k1", now.Add(2*time.Hour))
	require.NoError(t, err)
	require.False(t, found)

	_, found, err = store.Get("alice|POST|/v1/deposits|k1", now)
	require.NoError(t, err)
	require.False(t, found, "expired entries are deleted")
}
