package storage

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func exercise(t *testing.T, db Database) {
	t.Helper()
	_, err := db.Get([]byte("missing"))
	require.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, db.Put([]byte("pool/a"), []byte("1")))
	require.NoError(t, db.WriteBatch(map[string][]byte{
		"pool/b": []byte("2"),
		"pool/c": []byte("3"),
		"pool/a": nil,
		"other":  []byte("x"),
	}))
	_, err = db.Get([]byte("pool/a"))
	require.ErrorIs(t, err, ErrNotFound)

	value, err := db.Get([]byte("pool/b"))
	require.NoError(t, err)
	require.Equal(t, []byte("2"), value)

	keys, err := db.Keys("pool/")
	require.NoError(t, err)
	require.Equal(t, []string{"pool/b", "pool/c"}, keys)

	require.NoError(t, db.Delete([]byte("pool/b")))
	keys, err = db.Keys("pool/")
	require.NoError(t, err)
	require.Equal(t, []string{"pool/c"}, keys)
}

func TestMemDB(t *testing.T) {
	db := NewMemDB()
	defer db.Close()
	exercise(t, db)
}

func TestLevelDB(t *testing.T) {
	db, err := NewLevelDB(filepath.Join(t.TempDir(), "state"))
	require.NoError(t, err)
	defer db.Close()
	exercise(t, db)
}

func TestMemDBCopiesValues(t *testing.T) {
	db := NewMemDB()
	buf := []byte("abc")
	require.NoError(t, db.Put([]byte("k"), buf))
	buf[0] = 'z'
	value, err := db.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, "abc", string(value))
}
