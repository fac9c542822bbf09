package storage_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ecliptix-labs/securecore/storage"
)

func openTestStorage(t *testing.T) *storage.BoltSecureStorage {
	t.Helper()
	path := filepath.Join(t.TempDir(), "securecore.db")
	s, err := storage.Open(storage.WithDBPath(path), storage.WithNoPassphrase())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveLoadRoundTrip(t *testing.T) {
	a := require.New(t)
	s := openTestStorage(t)

	key := "0000002a"
	value := []byte("serialized channel state")

	a.NoError(s.Save(key, value))

	got, err := s.Load(key)
	a.NoError(err)
	a.Equal(value, got)
}

func TestLoadMissingKey(t *testing.T) {
	a := require.New(t)
	s := openTestStorage(t)

	_, err := s.Load("missing")
	a.ErrorIs(err, storage.ErrNotFound)
}

func TestDelete(t *testing.T) {
	a := require.New(t)
	s := openTestStorage(t)

	key := "0000002a"
	a.NoError(s.Save(key, []byte("value")))
	a.NoError(s.Delete(key))

	_, err := s.Load(key)
	a.ErrorIs(err, storage.ErrNotFound)
}

func TestTimestampRoundTrip(t *testing.T) {
	a := require.New(t)
	now := time.Unix(1_700_000_000, 0)
	encoded := storage.EncodeTimestamp(now)
	a.Len(encoded, 8)

	decoded, err := storage.DecodeTimestamp(encoded)
	a.NoError(err)
	a.Equal(now.Unix(), decoded.Unix())
}

func TestTimestampKey(t *testing.T) {
	require.Equal(t, "0000002a_timestamp", storage.TimestampKey("0000002a"))
}
