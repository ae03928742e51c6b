package bbolt

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jmcleod/hubguard/storage"
	"github.com/jmcleod/hubguard/storage/storagetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "hubguard-test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestBBoltBackend(t *testing.T) {
	storagetest.RunBackend(t, func(t *testing.T) storage.Backend {
		return newTestStore(t)
	})
}

func TestBBoltPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	s, err := Open(path, nil)
	require.NoError(t, err)

	rec := storagetest.NewRecord("alice", "tok", time.Now().UTC(), time.Now().UTC().Add(time.Hour))
	_, err = s.UpsertOnLogin(context.Background(), rec)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path, nil)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.FindByFingerprint(context.Background(), rec.Fingerprint, "alice")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, rec.UserAgent, got.UserAgent)
}
