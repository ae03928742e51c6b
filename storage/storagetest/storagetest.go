// Package storagetest holds conformance tests shared by every storage
// backend.
package storagetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/hubguard/internal/uuid"
	"github.com/jmcleod/hubguard/principal"
	"github.com/jmcleod/hubguard/session"
	"github.com/jmcleod/hubguard/storage"
	"github.com/jmcleod/hubguard/twofactor"
)

var base = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

// NewRecord builds a session record for token owned by owner.
func NewRecord(owner, token string, lastActive, expires time.Time) *session.Record {
	return &session.Record{
		Owner:          owner,
		Fingerprint:    session.Fingerprint(token),
		NetworkOrigin:  "203.0.113.7",
		UserAgent:      "Mozilla/5.0 (X11; Linux x86_64) Firefox/120.0",
		DeviceClass:    session.DeviceDesktop,
		BrowserFamily:  "Firefox",
		PlatformFamily: "Linux",
		Location:       "Unknown",
		CreatedAt:      lastActive,
		LastActiveAt:   lastActive,
		ExpiresAt:      expires,
	}
}

func newPrincipal(email string) *principal.Principal {
	return &principal.Principal{
		ID:           uuid.New(),
		Email:        email,
		PasswordHash: "argon2id$test",
		CreatedAt:    base,
	}
}

// RunBackend runs every conformance test against a full backend.
// newBackend must return an empty backend on each call.
func RunBackend(t *testing.T, newBackend func(t *testing.T) storage.Backend) {
	t.Run("Principals", func(t *testing.T) { testPrincipals(t, newBackend(t)) })
	t.Run("TwoFactor", func(t *testing.T) { testTwoFactor(t, newBackend(t)) })
	RunSessionStore(t, func(t *testing.T) session.Store { return newBackend(t) })
}

// RunSessionStore runs the session.Store conformance tests. newStore must
// return an empty store on each call.
func RunSessionStore(t *testing.T, newStore func(t *testing.T) session.Store) {
	ctx := context.Background()

	t.Run("FindMissing", func(t *testing.T) {
		s := newStore(t)
		rec, err := s.FindByFingerprint(ctx, session.Fingerprint("nope"), "alice")
		require.NoError(t, err)
		assert.Nil(t, rec)
	})

	t.Run("UpsertIsIdempotent", func(t *testing.T) {
		s := newStore(t)
		first := NewRecord("alice", "tok-a", base, base.Add(session.Lifetime))
		_, err := s.UpsertOnLogin(ctx, first)
		require.NoError(t, err)

		again := NewRecord("alice", "tok-a", base.Add(time.Hour), base.Add(time.Hour+session.Lifetime))
		again.NetworkOrigin = "198.51.100.1"
		saved, err := s.UpsertOnLogin(ctx, again)
		require.NoError(t, err)
		assert.True(t, saved.CreatedAt.Equal(base), "created_at must not change")
		assert.True(t, saved.LastActiveAt.Equal(base.Add(time.Hour)))
		assert.True(t, saved.ExpiresAt.Equal(base.Add(session.Lifetime)), "lifetime is fixed at creation")
		assert.Equal(t, "203.0.113.7", saved.NetworkOrigin)

		n, err := s.CountActive(ctx, "alice", base)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("UpsertRejectsOtherOwner", func(t *testing.T) {
		s := newStore(t)
		_, err := s.UpsertOnLogin(ctx, NewRecord("alice", "tok-a", base, base.Add(time.Hour)))
		require.NoError(t, err)
		_, err = s.UpsertOnLogin(ctx, NewRecord("bob", "tok-a", base, base.Add(time.Hour)))
		assert.ErrorIs(t, err, session.ErrFingerprintTaken)
	})

	t.Run("FindScopedToOwner", func(t *testing.T) {
		s := newStore(t)
		rec := NewRecord("alice", "tok-a", base, base.Add(time.Hour))
		_, err := s.UpsertOnLogin(ctx, rec)
		require.NoError(t, err)

		got, err := s.FindByFingerprint(ctx, rec.Fingerprint, "alice")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, rec.Fingerprint, got.Fingerprint)
		assert.Equal(t, session.DeviceDesktop, got.DeviceClass)
		assert.Equal(t, "Firefox", got.BrowserFamily)

		got, err = s.FindByFingerprint(ctx, rec.Fingerprint, "bob")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("ListActiveOrdersAndFilters", func(t *testing.T) {
		s := newStore(t)
		for _, rec := range []*session.Record{
			NewRecord("alice", "old", base.Add(-2*time.Hour), base.Add(time.Hour)),
			NewRecord("alice", "new", base.Add(-time.Minute), base.Add(time.Hour)),
			NewRecord("alice", "dead", base.Add(-time.Second), base),
			NewRecord("bob", "other", base, base.Add(time.Hour)),
		} {
			_, err := s.UpsertOnLogin(ctx, rec)
			require.NoError(t, err)
		}

		recs, err := s.ListActive(ctx, "alice", base)
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Equal(t, session.Fingerprint("new"), recs[0].Fingerprint)
		assert.Equal(t, session.Fingerprint("old"), recs[1].Fingerprint)

		n, err := s.CountActive(ctx, "alice", base)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})

	t.Run("Touch", func(t *testing.T) {
		s := newStore(t)
		rec := NewRecord("alice", "tok-a", base, base.Add(time.Hour))
		_, err := s.UpsertOnLogin(ctx, rec)
		require.NoError(t, err)

		ok, err := s.Touch(ctx, rec.Fingerprint, "alice", base.Add(10*time.Minute))
		require.NoError(t, err)
		assert.True(t, ok)
		got, err := s.FindByFingerprint(ctx, rec.Fingerprint, "alice")
		require.NoError(t, err)
		assert.True(t, got.LastActiveAt.Equal(base.Add(10*time.Minute)))

		ok, err = s.Touch(ctx, rec.Fingerprint, "bob", base)
		require.NoError(t, err)
		assert.False(t, ok)
		ok, err = s.Touch(ctx, session.Fingerprint("missing"), "alice", base)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("DeleteByFingerprint", func(t *testing.T) {
		s := newStore(t)
		rec := NewRecord("alice", "tok-a", base, base.Add(time.Hour))
		_, err := s.UpsertOnLogin(ctx, rec)
		require.NoError(t, err)

		ok, err := s.DeleteByFingerprint(ctx, rec.Fingerprint, "bob")
		require.NoError(t, err)
		assert.False(t, ok, "other owners cannot delete")

		ok, err = s.DeleteByFingerprint(ctx, rec.Fingerprint, "alice")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.DeleteByFingerprint(ctx, rec.Fingerprint, "alice")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("DeleteAllExcept", func(t *testing.T) {
		s := newStore(t)
		for _, rec := range []*session.Record{
			NewRecord("alice", "a", base, base.Add(time.Hour)),
			NewRecord("alice", "b", base, base.Add(time.Hour)),
			NewRecord("alice", "c", base, base.Add(time.Hour)),
			NewRecord("bob", "d", base, base.Add(time.Hour)),
		} {
			_, err := s.UpsertOnLogin(ctx, rec)
			require.NoError(t, err)
		}

		n, err := s.DeleteAllExcept(ctx, "alice", session.Fingerprint("d"))
		require.NoError(t, err)
		assert.Zero(t, n, "keeping a record alice does not own deletes nothing")

		n, err = s.DeleteAllExcept(ctx, "alice", session.Fingerprint("a"))
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		recs, err := s.ListActive(ctx, "alice", base)
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, session.Fingerprint("a"), recs[0].Fingerprint)

		bob, err := s.CountActive(ctx, "bob", base)
		require.NoError(t, err)
		assert.Equal(t, 1, bob)
	})

	t.Run("DeleteExpiredBoundary", func(t *testing.T) {
		s := newStore(t)
		for _, rec := range []*session.Record{
			NewRecord("alice", "past", base.Add(-time.Hour), base.Add(-time.Second)),
			NewRecord("alice", "edge", base.Add(-time.Hour), base),
			NewRecord("alice", "live", base.Add(-time.Hour), base.Add(time.Second)),
		} {
			_, err := s.UpsertOnLogin(ctx, rec)
			require.NoError(t, err)
		}

		n, err := s.DeleteExpired(ctx, base)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		live, err := s.FindByFingerprint(ctx, session.Fingerprint("live"), "alice")
		require.NoError(t, err)
		assert.NotNil(t, live)
		edge, err := s.FindByFingerprint(ctx, session.Fingerprint("edge"), "alice")
		require.NoError(t, err)
		assert.Nil(t, edge)

		n, err = s.DeleteExpired(ctx, base)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("SetCurrent", func(t *testing.T) {
		s := newStore(t)
		for _, tok := range []string{"a", "b"} {
			_, err := s.UpsertOnLogin(ctx, NewRecord("alice", tok, base, base.Add(time.Hour)))
			require.NoError(t, err)
		}
		_, err := s.UpsertOnLogin(ctx, NewRecord("bob", "c", base, base.Add(time.Hour)))
		require.NoError(t, err)
		require.NoError(t, s.SetCurrent(ctx, "bob", session.Fingerprint("c")))

		require.NoError(t, s.SetCurrent(ctx, "alice", session.Fingerprint("a")))
		require.NoError(t, s.SetCurrent(ctx, "alice", session.Fingerprint("b")))
		assertCurrent(t, s, "alice", session.Fingerprint("b"))

		require.NoError(t, s.SetCurrent(ctx, "alice", session.Fingerprint("missing")))
		assertCurrent(t, s, "alice", session.Fingerprint("b"))
		assertCurrent(t, s, "bob", session.Fingerprint("c"))
	})
}

func assertCurrent(t *testing.T, s session.Store, owner, want string) {
	t.Helper()
	recs, err := s.ListActive(context.Background(), owner, base)
	require.NoError(t, err)
	current := 0
	for _, rec := range recs {
		if rec.IsCurrent {
			current++
			assert.Equal(t, want, rec.Fingerprint)
		}
	}
	assert.Equal(t, 1, current, "exactly one current session")
}

func testPrincipals(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	p := newPrincipal("alice@example.com")
	require.NoError(t, b.CreatePrincipal(ctx, p))

	got, err := b.PrincipalByID(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.Email, got.Email)
	assert.True(t, got.CreatedAt.Equal(p.CreatedAt))

	got, err = b.PrincipalByEmail(ctx, "  Alice@Example.com ")
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)

	err = b.CreatePrincipal(ctx, newPrincipal("alice@example.com"))
	assert.ErrorIs(t, err, principal.ErrEmailTaken)

	_, err = b.PrincipalByID(ctx, uuid.New())
	assert.ErrorIs(t, err, principal.ErrNotFound)
	_, err = b.PrincipalByEmail(ctx, "nobody@example.com")
	assert.ErrorIs(t, err, principal.ErrNotFound)
}

func testTwoFactor(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	p := newPrincipal("bob@example.com")
	require.NoError(t, b.CreatePrincipal(ctx, p))

	secret, enabled, err := b.TwoFactorState(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, secret)
	assert.False(t, enabled)

	require.NoError(t, b.SetPendingSecret(ctx, p.ID, "SECRETONE"))
	require.NoError(t, b.SetPendingSecret(ctx, p.ID, "SECRETTWO"))

	hashes := []string{
		twofactor.BackupCodeHash(p.ID, "AAAA1111"),
		twofactor.BackupCodeHash(p.ID, "BBBB2222"),
		twofactor.BackupCodeHash(p.ID, "CCCC3333"),
	}
	ok, err := b.EnableTwoFactor(ctx, p.ID, "SECRETONE", hashes)
	require.NoError(t, err)
	assert.False(t, ok, "stale secret must not enable")

	ok, err = b.EnableTwoFactor(ctx, p.ID, "SECRETTWO", hashes)
	require.NoError(t, err)
	assert.True(t, ok)

	secret, enabled, err = b.TwoFactorState(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "SECRETTWO", secret)
	assert.True(t, enabled)

	err = b.SetPendingSecret(ctx, p.ID, "SECRETTHREE")
	assert.ErrorIs(t, err, twofactor.ErrAlreadyEnabled)

	n, err := b.CountBackupCodes(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	ok, err = b.ConsumeBackupCode(ctx, p.ID, hashes[0])
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = b.ConsumeBackupCode(ctx, p.ID, hashes[0])
	require.NoError(t, err)
	assert.False(t, ok, "a consumed code never matches again")

	t.Run("ConcurrentConsumeSucceedsOnce", func(t *testing.T) {
		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			consumed int
		)
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := b.ConsumeBackupCode(ctx, p.ID, hashes[1])
				assert.NoError(t, err)
				if ok {
					mu.Lock()
					consumed++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, consumed)
	})

	n, err = b.CountBackupCodes(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	fresh := []string{twofactor.BackupCodeHash(p.ID, "DDDD4444")}
	require.NoError(t, b.ReplaceBackupCodes(ctx, p.ID, fresh))
	ok, err = b.ConsumeBackupCode(ctx, p.ID, hashes[2])
	require.NoError(t, err)
	assert.False(t, ok, "replaced codes are invalidated")

	require.NoError(t, b.DisableTwoFactor(ctx, p.ID))
	secret, enabled, err = b.TwoFactorState(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, secret)
	assert.False(t, enabled)
	n, err = b.CountBackupCodes(ctx, p.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	err = b.ReplaceBackupCodes(ctx, p.ID, fresh)
	assert.ErrorIs(t, err, twofactor.ErrNotEnabled)

	_, _, err = b.TwoFactorState(ctx, uuid.New())
	assert.ErrorIs(t, err, principal.ErrNotFound)
}
