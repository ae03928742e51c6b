package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/hubguard/session"
	"github.com/jmcleod/hubguard/storage"
	"github.com/jmcleod/hubguard/storage/storagetest"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := New(client, "test")
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestRedisSessionStore(t *testing.T) {
	storagetest.RunSessionStore(t, func(t *testing.T) session.Store {
		s, _ := newTestStore(t)
		return s
	})
}

func TestSweepClearsIndexes(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	rec := storagetest.NewRecord("alice", "tok", now.Add(-time.Hour), now)
	_, err := s.UpsertOnLogin(ctx, rec)
	require.NoError(t, err)

	n, err := s.DeleteExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.False(t, mr.Exists("test:session:"+rec.Fingerprint))
	members, err := mr.SMembers("test:owner:alice")
	if err == nil {
		assert.Empty(t, members)
	}
	zmembers, err := mr.ZMembers("test:expiry")
	if err == nil {
		assert.Empty(t, zmembers)
	}
}

func TestUnavailableIsTransient(t *testing.T) {
	s, mr := newTestStore(t)
	mr.Close()

	_, err := s.FindByFingerprint(context.Background(), session.Fingerprint("x"), "alice")
	assert.ErrorIs(t, err, storage.ErrTransient)
}

// interleaveHook runs fn before each MULTI/EXEC pipeline the client sends.
type interleaveHook struct {
	attempts int
	fn       func(attempt int)
}

func (h *interleaveHook) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h *interleaveHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook { return next }

func (h *interleaveHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		for _, cmd := range cmds {
			if cmd.Name() == "multi" {
				h.attempts++
				h.fn(h.attempts)
				break
			}
		}
		return next(ctx, cmds)
	}
}

func TestSetCurrentWatchesRecordsAddedBetweenRetries(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := New(client, "test")
	t.Cleanup(func() { _ = s.Close() })
	other := New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test")
	t.Cleanup(func() { _ = other.Close() })

	ctx := context.Background()
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	first := storagetest.NewRecord("alice", "tok-1", now, now.Add(time.Hour))
	_, err := s.UpsertOnLogin(ctx, first)
	require.NoError(t, err)
	second := storagetest.NewRecord("alice", "tok-2", now, now.Add(time.Hour))
	second.IsCurrent = true
	touchedAt := now.Add(time.Minute)

	// A login lands during the first attempt and then touches its record
	// during the retry.
	client.AddHook(&interleaveHook{fn: func(attempt int) {
		switch attempt {
		case 1:
			_, err := other.UpsertOnLogin(ctx, second)
			require.NoError(t, err)
		case 2:
			ok, err := other.Touch(ctx, second.Fingerprint, "alice", touchedAt)
			require.NoError(t, err)
			require.True(t, ok)
		}
	}})

	require.NoError(t, s.SetCurrent(ctx, "alice", first.Fingerprint))

	got, err := s.FindByFingerprint(ctx, second.Fingerprint, "alice")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, touchedAt.Equal(got.LastActiveAt), "touch lost: %v", got.LastActiveAt)
	assert.False(t, got.IsCurrent)

	got, err = s.FindByFingerprint(ctx, first.Fingerprint, "alice")
	require.NoError(t, err)
	assert.True(t, got.IsCurrent)
}
