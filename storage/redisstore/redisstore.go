// Package redisstore provides a session.Store backed by Redis, for deployments
// that keep principals in the primary database but want session lookups
// off it.
//
// Each record is a hash holding the owner and the JSON-encoded record. A
// set per owner indexes its fingerprints and one sorted set scores every
// fingerprint by expiry for sweeping. Read-modify-write operations use
// WATCH/MULTI; the sweep is a Lua script.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jmcleod/hubguard/session"
	"github.com/jmcleod/hubguard/storage"
)

// DefaultPrefix namespaces every key the store writes.
const DefaultPrefix = "hubguard"

const maxWatchRetries = 8

const (
	fieldOwner  = "owner"
	fieldRecord = "record"
)

const sweepScript = `
local fps = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
local removed = 0
for _, fp in ipairs(fps) do
  local key = ARGV[2] .. fp
  local owner = redis.call("HGET", key, "owner")
  if owner then
    redis.call("DEL", key)
    redis.call("SREM", ARGV[3] .. owner, fp)
    removed = removed + 1
  end
  redis.call("ZREM", KEYS[1], fp)
end
return removed
`

var sweepLua = redis.NewScript(sweepScript)

// Store implements session.Store on Redis.
type Store struct {
	client redis.UniversalClient
	prefix string
}

var _ session.Store = (*Store)(nil)

// New returns a Store using client. An empty prefix selects DefaultPrefix.
func New(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

// Open connects to the Redis server described by url
// (redis://[:password@]host:port/db) and namespaces keys under prefix.
func Open(ctx context.Context, url, prefix string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, unavailable(err)
	}
	return New(client, prefix), nil
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) sessionPrefix() string { return s.prefix + ":session:" }
func (s *Store) ownerPrefix() string   { return s.prefix + ":owner:" }
func (s *Store) expiryKey() string     { return s.prefix + ":expiry" }

func (s *Store) sessionKey(fp string) string  { return s.sessionPrefix() + fp }
func (s *Store) ownerKey(owner string) string { return s.ownerPrefix() + owner }

func unavailable(err error) error {
	return storage.Transient(fmt.Errorf("redis unavailable: %w", err))
}

func expiryScore(t time.Time) float64 {
	return float64(t.UnixMicro())
}

// watch runs fn in an optimistic transaction, retrying when a watched key
// changed underneath it.
func (s *Store) watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for i := 0; i < maxWatchRetries; i++ {
		err := s.client.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil && !errors.Is(err, storage.ErrTransient) && !errors.Is(err, session.ErrFingerprintTaken) {
			return unavailable(err)
		}
		return err
	}
	return unavailable(errors.New("optimistic transaction retries exhausted"))
}

// load reads one record. It returns nil, nil when the key is absent.
func load(ctx context.Context, c redis.Cmdable, key string) (*session.Record, error) {
	data, err := c.HGet(ctx, key, fieldRecord).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(err)
	}
	var rec session.Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("decoding session: %w", err)
	}
	return &rec, nil
}

func (s *Store) save(ctx context.Context, pipe redis.Pipeliner, rec *session.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	pipe.HSet(ctx, s.sessionKey(rec.Fingerprint), fieldOwner, rec.Owner, fieldRecord, data)
	pipe.SAdd(ctx, s.ownerKey(rec.Owner), rec.Fingerprint)
	pipe.ZAdd(ctx, s.expiryKey(), redis.Z{Score: expiryScore(rec.ExpiresAt), Member: rec.Fingerprint})
	return nil
}

func (s *Store) remove(ctx context.Context, pipe redis.Pipeliner, rec *session.Record) {
	pipe.Del(ctx, s.sessionKey(rec.Fingerprint))
	pipe.SRem(ctx, s.ownerKey(rec.Owner), rec.Fingerprint)
	pipe.ZRem(ctx, s.expiryKey(), rec.Fingerprint)
}

// ownerRecords loads every live key indexed under owner.
func (s *Store) ownerRecords(ctx context.Context, c redis.Cmdable, owner string) ([]*session.Record, error) {
	fps, err := c.SMembers(ctx, s.ownerKey(owner)).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	out := make([]*session.Record, 0, len(fps))
	for _, fp := range fps {
		rec, err := load(ctx, c, s.sessionKey(fp))
		if err != nil {
			return nil, err
		}
		if rec != nil && rec.Owner == owner {
			out = append(out, rec)
		}
	}
	return out, nil
}

// watchOwnerRecords extends tx's WATCH to every record currently indexed
// under owner before loading them. The caller must already watch the owner
// set so a fingerprint added after the read aborts the transaction.
func (s *Store) watchOwnerRecords(ctx context.Context, tx *redis.Tx, owner string) ([]*session.Record, error) {
	fps, err := tx.SMembers(ctx, s.ownerKey(owner)).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	if len(fps) > 0 {
		keys := make([]string, len(fps))
		for i, fp := range fps {
			keys[i] = s.sessionKey(fp)
		}
		if err := tx.Watch(ctx, keys...).Err(); err != nil {
			return nil, unavailable(err)
		}
	}
	return s.ownerRecords(ctx, tx, owner)
}

func (s *Store) FindByFingerprint(ctx context.Context, fingerprint, owner string) (*session.Record, error) {
	rec, err := load(ctx, s.client, s.sessionKey(fingerprint))
	if err != nil || rec == nil || rec.Owner != owner {
		return nil, err
	}
	return rec, nil
}

func (s *Store) ListActive(ctx context.Context, owner string, now time.Time) ([]*session.Record, error) {
	all, err := s.ownerRecords(ctx, s.client, owner)
	if err != nil {
		return nil, err
	}
	var out []*session.Record
	for _, rec := range all {
		if rec.ExpiresAt.After(now) {
			out = append(out, rec)
		}
	}
	storage.SortByActivity(out)
	return out, nil
}

func (s *Store) CountActive(ctx context.Context, owner string, now time.Time) (int, error) {
	recs, err := s.ListActive(ctx, owner, now)
	return len(recs), err
}

func (s *Store) UpsertOnLogin(ctx context.Context, rec *session.Record) (*session.Record, error) {
	key := s.sessionKey(rec.Fingerprint)
	var saved *session.Record
	err := s.watch(ctx, func(tx *redis.Tx) error {
		existing, err := load(ctx, tx, key)
		if err != nil {
			return err
		}
		switch {
		case existing == nil:
			saved = rec.Clone()
		case existing.Owner != rec.Owner:
			return session.ErrFingerprintTaken
		default:
			existing.LastActiveAt = rec.LastActiveAt
			saved = existing
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return s.save(ctx, pipe, saved)
		})
		return err
	}, key)
	if err != nil {
		return nil, err
	}
	return saved, nil
}

func (s *Store) Touch(ctx context.Context, fingerprint, owner string, at time.Time) (bool, error) {
	key := s.sessionKey(fingerprint)
	found := false
	err := s.watch(ctx, func(tx *redis.Tx) error {
		rec, err := load(ctx, tx, key)
		if err != nil || rec == nil || rec.Owner != owner {
			return err
		}
		found = true
		rec.LastActiveAt = at
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return s.save(ctx, pipe, rec)
		})
		return err
	}, key)
	return found, err
}

func (s *Store) DeleteByFingerprint(ctx context.Context, fingerprint, owner string) (bool, error) {
	key := s.sessionKey(fingerprint)
	found := false
	err := s.watch(ctx, func(tx *redis.Tx) error {
		found = false
		rec, err := load(ctx, tx, key)
		if err != nil || rec == nil || rec.Owner != owner {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			s.remove(ctx, pipe, rec)
			return nil
		})
		if err == nil {
			found = true
		}
		return err
	}, key)
	return found, err
}

func (s *Store) DeleteAllExcept(ctx context.Context, owner, keep string) (int, error) {
	n := 0
	err := s.watch(ctx, func(tx *redis.Tx) error {
		n = 0
		kept, err := load(ctx, tx, s.sessionKey(keep))
		if err != nil || kept == nil || kept.Owner != owner {
			return err
		}
		all, err := s.ownerRecords(ctx, tx, owner)
		if err != nil {
			return err
		}
		var doomed []*session.Record
		for _, rec := range all {
			if rec.Fingerprint != keep {
				doomed = append(doomed, rec)
			}
		}
		if len(doomed) == 0 {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, rec := range doomed {
				s.remove(ctx, pipe, rec)
			}
			return nil
		})
		if err == nil {
			n = len(doomed)
		}
		return err
	}, s.ownerKey(owner), s.sessionKey(keep))
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	n, err := sweepLua.Run(ctx, s.client,
		[]string{s.expiryKey()},
		strconv.FormatInt(now.UnixMicro(), 10), s.sessionPrefix(), s.ownerPrefix(),
	).Int()
	if err != nil {
		return 0, unavailable(err)
	}
	return n, nil
}

func (s *Store) SetCurrent(ctx context.Context, owner, fingerprint string) error {
	return s.watch(ctx, func(tx *redis.Tx) error {
		all, err := s.watchOwnerRecords(ctx, tx, owner)
		if err != nil {
			return err
		}
		found := false
		for _, rec := range all {
			if rec.Fingerprint == fingerprint {
				found = true
				break
			}
		}
		if !found {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, rec := range all {
				want := rec.Fingerprint == fingerprint
				if rec.IsCurrent == want {
					continue
				}
				rec.IsCurrent = want
				if err := s.save(ctx, pipe, rec); err != nil {
					return err
				}
			}
			return nil
		})
		return err
	}, s.ownerKey(owner))
}
