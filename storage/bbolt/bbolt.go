// Package bbolt provides a BBolt-backed storage.Backend.
//
// Principals, session records and backup codes live in separate buckets.
// Session records are indexed by owner in a second bucket so per-principal
// listings are a prefix scan rather than a full walk.
package bbolt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/hubguard/principal"
	"github.com/jmcleod/hubguard/session"
	"github.com/jmcleod/hubguard/storage"
	"github.com/jmcleod/hubguard/twofactor"
)

var (
	bucketPrincipals    = []byte("principals")
	bucketEmails        = []byte("principal_emails")
	bucketSessions      = []byte("sessions")
	bucketSessionOwners = []byte("session_owners")
	bucketBackupCodes   = []byte("backup_codes")
)

// Store implements storage.Backend backed by a BBolt database.
type Store struct {
	db *bbolt.DB
}

var _ storage.Backend = (*Store)(nil)

// New returns a Store backed by db, creating the buckets if needed.
func New(db *bbolt.DB) (*Store, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketPrincipals, bucketEmails, bucketSessions, bucketSessionOwners, bucketBackupCodes} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Open opens a BBolt database at path and returns a Store.
func Open(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	s, err := New(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func compositeKey(parts ...string) []byte {
	var buf bytes.Buffer
	for i, p := range parts {
		if i > 0 {
			buf.WriteByte(':')
		}
		buf.WriteString(p)
	}
	return buf.Bytes()
}

// ---------------------------------------------------------------------------
// principal.Store
// ---------------------------------------------------------------------------

func (s *Store) CreatePrincipal(_ context.Context, p *principal.Principal) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		emails := tx.Bucket(bucketEmails)
		if emails.Get([]byte(p.Email)) != nil {
			return principal.ErrEmailTaken
		}
		if err := putPrincipal(tx, p); err != nil {
			return err
		}
		return emails.Put([]byte(p.Email), []byte(p.ID))
	})
}

func (s *Store) PrincipalByID(_ context.Context, id string) (*principal.Principal, error) {
	var p *principal.Principal
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		p, err = getPrincipal(tx, id)
		return err
	})
	return p, err
}

func (s *Store) PrincipalByEmail(_ context.Context, email string) (*principal.Principal, error) {
	var p *principal.Principal
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(bucketEmails).Get([]byte(principal.NormalizeEmail(email)))
		if id == nil {
			return principal.ErrNotFound
		}
		var err error
		p, err = getPrincipal(tx, string(id))
		return err
	})
	return p, err
}

func getPrincipal(tx *bbolt.Tx, id string) (*principal.Principal, error) {
	data := tx.Bucket(bucketPrincipals).Get([]byte(id))
	if data == nil {
		return nil, principal.ErrNotFound
	}
	var p principal.Principal
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decoding principal %s: %w", id, err)
	}
	return &p, nil
}

func putPrincipal(tx *bbolt.Tx, p *principal.Principal) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketPrincipals).Put([]byte(p.ID), data)
}

// ---------------------------------------------------------------------------
// session.Store
// ---------------------------------------------------------------------------

func getSession(tx *bbolt.Tx, fingerprint string) (*session.Record, error) {
	data := tx.Bucket(bucketSessions).Get([]byte(fingerprint))
	if data == nil {
		return nil, nil
	}
	var rec session.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding session: %w", err)
	}
	return &rec, nil
}

func putSession(tx *bbolt.Tx, rec *session.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := tx.Bucket(bucketSessions).Put([]byte(rec.Fingerprint), data); err != nil {
		return err
	}
	return tx.Bucket(bucketSessionOwners).Put(compositeKey(rec.Owner, rec.Fingerprint), []byte{1})
}

func deleteSession(tx *bbolt.Tx, rec *session.Record) error {
	if err := tx.Bucket(bucketSessions).Delete([]byte(rec.Fingerprint)); err != nil {
		return err
	}
	return tx.Bucket(bucketSessionOwners).Delete(compositeKey(rec.Owner, rec.Fingerprint))
}

// ownedSession returns the record only when owner holds it.
func ownedSession(tx *bbolt.Tx, fingerprint, owner string) (*session.Record, error) {
	rec, err := getSession(tx, fingerprint)
	if err != nil || rec == nil || rec.Owner != owner {
		return nil, err
	}
	return rec, nil
}

// ownerSessions loads every record of owner via the owner index.
func ownerSessions(tx *bbolt.Tx, owner string) ([]*session.Record, error) {
	prefix := compositeKey(owner, "")
	var out []*session.Record
	c := tx.Bucket(bucketSessionOwners).Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		rec, err := getSession(tx, string(k[len(prefix):]))
		if err != nil {
			return nil, err
		}
		if rec != nil {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *Store) FindByFingerprint(_ context.Context, fingerprint, owner string) (*session.Record, error) {
	var rec *session.Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		rec, err = ownedSession(tx, fingerprint, owner)
		return err
	})
	return rec, err
}

func (s *Store) ListActive(_ context.Context, owner string, now time.Time) ([]*session.Record, error) {
	var out []*session.Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		all, err := ownerSessions(tx, owner)
		if err != nil {
			return err
		}
		for _, rec := range all {
			if rec.ExpiresAt.After(now) {
				out = append(out, rec)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	storage.SortByActivity(out)
	return out, nil
}

func (s *Store) CountActive(ctx context.Context, owner string, now time.Time) (int, error) {
	recs, err := s.ListActive(ctx, owner, now)
	return len(recs), err
}

func (s *Store) UpsertOnLogin(_ context.Context, rec *session.Record) (*session.Record, error) {
	var saved *session.Record
	err := s.db.Update(func(tx *bbolt.Tx) error {
		existing, err := getSession(tx, rec.Fingerprint)
		if err != nil {
			return err
		}
		if existing == nil {
			saved = rec.Clone()
			return putSession(tx, saved)
		}
		if existing.Owner != rec.Owner {
			return session.ErrFingerprintTaken
		}
		existing.LastActiveAt = rec.LastActiveAt
		saved = existing
		return putSession(tx, existing)
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

func (s *Store) Touch(_ context.Context, fingerprint, owner string, at time.Time) (bool, error) {
	found := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		rec, err := ownedSession(tx, fingerprint, owner)
		if err != nil || rec == nil {
			return err
		}
		found = true
		rec.LastActiveAt = at
		return putSession(tx, rec)
	})
	return found, err
}

func (s *Store) DeleteByFingerprint(_ context.Context, fingerprint, owner string) (bool, error) {
	found := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		rec, err := ownedSession(tx, fingerprint, owner)
		if err != nil || rec == nil {
			return err
		}
		found = true
		return deleteSession(tx, rec)
	})
	return found, err
}

func (s *Store) DeleteAllExcept(_ context.Context, owner, keep string) (int, error) {
	n := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		kept, err := ownedSession(tx, keep, owner)
		if err != nil || kept == nil {
			return err
		}
		all, err := ownerSessions(tx, owner)
		if err != nil {
			return err
		}
		for _, rec := range all {
			if rec.Fingerprint == keep {
				continue
			}
			if err := deleteSession(tx, rec); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	n := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		var expired []*session.Record
		err := tx.Bucket(bucketSessions).ForEach(func(_, v []byte) error {
			var rec session.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decoding session: %w", err)
			}
			if !rec.ExpiresAt.After(now) {
				expired = append(expired, &rec)
			}
			return nil
		})
		if err != nil {
			return err
		}
		// Mutating a bucket while iterating it with ForEach is unsafe.
		for _, rec := range expired {
			if err := deleteSession(tx, rec); err != nil {
				return err
			}
		}
		n = len(expired)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) SetCurrent(_ context.Context, owner, fingerprint string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		target, err := ownedSession(tx, fingerprint, owner)
		if err != nil || target == nil {
			return err
		}
		all, err := ownerSessions(tx, owner)
		if err != nil {
			return err
		}
		for _, rec := range all {
			want := rec.Fingerprint == fingerprint
			if rec.IsCurrent == want {
				continue
			}
			rec.IsCurrent = want
			if err := putSession(tx, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// ---------------------------------------------------------------------------
// twofactor.Store
// ---------------------------------------------------------------------------

func (s *Store) TwoFactorState(_ context.Context, principalID string) (string, bool, error) {
	var (
		secret  string
		enabled bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		p, err := getPrincipal(tx, principalID)
		if err != nil {
			return err
		}
		secret, enabled = p.TOTPSecret, p.TOTPEnabled
		return nil
	})
	return secret, enabled, err
}

func (s *Store) SetPendingSecret(_ context.Context, principalID, secret string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		p, err := getPrincipal(tx, principalID)
		if err != nil {
			return err
		}
		if p.TOTPEnabled {
			return twofactor.ErrAlreadyEnabled
		}
		p.TOTPSecret = secret
		return putPrincipal(tx, p)
	})
}

func (s *Store) EnableTwoFactor(_ context.Context, principalID, secret string, codeHashes []string) (bool, error) {
	applied := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		p, err := getPrincipal(tx, principalID)
		if err != nil {
			return err
		}
		if p.TOTPEnabled || p.TOTPSecret != secret {
			return nil
		}
		p.TOTPEnabled = true
		if err := putPrincipal(tx, p); err != nil {
			return err
		}
		if err := replaceCodes(tx, principalID, codeHashes); err != nil {
			return err
		}
		applied = true
		return nil
	})
	return applied, err
}

func (s *Store) DisableTwoFactor(_ context.Context, principalID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		p, err := getPrincipal(tx, principalID)
		if err != nil {
			return err
		}
		p.TOTPSecret = ""
		p.TOTPEnabled = false
		if err := putPrincipal(tx, p); err != nil {
			return err
		}
		return replaceCodes(tx, principalID, nil)
	})
}

func (s *Store) ReplaceBackupCodes(_ context.Context, principalID string, codeHashes []string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		p, err := getPrincipal(tx, principalID)
		if err != nil {
			return err
		}
		if !p.TOTPEnabled {
			return twofactor.ErrNotEnabled
		}
		return replaceCodes(tx, principalID, codeHashes)
	})
}

func (s *Store) ConsumeBackupCode(_ context.Context, principalID, codeHash string) (bool, error) {
	consumed := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketBackupCodes)
		key := compositeKey(principalID, codeHash)
		if b.Get(key) == nil {
			return nil
		}
		consumed = true
		return b.Delete(key)
	})
	return consumed, err
}

func (s *Store) CountBackupCodes(_ context.Context, principalID string) (int, error) {
	n := 0
	prefix := compositeKey(principalID, "")
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketBackupCodes).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			n++
		}
		return nil
	})
	return n, err
}

func replaceCodes(tx *bbolt.Tx, principalID string, codeHashes []string) error {
	b := tx.Bucket(bucketBackupCodes)
	prefix := compositeKey(principalID, "")
	var stale [][]byte
	c := b.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		stale = append(stale, append([]byte(nil), k...))
	}
	for _, k := range stale {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	for _, h := range codeHashes {
		if err := b.Put(compositeKey(principalID, h), []byte{1}); err != nil {
			return err
		}
	}
	return nil
}
