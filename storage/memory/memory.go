// Package memory provides a thread-safe in-memory storage.Backend.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/jmcleod/hubguard/principal"
	"github.com/jmcleod/hubguard/session"
	"github.com/jmcleod/hubguard/storage"
	"github.com/jmcleod/hubguard/twofactor"
)

// Backend is a thread-safe in-memory storage.Backend. Suitable for tests,
// demos and single-process use; everything is lost on restart.
type Backend struct {
	mu         sync.RWMutex
	principals map[string]*principal.Principal
	byEmail    map[string]string
	sessions   map[string]*session.Record
	backup     map[string]map[string]struct{}
}

var _ storage.Backend = (*Backend)(nil)

// New creates an empty Backend.
func New() *Backend {
	return &Backend{
		principals: make(map[string]*principal.Principal),
		byEmail:    make(map[string]string),
		sessions:   make(map[string]*session.Record),
		backup:     make(map[string]map[string]struct{}),
	}
}

// Close is a no-op.
func (b *Backend) Close() error { return nil }

func clonePrincipal(p *principal.Principal) *principal.Principal {
	cp := *p
	return &cp
}

// ---------------------------------------------------------------------------
// principal.Store
// ---------------------------------------------------------------------------

func (b *Backend) CreatePrincipal(_ context.Context, p *principal.Principal) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.byEmail[p.Email]; ok {
		return principal.ErrEmailTaken
	}
	b.principals[p.ID] = clonePrincipal(p)
	b.byEmail[p.Email] = p.ID
	return nil
}

func (b *Backend) PrincipalByID(_ context.Context, id string) (*principal.Principal, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.principals[id]
	if !ok {
		return nil, principal.ErrNotFound
	}
	return clonePrincipal(p), nil
}

func (b *Backend) PrincipalByEmail(_ context.Context, email string) (*principal.Principal, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	id, ok := b.byEmail[principal.NormalizeEmail(email)]
	if !ok {
		return nil, principal.ErrNotFound
	}
	return clonePrincipal(b.principals[id]), nil
}

// ---------------------------------------------------------------------------
// session.Store
// ---------------------------------------------------------------------------

func (b *Backend) FindByFingerprint(_ context.Context, fingerprint, owner string) (*session.Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	rec, ok := b.sessions[fingerprint]
	if !ok || rec.Owner != owner {
		return nil, nil
	}
	return rec.Clone(), nil
}

func (b *Backend) ListActive(_ context.Context, owner string, now time.Time) ([]*session.Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*session.Record
	for _, rec := range b.sessions {
		if rec.Owner == owner && rec.ExpiresAt.After(now) {
			out = append(out, rec.Clone())
		}
	}
	storage.SortByActivity(out)
	return out, nil
}

func (b *Backend) CountActive(_ context.Context, owner string, now time.Time) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, rec := range b.sessions {
		if rec.Owner == owner && rec.ExpiresAt.After(now) {
			n++
		}
	}
	return n, nil
}

func (b *Backend) UpsertOnLogin(_ context.Context, rec *session.Record) (*session.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.sessions[rec.Fingerprint]; ok {
		if existing.Owner != rec.Owner {
			return nil, session.ErrFingerprintTaken
		}
		existing.LastActiveAt = rec.LastActiveAt
		return existing.Clone(), nil
	}
	b.sessions[rec.Fingerprint] = rec.Clone()
	return rec.Clone(), nil
}

func (b *Backend) Touch(_ context.Context, fingerprint, owner string, at time.Time) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.sessions[fingerprint]
	if !ok || rec.Owner != owner {
		return false, nil
	}
	rec.LastActiveAt = at
	return true, nil
}

func (b *Backend) DeleteByFingerprint(_ context.Context, fingerprint, owner string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.sessions[fingerprint]
	if !ok || rec.Owner != owner {
		return false, nil
	}
	delete(b.sessions, fingerprint)
	return true, nil
}

func (b *Backend) DeleteAllExcept(_ context.Context, owner, keep string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if rec, ok := b.sessions[keep]; !ok || rec.Owner != owner {
		return 0, nil
	}
	n := 0
	for fp, rec := range b.sessions {
		if rec.Owner == owner && fp != keep {
			delete(b.sessions, fp)
			n++
		}
	}
	return n, nil
}

func (b *Backend) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for fp, rec := range b.sessions {
		if !rec.ExpiresAt.After(now) {
			delete(b.sessions, fp)
			n++
		}
	}
	return n, nil
}

func (b *Backend) SetCurrent(_ context.Context, owner, fingerprint string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	target, ok := b.sessions[fingerprint]
	if !ok || target.Owner != owner {
		return nil
	}
	for _, rec := range b.sessions {
		if rec.Owner == owner {
			rec.IsCurrent = false
		}
	}
	target.IsCurrent = true
	return nil
}

// ---------------------------------------------------------------------------
// twofactor.Store
// ---------------------------------------------------------------------------

func (b *Backend) TwoFactorState(_ context.Context, principalID string) (string, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.principals[principalID]
	if !ok {
		return "", false, principal.ErrNotFound
	}
	return p.TOTPSecret, p.TOTPEnabled, nil
}

func (b *Backend) SetPendingSecret(_ context.Context, principalID, secret string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.principals[principalID]
	if !ok {
		return principal.ErrNotFound
	}
	if p.TOTPEnabled {
		return twofactor.ErrAlreadyEnabled
	}
	p.TOTPSecret = secret
	return nil
}

func (b *Backend) EnableTwoFactor(_ context.Context, principalID, secret string, codeHashes []string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.principals[principalID]
	if !ok {
		return false, principal.ErrNotFound
	}
	if p.TOTPEnabled || p.TOTPSecret != secret {
		return false, nil
	}
	p.TOTPEnabled = true
	b.backup[principalID] = hashSet(codeHashes)
	return true, nil
}

func (b *Backend) DisableTwoFactor(_ context.Context, principalID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.principals[principalID]
	if !ok {
		return principal.ErrNotFound
	}
	p.TOTPSecret = ""
	p.TOTPEnabled = false
	delete(b.backup, principalID)
	return nil
}

func (b *Backend) ReplaceBackupCodes(_ context.Context, principalID string, codeHashes []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.principals[principalID]
	if !ok {
		return principal.ErrNotFound
	}
	if !p.TOTPEnabled {
		return twofactor.ErrNotEnabled
	}
	b.backup[principalID] = hashSet(codeHashes)
	return nil
}

func (b *Backend) ConsumeBackupCode(_ context.Context, principalID, codeHash string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	codes := b.backup[principalID]
	if _, ok := codes[codeHash]; !ok {
		return false, nil
	}
	delete(codes, codeHash)
	return true, nil
}

func (b *Backend) CountBackupCodes(_ context.Context, principalID string) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.backup[principalID]), nil
}

func hashSet(hashes []string) map[string]struct{} {
	set := make(map[string]struct{}, len(hashes))
	for _, h := range hashes {
		set[h] = struct{}{}
	}
	return set
}
