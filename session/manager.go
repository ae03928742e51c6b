package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmcleod/hubguard/internal/util"
)

// tokenBytes is the entropy of a raw session token.
const tokenBytes = 32

// Manager owns the lifecycle of session records: registration at login,
// validation on every request, activity tracking and revocation. It holds
// no state of its own; every operation is delegated to the Store.
type Manager struct {
	store    Store
	locator  Locator
	now      func() time.Time
	lifetime time.Duration
	logger   *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithLocator sets the geolocation provider. Defaults to NoLocator.
func WithLocator(l Locator) Option {
	return func(m *Manager) {
		if l != nil {
			m.locator = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLifetime overrides the absolute session lifetime.
func WithLifetime(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.lifetime = d
		}
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager returns a Manager backed by store.
func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		locator:  NoLocator,
		now:      time.Now,
		lifetime: Lifetime,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NewToken returns a fresh raw session token.
func NewToken() (string, error) {
	return util.RandomToken(tokenBytes)
}

// Register mints a new token for principalID, records the session and
// marks it current. The raw token is returned to the caller and never
// persisted.
func (m *Manager) Register(ctx context.Context, principalID string, info RequestInfo) (string, *Record, error) {
	token, err := NewToken()
	if err != nil {
		return "", nil, fmt.Errorf("generating session token: %w", err)
	}
	rec, err := m.RegisterToken(ctx, principalID, token, info)
	if err != nil {
		return "", nil, err
	}
	return token, rec, nil
}

// RegisterToken records a session for an existing token. Registering the
// same token twice yields one record whose LastActiveAt was refreshed.
func (m *Manager) RegisterToken(ctx context.Context, principalID, token string, info RequestInfo) (*Record, error) {
	if principalID == "" || token == "" {
		return nil, errors.New("principal and token are required")
	}
	now := m.now().UTC()
	device := ParseUserAgent(info.UserAgent)
	rec := &Record{
		Owner:          principalID,
		Fingerprint:    Fingerprint(token),
		NetworkOrigin:  info.ClientIP,
		UserAgent:      info.UserAgent,
		DeviceClass:    device.Class,
		BrowserFamily:  device.Browser,
		PlatformFamily: device.Platform,
		Location:       m.locator.Locate(info.ClientIP),
		CreatedAt:      now,
		LastActiveAt:   now,
		ExpiresAt:      now.Add(m.lifetime),
	}

	saved, err := m.store.UpsertOnLogin(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("registering session: %w", err)
	}
	if err := m.store.SetCurrent(ctx, principalID, saved.Fingerprint); err != nil {
		return nil, fmt.Errorf("marking session current: %w", err)
	}
	saved.IsCurrent = true

	m.logger.Debug("session registered",
		"principal_id", principalID,
		"fingerprint", ShortFingerprint(saved.Fingerprint),
		"device", saved.DeviceClass,
	)
	return saved, nil
}

// Validate returns the live record behind token. A missing or expired
// record yields ErrUnauthorized; store failures are returned as-is.
func (m *Manager) Validate(ctx context.Context, token, principalID string) (*Record, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}
	rec, err := m.store.FindByFingerprint(ctx, Fingerprint(token), principalID)
	if err != nil {
		return nil, fmt.Errorf("validating session: %w", err)
	}
	if rec == nil || rec.Expired(m.now()) {
		return nil, ErrUnauthorized
	}
	return rec, nil
}

// TouchActivity sets LastActiveAt to now. Throttling is the caller's job.
func (m *Manager) TouchActivity(ctx context.Context, token, principalID string) error {
	ok, err := m.store.Touch(ctx, Fingerprint(token), principalID, m.now().UTC())
	if err != nil {
		return fmt.Errorf("touching session: %w", err)
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// MarkCurrent makes token's record the principal's only current session.
func (m *Manager) MarkCurrent(ctx context.Context, token, principalID string) error {
	if err := m.store.SetCurrent(ctx, principalID, Fingerprint(token)); err != nil {
		return fmt.Errorf("marking session current: %w", err)
	}
	return nil
}

// Revoke deletes the record behind token. It reports whether a record was
// removed; revoking an absent session is not an error.
func (m *Manager) Revoke(ctx context.Context, token, principalID string) (bool, error) {
	ok, err := m.store.DeleteByFingerprint(ctx, Fingerprint(token), principalID)
	if err != nil {
		return false, fmt.Errorf("revoking session: %w", err)
	}
	return ok, nil
}

// RevokeByFingerprint revokes one of principalID's other sessions.
// identifier is normally a fingerprint taken from the session list; it is
// also tried as a raw token. Revoking the caller's own session through
// this path is refused with ErrConflict.
func (m *Manager) RevokeByFingerprint(ctx context.Context, identifier, principalID, callerToken string) error {
	if identifier == "" {
		return ErrNotFound
	}
	derived := Fingerprint(identifier)
	if callerToken != "" {
		current := Fingerprint(callerToken)
		if identifier == current || derived == current {
			return ErrConflict
		}
	}

	ok, err := m.store.DeleteByFingerprint(ctx, identifier, principalID)
	if err != nil {
		return fmt.Errorf("revoking session: %w", err)
	}
	if !ok {
		ok, err = m.store.DeleteByFingerprint(ctx, derived, principalID)
		if err != nil {
			return fmt.Errorf("revoking session: %w", err)
		}
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// RevokeAllExceptCurrent deletes every session of principalID other than
// the one behind currentToken and returns how many were removed.
func (m *Manager) RevokeAllExceptCurrent(ctx context.Context, principalID, currentToken string) (int, error) {
	if currentToken == "" {
		return 0, ErrUnauthorized
	}
	n, err := m.store.DeleteAllExcept(ctx, principalID, Fingerprint(currentToken))
	if err != nil {
		return 0, fmt.Errorf("revoking sessions: %w", err)
	}
	return n, nil
}

// SweepExpired removes every record whose expiry is at or before now.
func (m *Manager) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	n, err := m.store.DeleteExpired(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("sweeping sessions: %w", err)
	}
	return n, nil
}

// List returns principalID's live sessions, most recently active first.
func (m *Manager) List(ctx context.Context, principalID string) ([]*Record, error) {
	recs, err := m.store.ListActive(ctx, principalID, m.now())
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	return recs, nil
}

// Count returns the number of principalID's live sessions.
func (m *Manager) Count(ctx context.Context, principalID string) (int, error) {
	n, err := m.store.CountActive(ctx, principalID, m.now())
	if err != nil {
		return 0, fmt.Errorf("counting sessions: %w", err)
	}
	return n, nil
}

// Now returns the manager's current time.
func (m *Manager) Now() time.Time {
	return m.now()
}
