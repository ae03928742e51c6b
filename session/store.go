package session

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates no session record matches. Callers revoking a
	// session treat it as already revoked.
	ErrNotFound = errors.New("session not found")
	// ErrUnauthorized indicates the session is missing or expired and the
	// caller must be logged out.
	ErrUnauthorized = errors.New("session invalid or expired")
	// ErrConflict is returned when a caller tries to revoke its own active
	// session through the by-identifier path.
	ErrConflict = errors.New("cannot revoke current session")
	// ErrFingerprintTaken indicates an upsert collided with a record owned by
	// a different principal.
	ErrFingerprintTaken = errors.New("session fingerprint owned by another principal")
)

// Store is the persisted table of session records. Every method is a single
// transactional unit against the backing store; implementations hold no
// cache.
type Store interface {
	// FindByFingerprint returns the owner's record or nil, nil when absent.
	FindByFingerprint(ctx context.Context, fingerprint, owner string) (*Record, error)
	// ListActive returns the owner's records with ExpiresAt after now,
	// most recently active first.
	ListActive(ctx context.Context, owner string, now time.Time) ([]*Record, error)
	// CountActive counts the owner's records with ExpiresAt after now.
	CountActive(ctx context.Context, owner string, now time.Time) (int, error)
	// UpsertOnLogin inserts rec, or when a record with the same fingerprint
	// already exists for rec.Owner, sets its LastActiveAt to
	// rec.LastActiveAt and returns it unchanged otherwise. A fingerprint held
	// by another owner yields ErrFingerprintTaken.
	UpsertOnLogin(ctx context.Context, rec *Record) (*Record, error)
	// Touch sets LastActiveAt. It reports false when no record matched.
	Touch(ctx context.Context, fingerprint, owner string, at time.Time) (bool, error)
	// DeleteByFingerprint reports false when no record matched.
	DeleteByFingerprint(ctx context.Context, fingerprint, owner string) (bool, error)
	// DeleteAllExcept deletes every record of owner except keep. When keep
	// is not one of owner's records nothing is deleted.
	DeleteAllExcept(ctx context.Context, owner, keep string) (int, error)
	// DeleteExpired removes every record with ExpiresAt <= now.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
	// SetCurrent clears IsCurrent on the owner's other records and sets it
	// on fingerprint, atomically. Unknown fingerprints leave state untouched.
	SetCurrent(ctx context.Context, owner, fingerprint string) error
}
