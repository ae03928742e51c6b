// Package principal defines the credential principal that sessions and
// two-factor state hang off, plus the password verifier used at login.
package principal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmcleod/hubguard/internal/uuid"
)

var (
	// ErrNotFound indicates no principal matches the lookup.
	ErrNotFound = errors.New("principal not found")
	// ErrEmailTaken indicates another principal already uses the email.
	ErrEmailTaken = errors.New("email already in use")
	// ErrInvalidCredentials is returned for any failed email/password check.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidInput indicates a malformed signup request.
	ErrInvalidInput = errors.New("invalid input")
)

const minPasswordLen = 8

// Principal is an authenticated identity. TOTPSecret and TOTPEnabled are
// owned by the twofactor package; nothing else writes them.
type Principal struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"password_hash"`
	TOTPSecret   string    `json:"totp_secret,omitempty"`
	TOTPEnabled  bool      `json:"totp_enabled"`
	CreatedAt    time.Time `json:"created_at"`
}

// Store persists principals.
type Store interface {
	// CreatePrincipal inserts p. Returns ErrEmailTaken on a duplicate email.
	CreatePrincipal(ctx context.Context, p *Principal) error
	// PrincipalByID returns ErrNotFound when absent.
	PrincipalByID(ctx context.Context, id string) (*Principal, error)
	// PrincipalByEmail returns ErrNotFound when absent.
	PrincipalByEmail(ctx context.Context, email string) (*Principal, error)
}

// NormalizeEmail lower-cases and trims an email address for lookup.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// New validates the signup input and returns a principal with a fresh ID and
// hashed password. It does not persist anything.
func New(email, password string) (*Principal, error) {
	email = NormalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: a valid email is required", ErrInvalidInput)
	}
	if len(password) < minPasswordLen {
		return nil, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, minPasswordLen)
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	return &Principal{
		ID:           uuid.New(),
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}, nil
}

// Authenticate looks up the principal by email and verifies the password.
// Unknown email and wrong password both yield ErrInvalidCredentials.
func Authenticate(ctx context.Context, store Store, email, password string) (*Principal, error) {
	p, err := store.PrincipalByEmail(ctx, NormalizeEmail(email))
	if errors.Is(err, ErrNotFound) {
		// Burn comparable time so a missing account is not distinguishable.
		_, _ = CheckPassword(dummyHash, password)
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	ok, err := CheckPassword(p.PasswordHash, password)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidCredentials
	}
	return p, nil
}
