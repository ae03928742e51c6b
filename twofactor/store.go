package twofactor

import (
	"context"
	"errors"
)

var (
	// ErrInvalidCredential indicates a wrong TOTP or backup code.
	ErrInvalidCredential = errors.New("invalid verification code")
	// ErrNotEnabled indicates an operation that requires 2FA to be on.
	ErrNotEnabled = errors.New("2fa not enabled")
	// ErrAlreadyEnabled indicates setup was requested while 2FA is on.
	ErrAlreadyEnabled = errors.New("2fa already enabled")
	// ErrNoPendingSetup indicates confirmation without a pending secret, or
	// one that changed while confirming.
	ErrNoPendingSetup = errors.New("no pending 2fa setup")
)

// Store persists a principal's second-factor state. Unknown principals
// yield principal.ErrNotFound.
type Store interface {
	// TwoFactorState returns the stored secret and enabled flag.
	TwoFactorState(ctx context.Context, principalID string) (secret string, enabled bool, err error)
	// SetPendingSecret stores secret with 2FA still disabled. It fails with
	// ErrAlreadyEnabled when 2FA is on.
	SetPendingSecret(ctx context.Context, principalID, secret string) error
	// EnableTwoFactor turns 2FA on and replaces the backup codes in one
	// transaction, only if the stored secret still equals secret and 2FA
	// is off. It reports whether the update applied.
	EnableTwoFactor(ctx context.Context, principalID, secret string, codeHashes []string) (bool, error)
	// DisableTwoFactor clears the secret, the flag and all backup codes.
	DisableTwoFactor(ctx context.Context, principalID string) error
	// ReplaceBackupCodes overwrites the backup codes. It fails with
	// ErrNotEnabled when 2FA is off.
	ReplaceBackupCodes(ctx context.Context, principalID string, codeHashes []string) error
	// ConsumeBackupCode deletes the code with the given hash and reports
	// whether it existed. Concurrent calls for one hash succeed at most once.
	ConsumeBackupCode(ctx context.Context, principalID, codeHash string) (bool, error)
	// CountBackupCodes returns the number of unused codes.
	CountBackupCodes(ctx context.Context, principalID string) (int, error)
}
