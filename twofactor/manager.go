package twofactor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// DefaultIssuer labels provisioning URIs.
const DefaultIssuer = "HUBGUARD"

// Status summarizes a principal's second-factor state.
type Status struct {
	Enabled              bool `json:"enabled"`
	Pending              bool `json:"pending"`
	BackupCodesRemaining int  `json:"backup_codes_remaining"`
}

// Provisioning is what a client needs to enroll an authenticator app.
type Provisioning struct {
	Secret string `json:"secret"`
	URI    string `json:"otpauth_url"`
	QRCode string `json:"qr_code"`
}

// Manager drives the Disabled -> PendingSetup -> Enabled state machine and
// verifies second factors at login. It never touches session state.
type Manager struct {
	store       Store
	issuer      string
	backupCount int
	now         func() time.Time
	logger      *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithIssuer sets the issuer shown by authenticator apps.
func WithIssuer(issuer string) Option {
	return func(m *Manager) {
		if issuer != "" {
			m.issuer = issuer
		}
	}
}

// WithBackupCodeCount sets how many backup codes are issued per batch.
func WithBackupCodeCount(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.backupCount = n
		}
	}
}

// WithClock overrides the time source used for TOTP.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager returns a Manager backed by store.
func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:       store,
		issuer:      DefaultIssuer,
		backupCount: DefaultBackupCodeCount,
		now:         time.Now,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State reports whether 2FA is enabled or pending and how many backup
// codes remain.
func (m *Manager) State(ctx context.Context, principalID string) (Status, error) {
	secret, enabled, err := m.store.TwoFactorState(ctx, principalID)
	if err != nil {
		return Status{}, fmt.Errorf("loading 2fa state: %w", err)
	}
	st := Status{Enabled: enabled, Pending: !enabled && secret != ""}
	if enabled {
		n, err := m.store.CountBackupCodes(ctx, principalID)
		if err != nil {
			return Status{}, fmt.Errorf("counting backup codes: %w", err)
		}
		st.BackupCodesRemaining = n
	}
	return st, nil
}

// BeginSetup stores a fresh pending secret and returns the provisioning
// data for it. Calling it again before confirmation replaces the secret.
func (m *Manager) BeginSetup(ctx context.Context, principalID, accountLabel string) (Provisioning, error) {
	secret, err := GenerateSecret()
	if err != nil {
		return Provisioning{}, fmt.Errorf("generating totp secret: %w", err)
	}
	if err := m.store.SetPendingSecret(ctx, principalID, secret); err != nil {
		return Provisioning{}, err
	}
	uri := ProvisioningURI(secret, m.issuer, accountLabel)
	qr, err := qrDataURI(uri)
	if err != nil {
		return Provisioning{}, err
	}
	return Provisioning{Secret: secret, URI: uri, QRCode: qr}, nil
}

// ConfirmSetup verifies token against the pending secret and, on success,
// enables 2FA with a fresh batch of backup codes. The plaintext codes are
// returned exactly once.
func (m *Manager) ConfirmSetup(ctx context.Context, principalID, token string) ([]string, error) {
	secret, enabled, err := m.store.TwoFactorState(ctx, principalID)
	if err != nil {
		return nil, fmt.Errorf("loading 2fa state: %w", err)
	}
	if enabled {
		return nil, ErrAlreadyEnabled
	}
	if secret == "" {
		return nil, ErrNoPendingSetup
	}
	if !ValidateCode(secret, token, m.now()) {
		return nil, ErrInvalidCredential
	}

	codes, hashes, err := GenerateBackupCodes(principalID, m.backupCount)
	if err != nil {
		return nil, err
	}
	ok, err := m.store.EnableTwoFactor(ctx, principalID, secret, hashes)
	if err != nil {
		return nil, fmt.Errorf("enabling 2fa: %w", err)
	}
	if !ok {
		return nil, ErrNoPendingSetup
	}
	return codes, nil
}

// VerifyLogin checks a second factor for a principal that has passed the
// password step. A wrong code is reported as false, never as an error.
// In backup mode a matching code is consumed in the same store operation.
func (m *Manager) VerifyLogin(ctx context.Context, principalID, token string, useBackup bool) (bool, error) {
	secret, enabled, err := m.store.TwoFactorState(ctx, principalID)
	if err != nil {
		return false, fmt.Errorf("loading 2fa state: %w", err)
	}
	if !enabled {
		return false, nil
	}

	if !useBackup {
		return ValidateCode(secret, token, m.now()), nil
	}

	hash := BackupCodeHash(principalID, token)
	if hash == "" {
		return false, nil
	}
	ok, err := m.store.ConsumeBackupCode(ctx, principalID, hash)
	if err != nil {
		return false, fmt.Errorf("consuming backup code: %w", err)
	}
	if ok {
		m.logger.Info("backup code consumed", "principal_id", principalID)
	}
	return ok, nil
}

// Disable clears the secret, the enabled flag and every backup code.
func (m *Manager) Disable(ctx context.Context, principalID string) error {
	if err := m.store.DisableTwoFactor(ctx, principalID); err != nil {
		return fmt.Errorf("disabling 2fa: %w", err)
	}
	return nil
}

// RegenerateBackupCodes replaces every backup code with a fresh batch.
func (m *Manager) RegenerateBackupCodes(ctx context.Context, principalID string) ([]string, error) {
	codes, hashes, err := GenerateBackupCodes(principalID, m.backupCount)
	if err != nil {
		return nil, err
	}
	if err := m.store.ReplaceBackupCodes(ctx, principalID, hashes); err != nil {
		return nil, err
	}
	return codes, nil
}

// TokenPresent reports whether a submitted code has any content.
func TokenPresent(token string) bool {
	return strings.TrimSpace(token) != ""
}
