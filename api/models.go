package api

import "time"

// SignupRequest is the body for POST /auth/signup.
type SignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Remember bool   `json:"remember"`
}

// LoginRequest is the body for POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Remember bool   `json:"remember"`
}

// LoginResponse reports either a completed login or that a second factor is
// still required.
type LoginResponse struct {
	PrincipalID       string `json:"principal_id,omitempty"`
	Email             string `json:"email,omitempty"`
	TwoFactorRequired bool   `json:"two_factor_required"`
}

// TwoFactorLoginRequest is the body for POST /auth/login/two-factor.
type TwoFactorLoginRequest struct {
	Token         string `json:"token"`
	UseBackupCode bool   `json:"use_backup_code"`
}

type SessionView struct {
	ID              string    `json:"id"`
	Current         bool      `json:"current"`
	NetworkOrigin   string    `json:"ip_address"`
	UserAgent       string    `json:"user_agent"`
	DeviceClass     string    `json:"device_type"`
	DeviceIcon      string    `json:"device_icon"`
	Browser         string    `json:"browser"`
	Platform        string    `json:"os"`
	Location        string    `json:"location"`
	CreatedAt       time.Time `json:"created_at"`
	LastActiveAt    time.Time `json:"last_activity"`
	LastActiveHuman string    `json:"last_active_human"`
	ExpiresAt       time.Time `json:"expires_at"`
}

type ListSessionsResponse struct {
	Sessions []SessionView `json:"sessions"`
}

type RevokeAllResponse struct {
	Revoked int `json:"revoked"`
}

type TwoFactorStatusResponse struct {
	Enabled              bool `json:"enabled"`
	Pending              bool `json:"pending"`
	BackupCodesRemaining int  `json:"backup_codes_remaining"`
}

type TwoFactorSetupResponse struct {
	Secret     string `json:"secret"`
	OTPAuthURL string `json:"otpauth_url"`
	QRCode     string `json:"qr_code"`
}

// TwoFactorVerifyRequest is the body for POST /auth/2fa/verify.
type TwoFactorVerifyRequest struct {
	Token string `json:"token"`
}

// BackupCodesResponse carries plaintext backup codes. They are shown once.
type BackupCodesResponse struct {
	BackupCodes []string `json:"backup_codes"`
}

type SuccessResponse struct {
	Success bool `json:"success"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
