package api

import (
	"errors"
	"net/http"

	"github.com/jmcleod/hubguard/twofactor"
)

// TwoFactorStatus handles GET /auth/2fa.
func (a *API) TwoFactorStatus(w http.ResponseWriter, r *http.Request) {
	status, err := a.twoFactor.State(r.Context(), principalFromContext(r.Context()))
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TwoFactorStatusResponse{
		Enabled:              status.Enabled,
		Pending:              status.Pending,
		BackupCodesRemaining: status.BackupCodesRemaining,
	})
}

// SetupTwoFactor handles POST /auth/2fa/setup. Calling it again before
// verifying replaces the pending secret.
func (a *API) SetupTwoFactor(w http.ResponseWriter, r *http.Request) {
	principalID := principalFromContext(r.Context())
	p, err := a.principals.PrincipalByID(r.Context(), principalID)
	if err != nil {
		mapError(w, err)
		return
	}

	prov, err := a.twoFactor.BeginSetup(r.Context(), principalID, p.Email)
	if err != nil {
		mapError(w, err)
		return
	}

	a.audit.logEvent(AuditTwoFactorSetup, r, principalID)
	writeJSON(w, http.StatusOK, TwoFactorSetupResponse{
		Secret:     prov.Secret,
		OTPAuthURL: prov.URI,
		QRCode:     prov.QRCode,
	})
}

// VerifyTwoFactor handles POST /auth/2fa/verify, confirming a pending setup
// and returning the first set of backup codes.
func (a *API) VerifyTwoFactor(w http.ResponseWriter, r *http.Request) {
	principalID := principalFromContext(r.Context())
	req, ok := decodeJSON[TwoFactorVerifyRequest](w, r, maxSmallBodySize)
	if !ok {
		return
	}
	if !twofactor.TokenPresent(req.Token) {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}

	codes, err := a.twoFactor.ConfirmSetup(r.Context(), principalID, req.Token)
	if errors.Is(err, twofactor.ErrInvalidCredential) {
		a.audit.logFailure(AuditTwoFactorFailure, r, "invalid verification code")
		writeError(w, http.StatusBadRequest, "invalid verification code")
		return
	}
	if err != nil {
		mapError(w, err)
		return
	}

	a.audit.logEvent(AuditTwoFactorEnabled, r, principalID)
	writeJSON(w, http.StatusOK, BackupCodesResponse{BackupCodes: codes})
}

// DisableTwoFactor handles POST /auth/2fa/disable.
func (a *API) DisableTwoFactor(w http.ResponseWriter, r *http.Request) {
	principalID := principalFromContext(r.Context())
	if err := a.twoFactor.Disable(r.Context(), principalID); err != nil {
		mapError(w, err)
		return
	}
	a.audit.logEvent(AuditTwoFactorDisabled, r, principalID)
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

// RegenerateBackupCodes handles POST /auth/2fa/backup-codes. Every previous
// code stops working.
func (a *API) RegenerateBackupCodes(w http.ResponseWriter, r *http.Request) {
	principalID := principalFromContext(r.Context())
	codes, err := a.twoFactor.RegenerateBackupCodes(r.Context(), principalID)
	if err != nil {
		mapError(w, err)
		return
	}
	a.audit.logEvent(AuditBackupCodesRenewed, r, principalID)
	writeJSON(w, http.StatusOK, BackupCodesResponse{BackupCodes: codes})
}
