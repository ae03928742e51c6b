package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/jmcleod/hubguard/principal"
	"github.com/jmcleod/hubguard/session"
)

// Signup handles POST /auth/signup. A successful signup is also a login.
func (a *API) Signup(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[SignupRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}

	p, err := principal.New(req.Email, req.Password)
	if err != nil {
		if errors.Is(err, principal.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeInternalError(w, "failed to create principal", err)
		return
	}
	if err := a.principals.CreatePrincipal(r.Context(), p); err != nil {
		mapError(w, err)
		return
	}
	a.audit.logEvent(AuditSignup, r, p.ID)

	if !a.establishSession(w, r, p.ID, req.Remember) {
		return
	}
	writeJSON(w, http.StatusCreated, LoginResponse{PrincipalID: p.ID, Email: p.Email})
}

// Login handles POST /auth/login. Principals with 2FA enabled get a pending
// login in the client session and must finish at /auth/login/two-factor.
func (a *API) Login(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[LoginRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	p, err := principal.Authenticate(r.Context(), a.principals, req.Email, req.Password)
	if errors.Is(err, principal.ErrInvalidCredentials) {
		a.audit.logFailure(AuditLoginFailure, r, "invalid credentials")
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err != nil {
		mapError(w, err)
		return
	}

	status, err := a.twoFactor.State(r.Context(), p.ID)
	if err != nil {
		mapError(w, err)
		return
	}
	if status.Enabled {
		if err := a.beginPendingLogin(w, r, a.clientSession(r), p.ID, req.Remember); err != nil {
			writeInternalError(w, "failed to save client session", err)
			return
		}
		writeJSON(w, http.StatusAccepted, LoginResponse{TwoFactorRequired: true})
		return
	}

	if !a.establishSession(w, r, p.ID, req.Remember) {
		return
	}
	a.audit.logEvent(AuditLoginSuccess, r, p.ID)
	writeJSON(w, http.StatusOK, LoginResponse{PrincipalID: p.ID, Email: p.Email})
}

// LoginTwoFactor handles POST /auth/login/two-factor.
func (a *API) LoginTwoFactor(w http.ResponseWriter, r *http.Request) {
	cs := a.clientSession(r)
	pending := sessionString(cs, keyPending)
	if pending == "" {
		writeError(w, http.StatusBadRequest, "no pending login")
		return
	}
	if !a.pendingLoginFresh(cs) {
		if err := a.clearClientSession(w, r, cs); err != nil {
			a.logger.Debug("failed to clear client session", "error", err)
		}
		writeError(w, http.StatusBadRequest, "login expired")
		return
	}

	req, ok := decodeJSON[TwoFactorLoginRequest](w, r, maxSmallBodySize)
	if !ok {
		return
	}

	verified, err := a.twoFactor.VerifyLogin(r.Context(), pending, req.Token, req.UseBackupCode)
	if err != nil {
		mapError(w, err)
		return
	}
	if !verified {
		a.audit.logFailure(AuditTwoFactorFailure, r, "invalid authentication code",
			slog.String("principal_id", pending),
			slog.Bool("backup_code", req.UseBackupCode))
		writeError(w, http.StatusUnauthorized, "invalid authentication code")
		return
	}
	if req.UseBackupCode {
		a.audit.logEvent(AuditBackupCodeUsed, r, pending)
	}

	if !a.establishSession(w, r, pending, sessionBool(cs, keyRemember)) {
		return
	}
	a.audit.logEvent(AuditLoginSuccess, r, pending, slog.Bool("two_factor", true))
	writeJSON(w, http.StatusOK, LoginResponse{PrincipalID: pending})
}

// Logout handles POST /auth/logout. Revoking the server record is best
// effort; the client session is cleared regardless.
func (a *API) Logout(w http.ResponseWriter, r *http.Request) {
	cs := a.clientSession(r)
	principalID := sessionString(cs, keyPrincipal)
	a.revokeHeldSession(r, cs)
	if err := a.clearClientSession(w, r, cs); err != nil {
		a.logger.Debug("failed to clear client session", "error", err)
	}
	a.audit.logEvent(AuditLogout, r, principalID)
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

// establishSession registers a server session for principalID and binds the
// client session to its token. It writes the error response itself and
// reports whether the caller may continue.
func (a *API) establishSession(w http.ResponseWriter, r *http.Request, principalID string, remember bool) bool {
	token, rec, err := a.sessions.Register(r.Context(), principalID, session.RequestInfoFromHTTP(r, a.trustedProxies))
	if err != nil {
		mapError(w, err)
		return false
	}
	if err := a.beginClientSession(w, r, a.clientSession(r), principalID, token, remember); err != nil {
		writeInternalError(w, "failed to save client session", err)
		return false
	}
	a.audit.logEvent(AuditSessionRegistered, r, principalID,
		fingerprintAttr(rec.Fingerprint),
		slog.String("device", string(rec.DeviceClass)))
	return true
}
