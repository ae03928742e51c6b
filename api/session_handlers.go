package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/hubguard/session"
)

// ListSessions handles GET /sessions.
func (a *API) ListSessions(w http.ResponseWriter, r *http.Request) {
	principalID := principalFromContext(r.Context())
	recs, err := a.sessions.List(r.Context(), principalID)
	if err != nil {
		mapError(w, err)
		return
	}

	current := ""
	if rec := recordFromContext(r.Context()); rec != nil {
		current = rec.Fingerprint
	} else if token := sessionString(a.clientSession(r), keyToken); token != "" {
		current = session.Fingerprint(token)
	}

	now := a.sessions.Now()
	views := make([]SessionView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, SessionView{
			ID:              rec.Fingerprint,
			Current:         rec.Fingerprint == current,
			NetworkOrigin:   rec.NetworkOrigin,
			UserAgent:       rec.UserAgent,
			DeviceClass:     string(rec.DeviceClass),
			DeviceIcon:      rec.DeviceIcon(),
			Browser:         rec.BrowserFamily,
			Platform:        rec.PlatformFamily,
			Location:        rec.Location,
			CreatedAt:       rec.CreatedAt,
			LastActiveAt:    rec.LastActiveAt,
			LastActiveHuman: session.SinceActivity(rec.LastActiveAt, now),
			ExpiresAt:       rec.ExpiresAt,
		})
	}
	writeJSON(w, http.StatusOK, ListSessionsResponse{Sessions: views})
}

// RevokeSession handles POST /sessions/{identifier}/revoke. The identifier
// is normally a fingerprint from ListSessions.
func (a *API) RevokeSession(w http.ResponseWriter, r *http.Request) {
	principalID := principalFromContext(r.Context())
	identifier := chi.URLParam(r, "identifier")
	token := sessionString(a.clientSession(r), keyToken)

	err := a.sessions.RevokeByFingerprint(r.Context(), identifier, principalID, token)
	switch {
	case errors.Is(err, session.ErrConflict):
		writeError(w, http.StatusBadRequest, "cannot revoke current session")
		return
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, "session not found")
		return
	case err != nil:
		mapError(w, err)
		return
	}

	// Never log an identifier that might be a raw token.
	fp := identifier
	if len(fp) != session.FingerprintLen {
		fp = session.Fingerprint(identifier)
	}
	a.audit.logEvent(AuditSessionRevoked, r, principalID, fingerprintAttr(fp))
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

// RevokeAllSessions handles POST /sessions/revoke-all, keeping only the
// caller's own session.
func (a *API) RevokeAllSessions(w http.ResponseWriter, r *http.Request) {
	principalID := principalFromContext(r.Context())
	token := sessionString(a.clientSession(r), keyToken)
	if token == "" {
		writeError(w, http.StatusBadRequest, "no active session")
		return
	}

	n, err := a.sessions.RevokeAllExceptCurrent(r.Context(), principalID, token)
	if err != nil {
		mapError(w, err)
		return
	}

	a.audit.logEvent(AuditSessionsRevokedAll, r, principalID, slog.Int("revoked", n))
	writeJSON(w, http.StatusOK, RevokeAllResponse{Revoked: n})
}
