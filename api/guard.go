package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/sessions"

	"github.com/jmcleod/hubguard/session"
)

// SessionGuard checks every authenticated request against the server-side
// session store. A client whose record was revoked or expired is logged out
// on its next request; a live one has its activity recorded at most once per
// activity throttle interval.
func (a *API) SessionGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/static/") {
			next.ServeHTTP(w, r)
			return
		}

		cs := a.clientSession(r)
		principalID := sessionString(cs, keyPrincipal)
		ctx := withClientSession(r.Context(), cs)
		if principalID == "" {
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}
		ctx = context.WithValue(ctx, principalKey, principalID)

		token := sessionString(cs, keyToken)
		if token == "" {
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		rec, err := a.sessions.Validate(r.Context(), token, principalID)
		if errors.Is(err, session.ErrUnauthorized) {
			a.forceLogout(w, r, cs, principalID)
			return
		}
		if err != nil {
			a.logger.Error("session validation failed", "error", err)
			writeError(w, http.StatusServiceUnavailable, "session store unavailable")
			return
		}

		now := a.sessions.Now()
		if a.activityDue(cs, now) {
			a.recordActivity(r.Context(), token, principalID)
			cs.Values[keyActivity] = now.UTC().Format(time.RFC3339)
			if err := a.saveClientSession(w, r, cs); err != nil {
				a.logger.Debug("failed to save client session", "error", err)
			}
		}

		ctx = context.WithValue(ctx, recordKey, rec)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *API) forceLogout(w http.ResponseWriter, r *http.Request, cs *sessions.Session, principalID string) {
	if err := a.clearClientSession(w, r, cs); err != nil {
		a.logger.Debug("failed to clear client session", "error", err)
	}
	a.audit.logEvent(AuditSessionForcedLogout, r, principalID)
	if prefersHTML(r) {
		http.Redirect(w, r, a.loginPath, http.StatusSeeOther)
		return
	}
	writeError(w, http.StatusUnauthorized, "session revoked")
}

// activityDue reports whether the last recorded activity is older than the
// throttle. A missing or unreadable marker always counts as due.
func (a *API) activityDue(cs *sessions.Session, now time.Time) bool {
	raw := sessionString(cs, keyActivity)
	if raw == "" {
		return true
	}
	last, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return true
	}
	return now.Sub(last) > a.activityThrottle
}

// recordActivity touches the record and marks it current. It runs under its
// own short deadline, detached from request cancellation, and never fails
// the request.
func (a *API) recordActivity(parent context.Context, token, principalID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), a.touchTimeout)
	defer cancel()
	if err := a.sessions.TouchActivity(ctx, token, principalID); err != nil {
		a.logger.Debug("activity update skipped", "error", err)
		return
	}
	if err := a.sessions.MarkCurrent(ctx, token, principalID); err != nil {
		a.logger.Debug("mark current skipped", "error", err)
	}
}

// prefersHTML reports whether the client is a browser navigation rather than
// an API caller.
func prefersHTML(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "text/html") && !strings.Contains(accept, "application/json")
}
