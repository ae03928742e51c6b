package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/securecookie"
	"github.com/gorilla/sessions"

	"github.com/jmcleod/hubguard/session"
)

// clientSessionName is the encrypted, signed cookie carrying the browser's
// view of its login. The raw server-session token lives only here.
const clientSessionName = "hubguard_session"

const (
	keyPrincipal = "principal_id"
	keyToken     = "session_token"
	keyActivity  = "last_activity_update"
	keyPending   = "pending_2fa"
	keyPendingAt = "pending_2fa_at"
	keyRemember  = "remember"
)

// pendingLoginTTL bounds how long a password-verified login may wait for
// its second factor.
const pendingLoginTTL = 5 * time.Minute

func newCookieStore(hashKey, blockKey []byte) *sessions.CookieStore {
	if len(hashKey) == 0 {
		hashKey = securecookie.GenerateRandomKey(64)
	}
	if len(blockKey) == 0 {
		blockKey = securecookie.GenerateRandomKey(32)
	}
	store := sessions.NewCookieStore(hashKey, blockKey)
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   int(session.Lifetime / time.Second),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	store.MaxAge(store.Options.MaxAge)
	return store
}

// clientSession returns the request's client session. The guard stores the
// decoded session on the context so handlers see its updates; otherwise the
// cookie is decoded here, and an undecodable cookie yields an empty session.
func (a *API) clientSession(r *http.Request) *sessions.Session {
	if s, ok := r.Context().Value(clientSessionKey).(*sessions.Session); ok {
		return s
	}
	// A decode failure still returns a fresh session from the store.
	s, _ := a.cookies.Get(r, clientSessionName)
	if s == nil {
		s = sessions.NewSession(a.cookies, clientSessionName)
	}
	return s
}

func withClientSession(ctx context.Context, s *sessions.Session) context.Context {
	return context.WithValue(ctx, clientSessionKey, s)
}

func sessionString(s *sessions.Session, key string) string {
	v, _ := s.Values[key].(string)
	return v
}

func sessionBool(s *sessions.Session, key string) bool {
	v, _ := s.Values[key].(bool)
	return v
}

func (a *API) saveClientSession(w http.ResponseWriter, r *http.Request, s *sessions.Session) error {
	if s.Options == nil {
		s.Options = &sessions.Options{Path: "/", HttpOnly: true, SameSite: http.SameSiteLaxMode}
	}
	s.Options.Secure = a.cookieSecure || requestIsSecure(r)
	return s.Save(r, w)
}

// beginClientSession resets s to an authenticated state bound to token.
// Without remember the cookie expires with the browser session; the server
// record still carries its own fixed lifetime.
func (a *API) beginClientSession(w http.ResponseWriter, r *http.Request, s *sessions.Session, principalID, token string, remember bool) error {
	a.revokeHeldSession(r, s)
	clearValues(s)
	s.Values[keyPrincipal] = principalID
	s.Values[keyToken] = token
	s.Values[keyActivity] = a.sessions.Now().UTC().Format(time.RFC3339)
	s.Values[keyRemember] = remember
	if s.Options != nil {
		s.Options.MaxAge = 0
		if remember {
			s.Options.MaxAge = int(session.Lifetime / time.Second)
		}
	}
	if err := a.saveClientSession(w, r, s); err != nil {
		return err
	}
	writeCSRFCookie(w, r)
	return nil
}

// beginPendingLogin resets s to a password-verified login awaiting its
// second factor.
func (a *API) beginPendingLogin(w http.ResponseWriter, r *http.Request, s *sessions.Session, principalID string, remember bool) error {
	a.revokeHeldSession(r, s)
	clearValues(s)
	s.Values[keyPending] = principalID
	s.Values[keyPendingAt] = a.sessions.Now().UTC().Format(time.RFC3339)
	s.Values[keyRemember] = remember
	if err := a.saveClientSession(w, r, s); err != nil {
		return err
	}
	writeCSRFCookie(w, r)
	return nil
}

// pendingLoginFresh reports whether the pending login in s was issued
// within pendingLoginTTL. A missing or unparseable timestamp is stale.
func (a *API) pendingLoginFresh(s *sessions.Session) bool {
	issued, err := time.Parse(time.RFC3339, sessionString(s, keyPendingAt))
	if err != nil {
		return false
	}
	return a.sessions.Now().Sub(issued) <= pendingLoginTTL
}

// revokeHeldSession revokes the server record behind the token s already
// carries, if any. Failures are logged and never block the caller.
func (a *API) revokeHeldSession(r *http.Request, s *sessions.Session) {
	token, principalID := sessionString(s, keyToken), sessionString(s, keyPrincipal)
	if token == "" || principalID == "" {
		return
	}
	if _, err := a.sessions.Revoke(r.Context(), token, principalID); err != nil {
		a.logger.Warn("failed to revoke session", "error", err)
	}
}

// clearClientSession wipes every value and expires the cookie.
func (a *API) clearClientSession(w http.ResponseWriter, r *http.Request, s *sessions.Session) error {
	clearValues(s)
	if s.Options != nil {
		s.Options.MaxAge = -1
	}
	clearCSRFCookie(w, r)
	return a.saveClientSession(w, r, s)
}

func clearValues(s *sessions.Session) {
	for k := range s.Values {
		delete(s.Values, k)
	}
}

func requestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Forwarded")), "proto=https")
}
