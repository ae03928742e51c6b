package api

import (
	"context"
	"net/http"

	"github.com/jmcleod/hubguard/session"
)

type contextKey int

const (
	principalKey contextKey = iota
	recordKey
	clientSessionKey
)

// RequireAuth rejects requests that the session guard did not attach a
// principal to.
func (a *API) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if principalFromContext(r.Context()) == "" {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func principalFromContext(ctx context.Context) string {
	id, _ := ctx.Value(principalKey).(string)
	return id
}

// recordFromContext returns the validated server-side session record, or nil
// for a client session that carries no token.
func recordFromContext(ctx context.Context) *session.Record {
	rec, _ := ctx.Value(recordKey).(*session.Record)
	return rec
}
