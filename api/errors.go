package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/jmcleod/hubguard/principal"
	"github.com/jmcleod/hubguard/session"
	"github.com/jmcleod/hubguard/storage"
	"github.com/jmcleod/hubguard/twofactor"
)

const (
	maxAuthBodySize  = 4 << 10
	maxSmallBodySize = 1 << 10
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// writeInternalError logs err and returns msg without leaking internals.
func writeInternalError(w http.ResponseWriter, msg string, err error) {
	slog.Error(msg, "error", err)
	writeError(w, http.StatusInternalServerError, msg)
}

// decodeJSON reads a bounded JSON body into T. On failure it has already
// written a 400 response.
func decodeJSON[T any](w http.ResponseWriter, r *http.Request, maxSize int64) (T, bool) {
	var v T
	r.Body = http.MaxBytesReader(w, r.Body, maxSize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return v, false
		}
		writeError(w, http.StatusBadRequest, "invalid request body")
		return v, false
	}
	return v, true
}

func mapError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrTransient):
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, session.ErrConflict):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, twofactor.ErrInvalidCredential):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, twofactor.ErrAlreadyEnabled),
		errors.Is(err, twofactor.ErrNotEnabled),
		errors.Is(err, twofactor.ErrNoPendingSetup):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, principal.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, principal.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, principal.ErrEmailTaken):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, principal.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeInternalError(w, "internal server error", err)
	}
}
