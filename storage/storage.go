// Package storage defines the persistence contract shared by the memory,
// BBolt, PostgreSQL and Redis backends.
package storage

import (
	"errors"
	"fmt"
	"sort"

	"github.com/jmcleod/hubguard/principal"
	"github.com/jmcleod/hubguard/session"
	"github.com/jmcleod/hubguard/twofactor"
)

// ErrTransient marks connection-level failures where retrying later may
// succeed. HTTP handlers map it to 503.
var ErrTransient = errors.New("transient storage failure")

// Backend is a primary store: principals, their second-factor state and
// session records.
type Backend interface {
	principal.Store
	session.Store
	twofactor.Store
	Close() error
}

// Transient wraps err so that errors.Is(err, ErrTransient) holds.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// SortByActivity orders records most recently active first, breaking ties
// by fingerprint so listings are stable.
func SortByActivity(recs []*session.Record) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].LastActiveAt.Equal(recs[j].LastActiveAt) {
			return recs[i].LastActiveAt.After(recs[j].LastActiveAt)
		}
		return recs[i].Fingerprint < recs[j].Fingerprint
	})
}
