// Package store persists session records across process restarts. The
// registry is the only writer; reads happen on resume and list paths.
package store

import (
	"context"
	"errors"

	v1 "github.com/batondev/baton/pkg/api/v1"
)

// ErrNotFound is returned when a session id has no persisted record.
var ErrNotFound = errors.New("session not found")

// Record is one persisted session together with the options it was created
// with. Options are kept so a resumed session relaunches with the same
// configuration.
type Record struct {
	Session *v1.Session
	Options *v1.SessionOptions
}

// Store is the persistence contract used by the session registry.
type Store interface {
	// Save inserts or replaces the record for rec.Session.ID.
	Save(ctx context.Context, rec *Record) error

	// Get returns the record for id, or ErrNotFound.
	Get(ctx context.Context, id string) (*Record, error)

	// List returns all records ordered by creation time descending.
	List(ctx context.Context) ([]*Record, error)

	// Delete removes the record for id. Deleting a missing id is not an
	// error.
	Delete(ctx context.Context, id string) error

	Close() error
}
