package upload

import (
	"context"

	"github.com/filevault/filevault/pkg/storage"
)

// Ledger is durable keyed storage for upload sessions. Sessions must
// survive process restarts so interrupted uploads can resume.
//
// Implementations must be safe for concurrent use. The engine serializes
// writes per session, but different sessions are read and written
// concurrently.
type Ledger interface {
	// Put stores or replaces a session record.
	Put(ctx context.Context, session *Session) error

	// Get returns the session with the given ID, or ErrSessionNotFound.
	Get(ctx context.Context, id string) (*Session, error)

	// Delete removes a session record. Deleting a missing session is not
	// an error.
	Delete(ctx context.Context, id string) error

	// List returns all stored sessions.
	List(ctx context.Context) ([]*Session, error)

	// Close releases ledger resources.
	Close() error
}

// DedupIndex maps content hashes to final object locations, scoped by
// storage mode so local paths and S3 keys never mix.
type DedupIndex interface {
	// Lookup returns the location registered for the hash, if any.
	Lookup(ctx context.Context, mode storage.Mode, hash string) (string, bool, error)

	// Register atomically inserts hash→location if absent. It returns the
	// winning location and whether this call inserted it. When the hash
	// was already registered, the existing location wins and the caller
	// should discard its own copy.
	Register(ctx context.Context, mode storage.Mode, hash string, location string) (string, bool, error)

	// Unregister removes a hash registration. Missing entries are not an
	// error.
	Unregister(ctx context.Context, mode storage.Mode, hash string) error
}
