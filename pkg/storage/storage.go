// Package storage defines the backend abstraction used by the upload engine.
//
// A Backend owns two kinds of state: per-session staging areas that hold
// chunks while an upload is in flight, and the final object space where
// merged uploads live. Final objects are content-addressed: the object key
// is derived from the SHA-256 hash of the content, which makes deduplication
// a pure key lookup.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// Mode identifies which backend variant a session is bound to.
type Mode string

const (
	// ModeLocal stores chunks and final objects on the local filesystem.
	ModeLocal Mode = "local"

	// ModeS3 stores chunks as multipart-upload parts and final objects
	// in an S3-compatible bucket.
	ModeS3 Mode = "s3"
)

// Valid reports whether m is a known storage mode.
func (m Mode) Valid() bool {
	return m == ModeLocal || m == ModeS3
}

var (
	// ErrObjectNotFound is returned when a final object or staging area
	// does not exist.
	ErrObjectNotFound = errors.New("object not found")

	// ErrHashMismatch is returned by Finalize when the assembled content
	// does not match the expected hash.
	ErrHashMismatch = errors.New("content hash mismatch")

	// ErrChunkConflict is returned by WriteChunk when the index is
	// already staged with different bytes.
	ErrChunkConflict = errors.New("chunk already staged with different content")
)

// FinalObject describes a merged upload in the final object space.
type FinalObject struct {
	// Location is the backend-specific locator for the object
	// (filesystem path for local, object key for S3).
	Location string

	// Size is the total object size in bytes.
	Size int64

	// Hash is the authoritative SHA-256 hex digest of the content.
	Hash string
}

// FinalContent is the result of ReadFinal. Exactly one of Body or URL is
// set: local backends stream bytes directly, remote backends hand out a
// time-limited signed URL instead of proxying. URLTTL is the remaining
// validity of URL and is zero when Body is set.
type FinalContent struct {
	Body   io.ReadCloser
	URL    string
	URLTTL time.Duration
	Size   int64
}

// Backend is the uniform storage surface the upload engine drives.
//
// All methods are safe for concurrent use. A staging area belongs to
// exactly one session; the engine serializes Finalize and Abort per
// session, but different sessions may hit the backend concurrently.
type Backend interface {
	// Mode returns the backend variant.
	Mode() Mode

	// OpenStagingArea prepares per-session staging state and returns an
	// opaque reference to it. Calling it again for the same session is a
	// no-op returning the same reference, so a crashed initialization can
	// be retried safely.
	OpenStagingArea(ctx context.Context, sessionID string) (string, error)

	// WriteChunk stores one chunk at the given index inside the staging
	// area. Re-staging an index with identical bytes succeeds; a staged
	// chunk is never replaced, and differing bytes fail with
	// ErrChunkConflict.
	WriteChunk(ctx context.Context, sessionID, stagingRef string, index int, r io.Reader, size int64) error

	// Finalize assembles chunks 0..totalChunks-1 in index order into a
	// single final object and discards the staging area.
	//
	// contentHash is the expected SHA-256 hex digest of the whole content.
	// Local backends may receive an empty contentHash; they compute the
	// digest while streaming and return it. When contentHash is non-empty
	// and the assembled content disagrees, Finalize fails with
	// ErrHashMismatch and the staging area is preserved.
	Finalize(ctx context.Context, sessionID, stagingRef string, totalChunks int, contentHash string) (*FinalObject, error)

	// Abort discards the staging area and every staged chunk. Aborting a
	// missing or already-aborted area is not an error.
	Abort(ctx context.Context, sessionID, stagingRef string) error

	// ReadFinal opens a final object for download. Local backends return
	// a byte stream; remote backends return a signed URL.
	ReadFinal(ctx context.Context, location string) (*FinalContent, error)

	// Remove deletes a final object. Used when a deduplication race is
	// lost and the redundant copy must go away.
	Remove(ctx context.Context, location string) error

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error
}

// ObjectKey returns the content-addressed key for a final object:
// "objects/<hh>/<hash>" where <hh> is the first two hex characters of
// the hash. The two-level fanout keeps directory listings manageable.
func ObjectKey(hash string) (string, error) {
	if len(hash) < 2 {
		return "", fmt.Errorf("invalid content hash %q", hash)
	}
	return fmt.Sprintf("objects/%s/%s", hash[:2], hash), nil
}
