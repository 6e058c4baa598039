package upload

import "errors"

var (
	// ErrSessionNotFound is returned when no session exists for the given ID.
	ErrSessionNotFound = errors.New("upload session not found")

	// ErrForbidden is returned when a caller touches a session they do not own.
	ErrForbidden = errors.New("upload session belongs to another user")

	// ErrIndexOutOfRange is returned for chunk indices outside [0, totalChunks).
	ErrIndexOutOfRange = errors.New("chunk index out of range")

	// ErrChunkConflict is returned when a chunk index is re-sent with
	// different bytes than previously recorded.
	ErrChunkConflict = errors.New("chunk conflicts with previously uploaded data")

	// ErrSessionClosed is returned when chunks are sent to a session that
	// is merging, completed, failed, or being aborted.
	ErrSessionClosed = errors.New("upload session is closed")

	// ErrExpired is returned when a session outlived its deadline.
	ErrExpired = errors.New("upload session has expired")

	// ErrHashMismatch is returned when the merged content does not match
	// the declared hash.
	ErrHashMismatch = errors.New("merged content does not match declared hash")

	// ErrBackendIO wraps storage backend failures.
	ErrBackendIO = errors.New("storage backend error")

	// ErrInvalidArgument is returned for malformed initialize or chunk
	// parameters.
	ErrInvalidArgument = errors.New("invalid upload argument")
)
