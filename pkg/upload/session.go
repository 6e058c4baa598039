// Package upload implements the resumable chunked upload engine.
//
// An upload session splits a file of known size into fixed-size chunks
// (the last chunk may be smaller) that clients may send in any order and
// retry freely. Per-chunk SHA-256 digests double as the received-set and
// the conflict detector. When the last missing chunk arrives, exactly one
// accept call transitions the session to merging and assembles the final
// object through the storage backend.
package upload

import (
	"time"

	"github.com/filevault/filevault/pkg/storage"
)

// Status is the lifecycle state of an upload session.
type Status string

const (
	// StatusPending means the session exists but no chunk has arrived yet.
	StatusPending Status = "pending"

	// StatusUploading means at least one chunk has been received.
	StatusUploading Status = "uploading"

	// StatusMerging means all chunks arrived and assembly is in progress.
	StatusMerging Status = "merging"

	// StatusCompleted means the final object exists. Terminal.
	StatusCompleted Status = "completed"

	// StatusFailed means the session was aborted or the merge failed. Terminal.
	StatusFailed Status = "failed"

	// StatusExpired means the session outlived its deadline. Terminal.
	StatusExpired Status = "expired"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusExpired
}

// Session is the durable record of one resumable upload.
type Session struct {
	ID      string `json:"id"`
	OwnerID string `json:"owner_id"`

	Filename    string `json:"filename"`
	ContentType string `json:"content_type,omitempty"`

	TotalSize   int64 `json:"total_size"`
	ChunkSize   int64 `json:"chunk_size"`
	TotalChunks int   `json:"total_chunks"`

	// DeclaredHash is the client-declared SHA-256 of the whole file.
	// Optional; enables resumable-session reuse, merge-time verification
	// on local storage, and pre-assembly deduplication on S3.
	DeclaredHash string `json:"declared_hash,omitempty"`

	// ChunkDigests maps received chunk index to its SHA-256 hex digest.
	ChunkDigests map[int]string `json:"chunk_digests"`

	Status Status `json:"status"`

	StorageMode storage.Mode `json:"storage_mode"`

	// StagingRef is the backend staging handle: the staging directory for
	// local mode, the multipart upload ID for S3.
	StagingRef string `json:"staging_ref"`

	// FinalLocation and FinalHash are set once the merge completes.
	FinalLocation string `json:"final_location,omitempty"`
	FinalHash     string `json:"final_hash,omitempty"`

	// FailureReason records why a session ended up failed.
	FailureReason string `json:"failure_reason,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// MissingChunks returns the sorted indices not yet received.
func (s *Session) MissingChunks() []int {
	missing := make([]int, 0, s.TotalChunks-len(s.ChunkDigests))
	for i := 0; i < s.TotalChunks; i++ {
		if _, ok := s.ChunkDigests[i]; !ok {
			missing = append(missing, i)
		}
	}
	return missing
}

// ReceivedChunks returns how many distinct chunks have been received.
func (s *Session) ReceivedChunks() int {
	return len(s.ChunkDigests)
}

// Progress returns upload completion as a percentage in [0, 100].
func (s *Session) Progress() float64 {
	if s.TotalChunks == 0 {
		return 0
	}
	return float64(len(s.ChunkDigests)) / float64(s.TotalChunks) * 100
}

// ExpectedChunkSize returns the byte length chunk index must have.
// All chunks are ChunkSize bytes except the last, which holds the
// remainder.
func (s *Session) ExpectedChunkSize(index int) int64 {
	if index == s.TotalChunks-1 {
		last := s.TotalSize - int64(s.TotalChunks-1)*s.ChunkSize
		return last
	}
	return s.ChunkSize
}

// ExpiredAt reports whether the session deadline passed at the given time.
// Terminal sessions never expire.
func (s *Session) ExpiredAt(now time.Time) bool {
	return !s.Status.Terminal() && now.After(s.ExpiresAt)
}

// Clone returns a deep copy safe to hand out while the original keeps
// mutating under the engine's session lock.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	clone := *s
	clone.ChunkDigests = make(map[int]string, len(s.ChunkDigests))
	for k, v := range s.ChunkDigests {
		clone.ChunkDigests[k] = v
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		clone.CompletedAt = &t
	}
	return &clone
}
