package upload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/filevault/filevault/internal/logger"
	"github.com/filevault/filevault/pkg/storage"
)

// merge assembles a fully-uploaded session into its final object. The
// session is already in StatusMerging, which keeps every other mutator
// out, so backend work runs without holding the session lock.
//
// Order of operations: resolve the expected content hash, consult the
// dedup index when the hash is trustworthy (a hit skips assembly
// entirely), otherwise finalize through the backend and register the
// result. Losing the registration race means another session finalized
// identical content first; the redundant object is removed and the
// winner's location adopted.
func (e *Engine) merge(ctx context.Context, session *Session) (*Session, error) {
	start := time.Now()

	// A torn ledger write can leave a merging session with gaps.
	if missing := session.MissingChunks(); len(missing) > 0 {
		return nil, e.failSession(ctx, session, fmt.Sprintf("merge started with %d chunks missing", len(missing)), true)
	}

	contentHash := session.ContentHash()

	// A local session's declared hash is an unverified claim until
	// Finalize has streamed the bytes, so it must never short-circuit
	// assembly. Only S3 sessions, whose hash is adopted at the object
	// store trust boundary, may hit the dedup index before assembly.
	if contentHash != "" && session.StorageMode == storage.ModeS3 {
		location, found, err := e.dedup.Lookup(ctx, session.StorageMode, contentHash)
		if err != nil {
			return nil, e.failSession(ctx, session, fmt.Sprintf("dedup lookup failed: %v", err), true)
		}
		if found {
			// Identical content already exists; drop the staged chunks
			// and point the session at the existing object.
			if err := e.backend.Abort(ctx, session.ID, session.StagingRef); err != nil {
				logger.Warn("failed to discard staging after dedup hit",
					"session_id", session.ID, "error", err)
			}
			e.metrics.RecordDedupHit(string(session.StorageMode))
			logger.Info("upload deduplicated",
				"session_id", session.ID, "hash", contentHash, "location", location)
			return e.completeSession(ctx, session, location, contentHash, start)
		}
	}

	obj, err := e.backend.Finalize(ctx, session.ID, session.StagingRef, session.TotalChunks, contentHash)
	if err != nil {
		if errors.Is(err, storage.ErrHashMismatch) {
			if failErr := e.failSession(ctx, session, "content hash mismatch", true); failErr != nil {
				return nil, failErr
			}
			return nil, fmt.Errorf("%w: %v", ErrHashMismatch, err)
		}
		return nil, e.failSession(ctx, session, fmt.Sprintf("finalize failed: %v", err), true)
	}

	location := obj.Location
	winner, inserted, err := e.dedup.Register(ctx, session.StorageMode, obj.Hash, obj.Location)
	if err != nil {
		return nil, e.failSession(ctx, session, fmt.Sprintf("dedup registration failed: %v", err), false)
	}
	if !inserted && winner != obj.Location {
		// Lost the registration race; identical content landed first
		// under another session. Keep one copy.
		if err := e.backend.Remove(ctx, obj.Location); err != nil {
			logger.Warn("failed to remove redundant object after dedup race",
				"session_id", session.ID, "location", obj.Location, "error", err)
		}
		e.metrics.RecordDedupHit(string(session.StorageMode))
		location = winner
	}

	return e.completeSession(ctx, session, location, obj.Hash, start)
}

// ContentHash returns the hash the merge should expect: the declared hash
// when the client supplied one, otherwise (for S3 sessions, where the
// backend cannot re-hash content server side) a SHA-256 over the ordered
// per-chunk digests. Local sessions without a declared hash return ""
// and let the backend compute the digest while streaming.
func (s *Session) ContentHash() string {
	if s.DeclaredHash != "" {
		return s.DeclaredHash
	}
	if s.StorageMode != storage.ModeS3 {
		return ""
	}

	h := sha256.New()
	for i := 0; i < s.TotalChunks; i++ {
		h.Write([]byte(s.ChunkDigests[i]))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// completeSession records the final transition under the session lock,
// then hands the completed session to the completion hook. Completion is
// final: once recorded, the reaper will never expire it.
func (e *Engine) completeSession(ctx context.Context, session *Session, location, hash string, start time.Time) (*Session, error) {
	lock := e.sessionLock(session.ID)
	lock.Lock()

	current, err := e.ledger.Get(ctx, session.ID)
	if err != nil {
		lock.Unlock()
		return nil, err
	}

	// The reaper may have expired the session while assembly ran; a
	// decided session stays decided.
	if current.Status != StatusMerging {
		lock.Unlock()
		return nil, fmt.Errorf("%w: session is %s", ErrSessionClosed, current.Status)
	}

	now := time.Now().UTC()
	current.Status = StatusCompleted
	current.FinalLocation = location
	current.FinalHash = hash
	current.UpdatedAt = now
	current.CompletedAt = &now

	if err := e.ledger.Put(ctx, current); err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("failed to persist completed session: %w", err)
	}

	snapshot := current.Clone()
	lock.Unlock()

	e.metrics.RecordSessionFinished(string(snapshot.StorageMode), "completed")
	e.metrics.ObserveMergeDuration(string(snapshot.StorageMode), time.Since(start))

	logger.Info("upload session completed",
		"session_id", snapshot.ID,
		"owner_id", snapshot.OwnerID,
		"location", location,
		"hash", hash,
		"duration_ms", logger.Duration(start))

	e.collectCompleted(ctx, snapshot)

	return snapshot, nil
}

// failSession marks the session failed and optionally discards staging.
// It returns an ErrBackendIO-wrapped error describing the failure so
// callers can propagate it directly.
func (e *Engine) failSession(ctx context.Context, session *Session, reason string, abortStaging bool) error {
	lock := e.sessionLock(session.ID)
	lock.Lock()

	current, err := e.ledger.Get(ctx, session.ID)
	if err != nil {
		lock.Unlock()
		return err
	}

	// A session the reaper already expired stays expired.
	if current.Status.Terminal() {
		lock.Unlock()
		return fmt.Errorf("%w: %s", ErrBackendIO, reason)
	}

	current.Status = StatusFailed
	current.FailureReason = reason
	current.UpdatedAt = time.Now().UTC()

	if err := e.ledger.Put(ctx, current); err != nil {
		lock.Unlock()
		return fmt.Errorf("failed to persist failed session: %w", err)
	}
	lock.Unlock()

	if abortStaging {
		if err := e.backend.Abort(ctx, session.ID, session.StagingRef); err != nil {
			logger.Warn("failed to discard staging after merge failure",
				"session_id", session.ID, "error", err)
		}
	}

	e.metrics.RecordSessionFinished(string(session.StorageMode), "failed")

	logger.Error("upload session failed", "session_id", session.ID, "reason", reason)
	return fmt.Errorf("%w: %s", ErrBackendIO, reason)
}
