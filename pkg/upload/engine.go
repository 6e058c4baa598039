package upload

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/filevault/filevault/internal/logger"
	"github.com/filevault/filevault/pkg/metrics"
	"github.com/filevault/filevault/pkg/storage"
)

const (
	// DefaultSessionTTL is how long an idle session may live.
	DefaultSessionTTL = 24 * time.Hour

	// DefaultMinChunkSize is the smallest accepted chunk size. S3
	// deployments should raise this to the 5MB multipart part minimum
	// via configuration.
	DefaultMinChunkSize = 1024 * 1024

	// DefaultMaxChunkSize caps single-chunk memory usage.
	DefaultMaxChunkSize = 64 * 1024 * 1024

	// DefaultMaxChunks caps chunks per session. Matches the S3 multipart
	// part-count limit.
	DefaultMaxChunks = 10000
)

// CompletionHook receives each session that reaches StatusCompleted.
// Returning an error keeps the session in the ledger; the handoff is
// retried the next time the session is read.
type CompletionHook func(ctx context.Context, session *Session) error

// EngineConfig wires the engine's collaborators and tunables.
type EngineConfig struct {
	Backend storage.Backend
	Ledger  Ledger
	Dedup   DedupIndex

	// OnComplete is invoked once per completed session. After it
	// succeeds the consumed session is removed from the ledger. Optional.
	OnComplete CompletionHook

	// Metrics is optional; a nil collector disables instrumentation.
	Metrics *metrics.UploadMetrics

	// SessionTTL is how long a session may live without completing.
	SessionTTL time.Duration

	// MinChunkSize and MaxChunkSize bound the chunk size a client may
	// pick at initialization.
	MinChunkSize int64
	MaxChunkSize int64

	// MaxChunks bounds chunks per session.
	MaxChunks int
}

// Engine coordinates upload sessions: initialization, chunk acceptance,
// merge dispatch, and abort. All backend I/O happens outside the
// per-session lock; the lock covers only session bookkeeping.
type Engine struct {
	backend    storage.Backend
	ledger     Ledger
	dedup      DedupIndex
	onComplete CompletionHook
	metrics    *metrics.UploadMetrics

	sessionTTL   time.Duration
	minChunkSize int64
	maxChunkSize int64
	maxChunks    int

	// Per-session mutexes guarding read-modify-write of session records.
	locks   map[string]*sync.Mutex
	locksMu sync.Mutex
}

// InitializeParams are the client-supplied parameters for a new session.
type InitializeParams struct {
	OwnerID      string
	Filename     string
	ContentType  string
	TotalSize    int64
	ChunkSize    int64
	DeclaredHash string
}

// AcceptResult reports the outcome of one chunk acceptance.
type AcceptResult struct {
	// Session is a snapshot taken after the accept (and after the merge,
	// when this call performed it).
	Session *Session

	// AlreadyHad is true when the chunk index was previously recorded
	// with identical bytes and the call was a no-op.
	AlreadyHad bool

	// Merged is true when this call observed the missing set become
	// empty and performed the merge. At most one accept call per session
	// reports Merged.
	Merged bool
}

// NewEngine creates an upload engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("storage backend is required")
	}
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("session ledger is required")
	}
	if cfg.Dedup == nil {
		return nil, fmt.Errorf("dedup index is required")
	}

	sessionTTL := cfg.SessionTTL
	if sessionTTL == 0 {
		sessionTTL = DefaultSessionTTL
	}
	minChunkSize := cfg.MinChunkSize
	if minChunkSize == 0 {
		minChunkSize = DefaultMinChunkSize
	}
	maxChunkSize := cfg.MaxChunkSize
	if maxChunkSize == 0 {
		maxChunkSize = DefaultMaxChunkSize
	}
	maxChunks := cfg.MaxChunks
	if maxChunks == 0 {
		maxChunks = DefaultMaxChunks
	}

	return &Engine{
		backend:      cfg.Backend,
		ledger:       cfg.Ledger,
		dedup:        cfg.Dedup,
		onComplete:   cfg.OnComplete,
		metrics:      cfg.Metrics,
		sessionTTL:   sessionTTL,
		minChunkSize: minChunkSize,
		maxChunkSize: maxChunkSize,
		maxChunks:    maxChunks,
		locks:        make(map[string]*sync.Mutex),
	}, nil
}

// Backend returns the storage backend the engine drives.
func (e *Engine) Backend() storage.Backend {
	return e.backend
}

// Initialize creates a new upload session, or re-presents an existing
// in-progress session for the same owner, declared hash, and size so an
// interrupted client resumes instead of starting over.
func (e *Engine) Initialize(ctx context.Context, params InitializeParams) (*Session, error) {
	if err := e.validateInitialize(params); err != nil {
		return nil, err
	}

	if params.DeclaredHash != "" {
		existing, err := e.findResumable(ctx, params)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			logger.Info("resuming upload session",
				"session_id", existing.ID,
				"owner_id", existing.OwnerID,
				"received", existing.ReceivedChunks(),
				"total", existing.TotalChunks)
			return existing, nil
		}
	}

	totalChunks := int((params.TotalSize + params.ChunkSize - 1) / params.ChunkSize)
	now := time.Now().UTC()

	session := &Session{
		ID:           uuid.New().String(),
		OwnerID:      params.OwnerID,
		Filename:     params.Filename,
		ContentType:  params.ContentType,
		TotalSize:    params.TotalSize,
		ChunkSize:    params.ChunkSize,
		TotalChunks:  totalChunks,
		DeclaredHash: strings.ToLower(params.DeclaredHash),
		ChunkDigests: make(map[int]string),
		Status:       StatusPending,
		StorageMode:  e.backend.Mode(),
		CreatedAt:    now,
		UpdatedAt:    now,
		ExpiresAt:    now.Add(e.sessionTTL),
	}

	stagingRef, err := e.backend.OpenStagingArea(ctx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open staging area: %v", ErrBackendIO, err)
	}
	session.StagingRef = stagingRef

	if err := e.ledger.Put(ctx, session); err != nil {
		// Session never became visible; drop the staging area again.
		if abortErr := e.backend.Abort(ctx, session.ID, stagingRef); abortErr != nil {
			logger.Warn("failed to abort staging after ledger error",
				"session_id", session.ID, "error", abortErr)
		}
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}

	e.metrics.RecordSessionStarted(string(session.StorageMode))

	logger.Info("upload session initialized",
		"session_id", session.ID,
		"owner_id", session.OwnerID,
		"filename", session.Filename,
		"total_size", session.TotalSize,
		"chunk_size", session.ChunkSize,
		"total_chunks", session.TotalChunks,
		"storage_mode", session.StorageMode)

	return session.Clone(), nil
}

// AcceptChunk records one chunk. Re-sending an already-recorded index
// with identical bytes succeeds without rewriting; differing bytes fail
// with ErrChunkConflict. The call that records the final missing chunk
// performs the merge before returning.
func (e *Engine) AcceptChunk(ctx context.Context, sessionID, ownerID string, index int, data []byte) (*AcceptResult, error) {
	digest := sha256.Sum256(data)
	digestHex := hex.EncodeToString(digest[:])

	lock := e.sessionLock(sessionID)
	lock.Lock()

	session, err := e.checkWritable(ctx, sessionID, ownerID)
	if err != nil {
		lock.Unlock()
		return nil, err
	}

	if index < 0 || index >= session.TotalChunks {
		lock.Unlock()
		return nil, fmt.Errorf("%w: index %d, session has %d chunks", ErrIndexOutOfRange, index, session.TotalChunks)
	}

	if existing, ok := session.ChunkDigests[index]; ok {
		lock.Unlock()
		if existing == digestHex {
			return &AcceptResult{Session: session.Clone(), AlreadyHad: true}, nil
		}
		return nil, fmt.Errorf("%w: chunk %d", ErrChunkConflict, index)
	}

	if expected := session.ExpectedChunkSize(index); int64(len(data)) != expected {
		lock.Unlock()
		return nil, fmt.Errorf("%w: chunk %d must be %d bytes, got %d", ErrInvalidArgument, index, expected, len(data))
	}

	stagingRef := session.StagingRef

	// Backend I/O happens outside the lock so slow chunks don't serialize
	// the whole session.
	lock.Unlock()

	if err := e.backend.WriteChunk(ctx, sessionID, stagingRef, index, bytes.NewReader(data), int64(len(data))); err != nil {
		if errors.Is(err, storage.ErrChunkConflict) {
			return nil, fmt.Errorf("%w: chunk %d", ErrChunkConflict, index)
		}
		return nil, fmt.Errorf("%w: failed to write chunk %d: %v", ErrBackendIO, index, err)
	}

	lock.Lock()

	// The session may have expired or been aborted while the chunk was in
	// flight; re-validate before recording.
	session, err = e.checkWritable(ctx, sessionID, ownerID)
	if err != nil {
		lock.Unlock()
		return nil, err
	}

	if existing, ok := session.ChunkDigests[index]; ok {
		lock.Unlock()
		if existing == digestHex {
			return &AcceptResult{Session: session.Clone(), AlreadyHad: true}, nil
		}
		return nil, fmt.Errorf("%w: chunk %d", ErrChunkConflict, index)
	}

	session.ChunkDigests[index] = digestHex
	session.Status = StatusUploading
	session.UpdatedAt = time.Now().UTC()

	// Exactly the call that empties the missing set flips the session to
	// merging and runs the merge.
	merging := len(session.ChunkDigests) == session.TotalChunks
	if merging {
		session.Status = StatusMerging
	}

	if err := e.ledger.Put(ctx, session); err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("failed to persist session: %w", err)
	}

	snapshot := session.Clone()
	lock.Unlock()

	e.metrics.RecordChunk(string(session.StorageMode), int64(len(data)))

	if !merging {
		return &AcceptResult{Session: snapshot}, nil
	}

	merged, err := e.merge(ctx, snapshot)
	if err != nil {
		return nil, err
	}
	return &AcceptResult{Session: merged, Merged: true}, nil
}

// GetSession returns an owner-scoped snapshot of a session.
func (e *Engine) GetSession(ctx context.Context, sessionID, ownerID string) (*Session, error) {
	session, err := e.ledger.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.OwnerID != ownerID {
		return nil, ErrForbidden
	}

	// A completed session still in the ledger means an earlier completion
	// handoff failed; retry it.
	if session.Status == StatusCompleted {
		e.collectCompleted(ctx, session)
	}

	return session, nil
}

// collectCompleted hands a completed session to the completion hook and,
// once the hook succeeds, removes the consumed ledger record. The merged
// object itself is untouched. On hook failure the record stays so a later
// read retries the handoff.
func (e *Engine) collectCompleted(ctx context.Context, session *Session) {
	if e.onComplete == nil {
		return
	}

	if err := e.onComplete(ctx, session.Clone()); err != nil {
		logger.Warn("completion handoff failed; keeping session for retry",
			"session_id", session.ID, "error", err)
		return
	}

	if err := e.ledger.Delete(ctx, session.ID); err != nil {
		logger.Warn("failed to remove consumed session",
			"session_id", session.ID, "error", err)
		return
	}
	e.dropLock(session.ID)
}

// Abort cancels an in-progress session, discards its staged chunks, and
// removes it from the ledger. Aborting an already-failed or expired
// session just removes the record. A completed session cannot be aborted.
func (e *Engine) Abort(ctx context.Context, sessionID, ownerID string) error {
	lock := e.sessionLock(sessionID)
	lock.Lock()

	session, err := e.ledger.Get(ctx, sessionID)
	if err != nil {
		lock.Unlock()
		return err
	}
	if session.OwnerID != ownerID {
		lock.Unlock()
		return ErrForbidden
	}

	switch session.Status {
	case StatusCompleted:
		lock.Unlock()
		return fmt.Errorf("%w: session already completed", ErrSessionClosed)
	case StatusMerging:
		lock.Unlock()
		return fmt.Errorf("%w: merge in progress", ErrSessionClosed)
	}

	stagingRef := session.StagingRef
	wasActive := !session.Status.Terminal()

	session.Status = StatusFailed
	session.FailureReason = "aborted by client"
	session.UpdatedAt = time.Now().UTC()
	if err := e.ledger.Put(ctx, session); err != nil {
		lock.Unlock()
		return fmt.Errorf("failed to persist session: %w", err)
	}
	lock.Unlock()

	if err := e.backend.Abort(ctx, sessionID, stagingRef); err != nil {
		return fmt.Errorf("%w: failed to discard staging area: %v", ErrBackendIO, err)
	}

	if err := e.ledger.Delete(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	e.dropLock(sessionID)

	if wasActive {
		e.metrics.RecordSessionFinished(string(session.StorageMode), "aborted")
	}

	logger.Info("upload session aborted", "session_id", sessionID, "owner_id", ownerID)
	return nil
}

// checkWritable loads a session and verifies it can still accept chunks.
// Sessions past their deadline are marked expired in place; the reaper
// later reclaims their staging areas. Must be called under the session lock.
func (e *Engine) checkWritable(ctx context.Context, sessionID, ownerID string) (*Session, error) {
	session, err := e.ledger.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.OwnerID != ownerID {
		return nil, ErrForbidden
	}

	if session.ExpiredAt(time.Now()) {
		session.Status = StatusExpired
		session.UpdatedAt = time.Now().UTC()
		if putErr := e.ledger.Put(ctx, session); putErr != nil {
			logger.Warn("failed to persist expired session", "session_id", sessionID, "error", putErr)
		}
		e.metrics.RecordSessionFinished(string(session.StorageMode), "expired")
		return nil, ErrExpired
	}

	switch session.Status {
	case StatusExpired:
		return nil, ErrExpired
	case StatusMerging, StatusCompleted, StatusFailed:
		return nil, fmt.Errorf("%w: session is %s", ErrSessionClosed, session.Status)
	}

	return session, nil
}

// findResumable scans for an in-progress session matching the owner,
// declared hash, and total size.
func (e *Engine) findResumable(ctx context.Context, params InitializeParams) (*Session, error) {
	sessions, err := e.ledger.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	declared := strings.ToLower(params.DeclaredHash)
	now := time.Now()
	for _, s := range sessions {
		if s.OwnerID != params.OwnerID ||
			s.DeclaredHash != declared ||
			s.TotalSize != params.TotalSize {
			continue
		}
		if s.Status.Terminal() || s.Status == StatusMerging || s.ExpiredAt(now) {
			continue
		}
		return s, nil
	}
	return nil, nil
}

func (e *Engine) validateInitialize(params InitializeParams) error {
	if params.OwnerID == "" {
		return fmt.Errorf("%w: owner is required", ErrInvalidArgument)
	}
	if params.Filename == "" {
		return fmt.Errorf("%w: filename is required", ErrInvalidArgument)
	}
	if params.TotalSize <= 0 {
		return fmt.Errorf("%w: total size must be positive", ErrInvalidArgument)
	}
	if params.ChunkSize < e.minChunkSize || params.ChunkSize > e.maxChunkSize {
		return fmt.Errorf("%w: chunk size must be between %d and %d bytes",
			ErrInvalidArgument, e.minChunkSize, e.maxChunkSize)
	}
	totalChunks := (params.TotalSize + params.ChunkSize - 1) / params.ChunkSize
	if totalChunks > int64(e.maxChunks) {
		return fmt.Errorf("%w: %d chunks exceeds the limit of %d",
			ErrInvalidArgument, totalChunks, e.maxChunks)
	}
	if params.DeclaredHash != "" {
		if len(params.DeclaredHash) != 64 {
			return fmt.Errorf("%w: declared hash must be a SHA-256 hex digest", ErrInvalidArgument)
		}
		if _, err := hex.DecodeString(params.DeclaredHash); err != nil {
			return fmt.Errorf("%w: declared hash must be a SHA-256 hex digest", ErrInvalidArgument)
		}
	}
	return nil
}

// sessionLock returns the mutex for a session, creating it on first use.
func (e *Engine) sessionLock(sessionID string) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()

	lock, ok := e.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[sessionID] = lock
	}
	return lock
}

// dropLock forgets the mutex of a deleted session.
func (e *Engine) dropLock(sessionID string) {
	e.locksMu.Lock()
	delete(e.locks, sessionID)
	e.locksMu.Unlock()
}
