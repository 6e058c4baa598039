package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/filevault/filevault/internal/logger"
	"github.com/filevault/filevault/pkg/portal/api/middleware"
	"github.com/filevault/filevault/pkg/portal/models"
	"github.com/filevault/filevault/pkg/upload"
)

// FileStore is the subset of the portal store used to record and look up
// merged uploads.
type FileStore interface {
	CreateFile(ctx context.Context, file *models.FileRecord) (string, error)
	GetFile(ctx context.Context, ownerID, fileID string) (*models.FileRecord, error)
}

// NewMergedFileRecorder returns the engine completion hook that records a
// merged upload session as a durable file. The record reuses the session
// ID, so a handoff retried after a lost response finds the existing row
// and is a no-op.
func NewMergedFileRecorder(files FileStore) upload.CompletionHook {
	return func(ctx context.Context, session *upload.Session) error {
		file := &models.FileRecord{
			ID:               session.ID,
			OwnerID:          session.OwnerID,
			Filename:         session.Filename,
			OriginalFilename: session.Filename,
			StorageLocation:  session.FinalLocation,
			StorageMode:      string(session.StorageMode),
			Size:             session.TotalSize,
			ContentType:      session.ContentType,
			Hash:             session.FinalHash,
		}

		if _, err := files.CreateFile(ctx, file); err != nil {
			if errors.Is(err, models.ErrDuplicateFile) {
				return nil
			}
			return err
		}
		return nil
	}
}

// UploadHandler exposes the resumable upload engine over HTTP.
type UploadHandler struct {
	engine *upload.Engine
	files  FileStore
}

// NewUploadHandler creates a new UploadHandler.
func NewUploadHandler(engine *upload.Engine, files FileStore) *UploadHandler {
	return &UploadHandler{
		engine: engine,
		files:  files,
	}
}

// InitializeUploadRequest is the request body for POST /api/v1/uploads.
type InitializeUploadRequest struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type,omitempty"`
	TotalSize   int64  `json:"total_size"`
	ChunkSize   int64  `json:"chunk_size"`
	Hash        string `json:"hash,omitempty"`
}

// SessionResponse is the API view of an upload session.
type SessionResponse struct {
	ID              string     `json:"id"`
	Filename        string     `json:"filename"`
	Status          string     `json:"status"`
	TotalSize       int64      `json:"total_size"`
	ChunkSize       int64      `json:"chunk_size"`
	TotalChunks     int        `json:"total_chunks"`
	ReceivedChunks  int        `json:"received_chunks"`
	MissingChunks   []int      `json:"missing_chunks"`
	ProgressPercent float64    `json:"progress_percent"`
	StorageMode     string     `json:"storage_mode"`
	CreatedAt       time.Time  `json:"created_at"`
	ExpiresAt       time.Time  `json:"expires_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// ChunkResponse is the response body for a chunk upload.
type ChunkResponse struct {
	Status          string             `json:"status"`
	ProgressPercent float64            `json:"progress_percent"`
	MissingChunks   []int              `json:"missing_chunks"`
	File            *models.FileRecord `json:"file,omitempty"`
}

// Initialize handles POST /api/v1/uploads.
// Starts a new upload session, or re-presents an in-progress session for
// the same owner, declared hash, and size.
func (h *UploadHandler) Initialize(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetClaimsFromContext(r.Context())
	if claims == nil {
		Unauthorized(w, "Authentication required")
		return
	}

	var req InitializeUploadRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	filename := sanitizeFilename(req.Filename)
	if filename == "" {
		BadRequest(w, "A valid filename is required")
		return
	}

	session, err := h.engine.Initialize(r.Context(), upload.InitializeParams{
		OwnerID:      claims.UserID,
		Filename:     filename,
		ContentType:  req.ContentType,
		TotalSize:    req.TotalSize,
		ChunkSize:    req.ChunkSize,
		DeclaredHash: req.Hash,
	})
	if err != nil {
		if errors.Is(err, upload.ErrInvalidArgument) {
			BadRequest(w, err.Error())
			return
		}
		InternalServerError(w, "Failed to initialize upload")
		return
	}

	WriteJSONCreated(w, sessionToResponse(session))
}

// UploadChunk handles PUT /api/v1/uploads/{id}/chunks/{index}.
// The request body is the raw chunk bytes. When this chunk completes the
// session, the merged file record is included in the response.
func (h *UploadHandler) UploadChunk(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetClaimsFromContext(r.Context())
	if claims == nil {
		Unauthorized(w, "Authentication required")
		return
	}

	sessionID := chi.URLParam(r, "id")
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		BadRequest(w, "Chunk index must be an integer")
		return
	}

	session, err := h.engine.GetSession(r.Context(), sessionID, claims.UserID)
	if err != nil {
		writeUploadError(w, err)
		return
	}

	// Bound the body read by the session's chunk size; anything larger is a
	// malformed request regardless of the declared index.
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, session.ChunkSize))
	if err != nil {
		BadRequest(w, "Chunk body exceeds the session chunk size")
		return
	}

	result, err := h.engine.AcceptChunk(r.Context(), sessionID, claims.UserID, index, data)
	if err != nil {
		writeUploadError(w, err)
		return
	}

	resp := ChunkResponse{
		Status:          string(result.Session.Status),
		ProgressPercent: result.Session.Progress(),
		MissingChunks:   result.Session.MissingChunks(),
	}

	if result.Merged {
		// The completion hook created the record under the session ID. If
		// the handoff failed the record appears once the session is next
		// read, so its absence is not an error here.
		file, err := h.files.GetFile(r.Context(), claims.UserID, result.Session.ID)
		if err != nil {
			logger.Warn("merged upload not yet recorded",
				"session_id", sessionID, "error", err)
		} else {
			resp.File = file
		}
	}

	WriteJSONOK(w, resp)
}

// GetSession handles GET /api/v1/uploads/{id}.
func (h *UploadHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetClaimsFromContext(r.Context())
	if claims == nil {
		Unauthorized(w, "Authentication required")
		return
	}

	session, err := h.engine.GetSession(r.Context(), chi.URLParam(r, "id"), claims.UserID)
	if err != nil {
		writeUploadError(w, err)
		return
	}

	WriteJSONOK(w, sessionToResponse(session))
}

// Abort handles DELETE /api/v1/uploads/{id}.
func (h *UploadHandler) Abort(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetClaimsFromContext(r.Context())
	if claims == nil {
		Unauthorized(w, "Authentication required")
		return
	}

	if err := h.engine.Abort(r.Context(), chi.URLParam(r, "id"), claims.UserID); err != nil {
		writeUploadError(w, err)
		return
	}

	WriteNoContent(w)
}

// writeUploadError maps engine errors onto problem responses.
func writeUploadError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, upload.ErrSessionNotFound):
		NotFound(w, "Upload session not found")
	case errors.Is(err, upload.ErrForbidden):
		Forbidden(w, "You do not own this upload session")
	case errors.Is(err, upload.ErrIndexOutOfRange):
		BadRequest(w, err.Error())
	case errors.Is(err, upload.ErrInvalidArgument):
		BadRequest(w, err.Error())
	case errors.Is(err, upload.ErrChunkConflict):
		Conflict(w, err.Error())
	case errors.Is(err, upload.ErrSessionClosed):
		Conflict(w, err.Error())
	case errors.Is(err, upload.ErrHashMismatch):
		UnprocessableEntity(w, "Uploaded content does not match the declared hash")
	case errors.Is(err, upload.ErrExpired):
		Gone(w, "Upload session has expired")
	default:
		InternalServerError(w, "Upload operation failed")
	}
}

// sessionToResponse converts a Session to its API view.
func sessionToResponse(s *upload.Session) SessionResponse {
	return SessionResponse{
		ID:              s.ID,
		Filename:        s.Filename,
		Status:          string(s.Status),
		TotalSize:       s.TotalSize,
		ChunkSize:       s.ChunkSize,
		TotalChunks:     s.TotalChunks,
		ReceivedChunks:  s.ReceivedChunks(),
		MissingChunks:   s.MissingChunks(),
		ProgressPercent: s.Progress(),
		StorageMode:     string(s.StorageMode),
		CreatedAt:       s.CreatedAt,
		ExpiresAt:       s.ExpiresAt,
		CompletedAt:     s.CompletedAt,
	}
}
