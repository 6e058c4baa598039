package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/filevault/filevault/internal/logger"
	"github.com/filevault/filevault/pkg/portal/api/middleware"
	"github.com/filevault/filevault/pkg/portal/models"
	"github.com/filevault/filevault/pkg/storage"
)

// FileRecordStore is the subset of the portal store used by FileHandler.
type FileRecordStore interface {
	GetFile(ctx context.Context, ownerID, fileID string) (*models.FileRecord, error)
	ListFiles(ctx context.Context, ownerID string, page, size int) ([]*models.FileRecord, int64, error)
	RenameFile(ctx context.Context, ownerID, fileID, filename string) error
	SoftDeleteFile(ctx context.Context, ownerID, fileID string) error
	IncrementDownloadCount(ctx context.Context, fileID string) error
}

// FileHandler handles file listing, download, rename, and deletion.
type FileHandler struct {
	store   FileRecordStore
	backend storage.Backend
}

// NewFileHandler creates a new FileHandler.
func NewFileHandler(s FileRecordStore, backend storage.Backend) *FileHandler {
	return &FileHandler{
		store:   s,
		backend: backend,
	}
}

// FileListResponse is the response body for GET /api/v1/files.
type FileListResponse struct {
	Files []*models.FileRecord `json:"files"`
	Page  int                  `json:"page"`
	Size  int                  `json:"size"`
	Total int64                `json:"total"`
}

// RenameFileRequest is the request body for PATCH /api/v1/files/{id}.
type RenameFileRequest struct {
	Filename string `json:"filename"`
}

// DownloadURLResponse is returned for remote-storage downloads instead of
// proxying the object bytes.
type DownloadURLResponse struct {
	DownloadURL string `json:"download_url"`
	ExpiresIn   int64  `json:"expires_in"`
}

// List handles GET /api/v1/files.
// Returns one page of the caller's files, newest first.
func (h *FileHandler) List(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetClaimsFromContext(r.Context())
	if claims == nil {
		Unauthorized(w, "Authentication required")
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	size, _ := strconv.Atoi(r.URL.Query().Get("size"))

	files, total, err := h.store.ListFiles(r.Context(), claims.UserID, page, size)
	if err != nil {
		InternalServerError(w, "Failed to list files")
		return
	}

	if page < 1 {
		page = 1
	}

	WriteJSONOK(w, FileListResponse{
		Files: files,
		Page:  page,
		Size:  len(files),
		Total: total,
	})
}

// Get handles GET /api/v1/files/{id}.
func (h *FileHandler) Get(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetClaimsFromContext(r.Context())
	if claims == nil {
		Unauthorized(w, "Authentication required")
		return
	}

	file, err := h.store.GetFile(r.Context(), claims.UserID, chi.URLParam(r, "id"))
	if err != nil {
		writeFileError(w, err)
		return
	}

	WriteJSONOK(w, file)
}

// Download handles GET /api/v1/files/{id}/download.
// Local storage streams the bytes with an attachment disposition; remote
// storage responds with a presigned URL the client fetches directly.
func (h *FileHandler) Download(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetClaimsFromContext(r.Context())
	if claims == nil {
		Unauthorized(w, "Authentication required")
		return
	}

	file, err := h.store.GetFile(r.Context(), claims.UserID, chi.URLParam(r, "id"))
	if err != nil {
		writeFileError(w, err)
		return
	}

	content, err := h.backend.ReadFinal(r.Context(), file.StorageLocation)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			NotFound(w, "Stored object is missing")
			return
		}
		InternalServerError(w, "Failed to open stored object")
		return
	}

	// Non-critical bookkeeping; the download proceeds either way.
	if err := h.store.IncrementDownloadCount(r.Context(), file.ID); err != nil {
		logger.Warn("failed to bump download count", "file_id", file.ID, "error", err)
	}

	if content.Body == nil {
		WriteJSONOK(w, DownloadURLResponse{
			DownloadURL: content.URL,
			ExpiresIn:   int64(content.URLTTL.Seconds()),
		})
		return
	}
	defer content.Body.Close()

	contentType := file.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.FormatInt(content.Size, 10))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", file.Filename))

	if _, err := io.Copy(w, content.Body); err != nil {
		// Headers are already sent; all we can do is log.
		logger.Warn("download stream interrupted", "file_id", file.ID, "error", err)
	}
}

// Rename handles PATCH /api/v1/files/{id}.
func (h *FileHandler) Rename(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetClaimsFromContext(r.Context())
	if claims == nil {
		Unauthorized(w, "Authentication required")
		return
	}

	var req RenameFileRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	filename := sanitizeFilename(req.Filename)
	if filename == "" {
		BadRequest(w, "A valid filename is required")
		return
	}

	fileID := chi.URLParam(r, "id")
	if err := h.store.RenameFile(r.Context(), claims.UserID, fileID, filename); err != nil {
		writeFileError(w, err)
		return
	}

	file, err := h.store.GetFile(r.Context(), claims.UserID, fileID)
	if err != nil {
		writeFileError(w, err)
		return
	}

	WriteJSONOK(w, file)
}

// Delete handles DELETE /api/v1/files/{id}.
// Marks the record deleted; the stored object is left in place because
// deduplicated uploads may share it.
func (h *FileHandler) Delete(w http.ResponseWriter, r *http.Request) {
	claims := middleware.GetClaimsFromContext(r.Context())
	if claims == nil {
		Unauthorized(w, "Authentication required")
		return
	}

	if err := h.store.SoftDeleteFile(r.Context(), claims.UserID, chi.URLParam(r, "id")); err != nil {
		writeFileError(w, err)
		return
	}

	WriteNoContent(w)
}

// writeFileError maps store errors onto problem responses.
func writeFileError(w http.ResponseWriter, err error) {
	if errors.Is(err, models.ErrFileNotFound) {
		NotFound(w, "File not found")
		return
	}
	InternalServerError(w, "File operation failed")
}
