package handlers

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filevault/filevault/pkg/portal/api/auth"
	"github.com/filevault/filevault/pkg/portal/models"
	"github.com/filevault/filevault/pkg/portal/store"
	"github.com/filevault/filevault/pkg/storage/local"
	"github.com/filevault/filevault/pkg/upload"
	"github.com/filevault/filevault/pkg/upload/ledger/memory"
)

type uploadEnv struct {
	store  *store.GORMStore
	engine *upload.Engine
	owner  *models.User
}

func newUploadEnv(t *testing.T) *uploadEnv {
	t.Helper()

	portalStore := newTestStore(t)
	owner := createTestUser(t, portalStore, "alice")

	backend, err := local.New(t.TempDir())
	require.NoError(t, err)

	ledger := memory.New()
	engine, err := upload.NewEngine(upload.EngineConfig{
		Backend:      backend,
		Ledger:       ledger,
		Dedup:        ledger,
		OnComplete:   NewMergedFileRecorder(portalStore),
		MinChunkSize: 4,
		MaxChunkSize: 1024,
		MaxChunks:    100,
	})
	require.NoError(t, err)

	return &uploadEnv{
		store:  portalStore,
		engine: engine,
		owner:  owner,
	}
}

// router mounts the upload handler the way the API router does, with the
// given identity injected.
func (env *uploadEnv) router(claims *auth.Claims) http.Handler {
	h := NewUploadHandler(env.engine, env.store)

	r := chi.NewRouter()
	r.Use(asUser(claims))
	r.Post("/uploads", h.Initialize)
	r.Get("/uploads/{id}", h.GetSession)
	r.Delete("/uploads/{id}", h.Abort)
	r.Put("/uploads/{id}/chunks/{index}", h.UploadChunk)
	return r
}

func (env *uploadEnv) initialize(t *testing.T, router http.Handler, req InitializeUploadRequest) SessionResponse {
	t.Helper()

	body, err := json.Marshal(req)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/uploads", bytes.NewReader(body)))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp SessionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func (env *uploadEnv) putChunk(router http.Handler, sessionID string, index int, data []byte) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	target := fmt.Sprintf("/uploads/%s/chunks/%d", sessionID, index)
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPut, target, bytes.NewReader(data)))
	return w
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func TestUploadInitialize(t *testing.T) {
	env := newUploadEnv(t)
	router := env.router(claimsFor(env.owner))

	t.Run("Success", func(t *testing.T) {
		resp := env.initialize(t, router, InitializeUploadRequest{
			Filename:    "report.pdf",
			ContentType: "application/pdf",
			TotalSize:   10,
			ChunkSize:   4,
		})

		assert.NotEmpty(t, resp.ID)
		assert.Equal(t, "report.pdf", resp.Filename)
		assert.Equal(t, string(upload.StatusPending), resp.Status)
		assert.Equal(t, 3, resp.TotalChunks)
		assert.Equal(t, []int{0, 1, 2}, resp.MissingChunks)
		assert.Equal(t, "local", resp.StorageMode)
	})

	t.Run("PathStrippedFromFilename", func(t *testing.T) {
		resp := env.initialize(t, router, InitializeUploadRequest{
			Filename:  "../../etc/passwd",
			TotalSize: 10,
			ChunkSize: 4,
		})
		assert.Equal(t, "passwd", resp.Filename)
	})

	t.Run("InvalidParams", func(t *testing.T) {
		body, _ := json.Marshal(InitializeUploadRequest{
			Filename:  "bad.bin",
			TotalSize: -1,
			ChunkSize: 4,
		})
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/uploads", bytes.NewReader(body)))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("MissingFilename", func(t *testing.T) {
		body, _ := json.Marshal(InitializeUploadRequest{TotalSize: 10, ChunkSize: 4})
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/uploads", bytes.NewReader(body)))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestUploadChunkFlow(t *testing.T) {
	env := newUploadEnv(t)
	router := env.router(claimsFor(env.owner))
	ctx := context.Background()

	content := []byte("0123456789")
	session := env.initialize(t, router, InitializeUploadRequest{
		Filename:    "data.bin",
		ContentType: "application/octet-stream",
		TotalSize:   10,
		ChunkSize:   4,
	})

	// Chunks arrive out of order; the middle one first.
	w := env.putChunk(router, session.ID, 1, content[4:8])
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var chunkResp ChunkResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &chunkResp))
	assert.Equal(t, string(upload.StatusUploading), chunkResp.Status)
	assert.Equal(t, []int{0, 2}, chunkResp.MissingChunks)
	assert.Nil(t, chunkResp.File)

	// Retrying the same chunk with identical bytes is a no-op.
	w = env.putChunk(router, session.ID, 1, content[4:8])
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &chunkResp))
	assert.Equal(t, []int{0, 2}, chunkResp.MissingChunks)

	// Different bytes at a received index is a conflict.
	w = env.putChunk(router, session.ID, 1, []byte("XXXX"))
	assert.Equal(t, http.StatusConflict, w.Code)

	// Out-of-range index.
	w = env.putChunk(router, session.ID, 5, content[0:4])
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Remaining chunks; the last one triggers the merge.
	w = env.putChunk(router, session.ID, 0, content[0:4])
	require.Equal(t, http.StatusOK, w.Code)

	w = env.putChunk(router, session.ID, 2, content[8:])
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &chunkResp))

	assert.Equal(t, string(upload.StatusCompleted), chunkResp.Status)
	assert.Equal(t, float64(100), chunkResp.ProgressPercent)
	require.NotNil(t, chunkResp.File)
	assert.Equal(t, "data.bin", chunkResp.File.Filename)
	assert.Equal(t, int64(10), chunkResp.File.Size)
	assert.Equal(t, sha256Hex(content), chunkResp.File.Hash)
	assert.Equal(t, "local", chunkResp.File.StorageMode)

	// The file record is durable and owned by the uploader.
	file, err := env.store.GetFile(ctx, env.owner.ID, chunkResp.File.ID)
	require.NoError(t, err)
	assert.Equal(t, "data.bin", file.Filename)

	// The consumed session is gone.
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/uploads/"+session.ID, nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUploadGetSession(t *testing.T) {
	env := newUploadEnv(t)
	router := env.router(claimsFor(env.owner))

	session := env.initialize(t, router, InitializeUploadRequest{
		Filename:  "data.bin",
		TotalSize: 8,
		ChunkSize: 4,
	})

	t.Run("Found", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/uploads/"+session.ID, nil))
		require.Equal(t, http.StatusOK, w.Code)

		var resp SessionResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, session.ID, resp.ID)
		assert.Equal(t, 2, resp.TotalChunks)
	})

	t.Run("Unknown", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/uploads/nope", nil))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("OtherOwner", func(t *testing.T) {
		other := createTestUser(t, env.store, "bob")
		otherRouter := env.router(claimsFor(other))

		w := httptest.NewRecorder()
		otherRouter.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/uploads/"+session.ID, nil))
		assert.Equal(t, http.StatusForbidden, w.Code)
	})
}

func TestUploadAbort(t *testing.T) {
	env := newUploadEnv(t)
	router := env.router(claimsFor(env.owner))

	session := env.initialize(t, router, InitializeUploadRequest{
		Filename:  "data.bin",
		TotalSize: 8,
		ChunkSize: 4,
	})

	w := env.putChunk(router, session.ID, 0, []byte("abcd"))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/uploads/"+session.ID, nil))
	assert.Equal(t, http.StatusNoContent, w.Code)

	// The aborted session is removed entirely.
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/uploads/"+session.ID, nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
