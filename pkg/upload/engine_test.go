package upload_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filevault/filevault/pkg/storage"
	"github.com/filevault/filevault/pkg/storage/local"
	"github.com/filevault/filevault/pkg/upload"
	"github.com/filevault/filevault/pkg/upload/ledger/memory"
)

const testOwner = "owner-1"

type testEnv struct {
	engine  *upload.Engine
	backend *local.Store
	store   *memory.Store
}

func newTestEnv(t *testing.T, ttl time.Duration) *testEnv {
	t.Helper()
	return newHookedEnv(t, ttl, nil)
}

// newHookedEnv builds an engine whose completed sessions are handed to hook.
func newHookedEnv(t *testing.T, ttl time.Duration, hook upload.CompletionHook) *testEnv {
	t.Helper()

	backend, err := local.New(t.TempDir())
	require.NoError(t, err)

	store := memory.New()

	engine, err := upload.NewEngine(upload.EngineConfig{
		Backend:      backend,
		Ledger:       store,
		Dedup:        store,
		OnComplete:   hook,
		SessionTTL:   ttl,
		MinChunkSize: 1,
		MaxChunkSize: 64 * 1024 * 1024,
	})
	require.NoError(t, err)

	return &testEnv{engine: engine, backend: backend, store: store}
}

// initialize starts a session for a file split into 4-byte chunks.
func (env *testEnv) initialize(t *testing.T, totalSize, chunkSize int64, declaredHash string) *upload.Session {
	t.Helper()
	session, err := env.engine.Initialize(context.Background(), upload.InitializeParams{
		OwnerID:      testOwner,
		Filename:     "report.pdf",
		ContentType:  "application/pdf",
		TotalSize:    totalSize,
		ChunkSize:    chunkSize,
		DeclaredHash: declaredHash,
	})
	require.NoError(t, err)
	return session
}

// chunksOf splits content into chunkSize pieces.
func chunksOf(content []byte, chunkSize int64) [][]byte {
	var chunks [][]byte
	for off := int64(0); off < int64(len(content)); off += chunkSize {
		end := off + chunkSize
		if end > int64(len(content)) {
			end = int64(len(content))
		}
		chunks = append(chunks, content[off:end])
	}
	return chunks
}

func hashOf(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func TestInitialize(t *testing.T) {
	t.Run("SplitsFileIntoChunks", func(t *testing.T) {
		env := newTestEnv(t, time.Hour)

		// 10 bytes in 4-byte chunks: two full chunks plus a 2-byte tail.
		session := env.initialize(t, 10, 4, "")

		assert.Equal(t, 3, session.TotalChunks)
		assert.Equal(t, upload.StatusPending, session.Status)
		assert.Equal(t, storage.ModeLocal, session.StorageMode)
		assert.Equal(t, []int{0, 1, 2}, session.MissingChunks())
		assert.Equal(t, int64(4), session.ExpectedChunkSize(0))
		assert.Equal(t, int64(2), session.ExpectedChunkSize(2))
	})

	t.Run("ValidationFailures", func(t *testing.T) {
		env := newTestEnv(t, time.Hour)

		tests := []struct {
			name   string
			params upload.InitializeParams
		}{
			{"MissingOwner", upload.InitializeParams{Filename: "f", TotalSize: 10, ChunkSize: 4}},
			{"MissingFilename", upload.InitializeParams{OwnerID: testOwner, TotalSize: 10, ChunkSize: 4}},
			{"ZeroSize", upload.InitializeParams{OwnerID: testOwner, Filename: "f", TotalSize: 0, ChunkSize: 4}},
			{"ChunkTooLarge", upload.InitializeParams{OwnerID: testOwner, Filename: "f", TotalSize: 10, ChunkSize: 128 * 1024 * 1024}},
			{"BadHash", upload.InitializeParams{OwnerID: testOwner, Filename: "f", TotalSize: 10, ChunkSize: 4, DeclaredHash: "nothex"}},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := env.engine.Initialize(context.Background(), tt.params)
				assert.ErrorIs(t, err, upload.ErrInvalidArgument)
			})
		}
	})

	t.Run("ReusesInProgressSessionForSameContent", func(t *testing.T) {
		env := newTestEnv(t, time.Hour)
		content := []byte("0123456789")

		first := env.initialize(t, 10, 4, hashOf(content))

		_, err := env.engine.AcceptChunk(context.Background(), first.ID, testOwner, 0, content[:4])
		require.NoError(t, err)

		second := env.initialize(t, 10, 4, hashOf(content))
		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, []int{1, 2}, second.MissingChunks())
	})

	t.Run("DifferentHashGetsNewSession", func(t *testing.T) {
		env := newTestEnv(t, time.Hour)

		first := env.initialize(t, 10, 4, hashOf([]byte("0123456789")))
		second := env.initialize(t, 10, 4, hashOf([]byte("abcdefghij")))
		assert.NotEqual(t, first.ID, second.ID)
	})
}

func TestAcceptChunk(t *testing.T) {
	t.Run("OutOfOrderUploadCompletes", func(t *testing.T) {
		env := newTestEnv(t, time.Hour)
		content := []byte("0123456789")
		chunks := chunksOf(content, 4)
		session := env.initialize(t, 10, 4, "")

		var last *upload.AcceptResult
		for _, idx := range []int{2, 0, 1} {
			result, err := env.engine.AcceptChunk(context.Background(), session.ID, testOwner, idx, chunks[idx])
			require.NoError(t, err)
			last = result
		}

		assert.True(t, last.Merged)
		assert.Equal(t, upload.StatusCompleted, last.Session.Status)
		assert.Equal(t, hashOf(content), last.Session.FinalHash)
		assert.NotEmpty(t, last.Session.FinalLocation)

		// The final object holds the chunks in index order.
		final, err := env.backend.ReadFinal(context.Background(), last.Session.FinalLocation)
		require.NoError(t, err)
		defer final.Body.Close()
		data, err := io.ReadAll(final.Body)
		require.NoError(t, err)
		assert.Equal(t, content, data)
	})

	t.Run("ProgressTracksMissingChunks", func(t *testing.T) {
		env := newTestEnv(t, time.Hour)
		chunks := chunksOf([]byte("0123456789"), 4)
		session := env.initialize(t, 10, 4, "")

		result, err := env.engine.AcceptChunk(context.Background(), session.ID, testOwner, 1, chunks[1])
		require.NoError(t, err)

		assert.Equal(t, upload.StatusUploading, result.Session.Status)
		assert.Equal(t, []int{0, 2}, result.Session.MissingChunks())
		assert.InDelta(t, 33.3, result.Session.Progress(), 0.1)
	})

	t.Run("IdempotentReAccept", func(t *testing.T) {
		env := newTestEnv(t, time.Hour)
		chunks := chunksOf([]byte("0123456789"), 4)
		session := env.initialize(t, 10, 4, "")

		_, err := env.engine.AcceptChunk(context.Background(), session.ID, testOwner, 0, chunks[0])
		require.NoError(t, err)

		// Same index, same bytes: a retry after a lost response.
		result, err := env.engine.AcceptChunk(context.Background(), session.ID, testOwner, 0, chunks[0])
		require.NoError(t, err)
		assert.True(t, result.AlreadyHad)
		assert.False(t, result.Merged)
		assert.Equal(t, 1, result.Session.ReceivedChunks())
	})

	t.Run("ReAcceptSnapshotIsDetached", func(t *testing.T) {
		env := newTestEnv(t, time.Hour)
		chunks := chunksOf([]byte("0123456789"), 4)
		session := env.initialize(t, 10, 4, "")

		_, err := env.engine.AcceptChunk(context.Background(), session.ID, testOwner, 0, chunks[0])
		require.NoError(t, err)

		result, err := env.engine.AcceptChunk(context.Background(), session.ID, testOwner, 0, chunks[0])
		require.NoError(t, err)
		require.True(t, result.AlreadyHad)

		// Mutating the returned snapshot must not leak into the ledger.
		result.Session.ChunkDigests[1] = "tampered"

		stored, err := env.engine.GetSession(context.Background(), session.ID, testOwner)
		require.NoError(t, err)
		assert.Equal(t, 1, stored.ReceivedChunks())
	})

	t.Run("ConflictOnDifferingBytes", func(t *testing.T) {
		env := newTestEnv(t, time.Hour)
		session := env.initialize(t, 10, 4, "")

		_, err := env.engine.AcceptChunk(context.Background(), session.ID, testOwner, 0, []byte("aaaa"))
		require.NoError(t, err)

		_, err = env.engine.AcceptChunk(context.Background(), session.ID, testOwner, 0, []byte("bbbb"))
		assert.ErrorIs(t, err, upload.ErrChunkConflict)
	})

	t.Run("IndexOutOfRange", func(t *testing.T) {
		env := newTestEnv(t, time.Hour)
		session := env.initialize(t, 10, 4, "")

		_, err := env.engine.AcceptChunk(context.Background(), session.ID, testOwner, 3, []byte("zzzz"))
		assert.ErrorIs(t, err, upload.ErrIndexOutOfRange)

		_, err = env.engine.AcceptChunk(context.Background(), session.ID, testOwner, -1, []byte("zzzz"))
		assert.ErrorIs(t, err, upload.ErrIndexOutOfRange)
	})

	t.Run("WrongChunkSizeRejected", func(t *testing.T) {
		env := newTestEnv(t, time.Hour)
		session := env.initialize(t, 10, 4, "")

		// Chunk 0 must be exactly 4 bytes.
		_, err := env.engine.AcceptChunk(context.Background(), session.ID, testOwner, 0, []byte("ab"))
		assert.ErrorIs(t, err, upload.ErrInvalidArgument)
	})

	t.Run("OwnerScoped", func(t *testing.T) {
		env := newTestEnv(t, time.Hour)
		session := env.initialize(t, 10, 4, "")

		_, err := env.engine.AcceptChunk(context.Background(), session.ID, "other-user", 0, []byte("aaaa"))
		assert.ErrorIs(t, err, upload.ErrForbidden)
	})

	t.Run("UnknownSession", func(t *testing.T) {
		env := newTestEnv(t, time.Hour)

		_, err := env.engine.AcceptChunk(context.Background(), "no-such-id", testOwner, 0, []byte("aaaa"))
		assert.ErrorIs(t, err, upload.ErrSessionNotFound)
	})

	t.Run("CompletedSessionRejectsChunks", func(t *testing.T) {
		env := newTestEnv(t, time.Hour)
		content := []byte("0123456789")
		chunks := chunksOf(content, 4)
		session := env.initialize(t, 10, 4, "")

		for idx, chunk := range chunks {
			_, err := env.engine.AcceptChunk(context.Background(), session.ID, testOwner, idx, chunk)
			require.NoError(t, err)
		}

		_, err := env.engine.AcceptChunk(context.Background(), session.ID, testOwner, 0, chunks[0])
		assert.ErrorIs(t, err, upload.ErrSessionClosed)
	})

	t.Run("ExpiredSessionRejectsChunks", func(t *testing.T) {
		env := newTestEnv(t, time.Millisecond)
		session := env.initialize(t, 10, 4, "")

		time.Sleep(5 * time.Millisecond)

		_, err := env.engine.AcceptChunk(context.Background(), session.ID, testOwner, 0, []byte("aaaa"))
		assert.ErrorIs(t, err, upload.ErrExpired)

		// The rejection marked the session expired durably.
		stored, err := env.engine.GetSession(context.Background(), session.ID, testOwner)
		require.NoError(t, err)
		assert.Equal(t, upload.StatusExpired, stored.Status)
	})
}

func TestDeclaredHash(t *testing.T) {
	t.Run("MatchingHashCompletes", func(t *testing.T) {
		env := newTestEnv(t, time.Hour)
		content := []byte("0123456789")
		chunks := chunksOf(content, 4)
		session := env.initialize(t, 10, 4, hashOf(content))

		var last *upload.AcceptResult
		for idx, chunk := range chunks {
			result, err := env.engine.AcceptChunk(context.Background(), session.ID, testOwner, idx, chunk)
			require.NoError(t, err)
			last = result
		}

		assert.True(t, last.Merged)
		assert.Equal(t, upload.StatusCompleted, last.Session.Status)
		assert.Equal(t, hashOf(content), last.Session.FinalHash)
	})

	t.Run("MismatchFailsSession", func(t *testing.T) {
		env := newTestEnv(t, time.Hour)
		chunks := chunksOf([]byte("0123456789"), 4)
		// Declared hash is for different content.
		session := env.initialize(t, 10, 4, hashOf([]byte("something else")))

		var lastErr error
		for idx, chunk := range chunks {
			_, err := env.engine.AcceptChunk(context.Background(), session.ID, testOwner, idx, chunk)
			if err != nil {
				lastErr = err
			}
		}

		assert.ErrorIs(t, lastErr, upload.ErrHashMismatch)

		stored, err := env.engine.GetSession(context.Background(), session.ID, testOwner)
		require.NoError(t, err)
		assert.Equal(t, upload.StatusFailed, stored.Status)
	})
}

func TestDeduplication(t *testing.T) {
	uploadAll := func(t *testing.T, env *testEnv, session *upload.Session, chunks [][]byte) *upload.AcceptResult {
		t.Helper()
		var last *upload.AcceptResult
		for idx, chunk := range chunks {
			result, err := env.engine.AcceptChunk(context.Background(), session.ID, testOwner, idx, chunk)
			require.NoError(t, err)
			last = result
		}
		return last
	}

	t.Run("IdenticalContentSharesFinalObject", func(t *testing.T) {
		env := newTestEnv(t, time.Hour)
		content := []byte("0123456789")
		chunks := chunksOf(content, 4)

		first := env.initialize(t, 10, 4, "")
		firstResult := uploadAll(t, env, first, chunks)

		second := env.initialize(t, 10, 4, "")
		require.NotEqual(t, first.ID, second.ID)
		secondResult := uploadAll(t, env, second, chunks)

		assert.Equal(t, firstResult.Session.FinalLocation, secondResult.Session.FinalLocation)
		assert.Equal(t, firstResult.Session.FinalHash, secondResult.Session.FinalHash)
	})

	t.Run("DeclaredHashSharesFinalObject", func(t *testing.T) {
		env := newTestEnv(t, time.Hour)
		content := []byte("0123456789")
		chunks := chunksOf(content, 4)

		first := env.initialize(t, 10, 4, hashOf(content))
		firstResult := uploadAll(t, env, first, chunks)

		location, found, err := env.store.Lookup(context.Background(), storage.ModeLocal, hashOf(content))
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, firstResult.Session.FinalLocation, location)

		second, err := env.engine.Initialize(context.Background(), upload.InitializeParams{
			OwnerID:      "owner-2",
			Filename:     "copy.pdf",
			TotalSize:    10,
			ChunkSize:    4,
			DeclaredHash: hashOf(content),
		})
		require.NoError(t, err)

		var last *upload.AcceptResult
		for idx, chunk := range chunks {
			result, err := env.engine.AcceptChunk(context.Background(), second.ID, "owner-2", idx, chunk)
			require.NoError(t, err)
			last = result
		}

		assert.True(t, last.Merged)
		assert.Equal(t, firstResult.Session.FinalLocation, last.Session.FinalLocation)
	})

	t.Run("FalseDeclaredHashCannotClaimExistingObject", func(t *testing.T) {
		env := newTestEnv(t, time.Hour)
		content := []byte("0123456789")

		first := env.initialize(t, 10, 4, hashOf(content))
		uploadAll(t, env, first, chunksOf(content, 4))

		// A second uploader declares the known hash but sends other bytes.
		// The declared hash must not buy them the existing object.
		second, err := env.engine.Initialize(context.Background(), upload.InitializeParams{
			OwnerID:      "owner-2",
			Filename:     "impostor.pdf",
			TotalSize:    10,
			ChunkSize:    4,
			DeclaredHash: hashOf(content),
		})
		require.NoError(t, err)

		var lastErr error
		for idx, chunk := range chunksOf([]byte("XXXXXXXXXX"), 4) {
			_, err := env.engine.AcceptChunk(context.Background(), second.ID, "owner-2", idx, chunk)
			if err != nil {
				lastErr = err
			}
		}
		assert.ErrorIs(t, lastErr, upload.ErrHashMismatch)

		stored, err := env.engine.GetSession(context.Background(), second.ID, "owner-2")
		require.NoError(t, err)
		assert.Equal(t, upload.StatusFailed, stored.Status)
		assert.Empty(t, stored.FinalLocation)
	})
}

func TestConcurrency(t *testing.T) {
	t.Run("ExactlyOneCallMerges", func(t *testing.T) {
		env := newTestEnv(t, time.Hour)
		content := []byte("0123456789")
		chunks := chunksOf(content, 4)
		session := env.initialize(t, 10, 4, "")

		_, err := env.engine.AcceptChunk(context.Background(), session.ID, testOwner, 0, chunks[0])
		require.NoError(t, err)

		// Race the last two chunks; exactly one call must observe the
		// missing set become empty and perform the merge.
		var wg sync.WaitGroup
		results := make([]*upload.AcceptResult, 2)
		errs := make([]error, 2)

		wg.Add(2)
		for i, idx := range []int{1, 2} {
			go func(slot, chunkIdx int) {
				defer wg.Done()
				results[slot], errs[slot] = env.engine.AcceptChunk(
					context.Background(), session.ID, testOwner, chunkIdx, chunks[chunkIdx])
			}(i, idx)
		}
		wg.Wait()

		require.NoError(t, errs[0])
		require.NoError(t, errs[1])

		mergedCount := 0
		for _, r := range results {
			if r.Merged {
				mergedCount++
			}
		}
		assert.Equal(t, 1, mergedCount)

		stored, err := env.engine.GetSession(context.Background(), session.ID, testOwner)
		require.NoError(t, err)
		assert.Equal(t, upload.StatusCompleted, stored.Status)
	})

	t.Run("ConcurrentSameChunkIsIdempotent", func(t *testing.T) {
		env := newTestEnv(t, time.Hour)
		chunks := chunksOf([]byte("0123456789"), 4)
		session := env.initialize(t, 10, 4, "")

		const workers = 8
		var wg sync.WaitGroup
		errs := make([]error, workers)

		wg.Add(workers)
		for i := 0; i < workers; i++ {
			go func(slot int) {
				defer wg.Done()
				_, errs[slot] = env.engine.AcceptChunk(
					context.Background(), session.ID, testOwner, 0, chunks[0])
			}(i)
		}
		wg.Wait()

		for _, err := range errs {
			assert.NoError(t, err)
		}

		stored, err := env.engine.GetSession(context.Background(), session.ID, testOwner)
		require.NoError(t, err)
		assert.Equal(t, 1, stored.ReceivedChunks())
	})
}

func TestAbort(t *testing.T) {
	t.Run("RemovesSessionAndStaging", func(t *testing.T) {
		env := newTestEnv(t, time.Hour)
		session := env.initialize(t, 10, 4, "")

		_, err := env.engine.AcceptChunk(context.Background(), session.ID, testOwner, 0, []byte("aaaa"))
		require.NoError(t, err)

		require.NoError(t, env.engine.Abort(context.Background(), session.ID, testOwner))

		_, err = env.engine.GetSession(context.Background(), session.ID, testOwner)
		assert.ErrorIs(t, err, upload.ErrSessionNotFound)
	})

	t.Run("OwnerScoped", func(t *testing.T) {
		env := newTestEnv(t, time.Hour)
		session := env.initialize(t, 10, 4, "")

		err := env.engine.Abort(context.Background(), session.ID, "other-user")
		assert.ErrorIs(t, err, upload.ErrForbidden)
	})

	t.Run("CompletedSessionCannotBeAborted", func(t *testing.T) {
		env := newTestEnv(t, time.Hour)
		content := []byte("0123456789")
		chunks := chunksOf(content, 4)
		session := env.initialize(t, 10, 4, "")

		for idx, chunk := range chunks {
			_, err := env.engine.AcceptChunk(context.Background(), session.ID, testOwner, idx, chunk)
			require.NoError(t, err)
		}

		err := env.engine.Abort(context.Background(), session.ID, testOwner)
		assert.ErrorIs(t, err, upload.ErrSessionClosed)
	})
}

func TestReaper(t *testing.T) {
	t.Run("ExpiresAbandonedSessions", func(t *testing.T) {
		env := newTestEnv(t, 10*time.Millisecond)
		session := env.initialize(t, 10, 4, "")

		_, err := env.engine.AcceptChunk(context.Background(), session.ID, testOwner, 0, []byte("aaaa"))
		require.NoError(t, err)

		time.Sleep(20 * time.Millisecond)

		reaper := upload.NewReaper(env.engine, upload.ReaperConfig{
			Interval:  time.Hour,
			Retention: time.Hour,
		})

		stats, err := reaper.Sweep(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Expired)

		stored, err := env.engine.GetSession(context.Background(), session.ID, testOwner)
		require.NoError(t, err)
		assert.Equal(t, upload.StatusExpired, stored.Status)
	})

	t.Run("CompletedSessionsAreNeverExpired", func(t *testing.T) {
		env := newTestEnv(t, 50*time.Millisecond)
		content := []byte("0123456789")
		chunks := chunksOf(content, 4)
		session := env.initialize(t, 10, 4, "")

		for idx, chunk := range chunks {
			_, err := env.engine.AcceptChunk(context.Background(), session.ID, testOwner, idx, chunk)
			require.NoError(t, err)
		}

		time.Sleep(60 * time.Millisecond)

		reaper := upload.NewReaper(env.engine, upload.ReaperConfig{
			Interval:  time.Hour,
			Retention: time.Hour,
		})

		stats, err := reaper.Sweep(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 0, stats.Expired)

		stored, err := env.engine.GetSession(context.Background(), session.ID, testOwner)
		require.NoError(t, err)
		assert.Equal(t, upload.StatusCompleted, stored.Status)
	})

	t.Run("PurgesStaleTerminalRecords", func(t *testing.T) {
		env := newTestEnv(t, 10*time.Millisecond)
		session := env.initialize(t, 10, 4, "")

		time.Sleep(20 * time.Millisecond)

		reaper := upload.NewReaper(env.engine, upload.ReaperConfig{
			Interval:  time.Hour,
			Retention: time.Millisecond,
		})

		// First sweep expires, second sweep purges the stale record.
		_, err := reaper.Sweep(context.Background())
		require.NoError(t, err)

		time.Sleep(5 * time.Millisecond)

		stats, err := reaper.Sweep(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Purged)

		_, err = env.engine.GetSession(context.Background(), session.ID, testOwner)
		assert.ErrorIs(t, err, upload.ErrSessionNotFound)
	})

	t.Run("PurgeReleasesSurvivingStaging", func(t *testing.T) {
		env := newTestEnv(t, 10*time.Millisecond)
		session := env.initialize(t, 10, 4, "")

		_, err := env.engine.AcceptChunk(context.Background(), session.ID, testOwner, 0, []byte("aaaa"))
		require.NoError(t, err)

		time.Sleep(20 * time.Millisecond)

		// A late chunk marks the session expired in place; its staging
		// area is still on disk at that point.
		_, err = env.engine.AcceptChunk(context.Background(), session.ID, testOwner, 1, []byte("bbbb"))
		require.ErrorIs(t, err, upload.ErrExpired)

		_, err = os.Stat(session.StagingRef)
		require.NoError(t, err)

		reaper := upload.NewReaper(env.engine, upload.ReaperConfig{
			Interval:  time.Hour,
			Retention: time.Millisecond,
		})

		time.Sleep(5 * time.Millisecond)

		stats, err := reaper.Sweep(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Purged)

		_, err = os.Stat(session.StagingRef)
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("StuckMergingSessionIsReaped", func(t *testing.T) {
		env := newTestEnv(t, time.Hour)
		session := env.initialize(t, 10, 4, "")

		// A merge whose process died leaves the session merging forever.
		stuck, err := env.store.Get(context.Background(), session.ID)
		require.NoError(t, err)
		stuck.Status = upload.StatusMerging
		stuck.ExpiresAt = time.Now().Add(-2 * time.Hour)
		require.NoError(t, env.store.Put(context.Background(), stuck))

		reaper := upload.NewReaper(env.engine, upload.ReaperConfig{
			Interval:  time.Hour,
			Retention: time.Minute,
		})

		stats, err := reaper.Sweep(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Expired)

		stored, err := env.engine.GetSession(context.Background(), session.ID, testOwner)
		require.NoError(t, err)
		assert.Equal(t, upload.StatusExpired, stored.Status)
	})

	t.Run("MergingSessionGetsGracePastDeadline", func(t *testing.T) {
		env := newTestEnv(t, time.Hour)
		session := env.initialize(t, 10, 4, "")

		merging, err := env.store.Get(context.Background(), session.ID)
		require.NoError(t, err)
		merging.Status = upload.StatusMerging
		merging.ExpiresAt = time.Now().Add(-time.Second)
		require.NoError(t, env.store.Put(context.Background(), merging))

		reaper := upload.NewReaper(env.engine, upload.ReaperConfig{
			Interval:  time.Hour,
			Retention: time.Hour,
		})

		// Just past the deadline the merge may still land; hands off.
		stats, err := reaper.Sweep(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 0, stats.Expired)

		stored, err := env.engine.GetSession(context.Background(), session.ID, testOwner)
		require.NoError(t, err)
		assert.Equal(t, upload.StatusMerging, stored.Status)
	})

	t.Run("StartStop", func(t *testing.T) {
		env := newTestEnv(t, time.Hour)
		reaper := upload.NewReaper(env.engine, upload.ReaperConfig{
			Interval: 10 * time.Millisecond,
		})

		reaper.Start(context.Background())
		time.Sleep(30 * time.Millisecond)
		reaper.Stop()
	})
}

func TestCompletionHook(t *testing.T) {
	upload10 := func(t *testing.T, env *testEnv, session *upload.Session, content []byte) {
		t.Helper()
		for idx, chunk := range chunksOf(content, 4) {
			_, err := env.engine.AcceptChunk(context.Background(), session.ID, testOwner, idx, chunk)
			require.NoError(t, err)
		}
	}

	t.Run("ConsumedSessionLeavesLedger", func(t *testing.T) {
		var collected []*upload.Session
		env := newHookedEnv(t, time.Hour, func(ctx context.Context, s *upload.Session) error {
			collected = append(collected, s)
			return nil
		})

		content := []byte("0123456789")
		session := env.initialize(t, 10, 4, "")
		upload10(t, env, session, content)

		require.Len(t, collected, 1)
		assert.Equal(t, session.ID, collected[0].ID)
		assert.Equal(t, hashOf(content), collected[0].FinalHash)

		// The handoff consumed the session record.
		_, err := env.engine.GetSession(context.Background(), session.ID, testOwner)
		assert.ErrorIs(t, err, upload.ErrSessionNotFound)
	})

	t.Run("FailedHandoffRetriesOnRead", func(t *testing.T) {
		calls := 0
		env := newHookedEnv(t, time.Hour, func(ctx context.Context, s *upload.Session) error {
			calls++
			if calls == 1 {
				return errors.New("database unavailable")
			}
			return nil
		})

		content := []byte("0123456789")
		session := env.initialize(t, 10, 4, "")
		upload10(t, env, session, content)

		// The failed handoff kept the completed session around.
		stored, err := env.engine.GetSession(context.Background(), session.ID, testOwner)
		require.NoError(t, err)
		assert.Equal(t, upload.StatusCompleted, stored.Status)
		assert.Equal(t, 2, calls)

		// That read retried the handoff, which consumed the session.
		_, err = env.engine.GetSession(context.Background(), session.ID, testOwner)
		assert.ErrorIs(t, err, upload.ErrSessionNotFound)
	})
}

func TestLargeUpload(t *testing.T) {
	t.Run("MultiMegabyteFileRoundTrips", func(t *testing.T) {
		env := newTestEnv(t, time.Hour)

		// 10MB file in 4MB chunks: two full chunks and a 2MB tail.
		content := bytes.Repeat([]byte("0123456789abcdef"), 10*1024*1024/16)
		chunkSize := int64(4 * 1024 * 1024)
		chunks := chunksOf(content, chunkSize)
		require.Len(t, chunks, 3)

		session := env.initialize(t, int64(len(content)), chunkSize, hashOf(content))
		assert.Equal(t, 3, session.TotalChunks)

		var last *upload.AcceptResult
		for idx, chunk := range chunks {
			result, err := env.engine.AcceptChunk(context.Background(), session.ID, testOwner, idx, chunk)
			require.NoError(t, err)
			last = result
		}

		require.True(t, last.Merged)
		assert.Equal(t, hashOf(content), last.Session.FinalHash)

		final, err := env.backend.ReadFinal(context.Background(), last.Session.FinalLocation)
		require.NoError(t, err)
		defer final.Body.Close()

		data, err := io.ReadAll(final.Body)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(content, data))
	})
}
