package local

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filevault/filevault/pkg/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(t.TempDir())
	require.NoError(t, err)
	return store
}

func writeChunk(t *testing.T, store *Store, sessionID, ref string, index int, data []byte) {
	t.Helper()
	err := store.WriteChunk(context.Background(), sessionID, ref, index, bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
}

func TestOpenStagingArea(t *testing.T) {
	t.Run("CreatesDirectory", func(t *testing.T) {
		store := newTestStore(t)

		ref, err := store.OpenStagingArea(context.Background(), "session-1")
		require.NoError(t, err)

		info, err := os.Stat(ref)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})

	t.Run("Idempotent", func(t *testing.T) {
		store := newTestStore(t)

		ref1, err := store.OpenStagingArea(context.Background(), "session-1")
		require.NoError(t, err)

		ref2, err := store.OpenStagingArea(context.Background(), "session-1")
		require.NoError(t, err)
		assert.Equal(t, ref1, ref2)
	})
}

func TestWriteChunk(t *testing.T) {
	t.Run("WritesChunkFile", func(t *testing.T) {
		store := newTestStore(t)
		ref, err := store.OpenStagingArea(context.Background(), "session-1")
		require.NoError(t, err)

		writeChunk(t, store, "session-1", ref, 0, []byte("hello"))

		data, err := os.ReadFile(filepath.Join(ref, "00000000.chunk"))
		require.NoError(t, err)
		assert.Equal(t, []byte("hello"), data)
	})

	t.Run("RewriteWithIdenticalBytesSucceeds", func(t *testing.T) {
		store := newTestStore(t)
		ref, err := store.OpenStagingArea(context.Background(), "session-1")
		require.NoError(t, err)

		writeChunk(t, store, "session-1", ref, 0, []byte("same"))
		writeChunk(t, store, "session-1", ref, 0, []byte("same"))

		data, err := os.ReadFile(filepath.Join(ref, "00000000.chunk"))
		require.NoError(t, err)
		assert.Equal(t, []byte("same"), data)
	})

	t.Run("DifferingBytesConflictAndKeepOriginal", func(t *testing.T) {
		store := newTestStore(t)
		ref, err := store.OpenStagingArea(context.Background(), "session-1")
		require.NoError(t, err)

		writeChunk(t, store, "session-1", ref, 0, []byte("first"))

		err = store.WriteChunk(context.Background(), "session-1", ref, 0,
			bytes.NewReader([]byte("other")), 5)
		assert.ErrorIs(t, err, storage.ErrChunkConflict)

		// The committed chunk is untouched by the losing write.
		data, err := os.ReadFile(filepath.Join(ref, "00000000.chunk"))
		require.NoError(t, err)
		assert.Equal(t, []byte("first"), data)

		entries, err := os.ReadDir(ref)
		require.NoError(t, err)
		assert.Len(t, entries, 1)
	})

	t.Run("NoTempFilesLeftBehind", func(t *testing.T) {
		store := newTestStore(t)
		ref, err := store.OpenStagingArea(context.Background(), "session-1")
		require.NoError(t, err)

		writeChunk(t, store, "session-1", ref, 0, []byte("data"))
		writeChunk(t, store, "session-1", ref, 1, []byte("more"))

		entries, err := os.ReadDir(ref)
		require.NoError(t, err)
		for _, e := range entries {
			assert.NotContains(t, e.Name(), ".tmp")
		}
	})
}

func TestFinalize(t *testing.T) {
	t.Run("AssemblesChunksInOrder", func(t *testing.T) {
		store := newTestStore(t)
		ref, err := store.OpenStagingArea(context.Background(), "session-1")
		require.NoError(t, err)

		// Written out of order on purpose.
		writeChunk(t, store, "session-1", ref, 2, []byte("ghi"))
		writeChunk(t, store, "session-1", ref, 0, []byte("abc"))
		writeChunk(t, store, "session-1", ref, 1, []byte("def"))

		obj, err := store.Finalize(context.Background(), "session-1", ref, 3, "")
		require.NoError(t, err)

		want := sha256.Sum256([]byte("abcdefghi"))
		assert.Equal(t, hex.EncodeToString(want[:]), obj.Hash)
		assert.Equal(t, int64(9), obj.Size)

		content, err := store.ReadFinal(context.Background(), obj.Location)
		require.NoError(t, err)
		defer content.Body.Close()

		data, err := io.ReadAll(content.Body)
		require.NoError(t, err)
		assert.Equal(t, []byte("abcdefghi"), data)
	})

	t.Run("ContentAddressedLocation", func(t *testing.T) {
		store := newTestStore(t)
		ref, err := store.OpenStagingArea(context.Background(), "session-1")
		require.NoError(t, err)

		writeChunk(t, store, "session-1", ref, 0, []byte("payload"))

		obj, err := store.Finalize(context.Background(), "session-1", ref, 1, "")
		require.NoError(t, err)

		assert.Equal(t, "objects/"+obj.Hash[:2]+"/"+obj.Hash, obj.Location)
	})

	t.Run("RemovesStagingArea", func(t *testing.T) {
		store := newTestStore(t)
		ref, err := store.OpenStagingArea(context.Background(), "session-1")
		require.NoError(t, err)

		writeChunk(t, store, "session-1", ref, 0, []byte("payload"))

		_, err = store.Finalize(context.Background(), "session-1", ref, 1, "")
		require.NoError(t, err)

		_, err = os.Stat(ref)
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("VerifiesDeclaredHash", func(t *testing.T) {
		store := newTestStore(t)
		ref, err := store.OpenStagingArea(context.Background(), "session-1")
		require.NoError(t, err)

		writeChunk(t, store, "session-1", ref, 0, []byte("payload"))

		want := sha256.Sum256([]byte("payload"))
		obj, err := store.Finalize(context.Background(), "session-1", ref, 1, hex.EncodeToString(want[:]))
		require.NoError(t, err)
		assert.Equal(t, hex.EncodeToString(want[:]), obj.Hash)
	})

	t.Run("HashMismatchKeepsStaging", func(t *testing.T) {
		store := newTestStore(t)
		ref, err := store.OpenStagingArea(context.Background(), "session-1")
		require.NoError(t, err)

		writeChunk(t, store, "session-1", ref, 0, []byte("payload"))

		wrong := sha256.Sum256([]byte("different"))
		_, err = store.Finalize(context.Background(), "session-1", ref, 1, hex.EncodeToString(wrong[:]))
		require.Error(t, err)
		assert.ErrorIs(t, err, storage.ErrHashMismatch)

		// Staging survives so the session can be retried or aborted.
		_, err = os.Stat(filepath.Join(ref, "00000000.chunk"))
		assert.NoError(t, err)
	})

	t.Run("MissingChunkFails", func(t *testing.T) {
		store := newTestStore(t)
		ref, err := store.OpenStagingArea(context.Background(), "session-1")
		require.NoError(t, err)

		writeChunk(t, store, "session-1", ref, 0, []byte("abc"))
		// Chunk 1 never written.

		_, err = store.Finalize(context.Background(), "session-1", ref, 2, "")
		require.Error(t, err)
		assert.ErrorIs(t, err, storage.ErrObjectNotFound)
	})

	t.Run("IdenticalContentDeduplicatesOnDisk", func(t *testing.T) {
		store := newTestStore(t)

		ref1, err := store.OpenStagingArea(context.Background(), "session-1")
		require.NoError(t, err)
		writeChunk(t, store, "session-1", ref1, 0, []byte("same bytes"))

		ref2, err := store.OpenStagingArea(context.Background(), "session-2")
		require.NoError(t, err)
		writeChunk(t, store, "session-2", ref2, 0, []byte("same bytes"))

		obj1, err := store.Finalize(context.Background(), "session-1", ref1, 1, "")
		require.NoError(t, err)
		obj2, err := store.Finalize(context.Background(), "session-2", ref2, 1, "")
		require.NoError(t, err)

		assert.Equal(t, obj1.Location, obj2.Location)
	})
}

func TestAbort(t *testing.T) {
	t.Run("RemovesStagedChunks", func(t *testing.T) {
		store := newTestStore(t)
		ref, err := store.OpenStagingArea(context.Background(), "session-1")
		require.NoError(t, err)

		writeChunk(t, store, "session-1", ref, 0, []byte("payload"))

		err = store.Abort(context.Background(), "session-1", ref)
		require.NoError(t, err)

		_, err = os.Stat(ref)
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("Idempotent", func(t *testing.T) {
		store := newTestStore(t)
		ref, err := store.OpenStagingArea(context.Background(), "session-1")
		require.NoError(t, err)

		require.NoError(t, store.Abort(context.Background(), "session-1", ref))
		require.NoError(t, store.Abort(context.Background(), "session-1", ref))
	})

	t.Run("EmptyRefIsNoOp", func(t *testing.T) {
		store := newTestStore(t)
		require.NoError(t, store.Abort(context.Background(), "session-1", ""))
	})
}

func TestReadFinal(t *testing.T) {
	t.Run("MissingObjectReturnsNotFound", func(t *testing.T) {
		store := newTestStore(t)

		_, err := store.ReadFinal(context.Background(), "objects/ab/abcdef")
		assert.ErrorIs(t, err, storage.ErrObjectNotFound)
	})
}

func TestRemove(t *testing.T) {
	t.Run("DeletesObject", func(t *testing.T) {
		store := newTestStore(t)
		ref, err := store.OpenStagingArea(context.Background(), "session-1")
		require.NoError(t, err)

		writeChunk(t, store, "session-1", ref, 0, []byte("payload"))
		obj, err := store.Finalize(context.Background(), "session-1", ref, 1, "")
		require.NoError(t, err)

		require.NoError(t, store.Remove(context.Background(), obj.Location))

		_, err = store.ReadFinal(context.Background(), obj.Location)
		assert.ErrorIs(t, err, storage.ErrObjectNotFound)
	})

	t.Run("MissingObjectIsNoOp", func(t *testing.T) {
		store := newTestStore(t)
		require.NoError(t, store.Remove(context.Background(), "objects/ab/abcdef"))
	})
}
