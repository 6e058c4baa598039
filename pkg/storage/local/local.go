// Package local implements the filesystem storage backend.
//
// Layout under the base path:
//
//	staging/<sessionID>/<index>.chunk   in-flight chunks
//	objects/<hh>/<hash>                 merged, content-addressed objects
//
// Chunk writes go through a temp file plus link so a crashed write never
// leaves a torn chunk behind and a committed chunk is never replaced.
// Finalize streams chunks in index order into a temp file while hashing,
// then renames the temp file to its content-addressed location.
package local

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/filevault/filevault/pkg/storage"
)

const chunkSuffix = ".chunk"

// Store is a filesystem-backed storage.Backend.
type Store struct {
	basePath string
}

// New creates a local store rooted at basePath, creating the staging and
// objects directories if needed.
func New(basePath string) (*Store, error) {
	if basePath == "" {
		return nil, fmt.Errorf("base path is required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base path: %w", err)
	}

	for _, dir := range []string{abs, filepath.Join(abs, "staging"), filepath.Join(abs, "objects")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return &Store{basePath: abs}, nil
}

// Mode returns storage.ModeLocal.
func (s *Store) Mode() storage.Mode {
	return storage.ModeLocal
}

// BasePath returns the absolute root directory of the store.
func (s *Store) BasePath() string {
	return s.basePath
}

// Ping verifies the base directory is still reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	info, err := os.Stat(s.basePath)
	if err != nil {
		return fmt.Errorf("base path unavailable: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("base path %s is not a directory", s.basePath)
	}
	return nil
}

// OpenStagingArea creates the per-session staging directory. Idempotent.
func (s *Store) OpenStagingArea(ctx context.Context, sessionID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	dir := filepath.Join(s.basePath, "staging", filepath.Base(sessionID))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create staging area: %w", err)
	}
	return dir, nil
}

// WriteChunk stores one chunk atomically via temp file + link. The link
// never replaces an existing chunk file: re-staging an index with
// identical bytes succeeds, differing bytes fail with
// storage.ErrChunkConflict and leave the original chunk intact.
func (s *Store) WriteChunk(ctx context.Context, sessionID, stagingRef string, index int, r io.Reader, size int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	chunkPath := filepath.Join(stagingRef, chunkFileName(index))

	// Unique temp file per write; concurrent retries of the same index
	// must not clobber each other's in-progress bytes.
	f, err := os.CreateTemp(stagingRef, chunkFileName(index)+".tmp-")
	if err != nil {
		return fmt.Errorf("failed to create chunk file: %w", err)
	}
	tmpPath := f.Name()

	hasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(f, hasher), r)
	if err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write chunk %d: %w", index, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close chunk file: %w", err)
	}
	if size >= 0 && written != size {
		os.Remove(tmpPath)
		return fmt.Errorf("chunk %d short write: expected %d bytes, wrote %d", index, size, written)
	}

	if err := os.Link(tmpPath, chunkPath); err != nil {
		os.Remove(tmpPath)
		if !errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("failed to commit chunk file: %w", err)
		}
		existing, hashErr := fileDigest(chunkPath)
		if hashErr != nil {
			return fmt.Errorf("failed to hash staged chunk %d: %w", index, hashErr)
		}
		if existing != hex.EncodeToString(hasher.Sum(nil)) {
			return fmt.Errorf("%w: chunk %d", storage.ErrChunkConflict, index)
		}
		return nil
	}
	os.Remove(tmpPath)
	return nil
}

// fileDigest returns the SHA-256 hex digest of a file's content.
func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Finalize concatenates chunks 0..totalChunks-1 into a content-addressed
// object, hashing the stream as it goes. When contentHash is set and the
// streamed digest disagrees, the staging area is left intact so the caller
// can retry or abort.
func (s *Store) Finalize(ctx context.Context, sessionID, stagingRef string, totalChunks int, contentHash string) (*storage.FinalObject, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tmpPath := filepath.Join(s.basePath, "objects", fmt.Sprintf(".merge-%s.tmp", filepath.Base(sessionID)))
	out, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create merge file: %w", err)
	}
	defer os.Remove(tmpPath)

	hasher := sha256.New()
	w := io.MultiWriter(out, hasher)

	var total int64
	for i := 0; i < totalChunks; i++ {
		if err := ctx.Err(); err != nil {
			out.Close()
			return nil, err
		}

		chunkPath := filepath.Join(stagingRef, chunkFileName(i))
		in, err := os.Open(chunkPath)
		if err != nil {
			out.Close()
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("chunk %d missing from staging area: %w", i, storage.ErrObjectNotFound)
			}
			return nil, fmt.Errorf("failed to open chunk %d: %w", i, err)
		}

		n, err := io.Copy(w, in)
		in.Close()
		if err != nil {
			out.Close()
			return nil, fmt.Errorf("failed to assemble chunk %d: %w", i, err)
		}
		total += n
	}

	if err := out.Close(); err != nil {
		return nil, fmt.Errorf("failed to close merge file: %w", err)
	}

	computed := hex.EncodeToString(hasher.Sum(nil))
	if contentHash != "" && contentHash != computed {
		return nil, fmt.Errorf("expected %s, got %s: %w", contentHash, computed, storage.ErrHashMismatch)
	}

	key, err := storage.ObjectKey(computed)
	if err != nil {
		return nil, err
	}

	finalPath := filepath.Join(s.basePath, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(finalPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create object directory: %w", err)
	}

	// Same content may already exist from a concurrent merge. The bytes
	// are identical, so either rename result is correct.
	if err := os.Rename(tmpPath, finalPath); err != nil {
		if _, statErr := os.Stat(finalPath); statErr != nil {
			return nil, fmt.Errorf("failed to commit object: %w", err)
		}
	}

	// Staging is no longer needed once the object landed.
	if err := os.RemoveAll(stagingRef); err != nil {
		return nil, fmt.Errorf("failed to remove staging area: %w", err)
	}

	return &storage.FinalObject{
		Location: key,
		Size:     total,
		Hash:     computed,
	}, nil
}

// Abort removes the staging area and everything in it.
func (s *Store) Abort(ctx context.Context, sessionID, stagingRef string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if stagingRef == "" {
		return nil
	}
	if err := os.RemoveAll(stagingRef); err != nil {
		return fmt.Errorf("failed to remove staging area: %w", err)
	}
	return nil
}

// ReadFinal opens a final object for streaming.
func (s *Store) ReadFinal(ctx context.Context, location string) (*storage.FinalContent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := filepath.Join(s.basePath, filepath.FromSlash(location))
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storage.ErrObjectNotFound
		}
		return nil, fmt.Errorf("failed to open object: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat object: %w", err)
	}

	return &storage.FinalContent{
		Body: f,
		Size: info.Size(),
	}, nil
}

// Remove deletes a final object and prunes its fanout directory if empty.
func (s *Store) Remove(ctx context.Context, location string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path := filepath.Join(s.basePath, filepath.FromSlash(location))
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to remove object: %w", err)
	}

	// Best effort; a non-empty directory is fine.
	os.Remove(filepath.Dir(path))
	return nil
}

func chunkFileName(index int) string {
	return fmt.Sprintf("%08d%s", index, chunkSuffix)
}
