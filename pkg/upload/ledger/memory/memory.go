// Package memory implements the session ledger and dedup index in
// process memory. State is lost on restart, which makes it suitable for
// tests and throwaway deployments only.
package memory

import (
	"context"
	"sync"

	"github.com/filevault/filevault/pkg/storage"
	"github.com/filevault/filevault/pkg/upload"
)

// Store is an in-memory upload.Ledger and upload.DedupIndex.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*upload.Session
	dedup    map[string]string
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		sessions: make(map[string]*upload.Session),
		dedup:    make(map[string]string),
	}
}

func dedupKey(mode storage.Mode, hash string) string {
	return string(mode) + "/" + hash
}

// Put stores a deep copy of the session record.
func (s *Store) Put(ctx context.Context, session *upload.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.sessions[session.ID] = session.Clone()
	s.mu.Unlock()
	return nil
}

// Get returns a deep copy of the session with the given ID.
func (s *Store) Get(ctx context.Context, id string) (*upload.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	session, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, upload.ErrSessionNotFound
	}
	return session.Clone(), nil
}

// Delete removes a session record.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
	return nil
}

// List returns deep copies of all stored sessions.
func (s *Store) List(ctx context.Context) ([]*upload.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	sessions := make([]*upload.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		sessions = append(sessions, session.Clone())
	}
	return sessions, nil
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}

// Lookup returns the registered location for a content hash, if any.
func (s *Store) Lookup(ctx context.Context, mode storage.Mode, hash string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}

	s.mu.RLock()
	location, ok := s.dedup[dedupKey(mode, hash)]
	s.mu.RUnlock()
	return location, ok, nil
}

// Register atomically inserts hash→location if absent.
func (s *Store) Register(ctx context.Context, mode storage.Mode, hash string, location string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.dedup[dedupKey(mode, hash)]; ok {
		return existing, false, nil
	}
	s.dedup[dedupKey(mode, hash)] = location
	return location, true, nil
}

// Unregister removes a dedup registration.
func (s *Store) Unregister(ctx context.Context, mode storage.Mode, hash string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.dedup, dedupKey(mode, hash))
	s.mu.Unlock()
	return nil
}
