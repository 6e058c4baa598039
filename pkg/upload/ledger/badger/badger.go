// Package badger implements the durable session ledger and dedup index
// on BadgerDB. Both share one database so a single directory holds all
// upload engine state.
//
// Key layout:
//
//	session/<id>          JSON-encoded session record
//	dedup/<mode>/<hash>   final object location
package badger

import (
	"context"
	"encoding/json"
	"fmt"

	badgerdb "github.com/dgraph-io/badger/v4"

	"github.com/filevault/filevault/pkg/storage"
	"github.com/filevault/filevault/pkg/upload"
)

const (
	sessionPrefix = "session/"
	dedupPrefix   = "dedup/"
)

// Store is a BadgerDB-backed upload.Ledger and upload.DedupIndex.
type Store struct {
	db *badgerdb.DB
}

// Open creates or opens a Badger database at path.
func Open(path string) (*Store, error) {
	opts := badgerdb.DefaultOptions(path)
	opts.Logger = nil // badger's own logger is too chatty

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open session ledger at %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func sessionKey(id string) []byte {
	return []byte(sessionPrefix + id)
}

func dedupKey(mode storage.Mode, hash string) []byte {
	return []byte(dedupPrefix + string(mode) + "/" + hash)
}

// Put stores or replaces a session record.
func (s *Store) Put(ctx context.Context, session *upload.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	return s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(sessionKey(session.ID), data)
	})
}

// Get returns the session with the given ID.
func (s *Store) Get(ctx context.Context, id string) (*upload.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var session *upload.Session
	err := s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(sessionKey(id))
		if err == badgerdb.ErrKeyNotFound {
			return upload.ErrSessionNotFound
		}
		if err != nil {
			return err
		}

		return item.Value(func(val []byte) error {
			session = &upload.Session{}
			return json.Unmarshal(val, session)
		})
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

// Delete removes a session record. Missing records are not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Delete(sessionKey(id))
	})
}

// List returns all stored sessions.
func (s *Store) List(ctx context.Context) ([]*upload.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var sessions []*upload.Session
	err := s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = []byte(sessionPrefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				session := &upload.Session{}
				if err := json.Unmarshal(val, session); err != nil {
					return fmt.Errorf("failed to decode session: %w", err)
				}
				sessions = append(sessions, session)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

// Lookup returns the registered location for a content hash, if any.
func (s *Store) Lookup(ctx context.Context, mode storage.Mode, hash string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}

	var location string
	var found bool
	err := s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(dedupKey(mode, hash))
		if err == badgerdb.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}

		return item.Value(func(val []byte) error {
			location = string(val)
			found = true
			return nil
		})
	})
	if err != nil {
		return "", false, err
	}
	return location, found, nil
}

// Register atomically inserts hash→location if absent. The Badger update
// transaction makes the read-check-write atomic; concurrent registrations
// of the same hash serialize and exactly one inserts.
func (s *Store) Register(ctx context.Context, mode storage.Mode, hash string, location string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}

	winner := location
	inserted := false
	err := s.db.Update(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(dedupKey(mode, hash))
		if err == nil {
			return item.Value(func(val []byte) error {
				winner = string(val)
				return nil
			})
		}
		if err != badgerdb.ErrKeyNotFound {
			return err
		}

		if err := txn.Set(dedupKey(mode, hash), []byte(location)); err != nil {
			return err
		}
		inserted = true
		return nil
	})
	if err != nil {
		// A conflicting concurrent transaction may have inserted first;
		// retry once to observe the winner.
		if err == badgerdb.ErrConflict {
			return s.Register(ctx, mode, hash, location)
		}
		return "", false, err
	}
	return winner, inserted, nil
}

// Unregister removes a dedup registration.
func (s *Store) Unregister(ctx context.Context, mode storage.Mode, hash string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Delete(dedupKey(mode, hash))
	})
}
