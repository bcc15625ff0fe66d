package kv

import (
	"errors"

	"github.com/cockroachdb/pebble"
)

// Store is a pebble-backed key/value store.
type Store struct {
	db *pebble.DB
}

// OpenStore opens (or creates) the store at path.
func OpenStore(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Get returns the value for key, or ErrNotFound.
func (s *Store) Get(key string) ([]byte, error) {
	value, closer, err := s.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	out := make([]byte, len(value))
	copy(out, value)
	if err := closer.Close(); err != nil {
		return nil, err
	}
	return out, nil
}

// Put stores value under key, synced to disk.
func (s *Store) Put(key string, value []byte) error {
	return s.db.Set([]byte(key), value, pebble.Sync)
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(key string) error {
	return s.db.Delete([]byte(key), pebble.Sync)
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
