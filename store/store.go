// Package store is a string-keyed convenience layer over kvcore, for
// callers who want simple Set/Get/Delete semantics without touching the
// batch/arena ABI or the OCC transaction API directly.
package store

import (
	"github.com/cespare/xxhash/v2"

	"github.com/kvkolb/kvcore/kvcore"
)

// Store wraps a single kvcore.DB collection behind string keys. String
// keys are hashed down to kvcore's native uint64 keyspace with xxhash (the
// same hash pebble and badger already use internally for block checksums
// and sharding, promoted here to a direct, callable dependency); a
// collision between two distinct strings would alias their values, which
// this layer accepts in exchange for O(1) fixed-width keys under the hood.
type Store struct {
	db  *kvcore.DB
	col kvcore.CollectionID
}

// Open creates a Store bound to a fresh kvcore.DB per cfg, operating on
// collection (empty means the default collection).
func Open(cfg kvcore.Config, collection string) (*Store, error) {
	db, err := kvcore.Open(cfg)
	if err != nil {
		return nil, err
	}
	col, err := db.CollectionOpen(collection)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, col: col}, nil
}

func hashKey(key string) uint64 {
	return xxhash.Sum64String(key)
}

// Set inserts or updates a key-value pair, wrapped in a transaction so a
// concurrent Set to the same key never interleaves with this one - the
// OCC commit path does the serializing, this layer just pays for one
// round trip through it per call.
func (s *Store) Set(key string, value []byte) error {
	tx, err := s.db.TxnBegin(0)
	if err != nil {
		return err
	}
	defer tx.Free()
	if err := tx.Write(s.col, hashKey(key), value, false); err != nil {
		return err
	}
	_, err = tx.Commit()
	return err
}

// Delete removes a key-value pair. Deleting a key that was never set is
// not an error.
func (s *Store) Delete(key string) error {
	tx, err := s.db.TxnBegin(0)
	if err != nil {
		return err
	}
	defer tx.Free()
	if err := tx.Write(s.col, hashKey(key), nil, true); err != nil {
		return err
	}
	_, err = tx.Commit()
	return err
}

// Get returns the value for key. The boolean return indicates whether the
// key was found.
func (s *Store) Get(key string) ([]byte, bool, error) {
	value, present, err := s.db.Read1(s.col, hashKey(key))
	if err != nil {
		return nil, false, err
	}
	return value, present, nil
}

// Has reports whether key exists. It performs the same lookup as Get and
// discards the value.
func (s *Store) Has(key string) (bool, error) {
	_, present, err := s.Get(key)
	return present, err
}

// CollectStale forwards to the underlying kvcore.DB's conflict-index GC.
func (s *Store) CollectStale() int {
	return s.db.CollectStale()
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
