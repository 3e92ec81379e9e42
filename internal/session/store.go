// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"
)

// sessionKey is the single key holding the persisted session document.
var sessionKey = []byte("session/current")

// StoreConfig configures the durable session store.
type StoreConfig struct {
	// Dir is the BadgerDB directory. Created with 0700 if missing.
	// Ignored when InMemory is true.
	Dir string

	// InMemory disables disk persistence. For tests.
	InMemory bool

	// SyncWrites enables synchronous writes. The session document is
	// tiny and written rarely; durability wins over latency here.
	SyncWrites bool
}

// DefaultStoreConfig returns the production configuration for the given
// directory.
func DefaultStoreConfig(dir string) StoreConfig {
	return StoreConfig{Dir: dir, SyncWrites: true}
}

// Store persists the session identity across process restarts in an
// embedded BadgerDB.
//
// # Thread Safety
//
// Store is safe for concurrent use; BadgerDB serializes transactions.
type Store struct {
	db *badger.DB
}

// OpenStore opens (creating if needed) the session database.
// Caller must Close when done.
func OpenStore(cfg StoreConfig) (*Store, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Dir == "" {
			return nil, errors.New("session store: directory required")
		}
		if err := os.MkdirAll(cfg.Dir, 0700); err != nil {
			return nil, fmt.Errorf("session store: create dir: %w", err)
		}
		opts = badger.DefaultOptions(cfg.Dir).WithSyncWrites(cfg.SyncWrites)
	}
	// Badger's own chatter is noise at our log levels.
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("session store: open: %w", err)
	}
	return &Store{db: db}, nil
}

// Save persists the identity, replacing any previous one.
func (s *Store) Save(id Identity) error {
	data, err := json.Marshal(id)
	if err != nil {
		return fmt.Errorf("session store: encode: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(sessionKey, data)
	})
	if err != nil {
		return fmt.Errorf("session store: save: %w", err)
	}
	return nil
}

// Load returns the persisted identity. ok is false when no session has
// been saved (fresh install or after Clear).
func (s *Store) Load() (Identity, bool, error) {
	var id Identity
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(sessionKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &id)
		})
	})
	if err != nil {
		return Identity{}, false, fmt.Errorf("session store: load: %w", err)
	}
	return id, found, nil
}

// Clear removes the persisted session (logout, token expiry).
func (s *Store) Clear() error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(sessionKey)
	})
	if err != nil {
		return fmt.Errorf("session store: clear: %w", err)
	}
	return nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}
