// Package badger provides the BadgerDB-backed Store implementation.
package badger

import (
	"context"
	"errors"
	"fmt"
	"io"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/finchdb/finch/pkg/store"
)

// BadgerStore implements store.Store on top of BadgerDB, a fast embedded
// key-value store. Suitable when the demo keyspace must survive restarts.
//
// Thread safety: BadgerDB transactions provide MVCC; no additional
// locking is needed here.
type BadgerStore struct {
	db *badger.DB
}

// Options configures a BadgerStore.
type Options struct {
	// Dir is the directory Badger stores its LSM tree and value log in.
	Dir string `mapstructure:"dir"`

	// SyncWrites forces an fsync on every write batch.
	SyncWrites bool `mapstructure:"sync_writes"`

	// InMemory runs Badger without touching disk; Dir is ignored.
	InMemory bool `mapstructure:"in_memory"`
}

// New opens (creating if needed) a Badger database at opts.Dir.
func New(opts Options) (*BadgerStore, error) {
	bopts := badger.DefaultOptions(opts.Dir).
		WithSyncWrites(opts.SyncWrites).
		WithInMemory(opts.InMemory).
		WithLogger(nil)

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Get(_ context.Context, key []byte) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("badger get: %w", err)
	}
	return value, nil
}

func (s *BadgerStore) Set(_ context.Context, key, value []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
	if err != nil {
		return fmt.Errorf("badger set: %w", err)
	}
	return nil
}

func (s *BadgerStore) Del(_ context.Context, key []byte) (bool, error) {
	existed := false
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		existed = true
		return txn.Delete(key)
	})
	if err != nil {
		return false, fmt.Errorf("badger del: %w", err)
	}
	return existed, nil
}

func (s *BadgerStore) Exists(_ context.Context, key []byte) (bool, error) {
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("badger exists: %w", err)
	}
	return found, nil
}

// Snapshot streams a full Badger backup to w.
func (s *BadgerStore) Snapshot(_ context.Context, w io.Writer) error {
	if _, err := s.db.Backup(w, 0); err != nil {
		return fmt.Errorf("badger backup: %w", err)
	}
	return nil
}

// Restore replaces the keyspace with a Badger backup stream read from r:
// all existing keys are dropped before the backup is loaded.
func (s *BadgerStore) Restore(_ context.Context, r io.Reader) error {
	if err := s.db.DropAll(); err != nil {
		return fmt.Errorf("badger restore: %w", err)
	}
	if err := s.db.Load(r, 16); err != nil {
		return fmt.Errorf("badger restore: %w", err)
	}
	return nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
