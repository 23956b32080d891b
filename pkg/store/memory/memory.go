// Package memory provides the in-memory Store implementation.
package memory

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/finchdb/finch/pkg/store"
)

// MemoryStore implements store.Store using an in-memory map.
//
// It is designed for testing, development and ephemeral deployments:
// all operations are memory-speed and all data is lost on restart.
//
// Thread safety:
// All operations are protected by a sync.RWMutex. Values are copied on
// both read and write so callers can never race the map through shared
// buffers.
type MemoryStore struct {
	data map[string][]byte
	mu   sync.RWMutex
}

// New creates an empty MemoryStore.
func New() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (s *MemoryStore) Get(_ context.Context, key []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.data[string(key)]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value []byte) error {
	v := make([]byte, len(value))
	copy(v, value)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[string(key)] = v
	return nil
}

func (s *MemoryStore) Del(_ context.Context, key []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := string(key)
	_, ok := s.data[k]
	if ok {
		delete(s.data, k)
	}
	return ok, nil
}

func (s *MemoryStore) Exists(_ context.Context, key []byte) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[string(key)]
	return ok, nil
}

// snapshotVersion is the format tag leading every snapshot stream.
const snapshotVersion = uint32(1)

// Snapshot writes all pairs as a version header, a pair count, then
// length-prefixed key/value records, all big-endian.
func (s *MemoryStore) Snapshot(ctx context.Context, w io.Writer) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := binary.Write(w, binary.BigEndian, snapshotVersion); err != nil {
		return fmt.Errorf("write snapshot header: %w", err)
	}
	if err := binary.Write(w, binary.BigEndian, uint64(len(s.data))); err != nil {
		return fmt.Errorf("write snapshot count: %w", err)
	}

	for k, v := range s.data {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := writeRecord(w, []byte(k)); err != nil {
			return err
		}
		if err := writeRecord(w, v); err != nil {
			return err
		}
	}
	return nil
}

// Restore replaces the keyspace with the pairs read from r.
func (s *MemoryStore) Restore(ctx context.Context, r io.Reader) error {
	var version uint32
	if err := binary.Read(r, binary.BigEndian, &version); err != nil {
		return fmt.Errorf("read snapshot header: %w", err)
	}
	if version != snapshotVersion {
		return fmt.Errorf("unsupported snapshot version %d", version)
	}

	var count uint64
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return fmt.Errorf("read snapshot count: %w", err)
	}

	data := make(map[string][]byte, count)
	for i := uint64(0); i < count; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		k, err := readRecord(r)
		if err != nil {
			return err
		}
		v, err := readRecord(r)
		if err != nil {
			return err
		}
		data[string(k)] = v
	}

	s.mu.Lock()
	s.data = data
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.data = nil
	s.mu.Unlock()
	return nil
}

func writeRecord(w io.Writer, b []byte) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(b))); err != nil {
		return fmt.Errorf("write record length: %w", err)
	}
	if _, err := w.Write(b); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	return nil
}

func readRecord(r io.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("read record length: %w", err)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, fmt.Errorf("read record: %w", err)
	}
	return b, nil
}
