// Package store defines the narrow keyspace contract the server core
// dispatches demo commands against. Command semantics beyond this small
// surface are deliberately out of scope: the store exists so that the
// request pipeline has a real collaborator to exercise.
package store

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("store: key not found")

// Store is the keyspace collaborator behind GET/SET/DEL/EXISTS.
//
// Implementations must be safe for concurrent use from multiple
// event-loop threads.
type Store interface {
	// Get returns the value stored at key, or ErrNotFound.
	Get(ctx context.Context, key []byte) ([]byte, error)

	// Set stores value at key, overwriting any previous value.
	Set(ctx context.Context, key, value []byte) error

	// Del removes key and reports whether it existed.
	Del(ctx context.Context, key []byte) (bool, error)

	// Exists reports whether key is present.
	Exists(ctx context.Context, key []byte) (bool, error)

	// Snapshot streams a point-in-time serialization of the whole
	// keyspace to w, suitable for Restore.
	Snapshot(ctx context.Context, w io.Writer) error

	// Restore replaces the keyspace with the snapshot read from r.
	Restore(ctx context.Context, r io.Reader) error

	// Close releases the store's resources.
	Close() error
}
