// Package blobstore abstracts the secondary-storage tier that sealed
// log segments are offloaded to. Segments are immutable, one-shot
// blobs: the engine writes a whole encoded page, may read it back
// whole for recovery tooling, and eventually deletes it when the log
// is trimmed past it.
//
// Backends: local filesystem, in-memory (tests), S3 (optionally with a
// DynamoDB commit manifest for concurrent writers), and MinIO.
package blobstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a blob does not exist. Implementations
// return errors satisfying errors.Is(err, ErrNotFound).
var ErrNotFound = errors.New("blobstore: blob not found")

// Store is one-shot storage for immutable segment blobs.
type Store interface {
	// Put writes data under name, atomically replacing any previous
	// blob of that name.
	Put(ctx context.Context, name string, data []byte) error

	// Get reads the whole blob.
	Get(ctx context.Context, name string) ([]byte, error)

	// Delete removes the blob. Deleting a missing blob is not an
	// error.
	Delete(ctx context.Context, name string) error

	// List returns the names of all blobs with the given prefix, in
	// lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
}
