// Package storage provides the byte-blob store the pipeline uses for its
// work queue and output documents. Two backends exist: Google Cloud Storage
// for distributed runs and a local filesystem store for single-machine runs.
package storage

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrNotExist is returned when the requested object is absent.
	ErrNotExist = errors.New("storage: object does not exist")

	// ErrPreconditionFailed is returned by conditional writes whose
	// precondition no longer holds. Callers treat it as "somebody else
	// got there first".
	ErrPreconditionFailed = errors.New("storage: write precondition failed")
)

// Object is blob content plus the generation it was read at. Generations are
// opaque monotonically increasing tokens scoped to one key; they exist solely
// to make conditional replacement atomic.
type Object struct {
	Data       []byte
	Generation int64
}

// BlobStore is a durable key/value blob store. The conditional write PutIf is
// the only primitive the lease protocol needs: generation 0 means "create
// only if absent", any other value means "replace only if unchanged since I
// read it".
type BlobStore interface {
	Get(ctx context.Context, key string) (*Object, error)
	Put(ctx context.Context, key string, data []byte) error
	PutIf(ctx context.Context, key string, data []byte, generation int64) error
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
}

// ParseWorkspace splits a workspace location into backend scheme and path.
// "gs://bucket/prefix" selects GCS; anything else is a local directory.
func ParseWorkspace(workspace string) (bucket, prefix string, isGCS bool) {
	if rest, ok := strings.CutPrefix(workspace, "gs://"); ok {
		bucket, prefix, _ = strings.Cut(rest, "/")
		return bucket, strings.TrimSuffix(prefix, "/"), true
	}
	return "", workspace, false
}
