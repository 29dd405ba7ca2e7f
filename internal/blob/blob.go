// Package blob defines the object-storage contract the storage services
// consume. S3/MinIO is the reference implementation; tests use the in-memory
// one.
package blob

import (
	"context"
	"time"
)

// Object is a stored blob plus its metadata.
type Object struct {
	Key         string
	Body        []byte
	ContentType string
	Size        int64
	Modified    time.Time
}

// ObjectInfo is object metadata without the body.
type ObjectInfo struct {
	Key      string
	Size     int64
	Modified time.Time
}

// ListResult is one page of a key listing.
type ListResult struct {
	Objects     []ObjectInfo
	IsTruncated bool
	// NextStartAfter continues the listing when IsTruncated.
	NextStartAfter string
}

// Store is the blob-store contract. Keys are opaque slash-separated paths;
// writes overwrite; deletes are idempotent.
type Store interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
	// Get returns nil, nil when the key does not exist.
	Get(ctx context.Context, key string) (*Object, error)
	Delete(ctx context.Context, key string) error
	// List returns keys under prefix in lexicographic order, starting
	// strictly after startAfter, at most limit entries.
	List(ctx context.Context, prefix, startAfter string, limit int) (*ListResult, error)
}
