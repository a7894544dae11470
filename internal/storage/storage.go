// Package storage defines the object store the feedback archive writes to.
package storage

import (
	"context"
	"errors"
	"time"
)

var ErrObjectNotFound = errors.New("object not found")

const ParquetContentType = "application/vnd.apache.parquet"

// ObjectInfo describes a stored object. Key is relative to the store prefix.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// ObjectStore holds whole objects; archive batches are small enough to be
// written and read in one piece.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (ObjectInfo, error)
	Read(ctx context.Context, key string) ([]byte, error)
	// List returns the objects under prefix ordered by key.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	Ping(ctx context.Context) error
}
