// Package bucket stores opaque blobs in named buckets.
package bucket

import (
	"context"
	"errors"
)

var ErrBlobNotFound = errors.New("blob not found")

// Store persists blobs addressed by (bucket, key). Put overwrites.
type Store interface {
	Put(ctx context.Context, bucket, key string, data []byte) error
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	Delete(ctx context.Context, bucket, key string) error
	// List returns the keys in the bucket starting with prefix, sorted.
	List(ctx context.Context, bucket, prefix string) ([]string, error)
}
