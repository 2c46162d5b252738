package storage

import "context"

// BlobStore is the artifact store capability the system consumes: stable keys
// mapped to byte blobs. Implementations must return domain.ErrNotFound from
// Get when a key does not resolve.
type BlobStore interface {
	// Put persists data under key and returns the canonicalized key.
	Put(ctx context.Context, key string, data []byte) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
	Exists(ctx context.Context, key string) (bool, error)
}
