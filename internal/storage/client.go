package storage

import (
	"context"
	"fmt"
	"io"
	"time"
)

// ArtifactInfo contains artifact metadata as declared by a store
type ArtifactInfo struct {
	Key          string
	Size         int64
	ETag         string
	Checksum     string // hex sha256 declared by the store, empty if unknown
	LastModified time.Time
	ContentType  string
	Metadata     map[string]string
}

// WriteResult is what the target confirms after a write
type WriteResult struct {
	ETag     string
	Size     int64
	Checksum string // hex sha256 confirmed by the store, empty if not reported
}

// PutOptions contains options for write operations
type PutOptions struct {
	ContentType string
	Checksum    string // hex sha256 of the content, recorded on the target
	Metadata    map[string]string
}

// Source is the read side of a migration. Listing must be deterministic
// so partitioning is reproducible across runs.
type Source interface {
	List(ctx context.Context, prefix string) (<-chan ArtifactInfo, <-chan error)
	Read(ctx context.Context, key string) (io.ReadCloser, ArtifactInfo, error)
	Head(ctx context.Context, key string) (ArtifactInfo, error)
}

// Target is the write side of a migration
type Target interface {
	Write(ctx context.Context, key string, reader io.Reader, size int64, opts PutOptions) (WriteResult, error)
	Head(ctx context.Context, key string) (ArtifactInfo, error)
}

// Client is a collaborator usable on either side
type Client interface {
	Source
	Target
}

// Config contains client configuration for one endpoint
type Config struct {
	Provider  string // "minio" (default) or "s3"
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Secure    bool
	Bucket    string
}

// metadata key under which the content sha256 travels with the object
const checksumMetaKey = "Sha256"

// New creates a client for the configured provider
func New(cfg Config) (Client, error) {
	switch cfg.Provider {
	case "", "minio":
		return NewMinIOClient(cfg)
	case "s3":
		return NewS3Client(cfg)
	default:
		return nil, fmt.Errorf("unknown storage provider %q", cfg.Provider)
	}
}
