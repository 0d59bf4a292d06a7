package storage

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOClient implements Client using minio-go against any S3-compatible endpoint
type MinIOClient struct {
	client *minio.Client
	bucket string
}

// NewMinIOClient creates a new MinIO client bound to one bucket
func NewMinIOClient(cfg Config) (*MinIOClient, error) {
	endpoint, err := cleanEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, err
	}

	return &MinIOClient{client: client, bucket: cfg.Bucket}, nil
}

// cleanEndpoint removes protocol and path from endpoint URL to get host:port format
func cleanEndpoint(endpoint string) (string, error) {
	if endpoint == "" {
		return "", fmt.Errorf("endpoint cannot be empty")
	}

	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		if strings.Contains(endpoint, "/") {
			return "", fmt.Errorf("endpoint contains path but no protocol")
		}
		return endpoint, nil
	}

	parsedURL, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("failed to parse endpoint URL: %w", err)
	}

	if parsedURL.Path != "" && parsedURL.Path != "/" {
		return "", fmt.Errorf("endpoint URL cannot have paths, only host:port is allowed (got path: %s)", parsedURL.Path)
	}

	return parsedURL.Host, nil
}

// List lists artifacts under prefix in lexicographic key order
func (c *MinIOClient) List(ctx context.Context, prefix string) (<-chan ArtifactInfo, <-chan error) {
	artCh := make(chan ArtifactInfo)
	errCh := make(chan error, 1)

	go func() {
		defer close(artCh)
		defer close(errCh)

		for obj := range c.client.ListObjects(ctx, c.bucket, minio.ListObjectsOptions{
			Prefix:    prefix,
			Recursive: true,
		}) {
			if obj.Err != nil {
				errCh <- obj.Err
				return
			}

			select {
			case artCh <- ArtifactInfo{
				Key:          obj.Key,
				Size:         obj.Size,
				ETag:         obj.ETag,
				LastModified: obj.LastModified,
				ContentType:  obj.ContentType,
				Checksum:     obj.UserMetadata[checksumMetaKey],
			}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return artCh, errCh
}

// Read opens an artifact for reading along with its declared metadata
func (c *MinIOClient) Read(ctx context.Context, key string) (io.ReadCloser, ArtifactInfo, error) {
	obj, err := c.client.GetObject(ctx, c.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, ArtifactInfo{}, err
	}

	stat, err := obj.Stat()
	if err != nil {
		obj.Close()
		return nil, ArtifactInfo{}, err
	}

	return obj, infoFromStat(stat), nil
}

// Head gets artifact metadata without fetching content
func (c *MinIOClient) Head(ctx context.Context, key string) (ArtifactInfo, error) {
	info, err := c.client.StatObject(ctx, c.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return ArtifactInfo{}, err
	}
	return infoFromStat(info), nil
}

// Write uploads an artifact and returns the store-confirmed result
func (c *MinIOClient) Write(ctx context.Context, key string, reader io.Reader, size int64, opts PutOptions) (WriteResult, error) {
	meta := make(map[string]string, len(opts.Metadata)+1)
	for k, v := range opts.Metadata {
		meta[k] = v
	}
	if opts.Checksum != "" {
		// carried as user metadata so the checksum survives on the target
		meta[checksumMetaKey] = opts.Checksum
	}

	info, err := c.client.PutObject(ctx, c.bucket, key, reader, size, minio.PutObjectOptions{
		ContentType:  opts.ContentType,
		UserMetadata: meta,
	})
	if err != nil {
		return WriteResult{}, err
	}

	return WriteResult{
		ETag:     info.ETag,
		Size:     info.Size,
		Checksum: base64ToHex(info.ChecksumSHA256),
	}, nil
}

func infoFromStat(info minio.ObjectInfo) ArtifactInfo {
	return ArtifactInfo{
		Key:          info.Key,
		Size:         info.Size,
		ETag:         info.ETag,
		LastModified: info.LastModified,
		ContentType:  info.ContentType,
		Checksum:     info.UserMetadata[checksumMetaKey],
		Metadata:     info.UserMetadata,
	}
}

// base64ToHex converts an S3 base64 checksum to the hex form used everywhere
// else; returns "" on empty or undecodable input.
func base64ToHex(s string) string {
	if s == "" {
		return ""
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return ""
	}
	return hex.EncodeToString(raw)
}
