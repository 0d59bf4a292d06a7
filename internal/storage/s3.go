package storage

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gabriel-vasile/mimetype"
)

// S3Client implements Client using the AWS SDK, for AWS-native endpoints
type S3Client struct {
	client *s3.Client
	bucket string
}

// NewS3Client creates a new AWS S3 client bound to one bucket
func NewS3Client(cfg Config) (*S3Client, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	if awsCfg.Region == "" {
		awsCfg.Region = "us-east-1"
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
			scheme := "http"
			if cfg.Secure {
				scheme = "https"
			}
			endpoint = scheme + "://" + endpoint
		}
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		})
	}

	return &S3Client{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		bucket: cfg.Bucket,
	}, nil
}

// List lists artifacts under prefix in lexicographic key order
func (c *S3Client) List(ctx context.Context, prefix string) (<-chan ArtifactInfo, <-chan error) {
	artCh := make(chan ArtifactInfo)
	errCh := make(chan error, 1)

	go func() {
		defer close(artCh)
		defer close(errCh)

		paginator := s3.NewListObjectsV2Paginator(c.client, &s3.ListObjectsV2Input{
			Bucket: aws.String(c.bucket),
			Prefix: aws.String(prefix),
		})

		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				errCh <- err
				return
			}
			for _, obj := range page.Contents {
				info := ArtifactInfo{
					Key:  aws.ToString(obj.Key),
					Size: aws.ToInt64(obj.Size),
					ETag: strings.Trim(aws.ToString(obj.ETag), `"`),
				}
				if obj.LastModified != nil {
					info.LastModified = *obj.LastModified
				}
				select {
				case artCh <- info:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return artCh, errCh
}

// Read opens an artifact for reading along with its declared metadata
func (c *S3Client) Read(ctx context.Context, key string) (io.ReadCloser, ArtifactInfo, error) {
	out, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, ArtifactInfo{}, err
	}

	info := ArtifactInfo{
		Key:         key,
		Size:        aws.ToInt64(out.ContentLength),
		ETag:        strings.Trim(aws.ToString(out.ETag), `"`),
		ContentType: aws.ToString(out.ContentType),
		Checksum:    metaChecksum(out.Metadata),
		Metadata:    out.Metadata,
	}
	if out.LastModified != nil {
		info.LastModified = *out.LastModified
	}

	return out.Body, info, nil
}

// Head gets artifact metadata without fetching content
func (c *S3Client) Head(ctx context.Context, key string) (ArtifactInfo, error) {
	out, err := c.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return ArtifactInfo{}, err
	}

	info := ArtifactInfo{
		Key:         key,
		Size:        aws.ToInt64(out.ContentLength),
		ETag:        strings.Trim(aws.ToString(out.ETag), `"`),
		ContentType: aws.ToString(out.ContentType),
		Checksum:    metaChecksum(out.Metadata),
		Metadata:    out.Metadata,
	}
	if checksum := base64ToHex(aws.ToString(out.ChecksumSHA256)); checksum != "" {
		info.Checksum = checksum
	}
	if out.LastModified != nil {
		info.LastModified = *out.LastModified
	}

	return info, nil
}

// Write uploads an artifact requesting a server-side sha256 so the store
// confirms the content it received.
func (c *S3Client) Write(ctx context.Context, key string, reader io.Reader, size int64, opts PutOptions) (WriteResult, error) {
	meta := make(map[string]string, len(opts.Metadata)+1)
	for k, v := range opts.Metadata {
		meta[k] = v
	}
	if opts.Checksum != "" {
		meta[checksumMetaKey] = opts.Checksum
	}

	out, err := c.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:            aws.String(c.bucket),
		Key:               aws.String(key),
		Body:              reader,
		ContentLength:     aws.Int64(size),
		ContentType:       aws.String(opts.ContentType),
		Metadata:          meta,
		ChecksumAlgorithm: types.ChecksumAlgorithmSha256,
	})
	if err != nil {
		return WriteResult{}, err
	}

	return WriteResult{
		ETag:     strings.Trim(aws.ToString(out.ETag), `"`),
		Size:     size,
		Checksum: base64ToHex(aws.ToString(out.ChecksumSHA256)),
	}, nil
}

// metaChecksum finds a declared sha256 in user metadata regardless of the
// key casing the SDK hands back.
func metaChecksum(meta map[string]string) string {
	for k, v := range meta {
		if strings.EqualFold(k, checksumMetaKey) {
			return v
		}
	}
	return ""
}

// DetectContentType sniffs a content type from the first bytes of an
// artifact, for sources that declare none.
func DetectContentType(head []byte) string {
	if len(head) == 0 {
		return "application/octet-stream"
	}
	return mimetype.Detect(head).String()
}
