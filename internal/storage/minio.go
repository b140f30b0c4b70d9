package storage

import (
	"context"
	"fmt"
	"io"
	"path"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// objectAPI is the subset of the MinIO client used by Bucket.
type objectAPI interface {
	PutObject(ctx context.Context, bucket, object string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	RemoveObject(ctx context.Context, bucket, object string, opts minio.RemoveObjectOptions) error
}

// BucketOptions configures an S3-compatible backend.
type BucketOptions struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// Prefix is prepended to object names.
	Prefix string
}

// Bucket stores outputs in an S3-compatible bucket.
type Bucket struct {
	client objectAPI
	bucket string
	prefix string
}

// NewBucket connects to the endpoint and creates the bucket if it does not
// exist yet.
func NewBucket(ctx context.Context, opts BucketOptions) (*Bucket, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check if bucket exists: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return &Bucket{client: client, bucket: opts.Bucket, prefix: opts.Prefix}, nil
}

// Put uploads r under prefix/<uuid>/name and returns an s3:// reference.
// The per-upload directory keeps equal names from replacing each other.
func (b *Bucket) Put(ctx context.Context, name string, r io.Reader, size int64, contentType string) (string, error) {
	if size <= 0 {
		size = -1
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	object := path.Join(b.prefix, uuid.NewString(), path.Base(name))
	if _, err := b.client.PutObject(ctx, b.bucket, object, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	}); err != nil {
		return "", fmt.Errorf("failed to save file: %w", err)
	}

	return fmt.Sprintf("s3://%s/%s", b.bucket, object), nil
}

// Delete removes an object by its s3:// reference.
func (b *Bucket) Delete(ctx context.Context, ref string) error {
	prefix := "s3://" + b.bucket + "/"
	if len(ref) <= len(prefix) || ref[:len(prefix)] != prefix {
		return fmt.Errorf("reference %q is not in bucket %s", ref, b.bucket)
	}
	return b.client.RemoveObject(ctx, b.bucket, ref[len(prefix):], minio.RemoveObjectOptions{})
}
