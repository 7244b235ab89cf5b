package archive

import (
	"context"
	"fmt"
	"os"
)

// Backend selects the archive implementation.
type Backend string

const (
	BackendFS  Backend = "fs"
	BackendS3  Backend = "s3"
	BackendGCS Backend = "gcs"
)

// NewStoreFromEnv builds an archive store from environment variables:
//
//	KEIRI_ARCHIVE_TYPE        "fs" (default), "s3", or "gcs"
//	KEIRI_ARCHIVE_DIR         filesystem archive directory (default "archive")
//	KEIRI_ARCHIVE_S3_BUCKET   required for s3
//	KEIRI_ARCHIVE_S3_REGION   falls back to AWS_REGION, then us-east-1
//	KEIRI_ARCHIVE_S3_ENDPOINT optional, for MinIO/LocalStack
//	KEIRI_ARCHIVE_S3_PREFIX   optional key prefix
//	KEIRI_ARCHIVE_GCS_BUCKET  required for gcs
//	KEIRI_ARCHIVE_GCS_PREFIX  optional object prefix
func NewStoreFromEnv(ctx context.Context) (Store, error) {
	backend := Backend(os.Getenv("KEIRI_ARCHIVE_TYPE"))
	if backend == "" {
		backend = BackendFS
	}

	switch backend {
	case BackendFS:
		dir := os.Getenv("KEIRI_ARCHIVE_DIR")
		if dir == "" {
			dir = "archive"
		}
		return NewFSStore(dir)
	case BackendS3:
		return newS3StoreFromEnv(ctx)
	case BackendGCS:
		return newGCSStoreFromEnv(ctx)
	default:
		return nil, fmt.Errorf("archive: unsupported backend %q", backend)
	}
}

func newS3StoreFromEnv(ctx context.Context) (Store, error) {
	bucket := os.Getenv("KEIRI_ARCHIVE_S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("archive: KEIRI_ARCHIVE_S3_BUCKET is required for the s3 backend")
	}
	region := os.Getenv("KEIRI_ARCHIVE_S3_REGION")
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}
	return NewS3Store(ctx, S3Config{
		Bucket:   bucket,
		Region:   region,
		Endpoint: os.Getenv("KEIRI_ARCHIVE_S3_ENDPOINT"),
		Prefix:   os.Getenv("KEIRI_ARCHIVE_S3_PREFIX"),
	})
}
