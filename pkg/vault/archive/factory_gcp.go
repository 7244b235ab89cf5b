//go:build gcp

package archive

import (
	"context"
	"fmt"
	"os"
)

func newGCSStoreFromEnv(ctx context.Context) (Store, error) {
	bucket := os.Getenv("KEIRI_ARCHIVE_GCS_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("archive: KEIRI_ARCHIVE_GCS_BUCKET is required for the gcs backend")
	}
	return NewGCSStore(ctx, GCSConfig{
		Bucket: bucket,
		Prefix: os.Getenv("KEIRI_ARCHIVE_GCS_PREFIX"),
	})
}
