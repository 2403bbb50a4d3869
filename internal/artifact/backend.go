package artifact

import (
	"context"
	"fmt"

	"dossier/api/internal/config"
)

// OpenBlobStore connects the backend named by cfg.Backend. The returned close func releases
// client resources and is never nil.
func OpenBlobStore(ctx context.Context, cfg config.StorageConfig) (BlobStore, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Backend {
	case "minio", "":
		blobs, err := NewMinioBlobStore(ctx, MinioConfig{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			return nil, noop, err
		}
		return blobs, noop, nil
	case "gcs":
		blobs, err := NewGCSBlobStore(ctx, cfg.GCSBucket, cfg.GCSCredentialsFile)
		if err != nil {
			return nil, noop, err
		}
		return blobs, blobs.Close, nil
	case "memory":
		return NewMemoryBlobStore(), noop, nil
	default:
		return nil, noop, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
