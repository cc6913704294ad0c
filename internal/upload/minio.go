package upload

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// MinIOConfig holds object storage settings.
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// PublicURL prefixes object keys in returned URLs. Defaults to the endpoint.
	PublicURL string
}

// MinIO uploads attachments to an S3-compatible bucket.
type MinIO struct {
	client *minio.Client
	cfg    MinIOConfig
	logger *zap.Logger
}

// NewMinIO creates an uploader. No request is made until Upload or EnsureBucket.
func NewMinIO(cfg MinIOConfig, logger *zap.Logger) (*MinIO, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	if cfg.PublicURL == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		cfg.PublicURL = scheme + "://" + cfg.Endpoint
	}
	return &MinIO{client: client, cfg: cfg, logger: logger}, nil
}

// EnsureBucket creates the bucket when missing.
func (m *MinIO) EnsureBucket(ctx context.Context) error {
	ok, err := m.client.BucketExists(ctx, m.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("bucket exists: %w", err)
	}
	if ok {
		return nil
	}
	if err := m.client.MakeBucket(ctx, m.cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("make bucket: %w", err)
	}
	m.logger.Info("created upload bucket", zap.String("bucket", m.cfg.Bucket))
	return nil
}

// Upload stores f under a random object name that keeps the file extension.
func (m *MinIO) Upload(ctx context.Context, f File) (Result, error) {
	object := ObjectName(f.Name)
	contentType := f.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	info, err := m.client.PutObject(ctx, m.cfg.Bucket, object, f.Body, f.Size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return Result{}, fmt.Errorf("put object %s: %w", object, err)
	}
	m.logger.Debug("attachment uploaded", zap.String("object", object), zap.Int64("size", info.Size))
	return Result{
		URL:             strings.TrimRight(m.cfg.PublicURL, "/") + "/" + m.cfg.Bucket + "/" + object,
		FileName:        f.Name,
		MimeType:        contentType,
		SizeBytes:       info.Size,
		DurationSeconds: f.DurationSeconds,
	}, nil
}

// ObjectName returns a fresh object key for a file called name.
func ObjectName(name string) string {
	ext := strings.ToLower(path.Ext(name))
	return "attachments/" + uuid.NewString() + ext
}
