package storage

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/lnhm-botany/plant-monitor/internal/config"
)

// MinIO stores objects on a MinIO or other S3-compatible server.
type MinIO struct {
	bucket string
	client *minio.Client
}

// NewMinIO builds a MinIO uploader. The endpoint may carry an http(s) scheme.
func NewMinIO(cfg config.ArchiveConfig) (*MinIO, error) {
	endpoint, secure := splitEndpoint(cfg.Endpoint, cfg.UseSSL)
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &MinIO{bucket: cfg.Bucket, client: client}, nil
}

func splitEndpoint(endpoint string, useSSL bool) (string, bool) {
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		return strings.TrimPrefix(endpoint, "https://"), true
	case strings.HasPrefix(endpoint, "http://"):
		return strings.TrimPrefix(endpoint, "http://"), false
	}
	return endpoint, useSSL
}

// Upload puts the file at localPath under key.
func (u *MinIO) Upload(ctx context.Context, localPath, key string) (Object, error) {
	info, err := u.client.FPutObject(ctx, u.bucket, key, localPath, minio.PutObjectOptions{ContentType: "text/csv"})
	if err != nil {
		return Object{}, fmt.Errorf("put %s/%s: %w", u.bucket, key, err)
	}
	return Object{Key: key, Size: info.Size, ETag: cleanETag(info.ETag), LastModified: info.LastModified}, nil
}

// Stat returns the object metadata, or ErrNotFound.
func (u *MinIO) Stat(ctx context.Context, key string) (Object, error) {
	info, err := u.client.StatObject(ctx, u.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).StatusCode == http.StatusNotFound {
			return Object{}, ErrNotFound
		}
		return Object{}, fmt.Errorf("stat %s/%s: %w", u.bucket, key, err)
	}
	return Object{Key: info.Key, Size: info.Size, ETag: cleanETag(info.ETag), LastModified: info.LastModified}, nil
}

// List returns every object whose key starts with prefix.
func (u *MinIO) List(ctx context.Context, prefix string) ([]Object, error) {
	objects := make([]Object, 0)
	for info := range u.client.ListObjects(ctx, u.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if info.Err != nil {
			return nil, fmt.Errorf("list %s/%s: %w", u.bucket, prefix, info.Err)
		}
		objects = append(objects, Object{
			Key:          info.Key,
			Size:         info.Size,
			ETag:         cleanETag(info.ETag),
			LastModified: info.LastModified,
		})
	}
	return objects, nil
}
