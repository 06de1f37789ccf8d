package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/lnhm-botany/plant-monitor/internal/config"
)

// ErrNotFound is returned by Stat when the key does not exist.
var ErrNotFound = errors.New("object not found")

// Object describes a stored object.
type Object struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	ETag         string    `json:"etag"`
	LastModified time.Time `json:"last_modified"`
}

// Uploader stores whole files under keys in a single bucket.
type Uploader interface {
	Upload(ctx context.Context, localPath, key string) (Object, error)
	Stat(ctx context.Context, key string) (Object, error)
	List(ctx context.Context, prefix string) ([]Object, error)
}

// New returns the uploader for the configured backend.
func New(cfg config.ArchiveConfig) (Uploader, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("no storage bucket configured")
	}
	switch strings.ToLower(cfg.Backend) {
	case "", "s3":
		return NewS3(cfg)
	case "minio":
		return NewMinIO(cfg)
	}
	return nil, fmt.Errorf("unknown archive backend %q", cfg.Backend)
}

// FileMD5 returns the hex MD5 digest of a local file.
func FileMD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ETagMatches compares an object ETag with a hex MD5 digest. Multipart ETags
// never match.
func ETagMatches(etag, md5hex string) bool {
	etag = strings.Trim(etag, `"`)
	return etag != "" && strings.EqualFold(etag, md5hex)
}

func cleanETag(etag string) string {
	return strings.Trim(etag, `"`)
}
