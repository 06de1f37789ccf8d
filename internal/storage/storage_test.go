package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lnhm-botany/plant-monitor/internal/config"
)

// fakeS3 serves the path-style subset of the S3 API used by S3.
type fakeS3 struct {
	mu      sync.Mutex
	bucket  string
	objects map[string][]byte
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := strings.TrimPrefix(strings.TrimPrefix(r.URL.Path, "/"+f.bucket), "/")
	switch {
	case r.Method == http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[key] = body
		w.Header().Set("ETag", fmt.Sprintf("%q", md5hex(body)))
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodHead:
		body, ok := f.objects[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("ETag", fmt.Sprintf("%q", md5hex(body)))
		w.Header().Set("Content-Length", fmt.Sprint(len(body)))
		w.Header().Set("Last-Modified", "Mon, 10 Jun 2024 23:00:00 GMT")
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodGet && r.URL.Query().Get("list-type") == "2":
		prefix := r.URL.Query().Get("prefix")
		var b strings.Builder
		b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">`)
		fmt.Fprintf(&b, "<Name>%s</Name><Prefix>%s</Prefix><IsTruncated>false</IsTruncated>", f.bucket, prefix)
		for k, body := range f.objects {
			if !strings.HasPrefix(k, prefix) {
				continue
			}
			fmt.Fprintf(&b, "<Contents><Key>%s</Key><LastModified>2024-06-10T23:00:00.000Z</LastModified><ETag>&quot;%s&quot;</ETag><Size>%d</Size></Contents>", k, md5hex(body), len(body))
		}
		b.WriteString("</ListBucketResult>")
		w.Header().Set("Content-Type", "application/xml")
		_, _ = io.WriteString(w, b.String())
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func md5hex(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

func newFakeS3(t *testing.T) (*S3, *fakeS3) {
	t.Helper()
	fake := &fakeS3{bucket: "plants-archive", objects: map[string][]byte{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	u, err := NewS3(config.ArchiveConfig{
		Bucket:    fake.bucket,
		AccessKey: "AKIDEXAMPLE",
		SecretKey: "secret",
		Region:    "eu-west-2",
		Endpoint:  srv.URL,
	})
	require.NoError(t, err)
	return u, fake
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "reading.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestS3UploadStatList(t *testing.T) {
	u, fake := newFakeS3(t)
	ctx := context.Background()
	content := "reading_id,plant_id\n1,8\n"
	path := writeFile(t, content)

	obj, err := u.Upload(ctx, path, "readings/2024-06-10/reading.csv")
	require.NoError(t, err)
	assert.Equal(t, md5hex([]byte(content)), obj.ETag)
	assert.EqualValues(t, len(content), obj.Size)
	assert.Equal(t, content, string(fake.objects["readings/2024-06-10/reading.csv"]))

	stat, err := u.Stat(ctx, "readings/2024-06-10/reading.csv")
	require.NoError(t, err)
	assert.Equal(t, obj.ETag, stat.ETag)
	assert.EqualValues(t, len(content), stat.Size)
	assert.Equal(t, time.Date(2024, 6, 10, 23, 0, 0, 0, time.UTC), stat.LastModified.UTC())

	_, err = u.Stat(ctx, "readings/2024-06-11/reading.csv")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = u.Upload(ctx, path, "metadata/botanist.csv")
	require.NoError(t, err)

	objects, err := u.List(ctx, "readings/")
	require.NoError(t, err)
	require.Len(t, objects, 1)
	assert.Equal(t, "readings/2024-06-10/reading.csv", objects[0].Key)
	assert.Equal(t, obj.ETag, objects[0].ETag)
}

func TestS3UploadMissingFile(t *testing.T) {
	u, _ := newFakeS3(t)
	_, err := u.Upload(context.Background(), filepath.Join(t.TempDir(), "nope.csv"), "k")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestFileMD5AndETag(t *testing.T) {
	path := writeFile(t, "hello\n")
	sum, err := FileMD5(path)
	require.NoError(t, err)
	assert.Equal(t, "b1946ac92492d2347c6235b4d2611184", sum)

	assert.True(t, ETagMatches(`"B1946AC92492D2347C6235B4D2611184"`, sum))
	assert.True(t, ETagMatches(sum, sum))
	assert.False(t, ETagMatches(`"b1946ac92492d2347c6235b4d2611184-2"`, sum))
	assert.False(t, ETagMatches("", sum))
}

func TestNewSelectsBackend(t *testing.T) {
	base := config.ArchiveConfig{Bucket: "b", AccessKey: "a", SecretKey: "s", Region: "eu-west-2"}

	s3cfg := base
	s3cfg.Backend = "s3"
	u, err := New(s3cfg)
	require.NoError(t, err)
	assert.IsType(t, &S3{}, u)

	minioCfg := base
	minioCfg.Backend = "minio"
	minioCfg.Endpoint = "http://localhost:9000"
	u, err = New(minioCfg)
	require.NoError(t, err)
	assert.IsType(t, &MinIO{}, u)

	bad := base
	bad.Backend = "gcs"
	_, err = New(bad)
	assert.ErrorContains(t, err, `unknown archive backend "gcs"`)

	_, err = New(config.ArchiveConfig{Backend: "s3"})
	assert.Error(t, err)
}

func TestSplitEndpoint(t *testing.T) {
	host, secure := splitEndpoint("https://minio.internal:9000", false)
	assert.Equal(t, "minio.internal:9000", host)
	assert.True(t, secure)

	host, secure = splitEndpoint("http://localhost:9000", true)
	assert.Equal(t, "localhost:9000", host)
	assert.False(t, secure)

	host, secure = splitEndpoint("localhost:9000", true)
	assert.Equal(t, "localhost:9000", host)
	assert.True(t, secure)
}
