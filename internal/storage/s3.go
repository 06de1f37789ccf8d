package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/lnhm-botany/plant-monitor/internal/config"
)

// S3 stores objects in an AWS S3 bucket.
type S3 struct {
	bucket string
	svc    *s3.S3
}

// NewS3 builds an S3 uploader with static credentials. A non-empty Endpoint
// switches to path-style addressing for S3-compatible services.
func NewS3(cfg config.ArchiveConfig) (*S3, error) {
	awsCfg := &aws.Config{
		Region:      aws.String(cfg.Region),
		Credentials: credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, ""),
	}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(true)
		awsCfg.DisableSSL = aws.Bool(!cfg.UseSSL)
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("create aws session: %w", err)
	}
	return &S3{bucket: cfg.Bucket, svc: s3.New(sess)}, nil
}

// Upload puts the file at localPath under key.
func (u *S3) Upload(ctx context.Context, localPath, key string) (Object, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return Object{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Object{}, err
	}
	out, err := u.svc.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String("text/csv"),
	})
	if err != nil {
		return Object{}, fmt.Errorf("put s3://%s/%s: %w", u.bucket, key, err)
	}
	return Object{Key: key, Size: info.Size(), ETag: cleanETag(aws.StringValue(out.ETag))}, nil
}

// Stat returns the object metadata, or ErrNotFound.
func (u *S3) Stat(ctx context.Context, key string) (Object, error) {
	out, err := u.svc.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var reqErr awserr.RequestFailure
		if errors.As(err, &reqErr) && reqErr.StatusCode() == http.StatusNotFound {
			return Object{}, ErrNotFound
		}
		return Object{}, fmt.Errorf("head s3://%s/%s: %w", u.bucket, key, err)
	}
	return Object{
		Key:          key,
		Size:         aws.Int64Value(out.ContentLength),
		ETag:         cleanETag(aws.StringValue(out.ETag)),
		LastModified: aws.TimeValue(out.LastModified),
	}, nil
}

// List returns every object whose key starts with prefix.
func (u *S3) List(ctx context.Context, prefix string) ([]Object, error) {
	objects := make([]Object, 0)
	err := u.svc.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(u.bucket),
		Prefix: aws.String(prefix),
	}, func(page *s3.ListObjectsV2Output, _ bool) bool {
		for _, item := range page.Contents {
			objects = append(objects, Object{
				Key:          aws.StringValue(item.Key),
				Size:         aws.Int64Value(item.Size),
				ETag:         cleanETag(aws.StringValue(item.ETag)),
				LastModified: aws.TimeValue(item.LastModified),
			})
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("list s3://%s/%s: %w", u.bucket, prefix, err)
	}
	return objects, nil
}
