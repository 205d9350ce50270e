package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioStore persists artifacts in a single MinIO (or any S3
// compatible) bucket under an optional key prefix. Transient transport
// failures are retried with exponential backoff; write-once conflicts
// and missing blobs are not retried.
type MinioStore struct {
	client     *minio.Client
	bucket     string
	prefix     string
	region     string
	maxRetries uint64
}

func NewMinioStore(cfg MinioConfig) (*MinioStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return &MinioStore{
		client:     client,
		bucket:     cfg.Bucket,
		prefix:     strings.Trim(cfg.Prefix, "/"),
		region:     cfg.Region,
		maxRetries: cfg.MaxRetries,
	}, nil
}

func NewMinioStoreWithClient(client *minio.Client, bucket, prefix string, maxRetries uint64) (*MinioStore, error) {
	if client == nil {
		return nil, errors.New("minio client is required")
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("bucket is required")
	}
	return &MinioStore{
		client:     client,
		bucket:     bucket,
		prefix:     strings.Trim(prefix, "/"),
		maxRetries: maxRetries,
	}, nil
}

// EnsureBucket creates the configured bucket when it does not exist.
func (s *MinioStore) EnsureBucket(ctx context.Context) error {
	if s == nil || s.client == nil {
		return errors.New("minio store not initialized")
	}
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("bucket exists: %w", err)
	}
	if exists {
		return nil
	}
	return s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region})
}

// Ping reports whether the bucket is reachable, for readiness checks.
func (s *MinioStore) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return errors.New("minio store not initialized")
	}
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("bucket exists: %w", err)
	}
	if !exists {
		return fmt.Errorf("bucket missing: %s", s.bucket)
	}
	return nil
}

func (s *MinioStore) Write(ctx context.Context, key Key, data []byte) (string, error) {
	if s == nil || s.client == nil {
		return "", errors.New("minio store not initialized")
	}
	if err := key.validate(); err != nil {
		return "", err
	}

	location := key.location()
	object := s.object(location)

	// attempted distinguishes a genuine conflict from our own put
	// whose response was lost before a retry.
	attempted := false
	op := func() error {
		_, err := s.client.StatObject(ctx, s.bucket, object, minio.StatObjectOptions{})
		if err == nil {
			if attempted {
				return nil
			}
			return backoff.Permanent(fmt.Errorf("%s: %w", location, ErrExists))
		}
		if minio.ToErrorResponse(err).Code != "NoSuchKey" {
			return fmt.Errorf("stat %s: %w", location, err)
		}

		attempted = true
		_, err = s.client.PutObject(ctx, s.bucket, object, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
			ContentType: "application/octet-stream",
		})
		if err != nil {
			return fmt.Errorf("put %s: %w", location, err)
		}
		return nil
	}
	if err := backoff.Retry(op, s.backoff(ctx)); err != nil {
		return "", err
	}
	return location, nil
}

func (s *MinioStore) Read(ctx context.Context, location string) ([]byte, error) {
	if s == nil || s.client == nil {
		return nil, errors.New("minio store not initialized")
	}
	location = strings.TrimSpace(location)
	if location == "" {
		return nil, errors.New("location is required")
	}
	object := s.object(location)

	var data []byte
	op := func() error {
		obj, err := s.client.GetObject(ctx, s.bucket, object, minio.GetObjectOptions{})
		if err != nil {
			return fmt.Errorf("get %s: %w", location, err)
		}
		defer obj.Close()

		b, err := io.ReadAll(obj)
		if err != nil {
			if minio.ToErrorResponse(err).Code == "NoSuchKey" {
				return backoff.Permanent(fmt.Errorf("%s: %w", location, ErrNotFound))
			}
			return fmt.Errorf("read %s: %w", location, err)
		}
		data = b
		return nil
	}
	if err := backoff.Retry(op, s.backoff(ctx)); err != nil {
		return nil, err
	}
	return data, nil
}

func (s *MinioStore) Exists(ctx context.Context, location string) (bool, error) {
	if s == nil || s.client == nil {
		return false, errors.New("minio store not initialized")
	}
	location = strings.TrimSpace(location)
	if location == "" {
		return false, errors.New("location is required")
	}

	var exists bool
	op := func() error {
		_, err := s.client.StatObject(ctx, s.bucket, s.object(location), minio.StatObjectOptions{})
		if err == nil {
			exists = true
			return nil
		}
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			exists = false
			return nil
		}
		return fmt.Errorf("stat %s: %w", location, err)
	}
	if err := backoff.Retry(op, s.backoff(ctx)); err != nil {
		return false, err
	}
	return exists, nil
}

func (s *MinioStore) object(location string) string {
	if s.prefix == "" {
		return location
	}
	return path.Join(s.prefix, location)
}

func (s *MinioStore) backoff(ctx context.Context) backoff.BackOff {
	return backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), s.maxRetries), ctx)
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
