// Package blobstore provides remote S3 storage for BLOB properties that a
// volume's schema marks as schema.Descriptor.Remote, as an alternative to the
// local sidecar files internal/store writes next to each record.
//
// A directory consults blobstore only for properties flagged Remote; every
// other BLOB property keeps going straight to internal/store on local disk.
// Remote BLOBs are addressed by "<document>/<guid>/<prop>" object keys inside
// a single configured bucket, so a whole volume can share one Store.
package blobstore

import (
	"bytes"
	"context"
	goerrors "errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/meshvault/meshvault/pkg/errors"
)

// Config configures a Store's connection to its backing bucket.
type Config struct {
	Bucket         string `yaml:"bucket"`
	Region         string `yaml:"region"`
	Endpoint       string `yaml:"endpoint"`
	ForcePathStyle bool   `yaml:"force_path_style"`
	MaxRetries     int    `yaml:"max_retries"`
}

// Metrics tracks cumulative Store activity for internal/metrics to surface.
type Metrics struct {
	Puts            int64
	Gets            int64
	Deletes         int64
	Errors          int64
	BytesUploaded   int64
	BytesDownloaded int64
}

// Store puts, gets, and deletes BLOBs in a single S3 bucket.
type Store struct {
	client *s3.Client
	bucket string

	mu      sync.Mutex
	metrics Metrics
}

// New creates a Store and verifies the bucket is reachable.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New(errors.ErrCodeBadRequest, "blobstore: bucket is required").
			WithComponent("blobstore")
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithRetryMaxAttempts(cfg.MaxRetries),
	)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternal, err, "blobstore: load AWS config").
			WithComponent("blobstore")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
	})

	store := &Store{client: client, bucket: cfg.Bucket}

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(cfg.Bucket)}); err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternal, err, "blobstore: bucket unreachable").
			WithComponent("blobstore").WithDetail("bucket", cfg.Bucket)
	}

	return store, nil
}

// Key builds the object key a document/prop BLOB is stored under.
func Key(document, guid, prop string) string {
	return fmt.Sprintf("%s/%s/%s", document, guid, prop)
}

// Put uploads data under key and returns the URL it can later be fetched from.
func (s *Store) Put(ctx context.Context, key string, data io.Reader, mimeType string) (string, error) {
	buf, err := io.ReadAll(data)
	if err != nil {
		return "", errors.Wrap(errors.ErrCodeInternal, err, "blobstore: read upload body").
			WithComponent("blobstore")
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf),
		ContentType: aws.String(mimeType),
	})
	s.record(err, 0, int64(len(buf)))
	if err != nil {
		return "", errors.Wrap(errors.ErrCodeInternal, err, "blobstore: put object").
			WithComponent("blobstore").WithDetail("key", key)
	}

	return s.url(key), nil
}

// Get downloads the full object stored at key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	return s.GetRange(ctx, key, 0, -1)
}

// GetRange downloads part of the object stored at key. size < 0 fetches to EOF.
func (s *Store) GetRange(ctx context.Context, key string, offset, size int64) ([]byte, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}
	if offset > 0 || size >= 0 {
		if size >= 0 {
			input.Range = aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+size-1))
		} else {
			input.Range = aws.String(fmt.Sprintf("bytes=%d-", offset))
		}
	}

	out, err := s.client.GetObject(ctx, input)
	if err != nil {
		s.record(err, 0, 0)
		var nsk *s3types.NoSuchKey
		if goerrors.As(err, &nsk) {
			return nil, errors.New(errors.ErrCodePropertyNotFound, "blobstore: object not found").
				WithComponent("blobstore").WithDetail("key", key)
		}
		return nil, errors.Wrap(errors.ErrCodeInternal, err, "blobstore: get object").
			WithComponent("blobstore").WithDetail("key", key)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	s.record(nil, int64(len(data)), 0)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternal, err, "blobstore: read object body").
			WithComponent("blobstore").WithDetail("key", key)
	}

	return data, nil
}

// Delete removes the object stored at key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	s.record(err, 0, 0)
	if err != nil {
		return errors.Wrap(errors.ErrCodeInternal, err, "blobstore: delete object").
			WithComponent("blobstore").WithDetail("key", key)
	}
	s.mu.Lock()
	s.metrics.Deletes++
	s.mu.Unlock()
	return nil
}

// Head returns the size and last-modified time of the object stored at key
// without downloading it, for freshness checks during sync.
func (s *Store) Head(ctx context.Context, key string) (size int64, mtime time.Time, err error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	s.record(err, 0, 0)
	if err != nil {
		return 0, time.Time{}, errors.Wrap(errors.ErrCodeInternal, err, "blobstore: head object").
			WithComponent("blobstore").WithDetail("key", key)
	}
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	if out.LastModified != nil {
		mtime = *out.LastModified
	}
	return size, mtime, nil
}

// Metrics returns a snapshot of cumulative Store activity.
func (s *Store) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics
}

func (s *Store) url(key string) string {
	return fmt.Sprintf("s3://%s/%s", s.bucket, key)
}

func (s *Store) record(err error, downloaded, uploaded int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics.BytesDownloaded += downloaded
	s.metrics.BytesUploaded += uploaded
	if err != nil {
		s.metrics.Errors++
		return
	}
	if downloaded > 0 {
		s.metrics.Gets++
	}
	if uploaded > 0 {
		s.metrics.Puts++
	}
}
