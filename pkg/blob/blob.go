// Package blob provides the content-addressed blob gateway (C1): a thin
// Put/Get/Exists interface over the object store backing page images, OCR
// text, section results, summaries, and the overflow payloads written when
// a document exceeds the in-memory compression threshold.
//
// Writes are at-least-once. S3Store.Get retries a failed read, NotFound
// included, for about 3s in total (five attempts, backoff doubling from
// 200ms); the window is fixed in NewS3Store and does not read
// BlobStoreConfig.NotFoundRetryMs. MemoryStore.Get does not retry.
package blob

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/docflow/idp-core/internal/resilience"
)

// ErrNotFound is returned by Get/GetJSON when the key does not exist.
var ErrNotFound = errors.New("blob: not found")

// Store is the content-addressed blob gateway interface every pipeline
// component depends on, so OCR/classification/extraction can be tested
// against an in-memory fake without touching S3.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (uri string, err error)
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	PutJSON(ctx context.Context, key string, v interface{}) (uri string, err error)
	GetJSON(ctx context.Context, key string, v interface{}) error
	PublicURL(key string) string
}

// S3Store implements Store against an S3-compatible object store.
type S3Store struct {
	client     *s3.Client
	bucket     string
	publicBase string
	retry      resilience.RetryConfig
}

// NewS3Store creates a blob gateway backed by an s3.Client. publicBase, if
// non-empty, is prefixed to PublicURL output (e.g. a CloudFront domain or
// the bucket's virtual-hosted-style endpoint).
func NewS3Store(client *s3.Client, bucket, publicBase string) *S3Store {
	return &S3Store{
		client:     client,
		bucket:     bucket,
		publicBase: strings.TrimSuffix(publicBase, "/"),
		retry: resilience.RetryConfig{
			MaxAttempts:  5,
			InitialDelay: 200 * time.Millisecond,
			MaxDelay:     3 * time.Second,
			Multiplier:   2,
			Jitter:       0.1,
		},
	}
}

// Put uploads data under key and returns a blob:// URI identifying it.
func (s *S3Store) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	key = sanitizeKey(key)

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", err
	}
	return s.uri(key), nil
}

// Get downloads the blob at key, retrying a NotFound response within the
// eventual-consistency window per resilience.Retry.
func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	key = sanitizeKey(key)

	var out []byte
	err := resilience.Retry(ctx, s.retry, func() error {
		resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			if isNotFound(err) {
				return ErrNotFound
			}
			return err
		}
		defer resp.Body.Close()

		data, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return readErr
		}
		out = data
		return nil
	})
	return out, err
}

// Exists reports whether key is present in the store.
func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	key = sanitizeKey(key)

	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// PutJSON marshals v and uploads it as application/json.
func (s *S3Store) PutJSON(ctx context.Context, key string, v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return s.Put(ctx, key, data, "application/json")
}

// GetJSON downloads and unmarshals the blob at key into v.
func (s *S3Store) GetJSON(ctx context.Context, key string, v interface{}) error {
	data, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// PublicURL returns a best-effort public URL for key.
func (s *S3Store) PublicURL(key string) string {
	key = sanitizeKey(key)
	if s.publicBase != "" {
		return s.publicBase + "/" + key
	}
	return "s3://" + s.bucket + "/" + key
}

func (s *S3Store) uri(key string) string {
	return "blob://" + s.bucket + "/" + key
}

// KeyFromURI recovers the store key from a "blob://bucket/key" or
// "s3://bucket/key" URI previously returned by Put/PutJSON, so a
// downstream stage holding only a Page/Section URI field can call
// Get/GetJSON against it. Returns uri unchanged if it carries no scheme.
func KeyFromURI(uri string) string {
	idx := strings.Index(uri, "://")
	if idx < 0 {
		return uri
	}
	rest := uri[idx+len("://"):]
	slash := strings.Index(rest, "/")
	if slash < 0 {
		return ""
	}
	return rest[slash+1:]
}

func isNotFound(err error) bool {
	var nf *types.NoSuchKey
	if errors.As(err, &nf) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "404":
			return true
		}
	}
	return false
}

func sanitizeKey(key string) string {
	key = strings.TrimPrefix(key, "/")
	key = path.Clean(key)
	key = strings.ReplaceAll(key, "..", "_")
	return key
}
