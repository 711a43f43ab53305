// Package storage adapts the content-addressed object store: a single
// bucket with S3 semantics at a custom endpoint. Objects are keyed by
// the hex SHA-256 of their content and read through short-lived signed
// URLs regenerated on demand.
package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ErrStorage marks permanent object-store failures after retries are
// exhausted. The surrounding operation aborts.
var ErrStorage = errors.New("storage error")

const (
	// DefaultPresignTTL is the lifetime of generated signed URLs.
	DefaultPresignTTL = time.Hour

	maxAttempts     = 3
	attemptBackoff  = 500 * time.Millisecond
)

// Config carries the object-store credentials and target bucket.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
}

// ObjectInfo describes one stored object.
type ObjectInfo struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

// Store is the object-store adapter. Stateless and safe for concurrent
// use; every call builds its own request.
type Store struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
	httpc   *http.Client
	log     *slog.Logger
}

// New builds the adapter against the configured endpoint using
// path-style addressing (the store is not AWS).
func New(ctx context.Context, cfg Config, log *slog.Logger) (*Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion("us-east-1"),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.Endpoint)
		o.UsePathStyle = true
	})
	return &Store{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  cfg.Bucket,
		httpc:   &http.Client{Timeout: 30 * time.Second},
		log:     log.With("component", "storage"),
	}, nil
}

// Upload stores data under its content hash and returns the hash.
// Idempotent: an object that already exists is not re-uploaded.
func (s *Store) Upload(ctx context.Context, data []byte) (string, error) {
	sum := sha256.Sum256(data)
	key := hex.EncodeToString(sum[:])

	exists, err := s.exists(ctx, key)
	if err == nil && exists {
		return key, nil
	}

	err = s.withRetry(ctx, "upload", func() error {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(data),
		})
		return err
	})
	if err != nil {
		return "", err
	}
	s.log.Info("uploaded object", "key", key, "bytes", len(data))
	return key, nil
}

// PresignGet signs a time-limited GET URL for the given content hash.
// A zero ttl uses DefaultPresignTTL.
func (s *Store) PresignGet(ctx context.Context, contentHash string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultPresignTTL
	}
	var url string
	err := s.withRetry(ctx, "presign", func() error {
		req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(contentHash),
		}, s3.WithPresignExpires(ttl))
		if err != nil {
			return err
		}
		url = req.URL
		return nil
	})
	if err != nil {
		return "", err
	}
	return url, nil
}

// Fetch reads an object by content hash.
func (s *Store) Fetch(ctx context.Context, contentHash string) ([]byte, error) {
	var data []byte
	err := s.withRetry(ctx, "fetch", func() error {
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(contentHash),
		})
		if err != nil {
			return err
		}
		defer out.Body.Close()
		data, err = io.ReadAll(out.Body)
		return err
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// List enumerates the bucket.
func (s *Store) List(ctx context.Context) ([]ObjectInfo, error) {
	var out []ObjectInfo
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: list: %v", ErrStorage, err)
		}
		for _, obj := range page.Contents {
			info := ObjectInfo{Key: aws.ToString(obj.Key), Size: aws.ToInt64(obj.Size)}
			if obj.LastModified != nil {
				info.LastModified = *obj.LastModified
			}
			out = append(out, info)
		}
	}
	return out, nil
}

// UploadDatasetAsChunks splits a line-oriented dataset, uploads every
// chunk, and uploads a manifest whose body is the comma-separated list
// of chunk signed URLs in assignment order. Returns a signed URL to
// the manifest and the chunk count.
func (s *Store) UploadDatasetAsChunks(ctx context.Context, r io.Reader, chunkBytes int) (string, int, error) {
	chunks, err := SplitCSV(r, chunkBytes)
	if err != nil {
		return "", 0, err
	}

	urls := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		key, err := s.Upload(ctx, chunk)
		if err != nil {
			return "", 0, fmt.Errorf("chunk %d: %w", i, err)
		}
		url, err := s.PresignGet(ctx, key, 0)
		if err != nil {
			return "", 0, fmt.Errorf("chunk %d: %w", i, err)
		}
		urls = append(urls, url)
	}

	manifestKey, err := s.Upload(ctx, []byte(strings.Join(urls, ",")))
	if err != nil {
		return "", 0, fmt.Errorf("manifest: %w", err)
	}
	manifestURL, err := s.PresignGet(ctx, manifestKey, 0)
	if err != nil {
		return "", 0, fmt.Errorf("manifest: %w", err)
	}
	s.log.Info("dataset uploaded", "chunks", len(chunks), "manifest", manifestKey)
	return manifestURL, len(chunks), nil
}

// VerifyPresigned fetches a signed URL and reports whether it is
// currently accessible.
func (s *Store) VerifyPresigned(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: verify: %v", ErrStorage, err)
	}
	resp, err := s.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: verify: %v", ErrStorage, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: verify: status %d", ErrStorage, resp.StatusCode)
	}
	return nil
}

func (s *Store) exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// withRetry runs op up to maxAttempts times with linear backoff, then
// surfaces ErrStorage.
func (s *Store) withRetry(ctx context.Context, what string, op func() error) error {
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		s.log.Warn("store call failed", "op", what, "attempt", attempt, "err", err)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s: %v", ErrStorage, what, ctx.Err())
		case <-time.After(time.Duration(attempt) * attemptBackoff):
		}
	}
	return fmt.Errorf("%w: %s: %v", ErrStorage, what, err)
}
