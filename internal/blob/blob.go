// Package blob stores attachment payloads in an S3-compatible bucket. Every
// attachment lives at attachments/{itemKey}/{filename}; the MD5 of the stored
// bytes is what the items table records in its md5 column.
package blob

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// ErrNotExist is returned when the requested object is not in the bucket.
var ErrNotExist = errors.New("blob: object does not exist")

const (
	// MinIO and friends ignore the region but the SDK insists on one.
	defaultRegion = "us-east-1"

	verifiedCacheSize = 4096
	verifiedCacheTTL  = time.Hour
)

// Config describes the S3-compatible endpoint holding attachment blobs.
type Config struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Bucket          string
}

// URL returns the endpoint with a scheme, derived from UseSSL when absent.
func (c *Config) URL() string {
	if strings.Contains(c.Endpoint, "://") {
		return c.Endpoint
	}
	scheme := "http"
	if c.UseSSL {
		scheme = "https"
	}
	return scheme + "://" + c.Endpoint
}

// ObjectInfo summarizes a stored object.
type ObjectInfo struct {
	Size         int64
	ETag         string
	LastModified time.Time
}

// Store reads and writes attachment objects in one shared bucket. Safe for
// concurrent use.
type Store struct {
	client *s3.Client
	bucket string

	// verified caches content hashes this process confirmed, so repeated
	// syncs skip re-hashing unchanged attachments.
	verified *expirable.LRU[string, string]
}

// New wraps an existing S3 client.
func New(client *s3.Client, bucket string) *Store {
	return &Store{
		client:   client,
		bucket:   bucket,
		verified: expirable.NewLRU[string, string](verifiedCacheSize, nil, verifiedCacheTTL),
	}
}

// NewWithConfig builds the S3 client from static credentials and a custom
// endpoint with path-style addressing.
func NewWithConfig(ctx context.Context, cfg *Config) (*Store, error) {
	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			MaxIdleConns:          200,
			MaxIdleConnsPerHost:   100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ForceAttemptHTTP2:     true,
		},
		Timeout: 30 * time.Second,
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		),
		awsconfig.WithRegion(defaultRegion),
		awsconfig.WithHTTPClient(httpClient),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load object store config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.URL())
		o.UsePathStyle = true
	})

	return New(client, cfg.Bucket), nil
}

// AttachmentKey returns the canonical object key for an item's attachment.
func AttachmentKey(itemKey, filename string) string {
	return fmt.Sprintf("attachments/%s/%s", itemKey, filename)
}

// SumMD5 returns the lowercase hex MD5 of data.
func SumMD5(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// EnsureBucket creates the bucket if it does not exist yet.
func (s *Store) EnsureBucket(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: &s.bucket})
	if err == nil {
		return nil
	}
	var notFound *types.NotFound
	if !errors.As(err, &notFound) {
		return fmt.Errorf("failed to check bucket %s: %w", s.bucket, err)
	}

	_, err = s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: &s.bucket})
	if err != nil {
		var owned *types.BucketAlreadyOwnedByYou
		var exists *types.BucketAlreadyExists
		if errors.As(err, &owned) || errors.As(err, &exists) {
			return nil
		}
		return fmt.Errorf("failed to create bucket %s: %w", s.bucket, err)
	}
	return nil
}

// Exists reports whether an object is stored under key.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Stat(ctx, key)
	if errors.Is(err, ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Stat returns object metadata, or ErrNotExist.
func (s *Store) Stat(ctx context.Context, key string) (*ObjectInfo, error) {
	resp, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("%s: %w", key, ErrNotExist)
		}
		return nil, fmt.Errorf("failed to stat %s: %w", key, err)
	}
	return &ObjectInfo{
		Size:         aws.ToInt64(resp.ContentLength),
		ETag:         strings.ReplaceAll(aws.ToString(resp.ETag), "\"", ""),
		LastModified: aws.ToTime(resp.LastModified),
	}, nil
}

// Get reads a whole object. Attachments are bounded by the cloud's upload
// limits, so buffering them is fine.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, fmt.Errorf("%s: %w", key, ErrNotExist)
		}
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return data, nil
}

// Put stores data under key with a Content-MD5 integrity check and returns
// the content hash it stored.
func (s *Store) Put(ctx context.Context, key string, data []byte) (string, error) {
	raw := md5.Sum(data)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        &s.bucket,
		Key:           &key,
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentMD5:    aws.String(base64.StdEncoding.EncodeToString(raw[:])),
	})
	if err != nil {
		return "", fmt.Errorf("failed to put %s: %w", key, err)
	}

	sum := hex.EncodeToString(raw[:])
	s.verified.Add(key, sum)
	return sum, nil
}

// MatchesMD5 reports whether the stored object's content hash equals sum. It
// answers from the verified cache when it can, falls back to the ETag when
// that is a plain content MD5, and only then downloads and hashes the object.
// A missing object is a plain false.
func (s *Store) MatchesMD5(ctx context.Context, key, sum string) (bool, error) {
	if sum == "" {
		return false, nil
	}
	if cached, ok := s.verified.Get(key); ok && cached == sum {
		return true, nil
	}

	info, err := s.Stat(ctx, key)
	if errors.Is(err, ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if isContentMD5(info.ETag) {
		if info.ETag == sum {
			s.verified.Add(key, sum)
			return true, nil
		}
		return false, nil
	}

	// Multipart ETags are not content hashes.
	data, err := s.Get(ctx, key)
	if err != nil {
		return false, err
	}
	actual := SumMD5(data)
	s.verified.Add(key, actual)
	return actual == sum, nil
}

// isContentMD5 reports whether an ETag is a single-part content hash rather
// than a multipart composite like "9b2cf5...-3".
func isContentMD5(etag string) bool {
	if len(etag) != 32 {
		return false
	}
	for _, c := range etag {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
