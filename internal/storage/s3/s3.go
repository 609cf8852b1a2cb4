// Package s3 reads image objects from S3-compatible stores, including
// Cloudflare R2.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/xphotos/xphotos/internal/logging"
	"github.com/xphotos/xphotos/internal/metrics"
)

// Config holds S3 connection settings.
type Config struct {
	Endpoint  string // optional; path-style addressing is used when set
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string

	// Label names the backend in logs and metrics ("s3" or "r2").
	Label string

	// HTTPClient overrides the SDK transport, mainly for tests.
	HTTPClient *http.Client
}

// R2Config holds Cloudflare R2 settings.
type R2Config struct {
	AccountID string
	Bucket    string
	AccessKey string
	SecretKey string
	Endpoint  string // optional override of the account endpoint

	HTTPClient *http.Client
}

// Backend reads objects from a single bucket.
type Backend struct {
	client *s3.Client
	bucket string
	label  string
}

// New creates an S3 backend.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.Label == "" {
		cfg.Label = "s3"
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, config.WithHTTPClient(cfg.HTTPClient))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	logging.Debug("storage client created",
		zap.String("backend", cfg.Label),
		zap.String("bucket", cfg.Bucket),
		zap.String("endpoint", cfg.Endpoint))

	return &Backend{client: client, bucket: cfg.Bucket, label: cfg.Label}, nil
}

// NewR2 creates a backend for a Cloudflare R2 bucket. R2 speaks the S3 API
// on a per-account endpoint with region "auto".
func NewR2(ctx context.Context, cfg R2Config) (*Backend, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = R2Endpoint(cfg.AccountID)
	}
	return New(ctx, Config{
		Endpoint:   endpoint,
		Bucket:     cfg.Bucket,
		AccessKey:  cfg.AccessKey,
		SecretKey:  cfg.SecretKey,
		Region:     "auto",
		Label:      "r2",
		HTTPClient: cfg.HTTPClient,
	})
}

// R2Endpoint returns the S3 API endpoint of an R2 account.
func R2Endpoint(accountID string) string {
	return fmt.Sprintf("https://%s.r2.cloudflarestorage.com", accountID)
}

// GetObject opens an object. The SDK body is returned unbuffered.
func (b *Backend) GetObject(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	start := time.Now()

	result, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		metrics.RecordBackendOperation(b.label, "get_object", time.Since(start), false)
		if isNotFound(err) {
			return nil, 0, fmt.Errorf("get object %s: %w", key, fs.ErrNotExist)
		}
		return nil, 0, fmt.Errorf("get object %s: %w", key, err)
	}
	metrics.RecordBackendOperation(b.label, "get_object", time.Since(start), true)

	size := int64(-1)
	if result.ContentLength != nil {
		size = *result.ContentLength
	}
	return result.Body, size, nil
}

// Bucket returns the bucket this backend reads from.
func (b *Backend) Bucket() string {
	return b.bucket
}

// Type returns the backend label.
func (b *Backend) Type() string {
	return b.label
}

// Close is a no-op; the SDK client holds no resources that need releasing.
func (b *Backend) Close() error {
	return nil
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}
