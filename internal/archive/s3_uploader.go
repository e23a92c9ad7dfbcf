// internal/archive/s3_uploader.go
package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"trafficwatch/internal/metrics"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsCfgLib "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectPutter is the single S3 call the uploader makes. *s3.Client satisfies it.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// UploaderOptions bounds every upload.
type UploaderOptions struct {
	Bucket  string
	Timeout time.Duration // per PutObject attempt
	Retries int           // attempts per upload; SDK retries stay disabled
}

// S3Uploader
// ------------------------------------------------------------
// Puts archive objects with application-level retries.
//
// The SDK's own retryer is switched off (RetryMaxAttempts = 0) so the
// only retry policy is the one here: Retries attempts, each bounded by
// Timeout, 200ms exponential backoff capped at 2s, abort on ctx.Done.
type S3Uploader struct {
	opts    UploaderOptions
	metrics *metrics.Metrics
	client  ObjectPutter
}

// NewS3Uploader loads the default AWS credential chain for region.
func NewS3Uploader(ctx context.Context, region string, opts UploaderOptions, m *metrics.Metrics) (*S3Uploader, error) {
	awsCfg, err := awsCfgLib.LoadDefaultConfig(ctx, awsCfgLib.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.RetryMaxAttempts = 0
	})
	return NewS3UploaderWithClient(client, opts, m), nil
}

// NewS3UploaderWithClient uses an existing client.
func NewS3UploaderWithClient(client ObjectPutter, opts UploaderOptions, m *metrics.Metrics) *S3Uploader {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Retries <= 0 {
		opts.Retries = 3
	}
	if m == nil {
		m = metrics.New()
	}
	return &S3Uploader{opts: opts, metrics: m, client: client}
}

// UploadBytesWithRetryCtx uploads an in-memory object. A fresh reader
// is built for every attempt.
func (u *S3Uploader) UploadBytesWithRetryCtx(ctx context.Context, key string, body []byte) error {
	return u.withRetry(ctx, func() error {
		return u.putObject(ctx, key, bytes.NewReader(body), int64(len(body)))
	})
}

// UploadFileWithRetryCtx uploads a spooled file; f is rewound before
// every retry.
func (u *S3Uploader) UploadFileWithRetryCtx(ctx context.Context, key string, f io.ReadSeeker, size int64) error {
	return u.withRetry(ctx, func() error {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return err
		}
		return u.putObject(ctx, key, f, size)
	})
}

func (u *S3Uploader) withRetry(ctx context.Context, put func() error) error {
	var lastErr error
	backoff := 200 * time.Millisecond

	for attempt := 1; attempt <= u.opts.Retries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := put()
		if err == nil {
			return nil
		}
		lastErr = err
		atomic.AddInt64(&u.metrics.ArchivePutErrorsTotal, 1)

		if attempt == u.opts.Retries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
			if backoff > 2*time.Second {
				backoff = 2 * time.Second
			}
		}
	}
	return lastErr
}

// putObject is one PutObject call bounded by opts.Timeout.
func (u *S3Uploader) putObject(ctx context.Context, key string, body io.Reader, size int64) error {
	ctx2, cancel := context.WithTimeout(ctx, u.opts.Timeout)
	defer cancel()

	_, err := u.client.PutObject(ctx2, &s3.PutObjectInput{
		Bucket:          aws.String(u.opts.Bucket),
		Key:             aws.String(key),
		Body:            body,
		ContentLength:   aws.Int64(size),
		ContentType:     aws.String("application/x-ndjson"),
		ContentEncoding: aws.String("gzip"),
	})
	return err
}
