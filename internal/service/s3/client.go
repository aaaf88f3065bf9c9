package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"baliseregistry/internal/metrics"
)

const pingTimeout = 30 * time.Second

// Client is the S3-compatible implementation of Storage
type Client struct {
	client         *s3.Client
	bucket         string
	log            *zap.Logger
	metrics        *metrics.Metrics
	maxAttempts    int
	baseDelay      time.Duration
	attemptTimeout time.Duration
}

// NewClient creates a client and checks that the bucket is reachable
func NewClient(ctx context.Context, conf *Config, log *zap.Logger, m *metrics.Metrics) (*Client, error) {
	if conf == nil {
		return nil, Error.New("configuration is required")
	}
	if err := conf.Validate(); err != nil {
		return nil, Error.Wrap(err)
	}
	conf.applyDefaults()

	creds := aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(
		conf.AccessKeyID,
		conf.SecretAccessKey,
		"",
	))

	// Retries are driven by Client.retry, the SDK retryer stays off
	client := s3.New(s3.Options{
		BaseEndpoint:               aws.String(conf.Endpoint),
		Region:                     conf.Region,
		Credentials:                creds,
		UsePathStyle:               conf.UsePathStyle,
		Retryer:                    aws.NopRetryer{},
		RequestChecksumCalculation: aws.RequestChecksumCalculationWhenRequired,
		ResponseChecksumValidation: aws.ResponseChecksumValidationWhenRequired,
	})

	s3Client := &Client{
		client:         client,
		bucket:         conf.Bucket,
		log:            log.Named("s3"),
		metrics:        m,
		maxAttempts:    conf.MaxAttempts,
		baseDelay:      conf.BaseDelay,
		attemptTimeout: conf.AttemptTimeout,
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	_, err := s3Client.client.HeadBucket(pingCtx, &s3.HeadBucketInput{
		Bucket: aws.String(conf.Bucket),
	})
	if err != nil {
		return nil, Error.Wrap(fmt.Errorf("unable to access bucket %s: %w", conf.Bucket, err))
	}

	return s3Client, nil
}

// PutObject uploads data under key
func (h *Client) PutObject(ctx context.Context, key string, data []byte, contentType string) error {
	if key == "" {
		return Error.New("key is required")
	}

	return h.retry(ctx, "put", key, func(ctx context.Context) error {
		input := &s3.PutObjectInput{
			Bucket:        aws.String(h.bucket),
			Key:           aws.String(key),
			Body:          bytes.NewReader(data),
			ContentLength: aws.Int64(int64(len(data))),
		}
		if contentType != "" {
			input.ContentType = aws.String(contentType)
		}
		_, err := h.client.PutObject(ctx, input)
		return err
	})
}

// CopyObject copies srcKey to dstKey inside the bucket
func (h *Client) CopyObject(ctx context.Context, srcKey, dstKey string) error {
	if srcKey == "" || dstKey == "" {
		return Error.New("source and destination keys are required")
	}

	source := (&url.URL{Path: h.bucket + "/" + srcKey}).EscapedPath()

	return h.retry(ctx, "copy", srcKey, func(ctx context.Context) error {
		_, err := h.client.CopyObject(ctx, &s3.CopyObjectInput{
			Bucket:     aws.String(h.bucket),
			Key:        aws.String(dstKey),
			CopySource: aws.String(source),
		})
		return err
	})
}

// DeleteObject removes key. A missing key is not an error.
func (h *Client) DeleteObject(ctx context.Context, key string) error {
	if key == "" {
		return Error.New("key is required")
	}

	err := h.retry(ctx, "delete", key, func(ctx context.Context) error {
		_, err := h.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(h.bucket),
			Key:    aws.String(key),
		})
		return err
	})
	if errors.Is(err, ErrObjectNotFound) {
		return nil
	}
	return err
}

// GetObject reads the whole object into memory. The body is read inside the
// retried attempt so that a per-attempt deadline never cuts a stream short.
func (h *Client) GetObject(ctx context.Context, key string) (Object, error) {
	var (
		data        []byte
		contentType string
	)

	err := h.retry(ctx, "get", key, func(ctx context.Context) error {
		result, err := h.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(h.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return err
		}
		defer result.Body.Close()

		data, err = io.ReadAll(result.Body)
		if err != nil {
			return fmt.Errorf("failed to read object body: %w", err)
		}
		contentType = aws.ToString(result.ContentType)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &object{
		ReadCloser:    io.NopCloser(bytes.NewReader(data)),
		contentLength: int64(len(data)),
		contentType:   contentType,
	}, nil
}

func (h *Client) retry(ctx context.Context, op, key string, fn func(ctx context.Context) error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = h.baseDelay
	policy.MaxElapsedTime = 0

	attempts := h.maxAttempts
	if attempts < 1 {
		attempts = 1
	}
	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(attempts-1)), ctx)

	err := backoff.RetryNotify(func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, h.attemptTimeout)
		defer cancel()

		err := fn(attemptCtx)
		if err == nil {
			return nil
		}
		if isNotFound(err) {
			return backoff.Permanent(fmt.Errorf("%w: %s", ErrObjectNotFound, key))
		}
		if isPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, next time.Duration) {
		h.metrics.RecordBlobRetry(op)
		h.log.Warn("retrying blob operation",
			zap.String("op", op),
			zap.String("key", key),
			zap.Duration("backoff", next),
			zap.Error(err),
		)
	})

	h.metrics.RecordBlobOperation(op, err)
	if err != nil {
		if !errors.Is(err, ErrObjectNotFound) {
			h.log.Error("blob operation failed", zap.String("op", op), zap.String("key", key), zap.Error(err))
		}
		return Error.Wrap(err)
	}

	return nil
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
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

// isPermanent reports client errors that a retry cannot fix
func isPermanent(err error) bool {
	var respErr *smithyhttp.ResponseError
	if !errors.As(err, &respErr) {
		return false
	}
	status := respErr.HTTPStatusCode()
	if status == http.StatusRequestTimeout || status == http.StatusTooManyRequests {
		return false
	}
	return status >= 400 && status < 500
}
