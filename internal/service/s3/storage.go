package s3

import (
	"context"
	"errors"
	"io"

	"github.com/zeebo/errs"
)

// Error is the error class of the blob store adapter
var Error = errs.Class("s3")

// ErrObjectNotFound is returned when a key does not exist in the bucket
var ErrObjectNotFound = errors.New("object not found")

// Object is a blob read from the store
type Object interface {
	io.ReadCloser
	ContentLength() int64
	ContentType() string
}

type object struct {
	io.ReadCloser
	contentLength int64
	contentType   string
}

func (o *object) ContentLength() int64 {
	return o.contentLength
}

func (o *object) ContentType() string {
	return o.contentType
}

// Storage is the S3-compatible blob store used for balise files.
// Every call is retried with bounded exponential backoff.
type Storage interface {
	PutObject(ctx context.Context, key string, data []byte, contentType string) error
	CopyObject(ctx context.Context, srcKey, dstKey string) error
	// DeleteObject succeeds when the key is already absent
	DeleteObject(ctx context.Context, key string) error
	GetObject(ctx context.Context, key string) (Object, error)
}
