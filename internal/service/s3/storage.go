package s3

import (
	"context"
	"io"
	"time"
)

// Object is a lazily consumed object body. It is single-pass; the caller
// must drain or close it.
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

// Storage is the uniform interface over an S3-compatible backend.
type Storage interface {
	// Put stores exactly size bytes from body under key. Either the whole
	// object becomes readable or nothing is created.
	Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error
	Get(ctx context.Context, bucket, key string) (Object, error)
	// Remove is idempotent: a missing key is not an error.
	Remove(ctx context.Context, bucket, key string) error
	Exists(ctx context.Context, bucket string) (bool, error)
	EnsureBucket(ctx context.Context, bucket string) error
	Presign(ctx context.Context, bucket, key string, ttl time.Duration, responseContentType string) (string, error)
}
