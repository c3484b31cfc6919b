// Package fake holds in-memory adapters with fault injection for tests.
package fake

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"filevault/internal/domain"
	"filevault/internal/service/s3"
)

type blob struct {
	data        []byte
	contentType string
}

// BlobStore is an in-memory s3.Storage.
type BlobStore struct {
	mu      sync.Mutex
	buckets map[string]map[string]blob

	PutErr     error
	GetErr     error
	RemoveErr  error
	ExistsErr  error
	PresignErr error
	// ReadErr, when set, is returned by object readers after the first byte.
	ReadErr error

	Removed      []string
	EnsureCalls  int
	PresignCalls int
}

var _ s3.Storage = (*BlobStore)(nil)

func NewBlobStore() *BlobStore {
	return &BlobStore{buckets: map[string]map[string]blob{}}
}

func (b *BlobStore) Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error {
	if b.PutErr != nil {
		return b.PutErr
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrUnavailable, err)
	}
	if int64(len(data)) != size {
		return fmt.Errorf("%w: got %d bytes, declared %d", domain.ErrInvalidArgument, len(data), size)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	objects, ok := b.buckets[bucket]
	if !ok {
		return fmt.Errorf("%w: bucket %s", domain.ErrNotFound, bucket)
	}
	objects[key] = blob{data: data, contentType: contentType}
	return nil
}

func (b *BlobStore) Get(_ context.Context, bucket, key string) (s3.Object, error) {
	if b.GetErr != nil {
		return nil, b.GetErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	obj, ok := b.buckets[bucket][key]
	if !ok {
		return nil, fmt.Errorf("%w: object %s", domain.ErrNotFound, key)
	}

	var r io.Reader = bytes.NewReader(obj.data)
	if b.ReadErr != nil {
		r = io.MultiReader(bytes.NewReader(obj.data[:min(1, len(obj.data))]), &failingReader{err: b.ReadErr})
	}
	return &object{Reader: r, length: int64(len(obj.data)), contentType: obj.contentType}, nil
}

func (b *BlobStore) Remove(_ context.Context, bucket, key string) error {
	if b.RemoveErr != nil {
		return b.RemoveErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.buckets[bucket], key)
	b.Removed = append(b.Removed, key)
	return nil
}

func (b *BlobStore) Exists(_ context.Context, bucket string) (bool, error) {
	if b.ExistsErr != nil {
		return false, b.ExistsErr
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	_, ok := b.buckets[bucket]
	return ok, nil
}

func (b *BlobStore) EnsureBucket(ctx context.Context, bucket string) error {
	b.mu.Lock()
	b.EnsureCalls++
	b.mu.Unlock()

	exists, err := b.Exists(ctx, bucket)
	if err != nil || exists {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.buckets[bucket] = map[string]blob{}
	return nil
}

func (b *BlobStore) Presign(_ context.Context, bucket, key string, ttl time.Duration, responseContentType string) (string, error) {
	b.PresignCalls++
	if b.PresignErr != nil {
		return "", b.PresignErr
	}
	return fmt.Sprintf("http://blob.local/%s/%s?X-Amz-Expires=%d&response-content-type=%s",
		bucket, key, int(ttl.Seconds()), responseContentType), nil
}

// Object returns a copy of a stored object.
func (b *BlobStore) Object(bucket, key string) ([]byte, string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	obj, ok := b.buckets[bucket][key]
	if !ok {
		return nil, "", false
	}
	return append([]byte(nil), obj.data...), obj.contentType, true
}

// Keys lists the object keys in bucket.
func (b *BlobStore) Keys(bucket string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	keys := make([]string, 0, len(b.buckets[bucket]))
	for k := range b.buckets[bucket] {
		keys = append(keys, k)
	}
	return keys
}

type object struct {
	io.Reader
	length      int64
	contentType string
}

func (o *object) Close() error         { return nil }
func (o *object) ContentLength() int64 { return o.length }
func (o *object) ContentType() string  { return o.contentType }

type failingReader struct {
	err error
}

func (f *failingReader) Read([]byte) (int, error) {
	return 0, f.err
}
