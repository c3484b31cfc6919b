package s3

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioClient is the Storage backed by minio-go. minio-go streams objects
// above its part size as multipart uploads and aborts them on failure.
type MinioClient struct {
	client *minio.Client
	region string
}

func NewMinioClient(conf *Config) (*MinioClient, error) {
	client, err := minio.New(conf.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(conf.AccessKeyID, conf.SecretAccessKey, ""),
		Secure: conf.UseSSL,
		Region: conf.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	return &MinioClient{client: client, region: conf.Region}, nil
}

func (m *MinioClient) Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error {
	if bucket == "" || key == "" || body == nil {
		return invalid("bucket, key and body are required")
	}
	if size < 0 {
		return invalid("negative size %d", size)
	}

	info, err := m.client.PutObject(ctx, bucket, key, body, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return classify("put object", err)
	}
	if info.Size != size {
		return m.discard(ctx, bucket, key, invalid("stored %d bytes, expected %d", info.Size, size))
	}
	// minio-go stops after size bytes, so a longer body is only noticed here.
	if err := ensureDrained(body); err != nil {
		return m.discard(ctx, bucket, key, err)
	}
	return nil
}

func (m *MinioClient) discard(ctx context.Context, bucket, key string, cause error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultTimeout)
	defer cancel()

	if err := m.Remove(ctx, bucket, key); err != nil {
		return fmt.Errorf("%w (discard failed: %v)", cause, err)
	}
	return cause
}

func (m *MinioClient) Get(ctx context.Context, bucket, key string) (Object, error) {
	if bucket == "" || key == "" {
		return nil, invalid("bucket and key are required")
	}

	obj, err := m.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, classify("get object", err)
	}
	// GetObject is lazy; Stat forces the request so a missing key fails here.
	info, err := obj.Stat()
	if err != nil {
		obj.Close()
		return nil, classify("stat object", err)
	}

	return &object{
		ReadCloser:    obj,
		contentLength: info.Size,
		contentType:   info.ContentType,
	}, nil
}

func (m *MinioClient) Remove(ctx context.Context, bucket, key string) error {
	if bucket == "" || key == "" {
		return invalid("bucket and key are required")
	}

	err := m.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{})
	if err != nil && minio.ToErrorResponse(err).Code != "NoSuchKey" {
		return classify("remove object", err)
	}
	return nil
}

func (m *MinioClient) Exists(ctx context.Context, bucket string) (bool, error) {
	exists, err := m.client.BucketExists(ctx, bucket)
	if err != nil {
		return false, classify("bucket exists", err)
	}
	return exists, nil
}

func (m *MinioClient) EnsureBucket(ctx context.Context, bucket string) error {
	exists, err := m.Exists(ctx, bucket)
	if err != nil || exists {
		return err
	}

	err = m.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: m.region})
	if err != nil && minio.ToErrorResponse(err).Code != "BucketAlreadyOwnedByYou" {
		return classify("make bucket", err)
	}
	return nil
}

func (m *MinioClient) Presign(ctx context.Context, bucket, key string, ttl time.Duration, responseContentType string) (string, error) {
	if bucket == "" || key == "" {
		return "", invalid("bucket and key are required")
	}
	if ttl <= 0 {
		return "", invalid("presign ttl must be positive")
	}

	params := url.Values{}
	if responseContentType != "" {
		params.Set("response-content-type", responseContentType)
	}

	u, err := m.client.PresignedGetObject(ctx, bucket, key, ttl, params)
	if err != nil {
		return "", classify("presign get object", err)
	}
	return u.String(), nil
}
