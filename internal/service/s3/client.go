package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"filevault/internal/domain"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultChunkSize = 5 * 1024 * 1024 // 5MB, the S3 minimum part size
	maxParts         = 10000
)

// api is the subset of *s3.Client the adapter talks to.
type api interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, in *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, in *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// Client talks to S3 or any S3-compatible storage through the AWS SDK.
type Client struct {
	client    api
	presign   *s3.PresignClient
	region    string
	chunkSize int64
}

// NewClient creates an AWS SDK backed Storage.
func NewClient(conf *Config) (*Client, error) {
	creds := aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(
		conf.AccessKeyID,
		conf.SecretAccessKey,
		"",
	))

	opts := s3.Options{
		Region:           conf.Region,
		Credentials:      creds,
		UsePathStyle:     conf.UsePathStyle,
		RetryMode:        aws.RetryModeAdaptive,
		RetryMaxAttempts: 3,
	}
	if conf.Endpoint != "" {
		opts.BaseEndpoint = aws.String(conf.Endpoint)
	}

	client := s3.New(opts)
	return &Client{
		client:    client,
		presign:   s3.NewPresignClient(client),
		region:    conf.Region,
		chunkSize: defaultChunkSize,
	}, nil
}

// Put uploads size bytes from body. Small objects go through a single
// PutObject; larger ones stream through a multipart upload one part at a
// time and are aborted on any failure.
func (h *Client) Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error {
	if bucket == "" || key == "" || body == nil {
		return invalid("bucket, key and body are required")
	}
	if size < 0 {
		return invalid("negative size %d", size)
	}

	if size <= h.chunkSize {
		buf := make([]byte, size)
		if err := readFull(body, buf); err != nil {
			return err
		}
		if err := ensureDrained(body); err != nil {
			return err
		}
		_, err := h.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(bucket),
			Key:           aws.String(key),
			Body:          bytes.NewReader(buf),
			ContentLength: aws.Int64(size),
			ContentType:   aws.String(contentType),
		})
		return classify("put object", err)
	}

	return h.putMultipart(ctx, bucket, key, body, size, contentType)
}

func (h *Client) putMultipart(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error {
	partSize := h.chunkSize
	if need := (size + maxParts - 1) / maxParts; need > partSize {
		partSize = need
	}

	created, err := h.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return classify("create multipart upload", err)
	}
	uploadID := created.UploadId

	var parts []types.CompletedPart
	buf := make([]byte, partSize)
	remaining := size
	for partNumber := int32(1); remaining > 0; partNumber++ {
		n := min(remaining, partSize)
		if err := readFull(body, buf[:n]); err != nil {
			return h.abort(ctx, bucket, key, uploadID, err)
		}

		out, err := h.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:        aws.String(bucket),
			Key:           aws.String(key),
			PartNumber:    aws.Int32(partNumber),
			UploadId:      uploadID,
			Body:          bytes.NewReader(buf[:n]),
			ContentLength: aws.Int64(n),
		})
		if err != nil {
			return h.abort(ctx, bucket, key, uploadID, classify(fmt.Sprintf("upload part %d", partNumber), err))
		}

		parts = append(parts, types.CompletedPart{
			ETag:       out.ETag,
			PartNumber: aws.Int32(partNumber),
		})
		remaining -= n
	}

	if err := ensureDrained(body); err != nil {
		return h.abort(ctx, bucket, key, uploadID, err)
	}

	_, err = h.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(bucket),
		Key:      aws.String(key),
		UploadId: uploadID,
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: parts,
		},
	})
	if err != nil {
		return h.abort(ctx, bucket, key, uploadID, classify("complete multipart upload", err))
	}

	return nil
}

// abort discards a multipart upload and returns cause. It runs even when ctx
// is already cancelled.
func (h *Client) abort(ctx context.Context, bucket, key string, uploadID *string, cause error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultTimeout)
	defer cancel()

	_, err := h.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(bucket),
		Key:      aws.String(key),
		UploadId: uploadID,
	})
	if err != nil {
		return errors.Join(cause, fmt.Errorf("abort multipart upload: %w", err))
	}
	return cause
}

func (h *Client) Get(ctx context.Context, bucket, key string) (Object, error) {
	if bucket == "" || key == "" {
		return nil, invalid("bucket and key are required")
	}

	result, err := h.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, classify("get object", err)
	}

	return &object{
		ReadCloser:    result.Body,
		contentLength: aws.ToInt64(result.ContentLength),
		contentType:   aws.ToString(result.ContentType),
	}, nil
}

func (h *Client) Remove(ctx context.Context, bucket, key string) error {
	if bucket == "" || key == "" {
		return invalid("bucket and key are required")
	}

	_, err := h.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err = classify("delete object", err); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	return nil
}

func (h *Client) Exists(ctx context.Context, bucket string) (bool, error) {
	_, err := h.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(bucket),
	})
	if err == nil {
		return true, nil
	}
	err = classify("head bucket", err)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	return false, err
}

func (h *Client) EnsureBucket(ctx context.Context, bucket string) error {
	exists, err := h.Exists(ctx, bucket)
	if err != nil || exists {
		return err
	}

	in := &s3.CreateBucketInput{Bucket: aws.String(bucket)}
	if h.region != "" && h.region != "us-east-1" {
		in.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(h.region),
		}
	}
	_, err = h.client.CreateBucket(ctx, in)
	if err != nil {
		var owned *types.BucketAlreadyOwnedByYou
		if errors.As(err, &owned) {
			return nil
		}
		return classify("create bucket", err)
	}
	return nil
}

func (h *Client) Presign(ctx context.Context, bucket, key string, ttl time.Duration, responseContentType string) (string, error) {
	if bucket == "" || key == "" {
		return "", invalid("bucket and key are required")
	}
	if ttl <= 0 {
		return "", invalid("presign ttl must be positive")
	}

	in := &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}
	if responseContentType != "" {
		in.ResponseContentType = aws.String(responseContentType)
	}

	req, err := h.presign.PresignGetObject(ctx, in, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", classify("presign get object", err)
	}
	return req.URL, nil
}

func readFull(body io.Reader, buf []byte) error {
	_, err := io.ReadFull(body, buf)
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return invalid("body is shorter than declared size")
	}
	return classify("read body", err)
}

// ensureDrained fails when body holds more bytes than declared.
func ensureDrained(body io.Reader) error {
	var peek [1]byte
	for i := 0; i < 100; i++ {
		n, err := body.Read(peek[:])
		if n > 0 {
			return invalid("body is longer than declared size")
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return classify("read body", err)
		}
	}
	return classify("read body", io.ErrNoProgress)
}
