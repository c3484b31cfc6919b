package s3

import (
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/minio/minio-go/v7"

	"filevault/internal/domain"
)

// classify wraps a backend error into the domain taxonomy while keeping the
// original error in the chain.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if hasKind(err) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %w", kindOf(err), op, err)
}

func hasKind(err error) bool {
	return errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrInvalidArgument) ||
		errors.Is(err, domain.ErrUnavailable)
}

func kindOf(err error) error {
	var nsk *types.NoSuchKey
	var nsb *types.NoSuchBucket
	var nf *types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nsb) || errors.As(err, &nf) {
		return domain.ErrNotFound
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return kindOfCode(apiErr.ErrorCode())
	}

	var minioErr minio.ErrorResponse
	if errors.As(err, &minioErr) {
		return kindOfCode(minioErr.Code)
	}

	return domain.ErrUnavailable
}

func kindOfCode(code string) error {
	switch code {
	case "NoSuchKey", "NoSuchBucket", "NotFound", "NoSuchUpload":
		return domain.ErrNotFound
	case "InvalidArgument", "InvalidBucketName", "InvalidObjectName", "KeyTooLongError",
		"EntityTooLarge", "EntityTooSmall", "IncompleteBody", "InvalidDigest", "BadDigest":
		return domain.ErrInvalidArgument
	default:
		return domain.ErrUnavailable
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrInvalidArgument, fmt.Sprintf(format, args...))
}
