package service

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"filevault/internal/domain"
	"filevault/internal/metrics"
	"filevault/internal/service/s3"
)

const (
	DefaultPresignTTL   = time.Hour
	compensationTimeout = 30 * time.Second
)

// FileStore is the metadata store the service writes records to.
type FileStore interface {
	Create(ctx context.Context, file *domain.FileRecord) (*domain.FileRecord, error)
	GetByID(ctx context.Context, id string) (*domain.FileRecord, error)
	List(ctx context.Context) ([]domain.FileInfo, error)
	Update(ctx context.Context, id string, upd domain.FileUpdate) (*domain.FileRecord, error)
	Delete(ctx context.Context, id, objectKey string) error
	Ping(ctx context.Context) error
}

type Options struct {
	Bucket         string
	PresignTTL     time.Duration
	MaxUploadBytes int64
}

// FileService keeps file records and their blobs consistent. Every
// operation orders its writes so a record never points at a missing blob,
// and undoes a half-finished write with one compensating removal.
type FileService struct {
	files          FileStore
	blobs          s3.Storage
	bucket         string
	presignTTL     time.Duration
	maxUploadBytes int64
	bucketReady    atomic.Bool
	log            zerolog.Logger
	metrics        *metrics.Metrics
	newID          func() string
}

func NewFileService(
	files FileStore,
	blobs s3.Storage,
	opts Options,
	log zerolog.Logger,
	m *metrics.Metrics,
) *FileService {
	if opts.PresignTTL <= 0 {
		opts.PresignTTL = DefaultPresignTTL
	}
	return &FileService{
		files:          files,
		blobs:          blobs,
		bucket:         opts.Bucket,
		presignTTL:     opts.PresignTTL,
		maxUploadBytes: opts.MaxUploadBytes,
		log:            log.With().Str("component", "file-service").Logger(),
		metrics:        m,
		newID:          uuid.NewString,
	}
}

// EnsureBucket creates the configured bucket if needed. After the first
// success it is a no-op for the rest of the process lifetime.
func (s *FileService) EnsureBucket(ctx context.Context) error {
	if s.bucketReady.Load() {
		return nil
	}
	exists, err := s.blobs.Exists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		if err := s.blobs.EnsureBucket(ctx, s.bucket); err != nil {
			return fmt.Errorf("ensure bucket %s: %w", s.bucket, err)
		}
	}
	if !s.bucketReady.Swap(true) {
		if exists {
			s.log.Info().Str("bucket", s.bucket).Msg("bucket already exists")
		} else {
			s.log.Info().Str("bucket", s.bucket).Msg("bucket created")
		}
	}
	return nil
}

// Upload stores the blob first and then the record pointing at it.
func (s *FileService) Upload(ctx context.Context, in domain.FileUpload) (file *domain.FileRecord, err error) {
	defer s.observe("upload", time.Now(), &err)

	if in.Body == nil {
		return nil, fmt.Errorf("%w: no file uploaded", domain.ErrInvalidArgument)
	}
	filename, err := sanitizeFilename(in.Filename)
	if err != nil {
		return nil, err
	}
	if err = s.checkSize(in.Size); err != nil {
		return nil, err
	}
	mimeType := normalizeMIMEType(in.MIMEType)

	if err = s.EnsureBucket(ctx); err != nil {
		return nil, err
	}

	id := s.newID()
	key := objectKey(id, filename)

	if err = s.blobs.Put(ctx, s.bucket, key, newSizeGuard(ctx, in.Body, in.Size), in.Size, mimeType); err != nil {
		return nil, fmt.Errorf("store object: %w", err)
	}
	s.metrics.UploadBytesTotal.Add(float64(in.Size))

	file, err = s.files.Create(ctx, &domain.FileRecord{
		ID:         id,
		Filename:   filename,
		MIMEType:   mimeType,
		Size:       in.Size,
		BucketName: s.bucket,
		ObjectKey:  key,
	})
	if err != nil {
		s.compensate(ctx, s.bucket, key, id, err)
		return nil, fmt.Errorf("create record: %w", err)
	}

	s.log.Info().
		Str("id", id).
		Str("object_key", key).
		Int64("size", in.Size).
		Msg("file uploaded")
	return file, nil
}

func (s *FileService) List(ctx context.Context) (files []domain.FileInfo, err error) {
	defer s.observe("list", time.Now(), &err)

	return s.files.List(ctx)
}

// Download opens the file content for saving as an attachment.
func (s *FileService) Download(ctx context.Context, id string) (*domain.FileDownload, error) {
	return s.open(ctx, "download", id, domain.DispositionAttachment)
}

// Preview opens the file content for inline rendering.
func (s *FileService) Preview(ctx context.Context, id string) (*domain.FileDownload, error) {
	return s.open(ctx, "preview", id, domain.DispositionInline)
}

func (s *FileService) open(ctx context.Context, op, id string, disposition domain.Disposition) (dl *domain.FileDownload, err error) {
	defer s.observe(op, time.Now(), &err)

	file, err := s.files.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	obj, err := s.blobs.Get(ctx, file.BucketName, file.ObjectKey)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.log.Warn().
				Str("id", id).
				Str("object_key", file.ObjectKey).
				Msg("record points at a missing object")
		}
		return nil, fmt.Errorf("open object: %w", err)
	}

	return &domain.FileDownload{
		File:        file,
		Body:        &transferReader{body: obj, expected: file.Size},
		Disposition: disposition,
	}, nil
}

// Presign returns a time-limited direct link to the file's blob.
func (s *FileService) Presign(ctx context.Context, id string) (url string, err error) {
	defer s.observe("presign", time.Now(), &err)

	file, err := s.files.GetByID(ctx, id)
	if err != nil {
		return "", err
	}

	url, err = s.blobs.Presign(ctx, file.BucketName, file.ObjectKey, s.presignTTL, file.MIMEType)
	if err != nil {
		return "", fmt.Errorf("presign object: %w", err)
	}
	return url, nil
}

// Update replaces the file content and/or its metadata. New content is
// written under a fresh key before the record is switched over; the old
// blob is removed only after the record commit.
func (s *FileService) Update(ctx context.Context, id string, in domain.FileReplace) (file *domain.FileRecord, err error) {
	defer s.observe("update", time.Now(), &err)

	current, err := s.files.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if in.Body == nil {
		return s.updateMetadata(ctx, current, in)
	}

	filename := current.Filename
	if strings.TrimSpace(in.Filename) != "" {
		if filename, err = sanitizeFilename(in.Filename); err != nil {
			return nil, err
		}
	}
	if err = s.checkSize(in.Size); err != nil {
		return nil, err
	}
	mimeType := normalizeMIMEType(in.MIMEType)

	newKey := objectKey(id, filename)
	if newKey == current.ObjectKey {
		newKey = revisionKey(id, filename)
	}

	if err = s.blobs.Put(ctx, current.BucketName, newKey, newSizeGuard(ctx, in.Body, in.Size), in.Size, mimeType); err != nil {
		return nil, fmt.Errorf("store object: %w", err)
	}
	s.metrics.UploadBytesTotal.Add(float64(in.Size))

	size := in.Size
	file, err = s.files.Update(ctx, id, domain.FileUpdate{
		Filename:          &filename,
		MIMEType:          &mimeType,
		Size:              &size,
		ObjectKey:         &newKey,
		ExpectedObjectKey: &current.ObjectKey,
	})
	if err != nil {
		s.compensate(ctx, current.BucketName, newKey, id, err)
		return nil, fmt.Errorf("update record: %w", err)
	}

	rmCtx, cancel := detached(ctx)
	defer cancel()
	if rmErr := s.blobs.Remove(rmCtx, current.BucketName, current.ObjectKey); rmErr != nil {
		s.reportOrphan(domain.OrphanResource{
			Kind:      domain.OrphanBlob,
			Bucket:    current.BucketName,
			ObjectKey: current.ObjectKey,
			RecordID:  id,
			Cause:     rmErr,
		})
	}

	s.log.Info().
		Str("id", id).
		Str("object_key", newKey).
		Str("previous_key", current.ObjectKey).
		Int64("size", size).
		Msg("file replaced")
	return file, nil
}

func (s *FileService) updateMetadata(ctx context.Context, current *domain.FileRecord, in domain.FileReplace) (*domain.FileRecord, error) {
	var upd domain.FileUpdate
	if strings.TrimSpace(in.Filename) != "" {
		filename, err := sanitizeFilename(in.Filename)
		if err != nil {
			return nil, err
		}
		if filename != current.Filename {
			upd.Filename = &filename
		}
	}
	// The content type belongs to the stored object and only changes with it.
	if mimeType := strings.TrimSpace(in.MIMEType); mimeType != "" && mimeType != current.MIMEType {
		return nil, fmt.Errorf("%w: mimetype can only change together with new content", domain.ErrInvalidArgument)
	}
	if upd.Empty() {
		return current, nil
	}

	return s.files.Update(ctx, current.ID, upd)
}

// Delete removes the blob and then the record. A failed blob removal keeps
// the record so nothing ever points at a removed blob.
func (s *FileService) Delete(ctx context.Context, id string) (err error) {
	defer s.observe("delete", time.Now(), &err)

	file, err := s.files.GetByID(ctx, id)
	if err != nil {
		return err
	}

	if err = s.blobs.Remove(ctx, file.BucketName, file.ObjectKey); err != nil {
		return fmt.Errorf("remove object: %w", err)
	}

	if err = s.files.Delete(ctx, id, file.ObjectKey); err != nil {
		// A concurrent update that switched the record to a new blob leaves
		// a valid record behind; only other failures strand it.
		if !errors.Is(err, domain.ErrNotFound) && !errors.Is(err, domain.ErrConflict) {
			s.reportOrphan(domain.OrphanResource{
				Kind:      domain.OrphanRecord,
				Bucket:    file.BucketName,
				ObjectKey: file.ObjectKey,
				RecordID:  id,
				Cause:     err,
			})
		}
		return fmt.Errorf("delete record: %w", err)
	}

	s.log.Info().Str("id", id).Str("object_key", file.ObjectKey).Msg("file deleted")
	return nil
}

// Health checks that both backends are reachable and the bucket exists.
func (s *FileService) Health(ctx context.Context) error {
	if err := s.files.Ping(ctx); err != nil {
		return fmt.Errorf("metadata store: %w", err)
	}
	exists, err := s.blobs.Exists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("blob store: %w", err)
	}
	if !exists {
		return fmt.Errorf("%w: bucket %s does not exist", domain.ErrUnavailable, s.bucket)
	}
	return nil
}

// compensate removes a blob whose record write failed. It runs once, on a
// context detached from the caller's cancellation.
func (s *FileService) compensate(ctx context.Context, bucket, key, id string, cause error) {
	ctx, cancel := detached(ctx)
	defer cancel()

	if err := s.blobs.Remove(ctx, bucket, key); err != nil {
		s.reportOrphan(domain.OrphanResource{
			Kind:      domain.OrphanBlob,
			Bucket:    bucket,
			ObjectKey: key,
			RecordID:  id,
			Cause:     err,
		})
		return
	}

	s.log.Warn().
		Err(cause).
		Str("id", id).
		Str("object_key", key).
		Msg("record write failed, object removed")
}

func (s *FileService) reportOrphan(o domain.OrphanResource) {
	s.metrics.Orphan(o.Kind)
	s.log.Error().
		Err(o.Cause).
		Str("orphan", string(o.Kind)).
		Str("bucket", o.Bucket).
		Str("object_key", o.ObjectKey).
		Str("id", o.RecordID).
		Msg("orphaned resource left for reconciliation")
}

func (s *FileService) observe(op string, start time.Time, err *error) {
	s.metrics.Observe(op, start, *err)
}

func (s *FileService) checkSize(size int64) error {
	if size < 0 {
		return fmt.Errorf("%w: negative size %d", domain.ErrInvalidArgument, size)
	}
	if s.maxUploadBytes > 0 && size > s.maxUploadBytes {
		return fmt.Errorf("%w: file exceeds max size of %d bytes", domain.ErrInvalidArgument, s.maxUploadBytes)
	}
	return nil
}

func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
}

func objectKey(id, filename string) string {
	return id + "-" + filename
}

// revisionKey keeps a replacement with an unchanged filename from
// overwriting the blob the record still points at.
func revisionKey(id, filename string) string {
	return id + "-" + strconv.FormatInt(time.Now().UnixNano(), 36) + "-" + filename
}

// sanitizeFilename strips directory components and control characters.
func sanitizeFilename(name string) (string, error) {
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)
	name = path.Base(strings.ReplaceAll(strings.TrimSpace(name), `\`, "/"))
	if name == "." || name == ".." || name == "/" || name == "" {
		return "", fmt.Errorf("%w: filename is required", domain.ErrInvalidArgument)
	}
	return name, nil
}

func normalizeMIMEType(mimeType string) string {
	if mimeType = strings.TrimSpace(mimeType); mimeType == "" {
		return domain.DefaultMIMEType
	}
	return mimeType
}
