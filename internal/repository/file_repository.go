package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"filevault/internal/domain"
)

const recordColumns = `id, filename, mimetype, size, bucket_name, object_key, url, upload_date, updated_at`

type FileRepository struct {
	db *sqlx.DB
}

func NewFileRepository(db *sqlx.DB) *FileRepository {
	return &FileRepository{db: db}
}

func (r *FileRepository) Create(ctx context.Context, file *domain.FileRecord) (*domain.FileRecord, error) {
	query := `
        INSERT INTO files (id, filename, mimetype, size, bucket_name, object_key, url)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        RETURNING upload_date, updated_at`

	created := *file
	err := r.db.QueryRowContext(
		ctx,
		query,
		file.ID,
		file.Filename,
		file.MIMEType,
		file.Size,
		file.BucketName,
		file.ObjectKey,
		file.URL,
	).Scan(&created.UploadDate, &created.UpdatedAt)
	if err != nil {
		return nil, classify("create file", err)
	}

	return &created, nil
}

func (r *FileRepository) GetByID(ctx context.Context, id string) (*domain.FileRecord, error) {
	var file domain.FileRecord
	query := `SELECT ` + recordColumns + ` FROM files WHERE id = $1`

	if err := r.db.GetContext(ctx, &file, query, id); err != nil {
		return nil, classify("get file", err)
	}

	return &file, nil
}

// List returns the public projection of every record, oldest first.
func (r *FileRepository) List(ctx context.Context) ([]domain.FileInfo, error) {
	files := []domain.FileInfo{}
	query := `SELECT id, filename, mimetype, size, upload_date, url FROM files ORDER BY upload_date, id`

	if err := r.db.SelectContext(ctx, &files, query); err != nil {
		return nil, classify("list files", err)
	}

	return files, nil
}

// Update applies the non-nil fields of upd in a single statement.
func (r *FileRepository) Update(ctx context.Context, id string, upd domain.FileUpdate) (*domain.FileRecord, error) {
	if upd.Empty() {
		return r.GetByID(ctx, id)
	}

	var (
		sets []string
		args = []any{id}
	)
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if upd.Filename != nil {
		add("filename", *upd.Filename)
	}
	if upd.MIMEType != nil {
		add("mimetype", *upd.MIMEType)
	}
	if upd.Size != nil {
		add("size", *upd.Size)
	}
	if upd.ObjectKey != nil {
		add("object_key", *upd.ObjectKey)
	}

	where := "id = $1"
	if upd.ExpectedObjectKey != nil {
		args = append(args, *upd.ExpectedObjectKey)
		where += fmt.Sprintf(" AND object_key = $%d", len(args))
	}

	query := fmt.Sprintf(
		`UPDATE files SET %s, updated_at = CURRENT_TIMESTAMP WHERE %s RETURNING %s`,
		strings.Join(sets, ", "), where, recordColumns,
	)

	var file domain.FileRecord
	err := r.db.GetContext(ctx, &file, query, args...)
	if errors.Is(err, sql.ErrNoRows) && upd.ExpectedObjectKey != nil {
		return nil, r.missingOrMoved(ctx, id)
	}
	if err != nil {
		return nil, classify("update file", err)
	}

	return &file, nil
}

// missingOrMoved tells a vanished record apart from one whose object key
// was changed by a concurrent update.
func (r *FileRepository) missingOrMoved(ctx context.Context, id string) error {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM files WHERE id = $1)`, id)
	if err != nil {
		return classify("update file", err)
	}
	if exists {
		return fmt.Errorf("%w: file %s was modified concurrently", domain.ErrConflict, id)
	}
	return fmt.Errorf("%w: file %s", domain.ErrNotFound, id)
}

// Delete removes the record. A non-empty objectKey makes the delete
// conditional on the record still pointing at that key.
func (r *FileRepository) Delete(ctx context.Context, id, objectKey string) error {
	query, args := `DELETE FROM files WHERE id = $1`, []any{id}
	if objectKey != "" {
		query += ` AND object_key = $2`
		args = append(args, objectKey)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return classify("delete file", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return classify("delete file", err)
	}
	if n == 0 {
		if objectKey != "" {
			return r.missingOrMoved(ctx, id)
		}
		return fmt.Errorf("%w: file %s", domain.ErrNotFound, id)
	}

	return nil
}

func (r *FileRepository) Ping(ctx context.Context) error {
	return classify("ping", r.db.PingContext(ctx))
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, op)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "23505":
			return fmt.Errorf("%w: %s: %w", domain.ErrConflict, op, err)
		case pqErr.Code.Class() == "22" || pqErr.Code.Class() == "23":
			return fmt.Errorf("%w: %s: %w", domain.ErrInvalidArgument, op, err)
		}
	}

	return fmt.Errorf("%w: %s: %w", domain.ErrUnavailable, op, err)
}
