package domain

import (
	"io"
	"time"
)

// DefaultMIMEType is used when the client does not declare a content type.
const DefaultMIMEType = "application/octet-stream"

// FileRecord is the metadata row for one stored file.
type FileRecord struct {
	ID         string    `json:"id" db:"id"`
	Filename   string    `json:"filename" db:"filename"`
	MIMEType   string    `json:"mimetype" db:"mimetype"`
	Size       int64     `json:"size" db:"size"`
	BucketName string    `json:"bucketName" db:"bucket_name"`
	ObjectKey  string    `json:"path" db:"object_key"`
	URL        *string   `json:"url,omitempty" db:"url"`
	UploadDate time.Time `json:"uploadDate" db:"upload_date"`
	UpdatedAt  time.Time `json:"updatedAt" db:"updated_at"`
}

// FileInfo is the public projection returned by listings.
type FileInfo struct {
	ID         string    `json:"id" db:"id"`
	Filename   string    `json:"filename" db:"filename"`
	MIMEType   string    `json:"mimetype" db:"mimetype"`
	Size       int64     `json:"size" db:"size"`
	UploadDate time.Time `json:"uploadDate" db:"upload_date"`
	URL        *string   `json:"url,omitempty" db:"url"`
}

// FileUpdate carries the fields to change on a record. Nil fields are left alone.
type FileUpdate struct {
	Filename  *string
	MIMEType  *string
	Size      *int64
	ObjectKey *string

	// ExpectedObjectKey, when set, makes the update fail with ErrConflict
	// unless the stored object key still equals it.
	ExpectedObjectKey *string
}

// Empty reports whether the update changes nothing.
func (u FileUpdate) Empty() bool {
	return u.Filename == nil && u.MIMEType == nil && u.Size == nil && u.ObjectKey == nil
}

// FileUpload describes an incoming file.
type FileUpload struct {
	Body     io.Reader
	Filename string
	MIMEType string
	Size     int64
}

// FileReplace describes an update request. Body is nil for metadata-only updates.
type FileReplace struct {
	Body     io.Reader
	Filename string
	MIMEType string
	Size     int64
}

// Disposition tells the presentation layer how the payload should be rendered.
type Disposition string

const (
	DispositionAttachment Disposition = "attachment"
	DispositionInline     Disposition = "inline"
)

// FileDownload is a record paired with its open content stream.
// The caller must close Body.
type FileDownload struct {
	File        *FileRecord
	Body        io.ReadCloser
	Disposition Disposition
}
