package domain

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrUnavailable     = errors.New("backend unavailable")
	ErrConflict        = errors.New("conflict")
	// ErrTransfer marks a failure after the content stream was handed to the caller.
	ErrTransfer = errors.New("transfer interrupted")
)

// OrphanKind names the side that lost its counterpart.
type OrphanKind string

const (
	OrphanBlob   OrphanKind = "blob"
	OrphanRecord OrphanKind = "record"
)

// OrphanResource describes a blob without a record, or a record whose blob
// is gone, left behind by a failed compensating action.
type OrphanResource struct {
	Kind      OrphanKind
	Bucket    string
	ObjectKey string
	RecordID  string
	Cause     error
}
