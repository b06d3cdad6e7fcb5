package errors

import (
	stderrors "errors"
	"fmt"
)

var (
	// ErrStorageQuotaExceeded is returned when the document store refuses a write
	// because its capacity is exhausted. The result was NOT saved.
	ErrStorageQuotaExceeded = stderrors.New("storage quota exceeded: result was not saved, delete older results or raise the quota")

	// ErrNothingSaved is returned by a multi-output create when every output failed.
	ErrNothingSaved = stderrors.New("no output could be saved")

	// ErrInvalidID is returned when an id cannot name a stored result
	ErrInvalidID = stderrors.New("invalid result id")

	// ErrUnsupportedMedia is returned when a payload is neither a known image
	// nor a known video type and cannot be stored as a listable file
	ErrUnsupportedMedia = stderrors.New("unsupported media type")
)

// FetchError reports that a remote payload could not be retrieved
type FetchError struct {
	Ref        string // URL that was requested
	StatusCode int    // HTTP status, 0 for transport failures
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: unexpected status %d", e.Ref, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.Ref, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// MetadataCorruptError reports sidecar or index metadata that is present but unparsable
type MetadataCorruptError struct {
	Source string // file name or index path
	Err    error
}

func (e *MetadataCorruptError) Error() string {
	return fmt.Sprintf("corrupt metadata in %s: %v", e.Source, e.Err)
}

func (e *MetadataCorruptError) Unwrap() error {
	return e.Err
}

// FileMissingError reports metadata that references a file no longer on disk
type FileMissingError struct {
	Path string
}

func (e *FileMissingError) Error() string {
	return fmt.Sprintf("file missing: %s", e.Path)
}

// WriteFailureError reports a failed metadata write in file-system mode.
// Stage is "sidecar" or "index".
type WriteFailureError struct {
	Path  string
	Stage string
	Err   error
}

func (e *WriteFailureError) Error() string {
	return fmt.Sprintf("%s write failed for %s: %v", e.Stage, e.Path, e.Err)
}

func (e *WriteFailureError) Unwrap() error {
	return e.Err
}

// IsFetchError reports whether err is or wraps a *FetchError
func IsFetchError(err error) bool {
	var fe *FetchError
	return stderrors.As(err, &fe)
}

// IsQuotaExceeded reports whether err is or wraps ErrStorageQuotaExceeded
func IsQuotaExceeded(err error) bool {
	return stderrors.Is(err, ErrStorageQuotaExceeded)
}
