// errors.go - Error types shared by the store and its callers.
package filestore

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a name does not resolve to a stored file.
	ErrNotFound = errors.New("file not found")

	// ErrInvalidName is returned by SanitizeFilename when nothing usable is left.
	ErrInvalidName = errors.New("invalid file name")

	// ErrStorageUnavailable wraps failures to create or read the storage directory.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// Client facing reasons carried by ClientInputError.
const (
	ReasonNoFile       = "No file selected"
	ReasonTypeNotAllow = "File type not allowed"
	ReasonInvalidName  = "Invalid file name"
	ReasonReservedName = "File name is reserved"
	ReasonInterrupted  = "Upload interrupted"
	ReasonDuplicate    = "Duplicate file name in upload"
)

// ClientInputError reports a rejected upload part. Nothing was written for it.
type ClientInputError struct {
	Reason string
	Name   string // client supplied name, may be empty
	Err    error
}

func (e *ClientInputError) Error() string {
	if e.Name == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %q", e.Reason, e.Name)
}

func (e *ClientInputError) Unwrap() error { return e.Err }

// PartialIOError reports a disk failure while writing or committing one file.
// Files committed earlier in the same batch are left in place.
type PartialIOError struct {
	Name string
	Err  error
}

func (e *PartialIOError) Error() string {
	return fmt.Sprintf("write %s: %v", e.Name, e.Err)
}

func (e *PartialIOError) Unwrap() error { return e.Err }
