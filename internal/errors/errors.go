// Package errors defines the error taxonomy of the S3 file storage layer.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// FileStoreError is a file storage failure with a machine-readable code,
// human-readable message, the HTTP status used when surfacing it through the
// HTTP API, the offending object key and optional extra fields.
type FileStoreError struct {
	// Code identifies the error kind (e.g., "InvalidRange", "NotEliminated").
	Code string
	// Message is a human-readable description of the error.
	Message string
	// HTTPStatus is the HTTP status code used by the HTTP API.
	HTTPStatus int
	// Key is the object key (or file name) the error refers to, if any.
	Key string
	// ExtraFields holds additional key-value context such as offsets and sizes.
	ExtraFields map[string]string
	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface for FileStoreError.
func (e *FileStoreError) Error() string {
	msg := e.Code + ": " + e.Message
	if e.Key != "" {
		msg += " (key " + strconv.Quote(e.Key) + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *FileStoreError) Unwrap() error {
	return e.Err
}

// Is reports whether target is a FileStoreError with the same code, so that
// errors.Is(err, ErrInvalidRange) matches any invalid range error.
func (e *FileStoreError) Is(target error) bool {
	t, ok := target.(*FileStoreError)
	return ok && t.Code == e.Code
}

// WithKey returns a copy of the error referring to the given key.
func (e *FileStoreError) WithKey(key string) *FileStoreError {
	cp := *e
	cp.Key = key
	return &cp
}

// WithExtra returns a copy of the error with the given extra field set.
func (e *FileStoreError) WithExtra(key, value string) *FileStoreError {
	cp := *e
	cp.ExtraFields = make(map[string]string, len(e.ExtraFields)+1)
	for k, v := range e.ExtraFields {
		cp.ExtraFields[k] = v
	}
	cp.ExtraFields[key] = value
	return &cp
}

// WithMessage returns a copy of the error with a more specific message.
func (e *FileStoreError) WithMessage(format string, args ...any) *FileStoreError {
	cp := *e
	cp.Message = fmt.Sprintf(format, args...)
	return &cp
}

// Wrap returns a copy of the error caused by err.
func (e *FileStoreError) Wrap(err error) *FileStoreError {
	cp := *e
	cp.Err = err
	return &cp
}

// Pre-defined file storage errors.
var (
	// ErrIO is returned for local spooling and stream failures.
	ErrIO = &FileStoreError{
		Code:       "IOError",
		Message:    "An I/O error occurred",
		HTTPStatus: http.StatusInternalServerError,
	}

	// ErrStoreClient is returned for transport-level failures talking to the object store.
	ErrStoreClient = &FileStoreError{
		Code:       "StoreClientError",
		Message:    "The object store could not be reached",
		HTTPStatus: http.StatusBadGateway,
	}

	// ErrStoreService is returned when the object store rejected a request.
	ErrStoreService = &FileStoreError{
		Code:       "StoreServiceError",
		Message:    "The object store rejected the request",
		HTTPStatus: http.StatusBadGateway,
	}

	// ErrFileNotFound is returned when the requested file does not exist.
	ErrFileNotFound = &FileStoreError{
		Code:       "FileNotFound",
		Message:    "The specified file does not exist",
		HTTPStatus: http.StatusNotFound,
	}

	// ErrInvalidRange is returned for unsatisfiable byte ranges.
	ErrInvalidRange = &FileStoreError{
		Code:       "InvalidRange",
		Message:    "The requested range is not satisfiable",
		HTTPStatus: http.StatusRequestedRangeNotSatisfiable,
	}

	// ErrInvalidOffset is returned when an append offset does not match the file length.
	ErrInvalidOffset = &FileStoreError{
		Code:       "InvalidOffset",
		Message:    "The offset does not match the current file length",
		HTTPStatus: http.StatusConflict,
	}

	// ErrInvalidLength is returned when a file length cannot be applied.
	ErrInvalidLength = &FileStoreError{
		Code:       "InvalidLength",
		Message:    "The file length can only be shortened",
		HTTPStatus: http.StatusBadRequest,
	}

	// ErrNotANumber is returned when numeric object metadata is corrupt.
	ErrNotANumber = &FileStoreError{
		Code:       "NotANumber",
		Message:    "Object metadata does not hold a valid number",
		HTTPStatus: http.StatusInternalServerError,
	}

	// ErrNotEliminated is returned when a bulk removal did not converge.
	ErrNotEliminated = &FileStoreError{
		Code:       "NotEliminated",
		Message:    "Not all files could be removed",
		HTTPStatus: http.StatusInternalServerError,
	}

	// ErrBucketCreationFailed is returned when the bucket cannot be created in the region.
	ErrBucketCreationFailed = &FileStoreError{
		Code:       "BucketCreationFailed",
		Message:    "The bucket could not be created",
		HTTPStatus: http.StatusInternalServerError,
	}

	// ErrAborted is returned when an upload is cancelled between parts.
	ErrAborted = &FileStoreError{
		Code:       "Aborted",
		Message:    "Upload to S3 aborted",
		HTTPStatus: http.StatusServiceUnavailable,
	}

	// ErrInvalidArgument is returned for malformed arguments such as foreign keys.
	ErrInvalidArgument = &FileStoreError{
		Code:       "InvalidArgument",
		Message:    "Invalid argument",
		HTTPStatus: http.StatusBadRequest,
	}
)

// InvalidRange builds an invalid range error carrying the request and the actual size.
func InvalidRange(offset, length int64, name string, size int64, cause error) *FileStoreError {
	e := ErrInvalidRange.
		WithMessage("Invalid range (offset %d, length %d) for file %q of size %d", offset, length, name, size).
		WithKey(name).
		WithExtra("offset", strconv.FormatInt(offset, 10)).
		WithExtra("length", strconv.FormatInt(length, 10)).
		WithExtra("size", strconv.FormatInt(size, 10))
	if cause != nil {
		e = e.Wrap(cause)
	}
	return e
}

// InvalidOffset builds an invalid offset error for an append at the wrong position.
func InvalidOffset(offset int64, name string, size int64) *FileStoreError {
	return ErrInvalidOffset.
		WithMessage("Invalid offset %d for file %q of size %d", offset, name, size).
		WithKey(name).
		WithExtra("offset", strconv.FormatInt(offset, 10)).
		WithExtra("size", strconv.FormatInt(size, 10))
}

// IO wraps a local I/O failure.
func IO(err error) *FileStoreError {
	return ErrIO.WithMessage("%s", err.Error()).Wrap(err)
}

// Wrap translates an object store error into a FileStoreError for key.
// Errors that already are FileStoreErrors are returned unchanged.
func Wrap(err error, key string) error {
	if err == nil {
		return nil
	}
	var fe *FileStoreError
	if errors.As(err, &fe) {
		return err
	}
	if IsNotFound(err) {
		return ErrFileNotFound.WithKey(key).Wrap(err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return ErrStoreService.
			WithMessage("%s: %s", apiErr.ErrorCode(), apiErr.ErrorMessage()).
			WithKey(key).
			WithExtra("code", apiErr.ErrorCode()).
			Wrap(err)
	}
	return ErrStoreClient.WithKey(key).Wrap(err)
}

// IsNotFound reports whether err is a 404/NoSuchKey/NotFound store error.
// A missing bucket is not a missing object.
func IsNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "404":
			return true
		case "NoSuchBucket":
			return false
		}
	}
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	return HTTPStatusCode(err) == http.StatusNotFound
}

// IsBucketNotFound reports whether err from a bucket call means the bucket
// does not exist.
func IsBucketNotFound(err error) bool {
	return IsNotFound(err) || HasCode(err, "NoSuchBucket")
}

// HasCode reports whether err is a store API error with the given code.
func HasCode(err error, code string) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == code
}

// HTTPStatusCode returns the HTTP status carried by a store error, or 0.
func HTTPStatusCode(err error) int {
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode()
	}
	return 0
}
