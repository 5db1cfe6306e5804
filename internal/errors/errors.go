package errors

import (
	stderrors "errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	ErrSessionNotFound     = stderrors.New("upload session not found")
	ErrAssetNotFound       = stderrors.New("asset not found")
	ErrQuotaExceeded       = stderrors.New("storage quota exceeded")
	ErrInvalidRequest      = stderrors.New("invalid request")
	ErrInvalidPartNumber   = stderrors.New("invalid part number")
	ErrInvalidState        = stderrors.New("upload is not in a valid state for this operation")
	ErrIncompleteUpload    = stderrors.New("upload is missing parts")
	ErrStatusConflict      = stderrors.New("upload status changed concurrently")
	ErrAssetNotReady       = stderrors.New("asset upload has not completed")
	ErrStoreCompleteFailed = stderrors.New("object store failed to complete the upload")
	ErrInvalidPartList     = stderrors.New("parts must be ascending and contiguous from 1")
	ErrAlreadyExists       = stderrors.New("record already exists")
	ErrQuotaAccounting     = stderrors.New("quota counters do not cover the requested bytes")
)

// InvalidRequestError carries the field that failed validation.
type InvalidRequestError struct {
	Field  string
	Reason string
}

func (e *InvalidRequestError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *InvalidRequestError) Is(target error) bool { return target == ErrInvalidRequest }

func InvalidField(field, reason string) error {
	return &InvalidRequestError{Field: field, Reason: reason}
}

type IncompleteUploadError struct {
	MissingParts []int32
}

func (e *IncompleteUploadError) Error() string {
	nums := make([]string, len(e.MissingParts))
	for i, p := range e.MissingParts {
		nums[i] = strconv.Itoa(int(p))
	}
	return fmt.Sprintf("%s: [%s]", ErrIncompleteUpload.Error(), strings.Join(nums, ","))
}

func (e *IncompleteUploadError) Is(target error) bool { return target == ErrIncompleteUpload }

type InvalidStateError struct {
	Status string
	Op     string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s upload in status %s", e.Op, e.Status)
}

func (e *InvalidStateError) Is(target error) bool { return target == ErrInvalidState }

type StoreErrorKind string

const (
	StoreTimeout      StoreErrorKind = "timeout"
	StoreNotFound     StoreErrorKind = "not_found"
	StoreAccessDenied StoreErrorKind = "access_denied"
	StoreConflict     StoreErrorKind = "conflict"
	StoreUnavailable  StoreErrorKind = "unavailable"
)

// StoreError is a failed object store call.
type StoreError struct {
	Op   string
	Kind StoreErrorKind
	Err  error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("object store %s failed (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Retryable reports whether repeating the same call may succeed.
func (e *StoreError) Retryable() bool {
	return e.Kind == StoreTimeout || e.Kind == StoreUnavailable
}

func IsStoreKind(err error, kind StoreErrorKind) bool {
	var se *StoreError
	return stderrors.As(err, &se) && se.Kind == kind
}

// IsRetryable reports whether err describes a transient failure.
func IsRetryable(err error) bool {
	var se *StoreError
	if stderrors.As(err, &se) {
		return se.Retryable()
	}
	return false
}
