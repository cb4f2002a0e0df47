// Package errors provides the structured error taxonomy for LodgeDB.
// Every error carries a kind, a code, and a message so callers can branch
// on the class of failure without string matching.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an error by its contract meaning, not by the component
// that produced it.
type Kind string

const (
	// KindConstraintViolation covers unique key collisions, missing
	// foreign-key targets, failed check constraints, and restrict-deletes
	// with live references.
	KindConstraintViolation Kind = "CONSTRAINT_VIOLATION"

	// KindNotFound covers updates/deletes of absent keys and lookups of
	// undefined indexes or partitions.
	KindNotFound Kind = "NOT_FOUND"

	// KindResourceExhausted is returned when a memory-bounded join or sort
	// exceeds its configured limit.
	KindResourceExhausted Kind = "RESOURCE_EXHAUSTED"

	// KindInvalidRange is returned when an overlapping or malformed
	// partition range is declared.
	KindInvalidRange Kind = "INVALID_RANGE"

	// KindInternal covers unexpected failures (catalog I/O, storage).
	KindInternal Kind = "INTERNAL"
)

// Codes refine a kind with the concrete failure inside that kind.
const (
	CodeDuplicateKey      = "DUPLICATE_KEY"
	CodeMissingReference  = "MISSING_REFERENCE"
	CodeCheckFailed       = "CHECK_FAILED"
	CodeRestrictedDelete  = "RESTRICTED_DELETE"
	CodeNullNotAllowed    = "NULL_NOT_ALLOWED"
	CodeTypeMismatch      = "TYPE_MISMATCH"
	CodeUnknownTable      = "UNKNOWN_TABLE"
	CodeUnknownColumn     = "UNKNOWN_COLUMN"
	CodeUnknownIndex      = "UNKNOWN_INDEX"
	CodeUnknownPartition  = "UNKNOWN_PARTITION"
	CodeRowNotFound       = "ROW_NOT_FOUND"
	CodeMemoryBudget      = "MEMORY_BUDGET_EXCEEDED"
	CodeOverlappingRange  = "OVERLAPPING_RANGE"
	CodeMalformedRange    = "MALFORMED_RANGE"
	CodeCatalogFailure    = "CATALOG_FAILURE"
	CodeStorageFailure    = "STORAGE_FAILURE"
	CodeSegmentCorrupted  = "SEGMENT_CORRUPTED"
	CodeUnexpected        = "UNEXPECTED"
)

// Error is the structured error type used throughout the engine.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error returns a formatted error string.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Kind, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Kind, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error's kind (and code, when the
// target specifies one). Sentinel targets with an empty code match every
// error of the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		if t.Code == "" {
			return e.Kind == t.Kind
		}
		return e.Kind == t.Kind && e.Code == t.Code
	}
	return false
}

// WithDetails returns a copy of the error with additional details attached.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

// Kind sentinels for errors.Is checks.
var (
	ErrConstraintViolation = &Error{Kind: KindConstraintViolation}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrResourceExhausted   = &Error{Kind: KindResourceExhausted}
	ErrInvalidRange        = &Error{Kind: KindInvalidRange}
)

// New creates a new Error.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Newf creates a new Error with a formatted message.
func Newf(kind Kind, code, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a new Error wrapping an existing cause.
func Wrap(kind Kind, code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Cause: cause}
}

// IsConstraintViolation reports whether err is any constraint violation.
func IsConstraintViolation(err error) bool {
	return errors.Is(err, ErrConstraintViolation)
}

// IsNotFound reports whether err is any not-found failure.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsResourceExhausted reports whether err is a resource-budget failure.
func IsResourceExhausted(err error) bool {
	return errors.Is(err, ErrResourceExhausted)
}

// IsInvalidRange reports whether err is a partition-range configuration failure.
func IsInvalidRange(err error) bool {
	return errors.Is(err, ErrInvalidRange)
}

// GetCode extracts the error code from an error chain. Returns the empty
// string when the error is not a structured Error.
func GetCode(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
