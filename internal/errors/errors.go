// Package errors provides structured error types for colspec.
// All errors include a category, code, message, and retryable flag for
// consistent error handling across components. Broken structural contracts
// are not errors: they panic through Invariant.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by system component.
type ErrorCategory string

const (
	ErrCategorySchema      ErrorCategory = "SCHEMA"
	ErrCategoryKeyPath     ErrorCategory = "KEYPATH"
	ErrCategorySnapshot    ErrorCategory = "SNAPSHOT"
	ErrCategoryStorage     ErrorCategory = "STORAGE"
	ErrCategoryCatalog     ErrorCategory = "CATALOG"
	ErrCategoryReplication ErrorCategory = "REPLICATION"
	ErrCategoryInternal    ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Schema codes
	CodeTableExists    = "TABLE_EXISTS"
	CodeTableNotFound  = "TABLE_NOT_FOUND"
	CodeColumnNotFound = "COLUMN_NOT_FOUND"
	CodeInvalidType    = "INVALID_TYPE"
	CodeReplication    = "REPLICATION_FAILED"

	// Key path codes
	CodeNoProperty = "NO_PROPERTY"
	CodeNotALink   = "NOT_A_LINK"
	CodeNotAList   = "NOT_A_LIST"
	CodeEmptyPath  = "EMPTY_PATH"
	CodeAliasLoop  = "ALIAS_LOOP"

	// Snapshot codes
	CodeCorruptionDetected = "CORRUPTION_DETECTED"
	CodeChecksumMismatch   = "CHECKSUM_MISMATCH"
	CodeUnsupportedVersion = "UNSUPPORTED_VERSION"

	// Storage codes
	CodeUploadFailed   = "UPLOAD_FAILED"
	CodeDownloadFailed = "DOWNLOAD_FAILED"
	CodeObjectNotFound = "OBJECT_NOT_FOUND"

	// Catalog codes
	CodeSnapshotNotFound = "SNAPSHOT_NOT_FOUND"
	CodeCatalogWrite     = "CATALOG_WRITE_FAILED"

	// Internal codes
	CodeUnexpected         = "UNEXPECTED"
	CodeInvariantViolation = "INVARIANT_VIOLATION"
)

// ColspecError is the structured error type used throughout the module.
type ColspecError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *ColspecError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *ColspecError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *ColspecError) Is(target error) bool {
	var t *ColspecError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new ColspecError.
func New(category ErrorCategory, code, message string) *ColspecError {
	return &ColspecError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new ColspecError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *ColspecError {
	return &ColspecError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *ColspecError) WithDetails(details map[string]interface{}) *ColspecError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var ce *ColspecError
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a ColspecError.
func GetCategory(err error) ErrorCategory {
	var ce *ColspecError
	if errors.As(err, &ce) {
		return ce.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a ColspecError.
func GetCode(err error) string {
	var ce *ColspecError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryStorage && code == CodeUploadFailed:
		return true
	case category == ErrCategoryStorage && code == CodeDownloadFailed:
		return true
	default:
		return false
	}
}

// Invariant panics with an INTERNAL/INVARIANT_VIOLATION error when cond is
// false. It guards structural contracts whose violation means a caller bug
// or corrupted storage.
func Invariant(cond bool, format string, args ...interface{}) {
	if cond {
		return
	}
	panic(New(ErrCategoryInternal, CodeInvariantViolation, fmt.Sprintf(format, args...)))
}

// Convenience constructors for common errors.

func NewSchemaError(code, message string) *ColspecError {
	return New(ErrCategorySchema, code, message)
}

func NewKeyPathError(code, message string) *ColspecError {
	return New(ErrCategoryKeyPath, code, message)
}

func NewSnapshotError(code, message string, cause error) *ColspecError {
	return Wrap(ErrCategorySnapshot, code, message, cause)
}

func NewStorageError(code, message string, cause error) *ColspecError {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewCatalogError(code, message string, cause error) *ColspecError {
	return Wrap(ErrCategoryCatalog, code, message, cause)
}

func NewReplicationError(code, message string, cause error) *ColspecError {
	return Wrap(ErrCategoryReplication, code, message, cause)
}

func NewInternalError(message string, cause error) *ColspecError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
