package errors

import (
	"errors"
	"fmt"
)

// PkgError is the structured error type for pkgsearch.
// It provides rich context for error handling, logging, and user presentation.
type PkgError struct {
	// Code is the unique error code (e.g., "ERR_201_STORAGE").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (Config, Storage, Catalog, etc.).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool

	// Suggestion is an actionable suggestion for the user.
	Suggestion string
}

// Error implements the error interface.
func (e *PkgError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *PkgError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error by code.
// This enables errors.Is() to work with PkgError.
func (e *PkgError) Is(target error) bool {
	if t, ok := target.(*PkgError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
// Returns the error for method chaining.
func (e *PkgError) WithDetail(key, value string) *PkgError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithSuggestion adds an actionable suggestion for the user.
// Returns the error for method chaining.
func (e *PkgError) WithSuggestion(suggestion string) *PkgError {
	e.Suggestion = suggestion
	return e
}

// New creates a new PkgError with the given code and message.
// Category, severity, and retryable flag are derived from the code.
func New(code string, message string, cause error) *PkgError {
	return &PkgError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Sentinels usable as errors.Is targets. Matching is by code only.
var (
	ErrStorage            = &PkgError{Code: ErrCodeStorage}
	ErrIndexCorruption    = &PkgError{Code: ErrCodeCorruptIndex}
	ErrCatalogUnavailable = &PkgError{Code: ErrCodeCatalogUnavailable}
	ErrUpdateInProgress   = &PkgError{Code: ErrCodeUpdateInProgress}
	ErrIndexLocked        = &PkgError{Code: ErrCodeIndexLocked}
)

// StorageError creates an index or checkpoint I/O error.
// The update pass that hits it aborts without advancing the checkpoint.
func StorageError(message string, cause error) *PkgError {
	return New(ErrCodeStorage, message, cause)
}

// IndexCorruptionError reports a matched document that cannot be mapped back
// to a catalog key.
func IndexCorruptionError(message string, cause error) *PkgError {
	return New(ErrCodeCorruptIndex, message, cause).
		WithSuggestion("Delete the index directory and run 'pkgsearch update' to rebuild it")
}

// CatalogUnavailableError reports a failed catalog fetch.
func CatalogUnavailableError(message string, cause error) *PkgError {
	return New(ErrCodeCatalogUnavailable, message, cause).
		WithSuggestion("Check catalog.dsn; the next scheduled update retries from the last checkpoint")
}

// ConfigError creates a configuration-related error.
func ConfigError(message string, cause error) *PkgError {
	return New(ErrCodeConfigInvalid, message, cause)
}

// ValidationError creates a validation-related error.
func ValidationError(message string, cause error) *PkgError {
	return New(ErrCodeInvalidInput, message, cause)
}

// InternalError creates an internal error.
func InternalError(message string, cause error) *PkgError {
	return New(ErrCodeInternal, message, cause)
}

// IsRetryable checks if an error is retryable.
// Returns true if the error chain contains a PkgError with Retryable set.
func IsRetryable(err error) bool {
	var pe *PkgError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// IsFatal checks if an error has fatal severity.
// Fatal errors should abort the current operation.
func IsFatal(err error) bool {
	var pe *PkgError
	if errors.As(err, &pe) {
		return pe.Severity == SeverityFatal
	}
	return false
}

// GetCode extracts the error code from a PkgError.
// Returns empty string if the chain holds no PkgError.
func GetCode(err error) string {
	var pe *PkgError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// GetCategory extracts the category from a PkgError.
func GetCategory(err error) Category {
	var pe *PkgError
	if errors.As(err, &pe) {
		return pe.Category
	}
	return ""
}
