// Package errors provides structured error handling for pkgsearch.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors
//   - 2XX: Storage errors (index directory, checkpoint marker)
//   - 3XX: Catalog errors
//   - 4XX: Validation errors
//   - 5XX: Internal errors
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration-related errors.
	CategoryConfig Category = "CONFIG"
	// CategoryStorage indicates index or checkpoint I/O errors.
	CategoryStorage Category = "STORAGE"
	// CategoryCatalog indicates failures talking to the package catalog.
	CategoryCatalog Category = "CATALOG"
	// CategoryValidation indicates input validation errors.
	CategoryValidation Category = "VALIDATION"
	// CategoryInternal indicates unexpected internal errors.
	CategoryInternal Category = "INTERNAL"
)

// Severity defines error severity levels.
type Severity string

const (
	// SeverityFatal indicates unrecoverable error, must abort.
	SeverityFatal Severity = "FATAL"
	// SeverityError indicates operation failed but can continue.
	SeverityError Severity = "ERROR"
	// SeverityWarning indicates degraded operation, continuing.
	SeverityWarning Severity = "WARNING"
	// SeverityInfo indicates informational only.
	SeverityInfo Severity = "INFO"
)

// Error codes organized by category.
const (
	// Config errors (100-199)
	ErrCodeConfigInvalid = "ERR_102_CONFIG_INVALID"

	// Storage errors (200-299)
	ErrCodeStorage      = "ERR_201_STORAGE"
	ErrCodeIndexLocked  = "ERR_202_INDEX_LOCKED"
	ErrCodeCorruptIndex = "ERR_205_CORRUPT_INDEX"

	// Catalog errors (300-399)
	ErrCodeCatalogUnavailable = "ERR_302_CATALOG_UNAVAILABLE"

	// Validation errors (400-499)
	ErrCodeInvalidInput = "ERR_401_INVALID_INPUT"

	// Internal errors (500-599)
	ErrCodeInternal         = "ERR_501_INTERNAL"
	ErrCodeUpdateInProgress = "ERR_507_UPDATE_IN_PROGRESS"
)

// categoryFromCode extracts category from error code.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryInternal
	}

	// Extract numeric portion (e.g., "201" from "ERR_201_STORAGE")
	numStr := code[4:7]

	switch numStr[0] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryStorage
	case '3':
		return CategoryCatalog
	case '4':
		return CategoryValidation
	default:
		return CategoryInternal
	}
}

// severityFromCode determines severity based on error code.
func severityFromCode(code string) Severity {
	switch code {
	case ErrCodeCorruptIndex:
		return SeverityFatal
	}

	// Retryable errors get warning severity, the next scheduled pass picks them up
	if isRetryableCode(code) {
		return SeverityWarning
	}

	return SeverityError
}

// isRetryableCode checks if an error code represents a retryable error.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeCatalogUnavailable, ErrCodeUpdateInProgress, ErrCodeIndexLocked:
		return true
	default:
		return false
	}
}
