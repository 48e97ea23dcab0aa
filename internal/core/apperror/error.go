// Package apperror provides structured error handling following RFC 7807 Problem Details.
// All engine errors surfaced to callers use AppError for consistent responses.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes
const (
	// Infrastructure errors (5xx)
	CodeInternal           = "INTERNAL_ERROR"
	CodeTransactionFailure = "TRANSACTION_FAILURE"

	// Validation errors (400)
	CodeValidation        = "VALIDATION_ERROR"
	CodeUnknownEntityType = "UNKNOWN_ENTITY_TYPE"

	// Business rule violations (422)
	CodeDeletionBlocked = "DELETION_BLOCKED"

	// Not found (404)
	CodeNotFound         = "NOT_FOUND"
	CodeManifestNotFound = "MANIFEST_NOT_FOUND"

	// Conflict (409)
	CodeConcurrentModification = "CONCURRENT_MODIFICATION"

	// SchemaMismatch is never returned to callers. Restore filters unknown
	// columns and reports them under this code in logs and audit details.
	CodeSchemaMismatch = "SCHEMA_MISMATCH"
)

// AppError is the standard error type for the platform.
// It implements error interface and provides structured details for API responses.
type AppError struct {
	// Code is a machine-readable error identifier
	Code string `json:"code"`

	// Message is a human-readable error description
	Message string `json:"message"`

	// Details contains additional context (reasons, keys, ids)
	Details map[string]any `json:"details,omitempty"`

	// HTTPStatus is the suggested HTTP status code
	HTTPStatus int `json:"-"`

	// Err is the underlying error (not exposed in JSON)
	Err error `json:"-"`
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetail adds a key-value pair to error details
func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause sets the underlying error
func (e *AppError) WithCause(err error) *AppError {
	e.Err = err
	return e
}

// --- Factory functions ---

// NewValidation creates a validation error (400)
func NewValidation(message string) *AppError {
	return &AppError{
		Code:       CodeValidation,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// NewUnknownEntityType is returned when an entity type has no definition,
// so its table cannot be located.
func NewUnknownEntityType(entityType string) *AppError {
	return &AppError{
		Code:       CodeUnknownEntityType,
		Message:    fmt.Sprintf("entity type %q is not defined", entityType),
		HTTPStatus: http.StatusBadRequest,
		Details:    map[string]any{"entity_type": entityType},
	}
}

// NewNotFound creates a not found error (404)
func NewNotFound(entity string, id any) *AppError {
	return &AppError{
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s not found", entity),
		HTTPStatus: http.StatusNotFound,
		Details:    map[string]any{"entity": entity, "id": id},
	}
}

// NewManifestNotFound creates an error for an unknown or already consumed deletion key (404)
func NewManifestNotFound(deletionKey string) *AppError {
	return &AppError{
		Code:       CodeManifestNotFound,
		Message:    "deletion manifest not found",
		HTTPStatus: http.StatusNotFound,
		Details:    map[string]any{"deletion_key": deletionKey},
	}
}

// NewDeletionBlocked carries every reason collected by the validator (422)
func NewDeletionBlocked(entityType string, id any, reasons []string) *AppError {
	return &AppError{
		Code:       CodeDeletionBlocked,
		Message:    fmt.Sprintf("%s cannot be deleted", entityType),
		HTTPStatus: http.StatusUnprocessableEntity,
		Details: map[string]any{
			"entity_type": entityType,
			"id":          id,
			"reasons":     reasons,
		},
	}
}

// NewConcurrentModification is returned when a row changed between selection and deletion (409)
func NewConcurrentModification(entity string, id any) *AppError {
	return &AppError{
		Code:       CodeConcurrentModification,
		Message:    "Record was modified by another transaction. Please retry.",
		HTTPStatus: http.StatusConflict,
		Details:    map[string]any{"entity": entity, "id": id},
	}
}

// NewTransactionFailure wraps a store error that aborted an atomic operation (500).
// The cause stays reachable through errors.Is/As.
func NewTransactionFailure(op string, err error) *AppError {
	return &AppError{
		Code:       CodeTransactionFailure,
		Message:    fmt.Sprintf("%s failed and was rolled back", op),
		HTTPStatus: http.StatusInternalServerError,
		Details:    map[string]any{"operation": op},
		Err:        err,
	}
}

// NewInternal creates an internal server error (hides details from client)
func NewInternal(err error) *AppError {
	return &AppError{
		Code:       CodeInternal,
		Message:    "Internal server error",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// --- Helper functions ---

// IsAppError checks if error is AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// AsAppError extracts AppError from error chain
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// GetHTTPStatus returns appropriate HTTP status for any error
func GetHTTPStatus(err error) int {
	if appErr, ok := AsAppError(err); ok {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// HasCode reports whether the outermost AppError in the chain has the given code.
func HasCode(err error, code string) bool {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code == code
	}
	return false
}

// IsNotFound checks if error is CodeNotFound
func IsNotFound(err error) bool {
	return HasCode(err, CodeNotFound)
}

// IsManifestNotFound checks if error is CodeManifestNotFound
func IsManifestNotFound(err error) bool {
	return HasCode(err, CodeManifestNotFound)
}

// IsDeletionBlocked checks if error is CodeDeletionBlocked
func IsDeletionBlocked(err error) bool {
	return HasCode(err, CodeDeletionBlocked)
}

// Reasons returns the blocker reasons carried by a DeletionBlocked error.
func Reasons(err error) []string {
	appErr, ok := AsAppError(err)
	if !ok || appErr.Code != CodeDeletionBlocked {
		return nil
	}
	reasons, _ := appErr.Details["reasons"].([]string)
	return reasons
}
