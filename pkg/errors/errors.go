// Package errors provides the error taxonomy shared by the ingestion pipeline.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode classifies an error by how the pipeline reacts to it.
type ErrorCode string

const (
	CodeUnknown ErrorCode = "UNKNOWN"

	// Per item: logged as a warning, the item is skipped.
	CodeValidation  ErrorCode = "VALIDATION_ERROR"
	CodeUnsupported ErrorCode = "UNSUPPORTED"
	CodeTranslation ErrorCode = "TRANSLATION_ERROR"

	// Per cycle: logged as an error, the cycle aborts and its checkpoint is kept.
	CodeUpstream ErrorCode = "UPSTREAM_ERROR"
	CodeStore    ErrorCode = "STORE_ERROR"

	// Fatal: surfaced to the operator, nothing is committed.
	CodeConfig     ErrorCode = "CONFIG_ERROR"
	CodeCredential ErrorCode = "CREDENTIAL_ERROR"

	CodeNotFound ErrorCode = "NOT_FOUND"
	CodeInternal ErrorCode = "INTERNAL_ERROR"
)

// AppError represents a structured application error.
type AppError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	HTTPStatus int                    `json:"-"`
	Err        error                  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetail adds a detail key-value pair to the error.
func (e *AppError) WithDetail(key string, value interface{}) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ToJSON returns the JSON representation of the error.
func (e *AppError) ToJSON() []byte {
	data, _ := json.Marshal(e)
	return data
}

// New creates a new AppError with the given code and message.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: codeToHTTPStatus(code),
	}
}

// Wrap wraps an existing error with an AppError.
func Wrap(err error, code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: codeToHTTPStatus(code),
		Err:        err,
	}
}

// Validation creates a validation error.
func Validation(message string) *AppError {
	return New(CodeValidation, message)
}

// Unsupported creates an error for input outside the supported subset.
func Unsupported(message string) *AppError {
	return New(CodeUnsupported, message)
}

// Upstream wraps a failure of a remote feed.
func Upstream(err error, message string) *AppError {
	return Wrap(err, CodeUpstream, message)
}

// Store wraps a failure of the target or checkpoint store.
func Store(err error, message string) *AppError {
	return Wrap(err, CodeStore, message)
}

// Config creates a configuration error.
func Config(message string) *AppError {
	return New(CodeConfig, message)
}

// Credential creates a credential error.
func Credential(message string) *AppError {
	return New(CodeCredential, message)
}

// NotFound creates a not found error.
func NotFound(resource string) *AppError {
	return New(CodeNotFound, fmt.Sprintf("%s not found", resource))
}

// codeToHTTPStatus maps error codes to HTTP status codes.
func codeToHTTPStatus(code ErrorCode) int {
	switch code {
	case CodeValidation, CodeUnsupported, CodeTranslation:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeCredential:
		return http.StatusUnauthorized
	case CodeUpstream, CodeStore:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Is checks if the target error is an AppError with the given code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsFatal reports whether err must stop the process rather than a single cycle.
func IsFatal(err error) bool {
	return Is(err, CodeConfig) || Is(err, CodeCredential)
}

// GetHTTPStatus returns the HTTP status code for an error.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
