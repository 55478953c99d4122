package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Standard sentinel errors for common cases.
var (
	ErrNotFound     = errors.New("resource not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrUnavailable  = errors.New("service unavailable")

	// ErrUsage marks a programming error on the caller side, such as using a
	// cart outside of its provider scope. It is never retried.
	ErrUsage = errors.New("usage error")

	// ErrPersistenceRead marks a failed or malformed snapshot read.
	ErrPersistenceRead = errors.New("persistence read failed")

	// ErrPersistenceWrite marks a snapshot write that could not be completed.
	ErrPersistenceWrite = errors.New("persistence write failed")
)

// AppError represents a structured application error with HTTP status mapping.
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
	Err     error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a 404 error.
func NotFound(resource, id string) *AppError {
	return &AppError{
		Code:    "NOT_FOUND",
		Message: fmt.Sprintf("%s with id %s not found", resource, id),
		Status:  http.StatusNotFound,
		Err:     ErrNotFound,
	}
}

// InvalidInput creates a 400 error.
func InvalidInput(message string) *AppError {
	return &AppError{
		Code:    "INVALID_INPUT",
		Message: message,
		Status:  http.StatusBadRequest,
		Err:     ErrInvalidInput,
	}
}

// Unavailable creates a 503 error for a dependency that is temporarily unreachable.
func Unavailable(message string, err error) *AppError {
	return &AppError{
		Code:    "SERVICE_UNAVAILABLE",
		Message: message,
		Status:  http.StatusServiceUnavailable,
		Err:     fmt.Errorf("%w: %w", ErrUnavailable, err),
	}
}

// Usage creates an error for API misuse (missing provider, closed store).
// It maps to 500 because it is a defect in the calling code, not in the request.
func Usage(message string) *AppError {
	return &AppError{
		Code:    "USAGE_ERROR",
		Message: message,
		Status:  http.StatusInternalServerError,
		Err:     ErrUsage,
	}
}

// PersistenceRead creates a 503 error for a snapshot that could not be read or parsed.
// The returned error matches both ErrPersistenceRead and cause.
func PersistenceRead(cause error) *AppError {
	return &AppError{
		Code:    "PERSISTENCE_READ_ERROR",
		Message: "cart snapshot could not be loaded",
		Status:  http.StatusServiceUnavailable,
		Err:     fmt.Errorf("%w: %w", ErrPersistenceRead, cause),
	}
}

// PersistenceWrite creates a 503 error for a snapshot that could not be stored.
// The returned error matches both ErrPersistenceWrite and cause.
func PersistenceWrite(cause error) *AppError {
	return &AppError{
		Code:    "PERSISTENCE_WRITE_ERROR",
		Message: "cart snapshot could not be stored",
		Status:  http.StatusServiceUnavailable,
		Err:     fmt.Errorf("%w: %w", ErrPersistenceWrite, cause),
	}
}

// HTTPStatus returns the HTTP status code for the given error.
func HTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Status
	}

	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnavailable),
		errors.Is(err, ErrPersistenceRead),
		errors.Is(err, ErrPersistenceWrite):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
