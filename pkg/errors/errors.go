package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError provides a structured error that can be rendered to API consumers.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"-"`
	Internal   error  `json:"-"`
}

func (e *AppError) Error() string {
	if e == nil {
		return "<nil>"
	}

	if e.Internal != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Internal)
	}

	return e.Message
}

// Is matches AppErrors by code, so copies made with WithMessage or
// WithInternal still compare equal to their sentinel.
func (e *AppError) Is(target error) bool {
	other, ok := target.(*AppError)
	if !ok || e == nil || other == nil {
		return false
	}
	return e.Code == other.Code
}

// Unwrap exposes the internal error for errors.Is / errors.As compatibility.
func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Internal
}

// WithInternal returns a copy of the AppError with an attached internal error.
func (e *AppError) WithInternal(err error) *AppError {
	if e == nil {
		return nil
	}

	cpy := *e
	cpy.Internal = err
	return &cpy
}

// WithMessage returns a copy of the AppError carrying a caller-supplied message.
func (e *AppError) WithMessage(message string) *AppError {
	if e == nil {
		return nil
	}

	cpy := *e
	cpy.Message = message
	return &cpy
}

// Common errors exposed to the rest of the application.
var (
	ErrUnauthenticated = &AppError{
		Code:       "UNAUTHENTICATED",
		Message:    "Authentication required",
		StatusCode: http.StatusUnauthorized,
	}

	ErrForbidden = &AppError{
		Code:       "FORBIDDEN",
		Message:    "Permission denied",
		StatusCode: http.StatusForbidden,
	}

	// ErrCrossTenant signals that an operation was about to touch data
	// belonging to a different tenant. Fatal for the request; never retried.
	ErrCrossTenant = &AppError{
		Code:       "CROSS_TENANT_VIOLATION",
		Message:    "Resource belongs to a different tenant",
		StatusCode: http.StatusForbidden,
	}

	ErrTenantSuspended = &AppError{
		Code:       "TENANT_SUSPENDED",
		Message:    "Tenant subscription is not active",
		StatusCode: http.StatusForbidden,
	}

	ErrNotFound = &AppError{
		Code:       "NOT_FOUND",
		Message:    "Resource not found",
		StatusCode: http.StatusNotFound,
	}

	ErrBadRequest = &AppError{
		Code:       "BAD_REQUEST",
		Message:    "Invalid request",
		StatusCode: http.StatusBadRequest,
	}

	ErrInvalidTransition = &AppError{
		Code:       "INVALID_STATE_TRANSITION",
		Message:    "Conversation state does not allow this operation",
		StatusCode: http.StatusBadRequest,
	}

	// ErrAlreadyAccepted is returned to accept-race losers. Callers attach
	// the winning agent via WithMessage so clients can surface the name.
	ErrAlreadyAccepted = &AppError{
		Code:       "ALREADY_ACCEPTED",
		Message:    "Conversation was already accepted by another agent",
		StatusCode: http.StatusConflict,
	}

	// ErrBusy is returned when a lock could not be acquired within the retry
	// budget. Clients may retry.
	ErrBusy = &AppError{
		Code:       "BUSY",
		Message:    "Resource is busy, try again",
		StatusCode: http.StatusLocked,
	}

	ErrQuotaExceeded = &AppError{
		Code:       "QUOTA_EXCEEDED",
		Message:    "Tenant storage quota exceeded",
		StatusCode: http.StatusInsufficientStorage,
	}

	ErrFileTooLarge = &AppError{
		Code:       "FILE_SIZE_EXCEEDED",
		Message:    "File exceeds the maximum allowed size",
		StatusCode: http.StatusRequestEntityTooLarge,
	}

	ErrFileTypeNotAllowed = &AppError{
		Code:       "FILE_TYPE_NOT_ALLOWED",
		Message:    "File type is not allowed for this tenant",
		StatusCode: http.StatusBadRequest,
	}

	// ErrStorageUnavailable covers transient object-store failures; callers
	// may retry.
	ErrStorageUnavailable = &AppError{
		Code:       "STORAGE_BACKEND_UNAVAILABLE",
		Message:    "Storage backend is temporarily unavailable",
		StatusCode: http.StatusServiceUnavailable,
	}

	ErrStoreUnavailable = &AppError{
		Code:       "STORE_UNAVAILABLE",
		Message:    "Data store is temporarily unavailable",
		StatusCode: http.StatusServiceUnavailable,
	}

	ErrInternalServer = &AppError{
		Code:       "INTERNAL_SERVER_ERROR",
		Message:    "Internal server error",
		StatusCode: http.StatusInternalServerError,
	}
)

// New builds a new application error with the provided metadata.
func New(code, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// Wrap turns any error into an AppError while keeping the original error for logging.
func Wrap(err error, message string) *AppError {
	return &AppError{
		Code:       "INTERNAL_ERROR",
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Internal:   err,
	}
}

// FromError converts a generic error into an AppError, defaulting to ErrInternalServer.
func FromError(err error) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	return ErrInternalServer.WithInternal(err)
}

// NewBadRequest wraps validation errors with a helpful message.
func NewBadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrBadRequest.Code,
		Message:    message,
		StatusCode: ErrBadRequest.StatusCode,
	}
}
