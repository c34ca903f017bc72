package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unique error identifier
type ErrorCode string

const (
	// Authentication
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrCodeRateLimited  ErrorCode = "RATE_LIMITED"

	// Validation
	ErrCodeValidation   ErrorCode = "VALIDATION_ERROR"
	ErrCodeInvalidPhone ErrorCode = "INVALID_PHONE"

	// Resource
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// Device
	ErrCodeDeviceNotConnected ErrorCode = "DEVICE_NOT_CONNECTED"

	// Pairing
	ErrCodePairingCooldown    ErrorCode = "PAIRING_COOLDOWN"
	ErrCodePairingMaxAttempts ErrorCode = "PAIRING_MAX_ATTEMPTS"
	ErrCodePairingRateLimited ErrorCode = "PAIRING_RATE_LIMITED"

	// Broadcast
	ErrCodeMediaFetchFailed ErrorCode = "MEDIA_FETCH_FAILED"

	// Internal
	ErrCodeInternal    ErrorCode = "INTERNAL_ERROR"
	ErrCodeDatabase    ErrorCode = "DATABASE_ERROR"
	ErrCodeExternal    ErrorCode = "EXTERNAL_SERVICE_ERROR"
	ErrCodeUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
)

// AppError is a structured error that can be returned to clients
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details any       `json:"details,omitempty"`
	cause   error
}

func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.cause
}

func (e *AppError) WithCause(err error) *AppError {
	e.cause = err
	return e
}

func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

func Wrap(code ErrorCode, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		cause:   cause,
	}
}

func Unauthorized(message string) *AppError {
	return New(ErrCodeUnauthorized, message)
}

func NotFound(resource string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource))
}

func ValidationError(message string) *AppError {
	return New(ErrCodeValidation, message)
}

func InvalidPhone(phone string) *AppError {
	return New(ErrCodeInvalidPhone, "Invalid phone number").WithDetails(map[string]string{"phone": phone})
}

func DeviceNotConnected(deviceID string) *AppError {
	return New(ErrCodeDeviceNotConnected, fmt.Sprintf("Device %s has no live session", deviceID))
}

func PairingCooldown() *AppError {
	return New(ErrCodePairingCooldown, "Pairing code requested too recently")
}

func PairingMaxAttempts() *AppError {
	return New(ErrCodePairingMaxAttempts, "Maximum pairing attempts reached")
}

func PairingRateLimited(cause error) *AppError {
	return Wrap(ErrCodePairingRateLimited, "Rate limited. Wait 60 seconds.", cause)
}

func MediaFetchFailed(url string, cause error) *AppError {
	return Wrap(ErrCodeMediaFetchFailed, fmt.Sprintf("Failed to fetch media from %s", url), cause)
}

func Internal(message string) *AppError {
	return New(ErrCodeInternal, message)
}

func RateLimited() *AppError {
	return New(ErrCodeRateLimited, "Rate limit exceeded")
}

func Unavailable(message string) *AppError {
	return New(ErrCodeUnavailable, message)
}

func Database(cause error) *AppError {
	return Wrap(ErrCodeDatabase, "Database error", cause)
}

func External(service string, cause error) *AppError {
	return Wrap(ErrCodeExternal, fmt.Sprintf("External service error: %s", service), cause)
}

func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// GetCode returns the error code if the error is an AppError, otherwise returns ErrCodeInternal
func GetCode(err error) ErrorCode {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether err is, or wraps, an AppError with the given code.
func HasCode(err error, code ErrorCode) bool {
	return GetCode(err) == code
}
