package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation   = "VALIDATION_ERROR"
	ErrCodePolicyDenied = "POLICY_DENIED"
	ErrCodeNotFound     = "NOT_FOUND"
	ErrCodeIO           = "IO_ERROR"
	ErrCodeExternal     = "EXTERNAL_ERROR"
	ErrCodeIntegrity    = "INTEGRITY_ERROR"
	ErrCodeLockHeld     = "LOCK_HELD"
	ErrCodeConfig       = "CONFIG_ERROR"
)

// VaultError is the structured error type for all vault operations.
type VaultError struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	Credential string         `json:"credential,omitempty"`
	Cause      error          `json:"-"`
}

func (e *VaultError) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg = msg + ": " + e.Cause.Error()
	}
	if e.Credential != "" {
		return fmt.Sprintf("[%s] credential %s: %s", e.Code, e.Credential, msg)
	}
	return fmt.Sprintf("[%s] %s", e.Code, msg)
}

func (e *VaultError) Unwrap() error {
	return e.Cause
}

// NewError creates a new VaultError.
func NewError(code, message string) *VaultError {
	return &VaultError{Code: code, Message: message}
}

// NewErrorf creates a new VaultError with a formatted message.
func NewErrorf(code, format string, args ...any) *VaultError {
	return &VaultError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// IOError wraps a filesystem failure with the path it happened on.
func IOError(op, path string, err error) *VaultError {
	return NewErrorf(ErrCodeIO, "%s %s", op, path).
		WithCause(err).
		WithDetails(map[string]any{"path": path})
}

// WithCredential attaches the credential name to the error.
func (e *VaultError) WithCredential(name string) *VaultError {
	e.Credential = name
	return e
}

// WithCause attaches an underlying cause.
func (e *VaultError) WithCause(err error) *VaultError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *VaultError) WithDetails(details map[string]any) *VaultError {
	e.Details = details
	return e
}

// IsCode reports whether err (or anything it wraps) is a VaultError with code.
func IsCode(err error, code string) bool {
	var ve *VaultError
	if !errors.As(err, &ve) {
		return false
	}
	return ve.Code == code
}
