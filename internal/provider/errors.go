package provider

import (
	"errors"
	"fmt"
)

// Code classifies a provider failure. Callers (token service, webhook
// gateway) branch on the code to decide retryability and HTTP mapping:
// upstream failures are retryable, misconfiguration is admin-actionable,
// malformed inbound data is dropped and logged.
type Code string

const (
	CodeNotConfigured   Code = "not_configured"
	CodeUpstreamFailure Code = "upstream_failure"
	CodeInvalidResponse Code = "invalid_response"
	CodeNotSupported    Code = "not_supported"
	CodeUnknownProvider Code = "unknown_provider"
	CodeUnverified      Code = "unverified"
)

// Error is a discriminated provider failure. Operations that can fail
// return an *Error rather than throwing a generic failure across the
// adapter boundary.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match two provider errors by code.
func (e *Error) Is(target error) bool {
	var pe *Error
	if errors.As(target, &pe) {
		return pe.Code == e.Code
	}
	return false
}

// Errf builds a provider error with a formatted message.
func Errf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a provider error around an underlying cause.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the provider error code, or "" for foreign errors.
func CodeOf(err error) Code {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// Retryable reports whether the failure is transient. Only upstream
// failures qualify; everything else needs a fix, not a retry.
func Retryable(err error) bool {
	return CodeOf(err) == CodeUpstreamFailure
}
