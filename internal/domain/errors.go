package domain

import (
	"errors"
	"fmt"
)

// ErrorCode classifies a domain failure for transport mapping
type ErrorCode string

const (
	CodeValidation       ErrorCode = "VALIDATION_ERROR"
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeUnauthenticated  ErrorCode = "UNAUTHENTICATED"
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	CodeConflict         ErrorCode = "CONFLICT"
	CodeDuplicateKey     ErrorCode = "DUPLICATE_KEY"
	CodeInternal         ErrorCode = "INTERNAL"
)

// Error is a classified domain failure. Message is safe to show to callers.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a classified error
func NewError(code ErrorCode, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Invalid reports a caller mistake; it matches ErrInvalidRequest with errors.Is
func Invalid(format string, args ...any) *Error {
	return NewError(CodeValidation, fmt.Sprintf(format, args...), ErrInvalidRequest)
}

// Domain errors
var (
	ErrInvalidRequest      = NewError(CodeValidation, "invalid request", nil)
	ErrOptionBlockMismatch = NewError(CodeValidation, "score option does not belong to the given block", nil)

	ErrBlockNotFound       = NewError(CodeNotFound, "block not found", nil)
	ErrScoreOptionNotFound = NewError(CodeNotFound, "score option not found", nil)
	ErrParticipantNotFound = NewError(CodeNotFound, "participant not found", nil)
	ErrBlockScoreNotFound  = NewError(CodeNotFound, "block score not found", nil)
	ErrSessionNotFound     = NewError(CodeUnauthenticated, "session expired or invalid", nil)

	ErrUnauthenticated     = NewError(CodeUnauthenticated, "authentication required", nil)
	ErrInvalidCredentials  = NewError(CodeUnauthenticated, "invalid credentials", nil)
	ErrPermissionDenied    = NewError(CodePermissionDenied, "permission denied", nil)
	ErrParticipantInactive = NewError(CodePermissionDenied, "participant is not active", nil)

	ErrDuplicateKey       = NewError(CodeDuplicateKey, "score option key already exists for this block", nil)
	ErrLaneTaken          = NewError(CodeConflict, "lane already exists", nil)
	ErrEmailTaken         = NewError(CodeConflict, "email already registered", nil)
	ErrUsernameTaken      = NewError(CodeConflict, "username already taken", nil)
	ErrOptionInUse        = NewError(CodeConflict, "score option is referenced by recorded scores", nil)
	ErrBlockAlreadyScored = NewError(CodeConflict, "participant already has a score on this block", nil)
	ErrScoreConflict      = NewError(CodeConflict, "concurrent score update, please retry", nil)
	ErrInternalError      = NewError(CodeInternal, "internal server error", nil)
)

// CodeOf returns the classification of err, CodeInternal when unclassified
func CodeOf(err error) ErrorCode {
	var domainErr *Error
	if errors.As(err, &domainErr) {
		return domainErr.Code
	}
	return CodeInternal
}

// PublicMessage returns the caller-safe message for err
func PublicMessage(err error) string {
	var domainErr *Error
	if errors.As(err, &domainErr) && domainErr.Code != CodeInternal {
		if domainErr.Code == CodePermissionDenied {
			return ErrPermissionDenied.Message
		}
		return domainErr.Message
	}
	return ErrInternalError.Message
}

// IsNotFoundError checks if an error is a not-found type error
func IsNotFoundError(err error) bool {
	return CodeOf(err) == CodeNotFound
}
