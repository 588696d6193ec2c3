package services

import (
	"errors"
	"fmt"

	"github.com/zari-lab/labdata/repositories"
)

// ErrorType represents the type/category of error
type ErrorType string

const (
	ErrorTypeUnauthorized ErrorType = "unauthorized" // bad credentials
	ErrorTypeForbidden    ErrorType = "forbidden"    // insufficient role
	ErrorTypeNotFound     ErrorType = "not_found"
	ErrorTypeValidation   ErrorType = "validation"
	ErrorTypeStore        ErrorType = "store" // repository read/write failure
	ErrorTypeConflict     ErrorType = "conflict"
	ErrorTypeRateLimited  ErrorType = "rate_limited"
	ErrorTypeInternal     ErrorType = "internal"
)

// DomainError represents a structured error with additional context
type DomainError struct {
	Type    ErrorType
	Message string
	Err     error
	Details map[string]interface{}
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements errors.Unwrap
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// WithDetail adds a detail to the error
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewDomainError creates a new domain error
func NewDomainError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{
		Type:    errType,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// Domain error variables. Compare with errors.Is; they match any
// DomainError of the same type.
var (
	ErrInvalidCredentials = NewDomainError(ErrorTypeUnauthorized, "invalid email or password", nil)
	ErrNoSession          = NewDomainError(ErrorTypeUnauthorized, "no active session", nil)
	ErrInvalidResetToken  = NewDomainError(ErrorTypeUnauthorized, "invalid or expired reset link", nil)

	ErrInsufficientRole = NewDomainError(ErrorTypeForbidden, "insufficient permissions", nil)
	ErrNotOwner         = NewDomainError(ErrorTypeForbidden, "only the creator may do this", nil)

	ErrPrincipalNotFound = NewDomainError(ErrorTypeNotFound, "user not found", nil)
	ErrPendingNotFound   = NewDomainError(ErrorTypeNotFound, "registration request not found", nil)
	ErrDocumentNotFound  = NewDomainError(ErrorTypeNotFound, "document not found", nil)
	ErrVersionNotFound   = NewDomainError(ErrorTypeNotFound, "version not found", nil)
	ErrUnknownForm       = NewDomainError(ErrorTypeNotFound, "unknown form", nil)

	ErrInvalidInput = NewDomainError(ErrorTypeValidation, "invalid input", nil)

	ErrDuplicateEmail    = NewDomainError(ErrorTypeConflict, "email already exists", nil)
	ErrDuplicateUsername = NewDomainError(ErrorTypeConflict, "username already exists", nil)

	ErrRateLimitExceeded = NewDomainError(ErrorTypeRateLimited, "too many requests", nil)

	ErrInternal = NewDomainError(ErrorTypeInternal, "internal server error", nil)
)

// Constructors for the taxonomy

// NewAuthError reports bad credentials
func NewAuthError(message string) *DomainError {
	return NewDomainError(ErrorTypeUnauthorized, message, nil)
}

// NewAuthzError reports an action the caller's role does not allow
func NewAuthzError(message string) *DomainError {
	return NewDomainError(ErrorTypeForbidden, message, nil)
}

// NewNotFoundError reports a missing principal, document or version
func NewNotFoundError(message string, err error) *DomainError {
	return NewDomainError(ErrorTypeNotFound, message, err)
}

// NewValidationError reports a missing or malformed field
func NewValidationError(message string) *DomainError {
	return NewDomainError(ErrorTypeValidation, message, nil)
}

// NewStoreError wraps a repository failure
func NewStoreError(message string, err error) *DomainError {
	return NewDomainError(ErrorTypeStore, message, err)
}

// NewConflictError reports a uniqueness violation
func NewConflictError(message string) *DomainError {
	return NewDomainError(ErrorTypeConflict, message, nil)
}

// FromRepository maps a repository error: ErrNotFound becomes a NotFound
// error with message, anything else a StoreError.
func FromRepository(message string, err error) error {
	if err == nil {
		return nil
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return err
	}
	if errors.Is(err, repositories.ErrNotFound) {
		return NewNotFoundError(message, err)
	}
	return NewStoreError(message, err)
}

// Error type checking helper functions

func hasType(err error, t ErrorType) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == t
	}
	return false
}

// IsAuthError checks if an error is an authentication error
func IsAuthError(err error) bool { return hasType(err, ErrorTypeUnauthorized) }

// IsAuthzError checks if an error is an authorization error
func IsAuthzError(err error) bool { return hasType(err, ErrorTypeForbidden) }

// IsNotFoundError checks if an error is a not found error
func IsNotFoundError(err error) bool { return hasType(err, ErrorTypeNotFound) }

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool { return hasType(err, ErrorTypeValidation) }

// IsStoreError checks if an error is a store error
func IsStoreError(err error) bool { return hasType(err, ErrorTypeStore) }

// IsConflictError checks if an error is a conflict error
func IsConflictError(err error) bool { return hasType(err, ErrorTypeConflict) }

// IsRateLimitError checks if an error is a rate limit error
func IsRateLimitError(err error) bool { return hasType(err, ErrorTypeRateLimited) }

// IsInternalError checks if an error is an internal error
func IsInternalError(err error) bool { return hasType(err, ErrorTypeInternal) }

// GetErrorType returns the ErrorType of a domain error, or empty string if not a domain error
func GetErrorType(err error) ErrorType {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type
	}
	return ""
}

// GetErrorDetails returns the details map of a domain error, or nil if not a domain error
func GetErrorDetails(err error) map[string]interface{} {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Details
	}
	return nil
}

// WrapError wraps an error with additional context
func WrapError(errType ErrorType, message string, err error) error {
	return NewDomainError(errType, message, err)
}

// WrapInternal wraps an error as an internal error
func WrapInternal(message string, err error) error {
	return NewDomainError(ErrorTypeInternal, message, err)
}
