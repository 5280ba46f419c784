package domain

import (
	"errors"
	"fmt"
	"time"
)

// ValidationError reports a malformed or missing request field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// AuthenticationError means the caller could not be identified.
type AuthenticationError struct {
	Reason string
}

func (e *AuthenticationError) Error() string { return "authentication: " + e.Reason }

// PermissionError means the caller is known but not allowed to use Resource.
type PermissionError struct {
	Resource string
	Reason   string
}

func (e *PermissionError) Error() string {
	if e.Reason == "" {
		return "permission denied: " + e.Resource
	}
	return fmt.Sprintf("permission denied: %s: %s", e.Resource, e.Reason)
}

// RateLimitError asks the caller to back off until ResetAt.
type RateLimitError struct {
	ResetAt time.Time
}

func (e *RateLimitError) Error() string {
	return "rate limited until " + e.ResetAt.UTC().Format(time.RFC3339)
}

// QuotaExceededError means the tenant has used its quota for the current window.
type QuotaExceededError struct {
	TenantID string
	ResetAt  time.Time
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for tenant %s until %s", e.TenantID, e.ResetAt.UTC().Format(time.RFC3339))
}

// NotFoundError reports an unknown session or tenant.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %q not found", e.Kind, e.ID) }

// InternalError wraps anything unanticipated.
type InternalError struct {
	Err error
}

func (e *InternalError) Error() string { return "internal: " + e.Err.Error() }
func (e *InternalError) Unwrap() error { return e.Err }

// ProviderFailure is implemented by backend errors so this package can
// classify them without importing the adapters.
type ProviderFailure interface {
	error
	ProviderStatus() int
}

// Error codes returned by Kind.
const (
	CodeValidation     = "validation_error"
	CodeAuthentication = "authentication_error"
	CodePermission     = "permission_denied"
	CodeRateLimited    = "rate_limited"
	CodeQuotaExceeded  = "quota_exceeded"
	CodeProvider       = "provider_error"
	CodeNotFound       = "not_found"
	CodeInternal       = "internal_error"
)

// Kind maps err onto a stable machine-readable code.
func Kind(err error) string {
	var (
		ve *ValidationError
		ae *AuthenticationError
		pe *PermissionError
		re *RateLimitError
		qe *QuotaExceededError
		ne *NotFoundError
		pf ProviderFailure
	)
	switch {
	case errors.As(err, &ve):
		return CodeValidation
	case errors.As(err, &ae):
		return CodeAuthentication
	case errors.As(err, &pe):
		return CodePermission
	case errors.As(err, &re):
		return CodeRateLimited
	case errors.As(err, &qe):
		return CodeQuotaExceeded
	case errors.As(err, &ne):
		return CodeNotFound
	case errors.As(err, &pf):
		return CodeProvider
	default:
		return CodeInternal
	}
}

// ResetTime returns the back-off deadline carried by rate and quota errors.
func ResetTime(err error) (time.Time, bool) {
	var re *RateLimitError
	if errors.As(err, &re) {
		return re.ResetAt, true
	}
	var qe *QuotaExceededError
	if errors.As(err, &qe) {
		return qe.ResetAt, true
	}
	return time.Time{}, false
}
