// Package kerrors defines the wire error taxonomy shared by the registry,
// vault, policy, and runtime packages. Each kind is a sentinel-wrapped
// struct so callers can use errors.Is for the kind and errors.As to recover
// the structured fields (field path, retry hints, provider lists).
package kerrors

import (
	"errors"
	"fmt"
)

// Sentinel kinds. Use errors.Is(err, kerrors.ErrXxx) to classify an error
// returned from the registry, vault, policy, or runtime packages.
var (
	ErrUnknownWorkflow = errors.New("unknown workflow")
	ErrValidation      = errors.New("validation error")
	ErrPolicyDenied    = errors.New("policy denied")
	ErrMissingSecrets  = errors.New("missing secrets")
	ErrAuth            = errors.New("authentication error")
	ErrSessionExpired  = errors.New("session expired")
	ErrJobNotFound     = errors.New("job not found")
	ErrHandler         = errors.New("handler error")
	ErrTimeout         = errors.New("timeout")
	ErrDuplicate       = errors.New("duplicate")
)

type (
	// ValidationError reports that a JSON value failed schema validation.
	ValidationError struct {
		FieldPath string
		Message   string
	}

	// PolicyDeniedError reports that admission control rejected a request.
	// RetryAfterMs is zero when the caller has no useful backoff hint (for
	// example, a per-job cost ceiling can never be satisfied by waiting).
	PolicyDeniedError struct {
		Reason       string
		RetryAfterMs int64
	}

	// MissingSecretsError reports which required providers had no usable
	// secret once the vault and environment fallback were both consulted.
	MissingSecretsError struct {
		Providers []string
	}

	// HandlerError wraps an error raised by a registered workflow handler.
	HandlerError struct {
		Message string
		Cause   error
	}
)

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error at %s: %s", e.FieldPath, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func (e *PolicyDeniedError) Error() string {
	if e.RetryAfterMs > 0 {
		return fmt.Sprintf("policy denied: %s (retry after %dms)", e.Reason, e.RetryAfterMs)
	}
	return fmt.Sprintf("policy denied: %s", e.Reason)
}

func (e *PolicyDeniedError) Unwrap() error { return ErrPolicyDenied }

func (e *MissingSecretsError) Error() string {
	return fmt.Sprintf("missing secrets for providers: %v", e.Providers)
}

func (e *MissingSecretsError) Unwrap() error { return ErrMissingSecrets }

func (e *HandlerError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("handler error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("handler error: %s", e.Message)
}

func (e *HandlerError) Unwrap() error { return ErrHandler }

// NewValidationError constructs a *ValidationError for the given field path.
func NewValidationError(fieldPath, message string) error {
	return &ValidationError{FieldPath: fieldPath, Message: message}
}

// NewPolicyDenied constructs a *PolicyDeniedError with an optional retry hint.
func NewPolicyDenied(reason string, retryAfterMs int64) error {
	return &PolicyDeniedError{Reason: reason, RetryAfterMs: retryAfterMs}
}

// NewMissingSecrets constructs a *MissingSecretsError for the given providers.
func NewMissingSecrets(providers []string) error {
	return &MissingSecretsError{Providers: providers}
}

// NewHandlerError wraps a handler-raised error with a human-readable message.
func NewHandlerError(message string, cause error) error {
	return &HandlerError{Message: message, Cause: cause}
}
