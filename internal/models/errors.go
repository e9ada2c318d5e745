package models

import (
	"errors"
	"fmt"
)

// Error codes for structured error handling.
const (
	ErrCodeAuth          = "AUTH_ERROR"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeDecryption    = "DECRYPTION_ERROR"
	ErrCodeIntegrity     = "INTEGRITY_ERROR"
	ErrCodePolicy        = "POLICY_ERROR"
	ErrCodeConfig        = "CONFIG_ERROR"
	ErrCodeRateLimit     = "RATE_LIMIT"
	ErrCodeAccessDenied  = "ACCESS_DENIED"
	ErrCodeStorage       = "STORAGE_ERROR"
	ErrCodeNotifyFailure = "NOTIFY_ERROR"
)

// Sentinel errors
var (
	ErrNotFound          = errors.New("not found")
	ErrNotAuthenticated  = errors.New("not authenticated")
	ErrIntegrity         = errors.New("integrity check failed")
	ErrDecryptionFailed  = errors.New("decryption failed")
	ErrPolicy            = errors.New("policy violation")
	ErrConfiguration     = errors.New("invalid configuration")
	ErrAlreadyRegistered = errors.New("already registered")
	ErrWrongRecoveryCode = errors.New("wrong recovery code")
	ErrRateLimited       = errors.New("rate limited")
	ErrAccessDenied      = errors.New("access denied")
	ErrInvalidCredential = errors.New("invalid credential")
	ErrNotifyFailed      = errors.New("notification failed")
)

// IntegrityError is a stored record whose MAC does not verify.
type IntegrityError struct {
	Record string
	ID     string
	Err    error
}

func (e *IntegrityError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("integrity check failed for %s %s: %v", e.Record, e.ID, e.Err)
	}
	return fmt.Sprintf("integrity check failed for %s %s", e.Record, e.ID)
}

func (e *IntegrityError) Is(target error) bool { return target == ErrIntegrity }

func (e *IntegrityError) Unwrap() error { return e.Err }

// AuthenticationError names the plugin that rejected the caller.
// The cause stays internal.
type AuthenticationError struct {
	PluginID int64
	Err      error
}

func (e *AuthenticationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication failed for plugin %d: %v", e.PluginID, e.Err)
	}
	return fmt.Sprintf("authentication failed for plugin %d", e.PluginID)
}

func (e *AuthenticationError) Is(target error) bool { return target == ErrNotAuthenticated }

func (e *AuthenticationError) Unwrap() error { return e.Err }

// DecryptionError is an authentication tag failure.
type DecryptionError struct {
	Module string
	Err    error
}

func (e *DecryptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decrypt (%s): %v", e.Module, e.Err)
	}
	return fmt.Sprintf("decrypt (%s): authentication tag mismatch", e.Module)
}

func (e *DecryptionError) Is(target error) bool { return target == ErrDecryptionFailed }

func (e *DecryptionError) Unwrap() error { return e.Err }

// NotFoundError is an absent row.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// PolicyError is a request the current policy forbids.
type PolicyError struct {
	Reason string
	Err    error
}

func (e *PolicyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("policy: %s: %v", e.Reason, e.Err)
	}
	return "policy: " + e.Reason
}

func (e *PolicyError) Is(target error) bool { return target == ErrPolicy }

func (e *PolicyError) Unwrap() error { return e.Err }

// ConfigurationError is a missing or unregistered module or setting.
type ConfigurationError struct {
	Setting string
	Value   string
	Err     error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration %s=%q: %v", e.Setting, e.Value, e.Err)
	}
	return fmt.Sprintf("configuration %s=%q is not supported", e.Setting, e.Value)
}

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

func (e *ConfigurationError) Unwrap() error { return e.Err }

// NotFound builds a NotFoundError for an integer id.
func NotFound(kind string, id int64) error {
	return &NotFoundError{Kind: kind, ID: fmt.Sprint(id)}
}

// Code maps an error to its code.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrIntegrity):
		return ErrCodeIntegrity
	case errors.Is(err, ErrRateLimited):
		return ErrCodeRateLimit
	case errors.Is(err, ErrNotAuthenticated), errors.Is(err, ErrWrongRecoveryCode):
		return ErrCodeAuth
	case errors.Is(err, ErrDecryptionFailed):
		return ErrCodeDecryption
	case errors.Is(err, ErrNotFound):
		return ErrCodeNotFound
	case errors.Is(err, ErrAccessDenied):
		return ErrCodeAccessDenied
	case errors.Is(err, ErrPolicy):
		return ErrCodePolicy
	case errors.Is(err, ErrConfiguration):
		return ErrCodeConfig
	case errors.Is(err, ErrNotifyFailed):
		return ErrCodeNotifyFailure
	default:
		return ErrCodeStorage
	}
}

// PublicMessage returns the text safe to show an end user.
func PublicMessage(err error) string {
	switch Code(err) {
	case "":
		return ""
	case ErrCodeAuth:
		if errors.Is(err, ErrWrongRecoveryCode) {
			return "wrong recovery code"
		}
		return "wrong credential"
	case ErrCodeRateLimit:
		return "too many attempts, try again later"
	case ErrCodeDecryption:
		return "wrong password or code"
	case ErrCodeNotFound:
		return "not found"
	case ErrCodePolicy:
		return "operation not permitted"
	case ErrCodeNotifyFailure:
		return "could not send notification"
	default:
		return "cannot access"
	}
}
