package errors

import (
	"errors"
	"fmt"
)

// Common error types for the authentication core
var (
	// Credential errors
	ErrInvalidCredentials   = errors.New("invalid credentials")
	ErrInvalidLicenseFormat = errors.New("invalid license key format")
	ErrLicenseExpired       = errors.New("license expired")
	ErrDeviceLimitExceeded  = errors.New("device limit exceeded")

	// Token errors
	ErrTokenInvalidFormat    = errors.New("token has invalid format")
	ErrTokenInvalidSignature = errors.New("token signature is invalid")
	ErrTokenExpired          = errors.New("token expired")
	ErrTokenRevoked          = errors.New("token revoked")

	// Session errors
	ErrSessionNotFound     = errors.New("session not found")
	ErrSessionExpired      = errors.New("session expired")
	ErrSessionIdle         = errors.New("session idle timeout")
	ErrFingerprintMismatch = errors.New("device fingerprint mismatch")
	ErrRefreshWindowClosed = errors.New("session refresh window closed")

	// Elevated access errors
	ErrHardwareKeyRequired   = errors.New("hardware key authentication required")
	ErrInvalidHardwareKey    = errors.New("invalid hardware key")
	ErrEmergencyAccessDenied = errors.New("emergency access denied")
	ErrSuperAdminExpired     = errors.New("super admin session expired")

	// Authorization errors
	ErrPermissionDenied = errors.New("permission denied")

	// General errors
	ErrValidation     = errors.New("validation error")
	ErrAuthentication = errors.New("authentication error")
	ErrNotFound       = errors.New("not found")
	ErrInternal       = errors.New("internal error")
)

// Wrapf wraps an error with context using fmt.Errorf
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
