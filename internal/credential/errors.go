// errors.go - Authentication and host key error kinds
package credential

import (
	"errors"
	"fmt"
)

var (
	// ErrAuth marks a failed login: bad password, passphrase or key
	ErrAuth = errors.New("authentication failed")
	// ErrPromptCancelled is returned when the user dismisses a prompt
	ErrPromptCancelled = errors.New("prompt cancelled")
	// ErrFingerprintMismatch marks a host key that differs from the stored one
	ErrFingerprintMismatch = errors.New("host key fingerprint mismatch")
)

// AuthError fails one connection attempt, never the whole session
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return "authentication failed: " + e.Reason
	}
	return fmt.Sprintf("authentication failed: %s: %v", e.Reason, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

func (e *AuthError) Is(target error) bool { return target == ErrAuth }

// FingerprintMismatchError reports a presented host key that is not the stored one
type FingerprintMismatchError struct {
	Host      string
	Type      string
	Stored    string
	Presented string
}

func (e *FingerprintMismatchError) Error() string {
	return fmt.Sprintf("host key for %s changed: stored %s, presented %s %s",
		e.Host, e.Stored, e.Type, e.Presented)
}

func (e *FingerprintMismatchError) Is(target error) bool { return target == ErrFingerprintMismatch }
