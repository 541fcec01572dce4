package acctguard

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/stellwolf/acctguard/password"
)

var (
	// ErrEngineNotReady is returned when the engine is used before Build
	// completed or a required collaborator is missing.
	ErrEngineNotReady = errors.New("engine not initialized")
	// ErrAccountNotFound is returned when no account matches the given id or
	// identifier.
	ErrAccountNotFound = errors.New("account not found")
	// ErrRequestNotFound is returned when a pending-change or reset record is
	// absent, already verified, or the presented token does not match.
	ErrRequestNotFound = errors.New("verification request not found")
	// ErrTokenExpired is returned when a verification token is past its window.
	ErrTokenExpired = errors.New("verification token expired")
	// ErrStaleValue is returned when the caller-supplied old value does not
	// match the account's current value for that field.
	ErrStaleValue = errors.New("current value mismatch")
	// ErrPendingChangeExists is returned when an unverified change request
	// already exists for the account.
	ErrPendingChangeExists = errors.New("pending verification already exists")
	// ErrNotActivated is returned on login against an account that never
	// completed registration verification.
	ErrNotActivated = errors.New("account not activated")
	// ErrInvalidSecret is returned on a credential mismatch during login.
	ErrInvalidSecret = errors.New("invalid secret")
	// ErrSecretMismatch is returned when a new secret and its confirmation
	// differ.
	ErrSecretMismatch = errors.New("secret confirmation mismatch")
	// ErrSecretNotAcceptable is returned when the uniqueness guard exhausted
	// its probe budget without clearing the candidate secret.
	ErrSecretNotAcceptable = errors.New("secret not acceptable")
	// ErrAccountBlocked is the target sentinel for [BlockedError].
	ErrAccountBlocked = errors.New("account blocked")
	// ErrInvalidIdentifier is the target sentinel for [IdentifierError].
	ErrInvalidIdentifier = errors.New("unknown identifier")
	// ErrIdentifierTaken is the target sentinel for [ConflictError].
	ErrIdentifierTaken = errors.New("identifier already in use")
	// ErrValidation is the target sentinel for [ValidationError].
	ErrValidation = errors.New("validation failed")
	// ErrSessionUnavailable is returned when the token issuer did not produce
	// a full token pair; issuer diagnostics are never surfaced.
	ErrSessionUnavailable = errors.New("session unavailable")
	// ErrCorruptCredential signals malformed stored credential material, as
	// opposed to an ordinary mismatch. It aliases the password package's
	// sentinel so errors.Is works across the boundary.
	ErrCorruptCredential = password.ErrCorruptCredential
	// ErrBackendUnavailable wraps store, cipher, and issuer infrastructure
	// failures without leaking internal diagnostics to the caller.
	ErrBackendUnavailable = errors.New("backend unavailable")
)

// BlockedError reports a hard-blocked account together with the remaining
// lockout duration. It matches [ErrAccountBlocked] under errors.Is.
type BlockedError struct {
	RetryAfter time.Duration
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("account blocked for another %s", e.RetryAfter)
}

func (e *BlockedError) Unwrap() error { return ErrAccountBlocked }

// IdentifierError reports a failed account lookup for a specific identifier
// field ("email", "username", "phoneNumber"). It matches
// [ErrInvalidIdentifier] under errors.Is.
type IdentifierError struct {
	Field string
}

func (e *IdentifierError) Error() string {
	return "no account for " + e.Field
}

func (e *IdentifierError) Unwrap() error { return ErrInvalidIdentifier }

// ConflictError reports an identifier that is already registered to another
// account. It matches [ErrIdentifierTaken] under errors.Is.
type ConflictError struct {
	Field string
}

func (e *ConflictError) Error() string {
	return e.Field + " already in use"
}

func (e *ConflictError) Unwrap() error { return ErrIdentifierTaken }

// ValidationError aggregates per-field validation failures for one call.
// All failing fields are reported at once rather than short-circuiting on
// the first. It matches [ErrValidation] under errors.Is.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed"
	}

	names := make([]string, 0, len(e.Fields))
	for field := range e.Fields {
		names = append(names, field)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("validation failed: ")
	for i, field := range names {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(field)
		b.WriteString(": ")
		b.WriteString(e.Fields[field])
	}
	return b.String()
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func wrapBackendError(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
}
