// Package common defines the error taxonomy shared by every classbook layer
// and a few project-wide constants. Callers match kinds with errors.Is and
// extract details with errors.As.
package common

import (
	"context"
	"errors"
	"fmt"
)

var (
	// Kind sentinels. Every error surfaced by the command surface matches
	// exactly one of these (or none, for programming errors).
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrAuthFailure      = errors.New("authentication failure")
	ErrIntegrityFailure = errors.New("integrity failure")
	ErrStorageFailure   = errors.New("storage failure")

	ErrValidation           = errors.New("validation error")
	ErrSyncInProgress       = errors.New("sync already in progress for peer")
	ErrConfirmationRequired = errors.New("explicit confirmation required")
	ErrNotPaired            = errors.New("no paired peer")
	ErrUndecryptable        = errors.New("ciphertext cannot be decrypted with the current key")
)

// ConflictError is returned when a safe delete is blocked by dependent
// active rows. Count is the number of blocking rows.
type ConflictError struct {
	Object string
	ID     string
	Count  int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict: %s %s has %d active dependents", e.Object, e.ID, e.Count)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// AuthReason enumerates why a pairing or session handshake was refused.
type AuthReason string

const (
	ReasonPinMismatch         AuthReason = "pin_mismatch"
	ReasonPinExpired          AuthReason = "pin_expired"
	ReasonNoActivePin         AuthReason = "no_active_pin"
	ReasonFingerprintMismatch AuthReason = "fingerprint_mismatch"
	ReasonUnknownPeer         AuthReason = "unknown_peer"
	ReasonHandshakeTimeout    AuthReason = "handshake_timeout"
	ReasonBadPairingCode      AuthReason = "bad_pairing_code"
	ReasonNotAuthor           AuthReason = "not_author"
)

type AuthError struct {
	Reason AuthReason
}

func NewAuthError(r AuthReason) *AuthError { return &AuthError{Reason: r} }

func (e *AuthError) Error() string { return "authentication failure: " + string(e.Reason) }

func (e *AuthError) Is(target error) bool { return target == ErrAuthFailure }

// IntegrityError reports a checksum mismatch or a malformed transfer.
type IntegrityError struct {
	Reason string
}

func (e *IntegrityError) Error() string { return "integrity failure: " + e.Reason }

func (e *IntegrityError) Is(target error) bool { return target == ErrIntegrityFailure }

// StorageError wraps an underlying database error.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage failure: %s: %v", e.Op, e.Err) }

func (e *StorageError) Is(target error) bool { return target == ErrStorageFailure }

func (e *StorageError) Unwrap() error { return e.Err }

// Storage wraps err as a StorageError unless it already carries a kind or
// is a context cancellation.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != KindUnknown || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// Kind is the closed set of error categories the UI branches on.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindConflict
	KindAuthFailure
	KindIntegrityFailure
	KindStorageFailure
	KindValidation
	KindSyncInProgress
	KindConfirmationRequired
	KindNotPaired
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindAuthFailure:
		return "auth_failure"
	case KindIntegrityFailure:
		return "integrity_failure"
	case KindStorageFailure:
		return "storage_failure"
	case KindValidation:
		return "validation"
	case KindSyncInProgress:
		return "sync_in_progress"
	case KindConfirmationRequired:
		return "confirmation_required"
	case KindNotPaired:
		return "not_paired"
	}
	return "unknown"
}

// KindOf classifies err.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrAuthFailure):
		return KindAuthFailure
	case errors.Is(err, ErrIntegrityFailure), errors.Is(err, ErrUndecryptable):
		return KindIntegrityFailure
	case errors.Is(err, ErrStorageFailure):
		return KindStorageFailure
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrSyncInProgress):
		return KindSyncInProgress
	case errors.Is(err, ErrConfirmationRequired):
		return KindConfirmationRequired
	case errors.Is(err, ErrNotPaired):
		return KindNotPaired
	}
	return KindUnknown
}
