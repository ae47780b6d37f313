package txn

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorKind tags why a transaction last failed.
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindConflict   ErrorKind = "conflict"
	KindNetwork    ErrorKind = "network"
	KindTimeout    ErrorKind = "timeout"
	KindExhausted  ErrorKind = "exhausted" // transient failures used up the retry budget
	KindStorage    ErrorKind = "storage"
)

// EntityState is the authoritative server view of an item, carried by conflicts.
type EntityState struct {
	ServerID    string     `json:"server_id"`
	Status      string     `json:"status"`
	Content     string     `json:"content,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	MergedInto  string     `json:"merged_into,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
	UpdatedBy   string     `json:"updated_by,omitempty"`
}

// ValidationError is permanent: the authority rejected the payload.
type ValidationError struct {
	Msg string
	Err error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("validation: %s: %v", e.Msg, e.Err)
	}
	return "validation: " + e.Msg
}

func (e *ValidationError) Unwrap() error { return e.Err }

// ConflictError is permanent: another actor already mutated the entity.
type ConflictError struct {
	Msg    string
	Entity *EntityState
}

func (e *ConflictError) Error() string {
	if e.Msg == "" {
		return "conflict: entity changed by another actor"
	}
	return "conflict: " + e.Msg
}

// NetworkError is transient: connectivity loss, 5xx, throttling, open breaker.
type NetworkError struct {
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("network: status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("network: %v", e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// TimeoutError is transient: no answer within the dispatch deadline.
type TimeoutError struct {
	Err error
}

func (e *TimeoutError) Error() string { return fmt.Sprintf("timeout: %v", e.Err) }
func (e *TimeoutError) Unwrap() error { return e.Err }

// StorageError is fatal for the ledger operation that raised it.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

// KindOf classifies err. Unknown errors are reported as network errors so
// they go through the bounded retry path rather than being dropped.
func KindOf(err error) ErrorKind {
	var (
		ve *ValidationError
		ce *ConflictError
		te *TimeoutError
		se *StorageError
	)
	switch {
	case errors.As(err, &ve):
		return KindValidation
	case errors.As(err, &ce):
		return KindConflict
	case errors.As(err, &te), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.As(err, &se):
		return KindStorage
	default:
		return KindNetwork
	}
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindTimeout:
		return true
	}
	return false
}
