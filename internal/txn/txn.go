// Package txn defines the unit of offline work: a durable, idempotent
// transaction queued for confirmation by the remote authority.
package txn

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type is one of the closed set of domain operations.
type Type string

const (
	TypeCapture Type = "capture"
	TypeStrike  Type = "strike"
	TypeRelease Type = "release"
	TypeExtend  Type = "extend"
	TypeMerge   Type = "merge"
)

// Types lists every valid Type in a stable order.
var Types = []Type{TypeCapture, TypeStrike, TypeRelease, TypeExtend, TypeMerge}

// ParseType validates a raw type string.
func ParseType(raw string) (Type, error) {
	t := Type(raw)
	if !t.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownType, raw)
	}
	return t, nil
}

func (t Type) IsValid() bool {
	switch t {
	case TypeCapture, TypeStrike, TypeRelease, TypeExtend, TypeMerge:
		return true
	}
	return false
}

func (t Type) String() string { return string(t) }

// Status is a transaction's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSyncing   Status = "syncing"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusSyncing, StatusConfirmed, StatusFailed:
		return true
	}
	return false
}

// CanTransitionTo reports whether a transition from s to next is allowed.
//
//	pending -> syncing | pending (manual retry while backing off)
//	syncing -> confirmed | failed | pending (after backoff)
//	failed  -> pending (manual retry)
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusSyncing || next == StatusPending
	case StatusSyncing:
		return next == StatusConfirmed || next == StatusFailed || next == StatusPending
	case StatusFailed:
		return next == StatusPending
	default:
		return false
	}
}

func (s Status) String() string { return string(s) }

var (
	ErrUnknownType       = errors.New("unknown transaction type")
	ErrInvalidTransition = errors.New("invalid transaction status transition")
	ErrEntityKeyRequired = errors.New("entity key is required")
)

// LocalKeyPrefix marks client-generated entity keys that have no server id yet.
const LocalKeyPrefix = "local-"

// Transaction is the unit of work persisted in the ledger.
type Transaction struct {
	ID            string          `json:"id"`
	Type          Type            `json:"type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Status        Status          `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
	Seq           int64           `json:"seq"`
	EntityKey     string          `json:"entity_key"`
	RetryCount    int             `json:"retry_count"`
	LastError     string          `json:"last_error,omitempty"`
	ErrorKind     ErrorKind       `json:"error_kind,omitempty"`
	NextAttemptAt time.Time       `json:"next_attempt_at,omitzero"`
	ServerID      string          `json:"server_id,omitempty"`
	Prior         json.RawMessage `json:"prior,omitempty"` // read-model snapshot before the optimistic effect
}

// New builds a pending transaction with a fresh idempotency key.
func New(t Type, payload json.RawMessage, entityKey string, now time.Time) (*Transaction, error) {
	if !t.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	if entityKey == "" {
		if t != TypeCapture {
			return nil, ErrEntityKeyRequired
		}
		entityKey = NewLocalKey()
	}
	return &Transaction{
		ID:        uuid.NewString(),
		Type:      t,
		Payload:   payload,
		Status:    StatusPending,
		CreatedAt: now.UTC(),
		EntityKey: entityKey,
	}, nil
}

// NewLocalKey returns a client-side temporary entity key.
func NewLocalKey() string {
	return LocalKeyPrefix + uuid.NewString()
}

// Transition moves the transaction to next, enforcing the state machine.
func (tx *Transaction) Transition(next Status) error {
	if !tx.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s (%s)", ErrInvalidTransition, tx.Status, next, tx.ID)
	}
	tx.Status = next
	return nil
}

// Due reports whether a pending transaction's backoff delay has elapsed.
func (tx *Transaction) Due(now time.Time) bool {
	return tx.NextAttemptAt.IsZero() || !now.Before(tx.NextAttemptAt)
}

// Resolved reports whether the transaction no longer blocks later
// transactions on the same entity.
func (tx *Transaction) Resolved() bool {
	return tx.Status == StatusConfirmed || tx.Status == StatusFailed
}

// Clone returns a deep copy safe to hand to subscribers.
func (tx *Transaction) Clone() Transaction {
	c := *tx
	if tx.Payload != nil {
		c.Payload = append(json.RawMessage(nil), tx.Payload...)
	}
	if tx.Prior != nil {
		c.Prior = append(json.RawMessage(nil), tx.Prior...)
	}
	return c
}

// Before orders transactions by creation time, then ledger sequence.
func Before(a, b *Transaction) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.Seq < b.Seq
}
