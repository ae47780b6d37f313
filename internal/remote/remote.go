// Package remote is the client side of the authority contract: one POST per
// transaction, keyed by the transaction id so replays are harmless.
package remote

import (
	"context"
	"encoding/json"
	"time"

	"github.com/lazypower/clawsync/internal/txn"
)

// Request is one transaction on the wire.
type Request struct {
	ID        string          `json:"id"`
	Type      txn.Type        `json:"-"`
	EntityKey string          `json:"entity_key"`
	EntityID  string          `json:"entity_id,omitempty"` // server id; empty for captures and unsynced items
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Result is the authority's confirmation.
type Result struct {
	ServerID        string    `json:"server_id"`
	ServerTimestamp time.Time `json:"server_timestamp"`
}

// Reply is the JSON body of every authority response.
type Reply struct {
	Status          string           `json:"status"` // ok, conflict, invalid, error
	ServerID        string           `json:"server_id,omitempty"`
	ServerTimestamp time.Time        `json:"server_timestamp,omitzero"`
	Error           string           `json:"error,omitempty"`
	Entity          *txn.EntityState `json:"entity,omitempty"`
}

// Reply status values.
const (
	ReplyOK       = "ok"
	ReplyConflict = "conflict"
	ReplyInvalid  = "invalid"
	ReplyError    = "error"
)

// IdempotencyHeader carries the transaction id.
const IdempotencyHeader = "Idempotency-Key"

// Path returns the authority route for transactions of type t.
func Path(t txn.Type) string {
	return "/api/v1/claws/" + string(t)
}

// HealthPath is probed by the connectivity monitor.
const HealthPath = "/api/health"

// Sender delivers a transaction to the authority. Implementations return the
// typed errors of package txn so the engine can classify outcomes.
type Sender interface {
	Send(ctx context.Context, req Request) (Result, error)
}
