// Package resolver reconciles the local read-model with authoritative server
// state after a conflict.
package resolver

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/lazypower/clawsync/internal/logging"
	"github.com/lazypower/clawsync/internal/store"
	"github.com/lazypower/clawsync/internal/txn"
)

// ItemStore is the slice of the read-model the resolver touches.
type ItemStore interface {
	GetItem(key string) (*store.Item, error)
	PutItem(it *store.Item) error
}

// Resolution reports what Resolve did. Entity is the server state the UI
// should surface ("already completed elsewhere").
type Resolution struct {
	Overwritten bool
	Entity      *txn.EntityState
}

// Resolver applies last-write-wins by server timestamp: the server's view
// replaces the local item unless the local item already reflects a newer
// server update. Ties go to the server.
type Resolver struct {
	items  ItemStore
	logger *zap.Logger
}

// New creates a resolver over items.
func New(items ItemStore, logger *zap.Logger) *Resolver {
	return &Resolver{items: items, logger: logging.OrNop(logger)}
}

// Resolve reconciles the item mutated by tx with the entity in conflict.
// A conflict without entity state leaves the item untouched.
func (r *Resolver) Resolve(tx txn.Transaction, conflict *txn.ConflictError) (Resolution, error) {
	if conflict == nil || conflict.Entity == nil {
		return Resolution{}, nil
	}
	entity := conflict.Entity
	res := Resolution{Entity: entity}

	it, err := r.items.GetItem(tx.EntityKey)
	if err != nil {
		return res, fmt.Errorf("resolve %s: %w", tx.ID, err)
	}
	if it == nil {
		it = &store.Item{Key: tx.EntityKey}
	}

	if it.ServerUpdatedAt != nil && entity.UpdatedAt.Before(*it.ServerUpdatedAt) {
		r.logger.Debug("resolver: local item is newer, keeping",
			zap.String("tx", tx.ID), zap.String("entity", tx.EntityKey))
		return res, nil
	}

	apply(it, entity)
	if err := r.items.PutItem(it); err != nil {
		return res, fmt.Errorf("resolve %s: %w", tx.ID, err)
	}
	res.Overwritten = true
	r.logger.Info("resolver: server state wins",
		zap.String("tx", tx.ID),
		zap.String("entity", tx.EntityKey),
		zap.String("server_status", entity.Status),
		zap.String("updated_by", entity.UpdatedBy))
	return res, nil
}

func apply(it *store.Item, e *txn.EntityState) {
	if e.ServerID != "" {
		it.ServerID = e.ServerID
	}
	if e.Status != "" {
		it.Status = e.Status
	}
	if e.Content != "" {
		it.Content = e.Content
	}
	it.ExpiresAt = e.ExpiresAt
	it.CompletedAt = e.CompletedAt
	it.MergedInto = e.MergedInto
	updated := e.UpdatedAt.UTC()
	it.ServerUpdatedAt = &updated
}
