package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/lazypower/clawsync/internal/store"
	"github.com/lazypower/clawsync/internal/txn"
)

// priorState maps each item key a transaction touches to its state before
// the optimistic effect. A nil value means the item did not exist.
type priorState map[string]*store.Item

// touchedKeys lists the read-model keys tx mutates.
func touchedKeys(tx *txn.Transaction) ([]string, error) {
	if tx.Type != txn.TypeMerge {
		return []string{tx.EntityKey}, nil
	}
	p, err := txn.DecodeMerge(tx.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode merge payload: %w", err)
	}
	return []string{tx.EntityKey, p.TargetKey}, nil
}

// checkPreconditions rejects transactions whose items are not in the
// read-model: captures need a free key, everything else an existing item.
func checkPreconditions(tx *txn.Transaction, prior priorState) error {
	if tx.Type == txn.TypeCapture {
		if prior[tx.EntityKey] != nil {
			return &txn.ValidationError{Msg: "item already exists: " + tx.EntityKey}
		}
		return nil
	}
	keys, err := touchedKeys(tx)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if prior[k] == nil {
			return &txn.ValidationError{Msg: "unknown item: " + k}
		}
	}
	return nil
}

func snapshot(items ReadModel, keys []string) (priorState, error) {
	prior := make(priorState, len(keys))
	for _, k := range keys {
		it, err := items.GetItem(k)
		if err != nil {
			return nil, fmt.Errorf("snapshot item %s: %w", k, err)
		}
		prior[k] = it
	}
	return prior, nil
}

// applyEffect mutates the read-model the way the authority will once it
// confirms tx.
func applyEffect(items ReadModel, tx *txn.Transaction, prior priorState, now time.Time) error {
	now = now.UTC()
	switch tx.Type {
	case txn.TypeCapture:
		p, err := txn.DecodeCapture(tx.Payload)
		if err != nil {
			return fmt.Errorf("decode capture payload: %w", err)
		}
		expires := now.Add(p.Expiry())
		return items.PutItem(&store.Item{
			Key:         tx.EntityKey,
			Content:     p.Content,
			ContentType: p.ContentType,
			Status:      store.ItemActive,
			Priority:    p.Priority,
			ExpiresAt:   &expires,
			CreatedAt:   now,
		})

	case txn.TypeStrike:
		it := copyItem(prior[tx.EntityKey])
		it.Status = store.ItemCompleted
		it.CompletedAt = &now
		return items.PutItem(it)

	case txn.TypeRelease:
		it := copyItem(prior[tx.EntityKey])
		it.Status = store.ItemExpired
		return items.PutItem(it)

	case txn.TypeExtend:
		p, err := txn.DecodeExtend(tx.Payload)
		if err != nil {
			return fmt.Errorf("decode extend payload: %w", err)
		}
		it := copyItem(prior[tx.EntityKey])
		expires := now.Add(time.Duration(p.Days) * 24 * time.Hour)
		it.ExpiresAt = &expires
		return items.PutItem(it)

	case txn.TypeMerge:
		p, err := txn.DecodeMerge(tx.Payload)
		if err != nil {
			return fmt.Errorf("decode merge payload: %w", err)
		}
		source := copyItem(prior[tx.EntityKey])
		target := copyItem(prior[p.TargetKey])
		if source.Content != "" {
			if target.Content != "" {
				target.Content += "\n"
			}
			target.Content += source.Content
		}
		source.Status = store.ItemMerged
		source.MergedInto = p.TargetKey
		if err := items.PutItem(target); err != nil {
			return err
		}
		return items.PutItem(source)
	}
	return fmt.Errorf("%w: %q", txn.ErrUnknownType, tx.Type)
}

// restoreCapture recreates the optimistic item of a capture whose effect
// never reached the read-model, dated from the transaction's creation. It
// reports whether it wrote anything.
func restoreCapture(items ReadModel, tx *txn.Transaction) (bool, error) {
	if tx.Type != txn.TypeCapture {
		return false, nil
	}
	it, err := items.GetItem(tx.EntityKey)
	if err != nil || it != nil {
		return false, err
	}
	return true, applyEffect(items, tx, nil, tx.CreatedAt)
}

// rollback restores every item tx touched to its prior state.
func rollback(items ReadModel, tx *txn.Transaction) error {
	if len(tx.Prior) == 0 {
		return nil
	}
	var prior priorState
	if err := json.Unmarshal(tx.Prior, &prior); err != nil {
		return fmt.Errorf("decode prior state: %w", err)
	}
	for key, it := range prior {
		if it == nil {
			if err := items.DeleteItem(key); err != nil {
				return err
			}
			continue
		}
		if err := items.PutItem(it); err != nil {
			return err
		}
	}
	return nil
}

func copyItem(it *store.Item) *store.Item {
	c := *it
	return &c
}
