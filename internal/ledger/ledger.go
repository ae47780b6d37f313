// Package ledger is the durable, ordered store of not-yet-confirmed
// transactions. The complete set is serialized and written on every
// mutation, so a process kill at any point leaves either the old or the new
// set on disk, never a partial one.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lazypower/clawsync/internal/logging"
	"github.com/lazypower/clawsync/internal/txn"
)

// DefaultKey is the storage key of the serialized ledger.
const DefaultKey = "ledger/v1"

const formatVersion = 1

var (
	ErrNotFound  = errors.New("transaction not found in ledger")
	ErrDuplicate = errors.New("transaction already in ledger")
)

// Store is the local persistence collaborator.
type Store interface {
	Get(key string) ([]byte, error) // nil, nil when missing
	Set(key string, value []byte) error
	Remove(key string) error
}

type snapshot struct {
	Version      int                `json:"version"`
	Seq          int64              `json:"seq"`
	Transactions []*txn.Transaction `json:"transactions"`
}

// Ledger holds transactions in memory and persists them through a Store.
type Ledger struct {
	mu     sync.Mutex
	store  Store
	key    string
	txs    map[string]*txn.Transaction
	seq    int64
	logger *zap.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithKey overrides the storage key.
func WithKey(key string) Option { return func(l *Ledger) { l.key = key } }

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option { return func(l *Ledger) { l.logger = logger } }

// New creates an empty ledger. Call Load before use to pick up persisted state.
func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store: store,
		key:   DefaultKey,
		txs:   make(map[string]*txn.Transaction),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = logging.OrNop(l.logger)
	return l
}

// Load reconstructs in-memory state from storage. Transactions persisted as
// syncing were interrupted mid-dispatch and are reset to pending; replaying
// them is safe because the id is the idempotency key.
func (l *Ledger) Load() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := l.store.Get(l.key)
	if err != nil {
		return &txn.StorageError{Op: "load", Err: err}
	}

	l.txs = make(map[string]*txn.Transaction)
	l.seq = 0
	if data == nil {
		return nil
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return &txn.StorageError{Op: "load", Err: fmt.Errorf("decode ledger: %w", err)}
	}
	if snap.Version != formatVersion {
		return &txn.StorageError{Op: "load", Err: fmt.Errorf("unsupported ledger version %d", snap.Version)}
	}

	recovered := 0
	for _, tx := range snap.Transactions {
		if tx == nil || tx.ID == "" {
			continue
		}
		if tx.Status == txn.StatusSyncing {
			tx.Status = txn.StatusPending
			recovered++
		}
		l.txs[tx.ID] = tx
		if tx.Seq > l.seq {
			l.seq = tx.Seq
		}
	}
	if snap.Seq > l.seq {
		l.seq = snap.Seq
	}
	if recovered > 0 {
		l.logger.Info("ledger: requeued interrupted dispatches", zap.Int("count", recovered))
	}
	return nil
}

// Append adds tx and persists the full set before returning. On a write
// failure tx is not in the ledger and a *txn.StorageError is returned.
func (l *Ledger) Append(tx *txn.Transaction) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.txs[tx.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicate, tx.ID)
	}

	l.seq++
	stored := *tx
	stored.Seq = l.seq
	l.txs[tx.ID] = &stored

	if err := l.persistLocked(); err != nil {
		delete(l.txs, tx.ID)
		l.seq--
		return &txn.StorageError{Op: "append", Err: err}
	}
	tx.Seq = stored.Seq
	return nil
}

// Update replaces the stored copy of tx and persists. On failure the
// previous copy is restored.
func (l *Ledger) Update(tx *txn.Transaction) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev, ok := l.txs[tx.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, tx.ID)
	}
	stored := *tx
	stored.Seq = prev.Seq
	l.txs[tx.ID] = &stored

	if err := l.persistLocked(); err != nil {
		l.txs[tx.ID] = prev
		return &txn.StorageError{Op: "update", Err: err}
	}
	return nil
}

// Remove deletes the transaction and persists. On failure it stays.
func (l *Ledger) Remove(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	prev, ok := l.txs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(l.txs, id)

	if err := l.persistLocked(); err != nil {
		l.txs[id] = prev
		return &txn.StorageError{Op: "remove", Err: err}
	}
	return nil
}

// Release returns a syncing transaction to pending, due at at, without
// persisting. It is for a settle whose write failed: stored as syncing, the
// transaction already loads as pending after a restart.
func (l *Ledger) Release(id string, at time.Time) (txn.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, ok := l.txs[id]
	if !ok {
		return txn.Transaction{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if tx.Status == txn.StatusSyncing {
		tx.Status = txn.StatusPending
		tx.NextAttemptAt = at
	}
	return tx.Clone(), nil
}

// Get returns a copy of the transaction with the given id.
func (l *Ledger) Get(id string) (txn.Transaction, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, ok := l.txs[id]
	if !ok {
		return txn.Transaction{}, false
	}
	return tx.Clone(), true
}

// List returns copies of all transactions in created_at order.
func (l *Ledger) List() []txn.Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()

	sorted := l.sortedLocked()
	out := make([]txn.Transaction, len(sorted))
	for i, tx := range sorted {
		out[i] = tx.Clone()
	}
	return out
}

// Len returns the number of transactions.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.txs)
}

func (l *Ledger) sortedLocked() []*txn.Transaction {
	sorted := make([]*txn.Transaction, 0, len(l.txs))
	for _, tx := range l.txs {
		sorted = append(sorted, tx)
	}
	sort.Slice(sorted, func(i, j int) bool {
		return txn.Before(sorted[i], sorted[j])
	})
	return sorted
}

func (l *Ledger) persistLocked() error {
	if len(l.txs) == 0 {
		return l.store.Remove(l.key)
	}
	data, err := json.Marshal(snapshot{
		Version:      formatVersion,
		Seq:          l.seq,
		Transactions: l.sortedLocked(),
	})
	if err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}
	return l.store.Set(l.key, data)
}
