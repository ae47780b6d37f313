package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lazypower/clawsync/internal/backoff"
	"github.com/lazypower/clawsync/internal/ledger"
	"github.com/lazypower/clawsync/internal/logging"
	"github.com/lazypower/clawsync/internal/remote"
	"github.com/lazypower/clawsync/internal/resolver"
	"github.com/lazypower/clawsync/internal/status"
	"github.com/lazypower/clawsync/internal/store"
	"github.com/lazypower/clawsync/internal/txn"
)

var (
	ErrNotFound  = errors.New("transaction not found")
	ErrNotFailed = errors.New("transaction is not failed")
	ErrInFlight  = errors.New("transaction is being dispatched")
)

// ReadModel is the UI's local view of items.
type ReadModel interface {
	GetItem(key string) (*store.Item, error)
	PutItem(it *store.Item) error
	DeleteItem(key string) error
}

// Resolver reconciles a conflicting transaction with server state.
type Resolver interface {
	Resolve(tx txn.Transaction, conflict *txn.ConflictError) (resolver.Resolution, error)
}

// Publisher receives lifecycle events.
type Publisher interface {
	Publish(typ status.EventType, tx txn.Transaction, entity *txn.EntityState)
}

// OnlineChecker gates flushing. A nil checker means always online.
type OnlineChecker interface {
	IsOnline() bool
}

// Deps are the engine's collaborators.
type Deps struct {
	Ledger    *ledger.Ledger
	Items     ReadModel
	Sender    remote.Sender
	Resolver  Resolver
	Publisher Publisher
	Online    OnlineChecker
	Logger    *zap.Logger
}

// Options tune retry and timing behavior.
type Options struct {
	Backoff           backoff.Policy
	MaxAttempts       int // automatic attempts before a transient failure is terminal
	StorageRetries    int // extra attempts for a failed ledger write
	StorageRetryDelay time.Duration
	DispatchTimeout   time.Duration
	Now               func() time.Time
}

// DefaultOptions returns 1s..60s backoff, 8 attempts, 3 storage retries and
// a 15s dispatch deadline.
func DefaultOptions() Options {
	return Options{
		Backoff:           backoff.Default(),
		MaxAttempts:       8,
		StorageRetries:    3,
		StorageRetryDelay: 100 * time.Millisecond,
		DispatchTimeout:   15 * time.Second,
		Now:               time.Now,
	}
}

// Engine orchestrates transaction creation, dispatch and state transitions.
// mu serializes every ledger mutation; no network call happens under it.
// emitMu is taken before mu is released so events reach the publisher in
// the order the ledger changed.
type Engine struct {
	ledger    *ledger.Ledger
	items     ReadModel
	sender    remote.Sender
	resolver  Resolver
	publisher Publisher
	online    OnlineChecker
	logger    *zap.Logger
	opts      Options

	mu     sync.Mutex
	emitMu sync.Mutex
	busy   map[string]bool // entity keys with a dispatch in flight
	timers map[string]*time.Timer

	kick    chan struct{}
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

type event struct {
	typ    status.EventType
	tx     txn.Transaction
	entity *txn.EntityState
}

// New creates an Engine. The ledger must already be loaded.
func New(deps Deps, opts Options) *Engine {
	def := DefaultOptions()
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.StorageRetries < 0 {
		opts.StorageRetries = 0
	}
	if opts.DispatchTimeout <= 0 {
		opts.DispatchTimeout = def.DispatchTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		ledger:    deps.Ledger,
		items:     deps.Items,
		sender:    deps.Sender,
		resolver:  deps.Resolver,
		publisher: deps.Publisher,
		online:    deps.Online,
		logger:    logging.OrNop(deps.Logger),
		opts:      opts,
		busy:      make(map[string]bool),
		timers:    make(map[string]*time.Timer),
		kick:      make(chan struct{}, 1),
	}
}

// Create durably records a new transaction, applies its optimistic effect
// and schedules dispatch. It never performs network I/O.
func (e *Engine) Create(ctx context.Context, typ txn.Type, payload json.RawMessage, entityKey string) (txn.Transaction, error) {
	now := e.opts.Now()
	tx, err := txn.New(typ, nil, entityKey, now)
	if err != nil {
		return txn.Transaction{}, &txn.ValidationError{Msg: "create transaction", Err: err}
	}
	if tx.Payload, err = txn.NormalizePayload(typ, tx.EntityKey, payload); err != nil {
		return txn.Transaction{}, err
	}
	keys, err := touchedKeys(tx)
	if err != nil {
		return txn.Transaction{}, &txn.ValidationError{Msg: "create transaction", Err: err}
	}

	e.mu.Lock()
	prior, err := snapshot(e.items, keys)
	if err != nil {
		e.mu.Unlock()
		return txn.Transaction{}, &txn.StorageError{Op: "snapshot", Err: err}
	}
	if err := checkPreconditions(tx, prior); err != nil {
		e.mu.Unlock()
		return txn.Transaction{}, err
	}
	if tx.Prior, err = json.Marshal(prior); err != nil {
		e.mu.Unlock()
		return txn.Transaction{}, fmt.Errorf("encode prior state: %w", err)
	}
	if err := e.storage(ctx, func() error { return e.ledger.Append(tx) }); err != nil {
		e.mu.Unlock()
		e.logger.Error("engine: append failed", zap.String("tx", tx.ID), zap.Error(err))
		return txn.Transaction{}, err
	}
	if err := applyEffect(e.items, tx, prior, now); err != nil {
		if uerr := e.undoCreateLocked(ctx, tx); uerr != nil {
			// still durable; a capture's item is rebuilt when it confirms
			e.logger.Error("engine: optimistic effect failed, keeping transaction",
				zap.String("tx", tx.ID), zap.Error(err), zap.NamedError("undo", uerr))
		} else {
			e.mu.Unlock()
			e.logger.Error("engine: optimistic effect failed", zap.String("tx", tx.ID), zap.Error(err))
			return txn.Transaction{}, &txn.StorageError{Op: "apply effect", Err: err}
		}
	}
	created := tx.Clone()
	e.logger.Debug("engine: created",
		zap.String("tx", created.ID), zap.String("type", string(typ)), zap.String("entity", created.EntityKey))
	e.release(event{typ: status.EventCreated, tx: created})
	e.Kick()
	return created, nil
}

// undoCreateLocked drops a just-appended transaction whose effect could not
// be applied, restoring whatever part of the effect was written.
func (e *Engine) undoCreateLocked(ctx context.Context, tx *txn.Transaction) error {
	if err := e.storage(ctx, func() error { return e.ledger.Remove(tx.ID) }); err != nil {
		return err
	}
	if err := rollback(e.items, tx); err != nil {
		e.logger.Warn("engine: rollback partial effect", zap.String("tx", tx.ID), zap.Error(err))
	}
	return nil
}

// Kick requests an asynchronous flush from the running loop.
func (e *Engine) Kick() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// FlushEligible dispatches the head of every idle entity whose earlier
// transactions are all resolved. Entities run concurrently; transactions on
// one entity run one after another in creation order. It returns when the
// round is finished.
func (e *Engine) FlushEligible(ctx context.Context) error {
	if e.online != nil && !e.online.IsOnline() {
		return nil
	}

	e.mu.Lock()
	claims, evs := e.claimHeadsLocked(ctx)
	e.release(evs...)

	if len(claims) == 0 {
		return nil
	}
	g := new(errgroup.Group)
	for _, tx := range claims {
		g.Go(func() error { return e.work(ctx, g, tx) })
	}
	return g.Wait()
}

// claimHeadsLocked moves to syncing every pending, due transaction that is
// the first unresolved one on each entity it touches while none of those
// entities is busy. A merge touches its target as well as its own entity.
// With keys, only transactions touching one of them are claimed.
func (e *Engine) claimHeadsLocked(ctx context.Context, keys ...string) ([]txn.Transaction, []event) {
	now := e.opts.Now()
	decided := make(map[string]bool)
	var (
		claims []txn.Transaction
		evs    []event
	)
	for _, tx := range e.ledger.List() {
		if tx.Resolved() {
			continue
		}
		touched := lockKeys(&tx)
		blocked := false
		for _, k := range touched {
			blocked = blocked || decided[k] || e.busy[k]
			decided[k] = true
		}
		if blocked || !overlaps(touched, keys) || tx.Status != txn.StatusPending || !tx.Due(now) {
			continue
		}
		if err := tx.Transition(txn.StatusSyncing); err != nil {
			e.logger.Error("engine: claim", zap.Error(err))
			continue
		}
		if err := e.storage(ctx, func() error { return e.ledger.Update(&tx) }); err != nil {
			e.logger.Error("engine: persist syncing", zap.String("tx", tx.ID), zap.Error(err))
			continue
		}
		e.stopTimerLocked(tx.ID)
		for _, k := range touched {
			e.busy[k] = true
		}
		claims = append(claims, tx)
		evs = append(evs, event{typ: status.EventSyncing, tx: tx.Clone()})
	}
	return claims, evs
}

func lockKeys(tx *txn.Transaction) []string {
	keys, err := touchedKeys(tx)
	if err != nil {
		return []string{tx.EntityKey}
	}
	return keys
}

func overlaps(touched, keys []string) bool {
	if len(keys) == 0 {
		return true
	}
	for _, t := range touched {
		for _, k := range keys {
			if t == k {
				return true
			}
		}
	}
	return false
}

// work dispatches tx and then whatever its settling unblocks. The first
// successor runs on this goroutine, the rest join g.
func (e *Engine) work(ctx context.Context, g *errgroup.Group, tx txn.Transaction) error {
	for {
		next, err := e.dispatch(ctx, tx)
		if len(next) == 0 {
			return err
		}
		for _, more := range next[1:] {
			g.Go(func() error { return e.work(ctx, g, more) })
		}
		if err != nil {
			return err
		}
		tx = next[0]
	}
}

func (e *Engine) dispatch(ctx context.Context, tx txn.Transaction) ([]txn.Transaction, error) {
	req, err := e.request(tx)
	if err != nil {
		return e.settle(ctx, tx, nil, &txn.ValidationError{Msg: "build request", Err: err})
	}

	callCtx, cancel := context.WithTimeout(ctx, e.opts.DispatchTimeout)
	res, err := e.sender.Send(callCtx, req)
	if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		var te *txn.TimeoutError
		if !errors.As(err, &te) {
			err = &txn.TimeoutError{Err: err}
		}
	}
	cancel()
	return e.settle(ctx, tx, &res, err)
}

// request builds the wire request, resolving server ids from the read-model.
func (e *Engine) request(tx txn.Transaction) (remote.Request, error) {
	req := remote.Request{ID: tx.ID, Type: tx.Type, EntityKey: tx.EntityKey, Payload: tx.Payload}
	if it, err := e.items.GetItem(tx.EntityKey); err != nil {
		return req, err
	} else if it != nil {
		req.EntityID = it.ServerID
	}
	if tx.Type == txn.TypeMerge {
		p, err := txn.DecodeMerge(tx.Payload)
		if err != nil {
			return req, err
		}
		target, err := e.items.GetItem(p.TargetKey)
		if err != nil {
			return req, err
		}
		if target != nil {
			p.TargetID = target.ServerID
		}
		if req.Payload, err = json.Marshal(p); err != nil {
			return req, err
		}
	}
	return req, nil
}

// settle applies the dispatch outcome and claims the transactions it
// unblocked on the entities tx touched.
func (e *Engine) settle(ctx context.Context, tx txn.Transaction, res *remote.Result, sendErr error) ([]txn.Transaction, error) {
	e.mu.Lock()
	var (
		evs     []event
		err     error
		advance bool
	)
	switch {
	case sendErr == nil:
		evs, err = e.confirmLocked(ctx, &tx, *res)
		advance = err == nil
	case ctx.Err() != nil:
		// shutting down: put it back without spending an attempt
		evs = e.requeueLocked(&tx, sendErr, time.Time{})
	case txn.IsTransient(sendErr):
		evs, advance = e.backoffLocked(ctx, &tx, sendErr)
	case txn.KindOf(sendErr) == txn.KindConflict:
		evs = e.conflictLocked(ctx, &tx, sendErr)
		advance = true
	default:
		evs = e.markFailedLocked(ctx, &tx, txn.KindOf(sendErr), sendErr)
		advance = true
	}

	touched := lockKeys(&tx)
	for _, k := range touched {
		delete(e.busy, k)
	}
	var next []txn.Transaction
	if advance && ctx.Err() == nil && (e.online == nil || e.online.IsOnline()) {
		var more []event
		next, more = e.claimHeadsLocked(ctx, touched...)
		evs = append(evs, more...)
	}
	e.release(evs...)
	return next, err
}

func (e *Engine) confirmLocked(ctx context.Context, tx *txn.Transaction, res remote.Result) ([]event, error) {
	if err := e.storage(ctx, func() error { return e.ledger.Remove(tx.ID) }); err != nil {
		e.logger.Error("engine: remove confirmed", zap.String("tx", tx.ID), zap.Error(err))
		return e.unsettledLocked(tx), err
	}
	tx.Status = txn.StatusConfirmed
	tx.ServerID = res.ServerID

	if restored, err := restoreCapture(e.items, tx); err != nil {
		e.logger.Warn("engine: restore capture item", zap.String("tx", tx.ID), zap.Error(err))
	} else if restored {
		e.logger.Info("engine: restored missing capture item", zap.String("tx", tx.ID), zap.String("entity", tx.EntityKey))
	}
	it, err := e.items.GetItem(tx.EntityKey)
	if err == nil && it != nil {
		if tx.Type == txn.TypeCapture || it.ServerID == "" {
			it.ServerID = res.ServerID
		}
		ts := res.ServerTimestamp.UTC()
		it.ServerUpdatedAt = &ts
		err = e.items.PutItem(it)
	}
	if err != nil {
		e.logger.Warn("engine: map server id", zap.String("tx", tx.ID), zap.Error(err))
	}

	e.logger.Info("engine: confirmed",
		zap.String("tx", tx.ID), zap.String("type", string(tx.Type)),
		zap.String("server_id", res.ServerID), zap.Int("retries", tx.RetryCount))
	return []event{{typ: status.EventConfirmed, tx: tx.Clone()}}, nil
}

// unsettledLocked puts back a confirmed transaction whose removal could not
// be persisted. The persisted copy is still syncing, which Load also reads as
// pending; the replay is answered from the authority's idempotency record.
func (e *Engine) unsettledLocked(tx *txn.Transaction) []event {
	delay := e.opts.Backoff.Delay(1)
	released, err := e.ledger.Release(tx.ID, e.opts.Now().Add(delay))
	if err != nil {
		e.logger.Error("engine: release unsettled", zap.String("tx", tx.ID), zap.Error(err))
		return nil
	}
	*tx = released
	e.scheduleLocked(tx.ID, delay)
	return []event{{typ: status.EventRequeued, tx: tx.Clone()}}
}

// backoffLocked spends one attempt. It reports whether the transaction is
// now resolved (out of attempts) so the entity may advance.
func (e *Engine) backoffLocked(ctx context.Context, tx *txn.Transaction, sendErr error) ([]event, bool) {
	tx.RetryCount++
	if tx.RetryCount >= e.opts.MaxAttempts {
		return e.markFailedLocked(ctx, tx, txn.KindExhausted, sendErr), true
	}
	delay := e.opts.Backoff.Delay(tx.RetryCount)
	e.logger.Info("engine: transient failure, backing off",
		zap.String("tx", tx.ID), zap.Int("attempt", tx.RetryCount),
		zap.Duration("delay", delay), zap.Error(sendErr))
	evs := e.requeueLocked(tx, sendErr, e.opts.Now().Add(delay))
	e.scheduleLocked(tx.ID, delay)
	return evs, false
}

func (e *Engine) requeueLocked(tx *txn.Transaction, cause error, at time.Time) []event {
	tx.Status = txn.StatusPending
	tx.NextAttemptAt = at
	tx.LastError = cause.Error()
	tx.ErrorKind = txn.KindOf(cause)
	if err := e.storage(context.Background(), func() error { return e.ledger.Update(tx) }); err != nil {
		e.logger.Error("engine: persist requeue", zap.String("tx", tx.ID), zap.Error(err))
	}
	return []event{{typ: status.EventRequeued, tx: tx.Clone()}}
}

func (e *Engine) conflictLocked(ctx context.Context, tx *txn.Transaction, sendErr error) []event {
	var ce *txn.ConflictError
	errors.As(sendErr, &ce)

	var evs []event
	if e.resolver != nil {
		res, err := e.resolver.Resolve(tx.Clone(), ce)
		if err != nil {
			e.logger.Error("engine: resolve conflict", zap.String("tx", tx.ID), zap.Error(err))
		}
		evs = append(evs, event{typ: status.EventConflict, tx: tx.Clone(), entity: res.Entity})
	} else {
		evs = append(evs, event{typ: status.EventConflict, tx: tx.Clone(), entity: ce.Entity})
	}
	return append(evs, e.markFailedLocked(ctx, tx, txn.KindConflict, sendErr)...)
}

func (e *Engine) markFailedLocked(ctx context.Context, tx *txn.Transaction, kind txn.ErrorKind, cause error) []event {
	tx.Status = txn.StatusFailed
	tx.ErrorKind = kind
	tx.NextAttemptAt = time.Time{}
	if cause != nil {
		tx.LastError = cause.Error()
	}
	if err := e.storage(ctx, func() error { return e.ledger.Update(tx) }); err != nil {
		e.logger.Error("engine: persist failed", zap.String("tx", tx.ID), zap.Error(err))
	}
	e.logger.Warn("engine: transaction failed",
		zap.String("tx", tx.ID), zap.String("kind", string(kind)), zap.String("error", tx.LastError))
	return []event{{typ: status.EventFailed, tx: tx.Clone()}}
}

// Retry requeues a failed or backing-off transaction for immediate dispatch
// with a fresh attempt budget.
func (e *Engine) Retry(ctx context.Context, id string) (txn.Transaction, error) {
	e.mu.Lock()
	tx, ok := e.ledger.Get(id)
	if !ok {
		e.mu.Unlock()
		return txn.Transaction{}, fmt.Errorf("retry %s: %w", id, ErrNotFound)
	}
	if tx.Status == txn.StatusSyncing {
		e.mu.Unlock()
		return txn.Transaction{}, fmt.Errorf("retry %s: %w", id, ErrInFlight)
	}
	if err := tx.Transition(txn.StatusPending); err != nil {
		e.mu.Unlock()
		return txn.Transaction{}, fmt.Errorf("retry %s: %w", id, err)
	}
	tx.RetryCount = 0
	tx.NextAttemptAt = time.Time{}
	tx.LastError = ""
	tx.ErrorKind = ""
	if err := e.storage(ctx, func() error { return e.ledger.Update(&tx) }); err != nil {
		e.mu.Unlock()
		return txn.Transaction{}, err
	}
	e.stopTimerLocked(id)
	requeued := tx.Clone()
	e.release(event{typ: status.EventRequeued, tx: requeued})
	e.Kick()
	return requeued, nil
}

// Discard removes a failed transaction. With rollback, the items it touched
// are restored to their state before it was created.
func (e *Engine) Discard(ctx context.Context, id string, rollbackEffect bool) error {
	e.mu.Lock()
	tx, ok := e.ledger.Get(id)
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("discard %s: %w", id, ErrNotFound)
	}
	if tx.Status != txn.StatusFailed {
		e.mu.Unlock()
		return fmt.Errorf("discard %s (%s): %w", id, tx.Status, ErrNotFailed)
	}
	if err := e.storage(ctx, func() error { return e.ledger.Remove(id) }); err != nil {
		e.mu.Unlock()
		return err
	}
	if rollbackEffect {
		if err := rollback(e.items, &tx); err != nil {
			e.logger.Warn("engine: rollback", zap.String("tx", id), zap.Error(err))
		}
	}
	e.logger.Info("engine: discarded", zap.String("tx", id), zap.Bool("rollback", rollbackEffect))
	e.release(event{typ: status.EventDiscarded, tx: tx.Clone()})
	return nil
}

// List returns every transaction in the ledger.
func (e *Engine) List() []txn.Transaction {
	return e.ledger.List()
}

// Get returns one transaction.
func (e *Engine) Get(id string) (txn.Transaction, bool) {
	return e.ledger.Get(id)
}

// Start runs the loop that services Kick requests and backoff timers until
// ctx is cancelled or Stop is called.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	e.running = true
	e.cancel = cancel
	e.done = make(chan struct{})
	now := e.opts.Now()
	for _, tx := range e.ledger.List() {
		if restored, err := restoreCapture(e.items, &tx); err != nil {
			e.logger.Warn("engine: restore capture item", zap.String("tx", tx.ID), zap.Error(err))
		} else if restored {
			e.logger.Info("engine: restored missing capture item", zap.String("tx", tx.ID), zap.String("entity", tx.EntityKey))
		}
		if tx.Status == txn.StatusPending && !tx.Due(now) {
			e.scheduleLocked(tx.ID, tx.NextAttemptAt.Sub(now))
		}
	}
	done := e.done
	e.mu.Unlock()

	e.Kick()
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-e.kick:
				if err := e.FlushEligible(ctx); err != nil {
					e.logger.Error("engine: flush", zap.Error(err))
				}
			}
		}
	}()
}

// Stop cancels the loop and every backoff timer and waits for in-flight
// dispatches to settle.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel, done := e.cancel, e.done
	for id := range e.timers {
		e.stopTimerLocked(id)
	}
	e.mu.Unlock()

	cancel()
	<-done
}

func (e *Engine) scheduleLocked(id string, delay time.Duration) {
	if !e.running {
		return
	}
	e.stopTimerLocked(id)
	e.timers[id] = time.AfterFunc(delay, func() {
		e.mu.Lock()
		delete(e.timers, id)
		e.mu.Unlock()
		e.Kick()
	})
}

func (e *Engine) stopTimerLocked(id string) {
	if t, ok := e.timers[id]; ok {
		t.Stop()
		delete(e.timers, id)
	}
}

// storage runs op, retrying ledger write failures with a fixed delay.
func (e *Engine) storage(ctx context.Context, op func() error) error {
	var err error
	for attempt := 0; attempt <= e.opts.StorageRetries; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		var se *txn.StorageError
		if !errors.As(err, &se) {
			return err
		}
		if attempt == e.opts.StorageRetries {
			break
		}
		e.logger.Warn("engine: storage write failed, retrying", zap.Int("attempt", attempt+1), zap.Error(err))
		select {
		case <-ctx.Done():
			return err
		case <-time.After(e.opts.StorageRetryDelay):
		}
	}
	return err
}

// release unlocks mu and publishes evs ahead of any later mutation's events.
// Handlers run under emitMu and must not call back into the engine.
func (e *Engine) release(evs ...event) {
	e.emitMu.Lock()
	e.mu.Unlock()
	defer e.emitMu.Unlock()
	e.emit(evs...)
}

func (e *Engine) emit(evs ...event) {
	if e.publisher == nil {
		return
	}
	for _, ev := range evs {
		e.publisher.Publish(ev.typ, ev.tx, ev.entity)
	}
}
