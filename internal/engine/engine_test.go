package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/lazypower/clawsync/internal/backoff"
	"github.com/lazypower/clawsync/internal/ledger"
	"github.com/lazypower/clawsync/internal/remote"
	"github.com/lazypower/clawsync/internal/resolver"
	"github.com/lazypower/clawsync/internal/status"
	"github.com/lazypower/clawsync/internal/store"
	"github.com/lazypower/clawsync/internal/txn"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type onlineFlag struct{ atomic.Bool }

func (o *onlineFlag) IsOnline() bool { return o.Load() }

// flakyKV fails the next n ledger writes.
type flakyKV struct {
	ledger.Store
	fail atomic.Int32
}

func (f *flakyKV) Set(key string, value []byte) error {
	if f.fail.Add(-1) >= 0 {
		return errors.New("disk full")
	}
	return f.Store.Set(key, value)
}

func (f *flakyKV) Remove(key string) error {
	if f.fail.Add(-1) >= 0 {
		return errors.New("disk full")
	}
	return f.Store.Remove(key)
}

// flakyItems fails the next n read-model writes.
type flakyItems struct {
	ReadModel
	fail atomic.Int32
}

func (f *flakyItems) PutItem(it *store.Item) error {
	if f.fail.Add(-1) >= 0 {
		return errors.New("disk full")
	}
	return f.ReadModel.PutItem(it)
}

type recorder struct {
	mu     sync.Mutex
	events []status.Event
}

func (r *recorder) add(ev status.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// trail returns the event types seen for one transaction id.
func (r *recorder) trail(id string) []status.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []status.EventType
	for _, ev := range r.events {
		if ev.Tx.ID == id {
			out = append(out, ev.Type)
		}
	}
	return out
}

func (r *recorder) last(id string, typ status.EventType) (status.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Tx.ID == id && r.events[i].Type == typ {
			return r.events[i], true
		}
	}
	return status.Event{}, false
}

type harness struct {
	db     *store.DB
	kv     *flakyKV
	items  *flakyItems
	ledger *ledger.Ledger
	mock   *remote.Mock
	pub    *status.Publisher
	events *recorder
	online *onlineFlag
	clock  *clock
	eng    *Engine
}

func newHarness(t *testing.T, tweak ...func(*Options)) *harness {
	t.Helper()
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return newHarnessOn(t, db, tweak...)
}

func newHarnessOn(t *testing.T, db *store.DB, tweak ...func(*Options)) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	h := &harness{
		db:     db,
		kv:     &flakyKV{Store: db},
		items:  &flakyItems{ReadModel: db},
		mock:   &remote.Mock{},
		pub:    status.New(),
		events: &recorder{},
		online: &onlineFlag{},
		clock:  &clock{now: time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)},
	}
	h.online.Store(true)
	h.ledger = ledger.New(h.kv, ledger.WithLogger(logger))
	require.NoError(t, h.ledger.Load())
	h.pub.Seed(h.ledger.List())
	h.pub.SubscribeAll(h.events.add)

	opts := DefaultOptions()
	opts.Backoff = backoff.Policy{Base: time.Second, Cap: time.Minute, Rand: func() float64 { return 0 }}
	opts.StorageRetryDelay = time.Millisecond
	opts.Now = h.clock.Now
	for _, fn := range tweak {
		fn(&opts)
	}
	h.eng = New(Deps{
		Ledger:    h.ledger,
		Items:     h.items,
		Sender:    h.mock,
		Resolver:  resolver.New(db, logger),
		Publisher: h.pub,
		Online:    h.online,
		Logger:    logger,
	}, opts)
	return h
}

func capture(t *testing.T, h *harness, content string) txn.Transaction {
	t.Helper()
	tx, err := h.eng.Create(context.Background(), txn.TypeCapture, json.RawMessage(fmt.Sprintf(`{"content":%q}`, content)), "")
	require.NoError(t, err)
	return tx
}

func flush(t *testing.T, h *harness) {
	t.Helper()
	require.NoError(t, h.eng.FlushEligible(context.Background()))
}

// drain flushes, advancing past every backoff delay, until nothing is pending.
func drain(t *testing.T, h *harness) {
	t.Helper()
	for i := 0; i < 50; i++ {
		flush(t, h)
		if h.pub.GetStatus().Pending == 0 {
			return
		}
		h.clock.Advance(2 * time.Minute)
	}
	t.Fatalf("ledger did not drain: %+v", h.pub.GetStatus())
}

func TestCreateIsDurableAndOptimistic(t *testing.T) {
	h := newHarness(t)
	tx := capture(t, h, "buy milk")

	assert.Equal(t, txn.StatusPending, tx.Status)
	assert.Equal(t, 1, h.ledger.Len())
	assert.Empty(t, h.mock.Calls(), "create must not touch the network")
	assert.Equal(t, []status.EventType{status.EventCreated}, h.events.trail(tx.ID))
	assert.Equal(t, status.Snapshot{Pending: 1}, h.pub.GetStatus())

	it, err := h.db.GetItem(tx.EntityKey)
	require.NoError(t, err)
	require.NotNil(t, it)
	assert.Equal(t, store.ItemActive, it.Status)
	assert.Equal(t, "buy milk", it.Content)
	require.NotNil(t, it.ExpiresAt)
	assert.True(t, h.clock.Now().Add(txn.DefaultExpiry).Equal(*it.ExpiresAt))
	assert.JSONEq(t, fmt.Sprintf(`{%q:null}`, tx.EntityKey), string(tx.Prior))
}

func TestCreateRejects(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.eng.Create(ctx, txn.TypeCapture, json.RawMessage(`{"content":""}`), "")
	var ve *txn.ValidationError
	assert.ErrorAs(t, err, &ve)

	_, err = h.eng.Create(ctx, txn.TypeStrike, nil, "nope")
	assert.ErrorAs(t, err, &ve)

	_, err = h.eng.Create(ctx, txn.TypeStrike, nil, "")
	assert.ErrorIs(t, err, txn.ErrEntityKeyRequired)

	_, err = h.eng.Create(ctx, txn.Type("delete"), nil, "k")
	assert.ErrorIs(t, err, txn.ErrUnknownType)

	tx := capture(t, h, "a")
	_, err = h.eng.Create(ctx, txn.TypeCapture, json.RawMessage(`{"content":"b"}`), tx.EntityKey)
	assert.ErrorAs(t, err, &ve, "capture onto an existing key")

	assert.Equal(t, 1, h.ledger.Len())
}

func TestCreateRetriesStorage(t *testing.T) {
	h := newHarness(t)
	h.kv.fail.Store(2)
	tx := capture(t, h, "survives two bad writes")
	_, ok := h.ledger.Get(tx.ID)
	assert.True(t, ok)

	h.kv.fail.Store(10)
	_, err := h.eng.Create(context.Background(), txn.TypeCapture, json.RawMessage(`{"content":"lost"}`), "k2")
	var se *txn.StorageError
	require.ErrorAs(t, err, &se)
	h.kv.fail.Store(0)

	assert.Equal(t, 1, h.ledger.Len())
	it, err := h.db.GetItem("k2")
	require.NoError(t, err)
	assert.Nil(t, it, "no optimistic effect without a durable transaction")
}

// Scenario A: three captures offline, then reconnect.
func TestOfflineCapturesConfirmOnReconnect(t *testing.T) {
	h := newHarness(t)
	h.online.Store(false)

	var txs []txn.Transaction
	for i := 0; i < 3; i++ {
		txs = append(txs, capture(t, h, fmt.Sprintf("item %d", i)))
	}
	flush(t, h)
	assert.Empty(t, h.mock.Calls(), "offline flush is a no-op")
	assert.Equal(t, status.Snapshot{Pending: 3}, h.pub.GetStatus())

	h.online.Store(true)
	flush(t, h)

	assert.Equal(t, status.Snapshot{}, h.pub.GetStatus())
	assert.Equal(t, 0, h.ledger.Len())
	for _, tx := range txs {
		assert.Equal(t, []status.EventType{status.EventCreated, status.EventSyncing, status.EventConfirmed}, h.events.trail(tx.ID))
		it, err := h.db.GetItem(tx.EntityKey)
		require.NoError(t, err)
		assert.Equal(t, "srv-"+tx.ID, it.ServerID)
		assert.NotNil(t, it.ServerUpdatedAt)
	}
}

// Scenario B: three timeouts, then success.
func TestTransientFailuresThenConfirm(t *testing.T) {
	h := newHarness(t)
	timeout := &txn.TimeoutError{Err: context.DeadlineExceeded}
	h.mock.FailNext(timeout, timeout, timeout)

	tx := capture(t, h, "flaky network")
	flush(t, h)

	got, ok := h.ledger.Get(tx.ID)
	require.True(t, ok)
	assert.Equal(t, txn.StatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, txn.KindTimeout, got.ErrorKind)
	assert.True(t, h.clock.Now().Add(time.Second).Equal(got.NextAttemptAt))

	flush(t, h)
	assert.Equal(t, 1, h.mock.CallsFor(tx.ID), "not due yet")

	drain(t, h)
	assert.Equal(t, 4, h.mock.CallsFor(tx.ID))
	ev, ok := h.events.last(tx.ID, status.EventConfirmed)
	require.True(t, ok)
	assert.Equal(t, 3, ev.Tx.RetryCount)
	assert.Equal(t, txn.StatusConfirmed, ev.Tx.Status)
}

// Scenario C: validation failure is terminal.
func TestValidationFailureIsTerminal(t *testing.T) {
	h := newHarness(t)
	h.mock.FailNext(&txn.ValidationError{Msg: "content rejected"})

	tx := capture(t, h, "bad")
	flush(t, h)
	h.clock.Advance(time.Hour)
	flush(t, h)

	got, ok := h.ledger.Get(tx.ID)
	require.True(t, ok)
	assert.Equal(t, txn.StatusFailed, got.Status)
	assert.Equal(t, 0, got.RetryCount)
	assert.Equal(t, txn.KindValidation, got.ErrorKind)
	assert.Equal(t, 1, h.mock.CallsFor(tx.ID))
	assert.Equal(t, status.Snapshot{Failed: 1}, h.pub.GetStatus())
	require.Len(t, h.pub.GetFailed(), 1)
}

func TestRetryBudgetExhausted(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.MaxAttempts = 3 })
	h.mock.Handler = func(context.Context, remote.Request) (remote.Result, error) {
		return remote.Result{}, &txn.NetworkError{StatusCode: 503, Err: errors.New("unavailable")}
	}

	tx := capture(t, h, "never lands")
	for i := 0; i < 10; i++ {
		flush(t, h)
		h.clock.Advance(2 * time.Minute)
	}

	got, _ := h.ledger.Get(tx.ID)
	assert.Equal(t, txn.StatusFailed, got.Status)
	assert.Equal(t, txn.KindExhausted, got.ErrorKind)
	assert.Equal(t, 3, got.RetryCount)
	assert.Equal(t, 3, h.mock.CallsFor(tx.ID))
}

func TestSameEntityOrdering(t *testing.T) {
	h := newHarness(t)
	var (
		mu       sync.Mutex
		order    []txn.Type
		inflight int
		overlap  bool
	)
	h.mock.Handler = func(_ context.Context, req remote.Request) (remote.Result, error) {
		mu.Lock()
		inflight++
		if inflight > 1 {
			overlap = true
		}
		order = append(order, req.Type)
		if req.Type != txn.TypeCapture {
			assert.Equal(t, "srv-cap", req.EntityID, "later transactions address the server id")
		}
		mu.Unlock()
		time.Sleep(2 * time.Millisecond)
		mu.Lock()
		inflight--
		mu.Unlock()
		id := "srv-" + req.ID
		if req.Type == txn.TypeCapture {
			id = "srv-cap"
		}
		return remote.Result{ServerID: id, ServerTimestamp: time.Now()}, nil
	}

	ctx := context.Background()
	first := capture(t, h, "walk the dog")
	h.clock.Advance(time.Millisecond)
	_, err := h.eng.Create(ctx, txn.TypeExtend, json.RawMessage(`{"days":3}`), first.EntityKey)
	require.NoError(t, err)
	h.clock.Advance(time.Millisecond)
	_, err = h.eng.Create(ctx, txn.TypeStrike, nil, first.EntityKey)
	require.NoError(t, err)

	flush(t, h)
	assert.Equal(t, []txn.Type{txn.TypeCapture, txn.TypeExtend, txn.TypeStrike}, order)
	assert.False(t, overlap)
	assert.Equal(t, 0, h.ledger.Len())

	it, _ := h.db.GetItem(first.EntityKey)
	assert.Equal(t, store.ItemCompleted, it.Status)
	assert.Equal(t, "srv-cap", it.ServerID)
}

func TestBackingOffHeadBlocksEntity(t *testing.T) {
	h := newHarness(t)
	first := capture(t, h, "x")
	h.clock.Advance(time.Millisecond)
	second, err := h.eng.Create(context.Background(), txn.TypeStrike, nil, first.EntityKey)
	require.NoError(t, err)

	h.mock.FailNext(&txn.NetworkError{Err: errors.New("offline")})
	flush(t, h)
	assert.Equal(t, 0, h.mock.CallsFor(second.ID), "strike waits for the capture")

	drain(t, h)
	calls := h.mock.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, second.ID, calls[2].ID)
}

func TestFailedHeadDoesNotBlockEntity(t *testing.T) {
	h := newHarness(t)
	first := capture(t, h, "x")
	h.clock.Advance(time.Millisecond)
	second, err := h.eng.Create(context.Background(), txn.TypeExtend, nil, first.EntityKey)
	require.NoError(t, err)

	h.mock.FailNext(&txn.ValidationError{Msg: "nope"})
	flush(t, h)

	assert.Equal(t, 1, h.mock.CallsFor(second.ID))
	_, ok := h.ledger.Get(second.ID)
	assert.False(t, ok)
}

func TestDifferentEntitiesDispatchConcurrently(t *testing.T) {
	h := newHarness(t)
	var peak, cur atomic.Int32
	release := make(chan struct{})
	h.mock.Handler = func(ctx context.Context, req remote.Request) (remote.Result, error) {
		n := cur.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		cur.Add(-1)
		return remote.Result{ServerID: "srv-" + req.ID}, nil
	}
	for i := 0; i < 3; i++ {
		capture(t, h, fmt.Sprint(i))
	}

	done := make(chan error)
	go func() { done <- h.eng.FlushEligible(context.Background()) }()
	require.Eventually(t, func() bool { return cur.Load() == 3 }, time.Second, time.Millisecond)

	// a second flush must not double-dispatch in-flight transactions
	flush(t, h)
	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, int32(3), peak.Load())
	assert.Len(t, h.mock.Calls(), 3)
}

func TestConflictOverwritesReadModel(t *testing.T) {
	h := newHarness(t)
	tx := capture(t, h, "shared")
	flush(t, h)

	// newer than the mock's confirmation timestamp
	done := time.Now().Add(time.Hour).UTC()
	entity := &txn.EntityState{ServerID: "srv-" + tx.ID, Status: store.ItemCompleted, CompletedAt: &done, UpdatedAt: done, UpdatedBy: "other"}
	h.mock.FailNext(&txn.ConflictError{Msg: "already completed", Entity: entity})

	rel, err := h.eng.Create(context.Background(), txn.TypeRelease, nil, tx.EntityKey)
	require.NoError(t, err)
	it, _ := h.db.GetItem(tx.EntityKey)
	assert.Equal(t, store.ItemExpired, it.Status, "optimistic release")

	flush(t, h)
	got, _ := h.ledger.Get(rel.ID)
	assert.Equal(t, txn.StatusFailed, got.Status)
	assert.Equal(t, txn.KindConflict, got.ErrorKind)

	it, _ = h.db.GetItem(tx.EntityKey)
	assert.Equal(t, store.ItemCompleted, it.Status)

	ev, ok := h.events.last(rel.ID, status.EventConflict)
	require.True(t, ok)
	require.NotNil(t, ev.Entity)
	assert.Equal(t, "other", ev.Entity.UpdatedBy)
	assert.Equal(t, []status.EventType{status.EventCreated, status.EventSyncing, status.EventConflict, status.EventFailed}, h.events.trail(rel.ID))
}

func TestRetryResetsBudget(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.MaxAttempts = 2 })
	h.mock.FailNext(&txn.NetworkError{Err: errors.New("a")}, &txn.NetworkError{Err: errors.New("b")})

	tx := capture(t, h, "x")
	drain(t, h)
	got, _ := h.ledger.Get(tx.ID)
	require.Equal(t, txn.StatusFailed, got.Status)

	requeued, err := h.eng.Retry(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, txn.StatusPending, requeued.Status)
	assert.Equal(t, 0, requeued.RetryCount)
	assert.Empty(t, requeued.LastError)

	flush(t, h)
	_, ok := h.ledger.Get(tx.ID)
	assert.False(t, ok)

	_, err = h.eng.Retry(context.Background(), tx.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRetrySkipsBackoff(t *testing.T) {
	h := newHarness(t)
	h.mock.FailNext(&txn.NetworkError{Err: errors.New("a")})
	tx := capture(t, h, "x")
	flush(t, h)

	_, err := h.eng.Retry(context.Background(), tx.ID)
	require.NoError(t, err)
	flush(t, h)
	assert.Equal(t, 2, h.mock.CallsFor(tx.ID))
	assert.Equal(t, 0, h.ledger.Len())
}

func TestDiscardRollsBack(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	item := capture(t, h, "keep me")
	flush(t, h)

	h.mock.FailNext(&txn.ValidationError{Msg: "nope"})
	strike, err := h.eng.Create(ctx, txn.TypeStrike, nil, item.EntityKey)
	require.NoError(t, err)
	assert.ErrorIs(t, h.eng.Discard(ctx, strike.ID, true), ErrNotFailed)

	flush(t, h)
	require.NoError(t, h.eng.Discard(ctx, strike.ID, true))

	it, _ := h.db.GetItem(item.EntityKey)
	assert.Equal(t, store.ItemActive, it.Status)
	assert.Nil(t, it.CompletedAt)
	assert.Equal(t, 0, h.ledger.Len())
	assert.Equal(t, status.Snapshot{}, h.pub.GetStatus())

	h.mock.FailNext(&txn.ValidationError{Msg: "nope"})
	doomed := capture(t, h, "never existed")
	flush(t, h)
	require.NoError(t, h.eng.Discard(ctx, doomed.ID, true))
	gone, err := h.db.GetItem(doomed.EntityKey)
	require.NoError(t, err)
	assert.Nil(t, gone)

	assert.ErrorIs(t, h.eng.Discard(ctx, doomed.ID, true), ErrNotFound)
}

func TestDiscardWithoutRollbackKeepsEffect(t *testing.T) {
	h := newHarness(t)
	h.mock.FailNext(&txn.ValidationError{Msg: "nope"})
	tx := capture(t, h, "keep local")
	flush(t, h)

	require.NoError(t, h.eng.Discard(context.Background(), tx.ID, false))
	it, _ := h.db.GetItem(tx.EntityKey)
	require.NotNil(t, it)
	assert.Equal(t, []status.EventType{status.EventCreated, status.EventSyncing, status.EventFailed, status.EventDiscarded}, h.events.trail(tx.ID))
}

func TestMergeEffectAndRequest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := capture(t, h, "milk")
	b := capture(t, h, "eggs")
	flush(t, h)

	var sent txn.MergePayload
	h.mock.Handler = func(_ context.Context, req remote.Request) (remote.Result, error) {
		if req.Type == txn.TypeMerge {
			require.NoError(t, json.Unmarshal(req.Payload, &sent))
		}
		return remote.Result{ServerID: req.EntityID}, nil
	}
	_, err := h.eng.Create(ctx, txn.TypeMerge, json.RawMessage(fmt.Sprintf(`{"target_key":%q}`, b.EntityKey)), a.EntityKey)
	require.NoError(t, err)

	src, _ := h.db.GetItem(a.EntityKey)
	dst, _ := h.db.GetItem(b.EntityKey)
	assert.Equal(t, store.ItemMerged, src.Status)
	assert.Equal(t, b.EntityKey, src.MergedInto)
	assert.Equal(t, "eggs\nmilk", dst.Content)

	flush(t, h)
	assert.Equal(t, "srv-"+b.ID, sent.TargetID)
}

// A process killed mid-dispatch replays the transaction after restart.
func TestRestartRequeuesInterruptedDispatch(t *testing.T) {
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	h := newHarnessOn(t, db)
	h.online.Store(false)
	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, capture(t, h, fmt.Sprint(i)).ID)
	}
	inflight, _ := h.ledger.Get(ids[2])
	inflight.Status = txn.StatusSyncing
	require.NoError(t, h.ledger.Update(&inflight))

	restarted := newHarnessOn(t, db)
	require.Equal(t, 5, restarted.ledger.Len())
	assert.Equal(t, status.Snapshot{Pending: 5}, restarted.pub.GetStatus())

	flush(t, restarted)
	assert.Equal(t, 0, restarted.ledger.Len())
	for _, id := range ids {
		assert.Equal(t, 1, restarted.mock.CallsFor(id))
	}
}

func TestConcurrentCreatesSerialize(t *testing.T) {
	h := newHarness(t)
	h.online.Store(false)

	const n = 40
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.eng.Create(context.Background(), txn.TypeCapture, json.RawMessage(fmt.Sprintf(`{"content":"c%d"}`, i)), "")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, n, h.ledger.Len())
	reloaded := ledger.New(h.db)
	require.NoError(t, reloaded.Load())
	assert.Equal(t, n, reloaded.Len())
}

func TestLoopServicesKicksAndTimers(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Now = time.Now
		o.Backoff = backoff.Policy{Base: 5 * time.Millisecond, Cap: 20 * time.Millisecond}
	})
	h.mock.FailNext(&txn.NetworkError{Err: errors.New("blip")})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.eng.Start(ctx)
	defer h.eng.Stop()

	tx := capture(t, h, "eventually")
	require.Eventually(t, func() bool {
		_, ok := h.ledger.Get(tx.ID)
		return !ok
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, h.mock.CallsFor(tx.ID))
}

func TestStopInterruptsWithoutSpendingAttempts(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Now = time.Now })
	started := make(chan struct{}, 1)
	h.mock.Handler = func(ctx context.Context, req remote.Request) (remote.Result, error) {
		started <- struct{}{}
		<-ctx.Done()
		return remote.Result{}, &txn.NetworkError{Err: ctx.Err()}
	}

	h.eng.Start(context.Background())
	tx := capture(t, h, "in flight at shutdown")
	<-started
	h.eng.Stop()

	got, ok := h.ledger.Get(tx.ID)
	require.True(t, ok)
	assert.Equal(t, txn.StatusPending, got.Status)
	assert.Equal(t, 0, got.RetryCount)
}

// Captures a and b plus a merge of a into b, all offline. The merge has to
// wait for b's capture to learn b's server id, and a later strike on b has to
// wait for the merge.
func TestMergeWaitsForTarget(t *testing.T) {
	h := newHarness(t)
	h.online.Store(false)
	ctx := context.Background()
	a := capture(t, h, "milk")
	b := capture(t, h, "eggs")
	merge, err := h.eng.Create(ctx, txn.TypeMerge, json.RawMessage(fmt.Sprintf(`{"target_key":%q}`, b.EntityKey)), a.EntityKey)
	require.NoError(t, err)
	strike, err := h.eng.Create(ctx, txn.TypeStrike, nil, b.EntityKey)
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		order []string
		sent  txn.MergePayload
	)
	h.mock.Handler = func(_ context.Context, req remote.Request) (remote.Result, error) {
		if req.ID == b.ID {
			time.Sleep(100 * time.Millisecond)
		}
		mu.Lock()
		order = append(order, req.ID)
		if req.Type == txn.TypeMerge {
			assert.NoError(t, json.Unmarshal(req.Payload, &sent))
		}
		mu.Unlock()
		return remote.Result{ServerID: "srv-" + req.ID, ServerTimestamp: time.Now()}, nil
	}

	h.online.Store(true)
	flush(t, h)

	assert.Equal(t, 0, h.ledger.Len())
	assert.Equal(t, "srv-"+b.ID, sent.TargetID)
	assert.Equal(t, []status.EventType{status.EventCreated, status.EventSyncing, status.EventConfirmed}, h.events.trail(merge.ID))
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 4)
	assert.Equal(t, []string{b.ID, merge.ID, strike.ID}, order[1:], "merge after its target, strike after the merge")
}

func TestCountsSettleUnderConcurrentFlush(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for round := 0; round < 20; round++ {
		stop := make(chan struct{})
		flushed := make(chan struct{})
		go func() {
			defer close(flushed)
			for {
				select {
				case <-stop:
					return
				default:
					assert.NoError(t, h.eng.FlushEligible(ctx))
				}
			}
		}()

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := h.eng.Create(ctx, txn.TypeCapture, json.RawMessage(fmt.Sprintf(`{"content":"r%d-%d"}`, round, i)), "")
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()
		close(stop)
		<-flushed
		flush(t, h)

		require.Equal(t, 0, h.ledger.Len(), "round %d", round)
		require.Equal(t, status.Snapshot{}, h.pub.GetStatus(), "round %d", round)
	}
}

func TestCreateUndoesWhenEffectFails(t *testing.T) {
	h := newHarness(t)
	h.items.fail.Store(1)

	_, err := h.eng.Create(context.Background(), txn.TypeCapture, json.RawMessage(`{"content":"lost"}`), "k1")
	var se *txn.StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "apply effect", se.Op)

	assert.Equal(t, 0, h.ledger.Len())
	it, err := h.db.GetItem("k1")
	require.NoError(t, err)
	assert.Nil(t, it)
	assert.Equal(t, status.Snapshot{}, h.pub.GetStatus())
	assert.Empty(t, h.events.events, "nothing is published for an undone create")
}

// A process killed between the ledger append and the optimistic write
// leaves a capture with no item. Start and confirm both rebuild it.
func TestMissingCaptureItemIsRebuilt(t *testing.T) {
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	h := newHarnessOn(t, db)
	h.online.Store(false)
	tx := capture(t, h, "feed the cat")
	require.NoError(t, db.DeleteItem(tx.EntityKey))

	restarted := newHarnessOn(t, db)
	restarted.online.Store(false)
	restarted.eng.Start(context.Background())
	restarted.eng.Stop()

	it, err := db.GetItem(tx.EntityKey)
	require.NoError(t, err)
	require.NotNil(t, it)
	assert.Equal(t, "feed the cat", it.Content)
	assert.Equal(t, store.ItemActive, it.Status)
	assert.True(t, tx.CreatedAt.Add(txn.DefaultExpiry).Equal(*it.ExpiresAt))

	require.NoError(t, db.DeleteItem(tx.EntityKey))
	restarted.online.Store(true)
	flush(t, restarted)

	it, err = db.GetItem(tx.EntityKey)
	require.NoError(t, err)
	require.NotNil(t, it)
	assert.Equal(t, "srv-"+tx.ID, it.ServerID)
}

func TestUnpersistedConfirmIsReplayed(t *testing.T) {
	h := newHarness(t)
	tx := capture(t, h, "confirmed but not removed")

	var calls atomic.Int32
	h.mock.Handler = func(_ context.Context, req remote.Request) (remote.Result, error) {
		if calls.Add(1) == 1 {
			// every attempt at removing the confirmed transaction fails
			h.kv.fail.Store(int32(DefaultOptions().StorageRetries + 1))
		}
		return remote.Result{ServerID: "srv-" + req.ID, ServerTimestamp: time.Now()}, nil
	}

	var se *txn.StorageError
	require.ErrorAs(t, h.eng.FlushEligible(context.Background()), &se)
	got, ok := h.ledger.Get(tx.ID)
	require.True(t, ok)
	assert.Equal(t, txn.StatusPending, got.Status)
	assert.Equal(t, status.Snapshot{Pending: 1}, h.pub.GetStatus())

	drain(t, h)
	assert.Equal(t, 0, h.ledger.Len())
	assert.Equal(t, 2, h.mock.CallsFor(tx.ID))
	assert.Equal(t, status.Snapshot{}, h.pub.GetStatus())
}
