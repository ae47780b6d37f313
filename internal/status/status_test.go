package status

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/clawsync/internal/txn"
)

func tx(id string, s txn.Status, at time.Time) txn.Transaction {
	return txn.Transaction{ID: id, Type: txn.TypeStrike, Status: s, CreatedAt: at, EntityKey: "k"}
}

func TestCountsFollowLifecycle(t *testing.T) {
	p := New()
	now := time.Now()

	a := tx("a", txn.StatusPending, now)
	p.Publish(EventCreated, a, nil)
	assert.Equal(t, Snapshot{Pending: 1}, p.GetStatus())

	a.Status = txn.StatusSyncing
	p.Publish(EventSyncing, a, nil)
	assert.Equal(t, Snapshot{Syncing: 1}, p.GetStatus())

	a.Status = txn.StatusFailed
	p.Publish(EventFailed, a, nil)
	assert.Equal(t, Snapshot{Failed: 1}, p.GetStatus())
	require.Len(t, p.GetFailed(), 1)

	a.Status = txn.StatusPending
	p.Publish(EventRequeued, a, nil)
	assert.Equal(t, Snapshot{Pending: 1}, p.GetStatus())
	assert.Empty(t, p.GetFailed())

	a.Status = txn.StatusConfirmed
	p.Publish(EventConfirmed, a, nil)
	assert.Equal(t, Snapshot{}, p.GetStatus())
}

func TestDiscardDropsFailed(t *testing.T) {
	p := New()
	a := tx("a", txn.StatusFailed, time.Now())
	p.Seed([]txn.Transaction{a, tx("b", txn.StatusPending, time.Now())})
	assert.Equal(t, Snapshot{Pending: 1, Failed: 1}, p.GetStatus())

	p.Publish(EventDiscarded, a, nil)
	assert.Equal(t, Snapshot{Pending: 1}, p.GetStatus())
	assert.Empty(t, p.GetFailed())
}

func TestGetFailedOrdered(t *testing.T) {
	p := New()
	now := time.Now()
	p.Seed([]txn.Transaction{
		tx("late", txn.StatusFailed, now.Add(time.Minute)),
		tx("early", txn.StatusFailed, now),
	})
	failed := p.GetFailed()
	require.Len(t, failed, 2)
	assert.Equal(t, "early", failed[0].ID)
	assert.Equal(t, "late", failed[1].ID)
}

func TestSubscribeFiltersAndUnsubscribes(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	p := New(WithClock(func() time.Time { return at }))

	var confirmed, all []Event
	unsub := p.Subscribe(EventConfirmed, func(e Event) { confirmed = append(confirmed, e) })
	unsubAll := p.SubscribeAll(func(e Event) { all = append(all, e) })

	a := tx("a", txn.StatusPending, at)
	p.Publish(EventCreated, a, nil)
	a.Status = txn.StatusConfirmed
	p.Publish(EventConfirmed, a, nil)

	require.Len(t, confirmed, 1)
	assert.Equal(t, "a", confirmed[0].Tx.ID)
	assert.Equal(t, at, confirmed[0].At)
	assert.Len(t, all, 2)

	unsub()
	unsub()
	unsubAll()
	p.Publish(EventCreated, tx("b", txn.StatusPending, at), nil)
	assert.Len(t, confirmed, 1)
	assert.Len(t, all, 2)
}

func TestConflictCarriesEntity(t *testing.T) {
	p := New()
	var got *txn.EntityState
	p.Subscribe(EventConflict, func(e Event) { got = e.Entity })

	entity := &txn.EntityState{ServerID: "srv-1", Status: "completed"}
	p.Publish(EventConflict, tx("a", txn.StatusSyncing, time.Now()), entity)
	require.NotNil(t, got)
	assert.Equal(t, "completed", got.Status)
}

func TestHandlerMayUnsubscribeItself(t *testing.T) {
	p := New()
	calls := 0
	var unsub func()
	unsub = p.SubscribeAll(func(Event) {
		calls++
		unsub()
	})
	p.Publish(EventCreated, tx("a", txn.StatusPending, time.Now()), nil)
	p.Publish(EventCreated, tx("b", txn.StatusPending, time.Now()), nil)
	assert.Equal(t, 1, calls)
}

func TestPrometheusExport(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := New(WithRegisterer(reg))

	p.Publish(EventCreated, tx("a", txn.StatusPending, time.Now()), nil)
	p.Publish(EventCreated, tx("b", txn.StatusPending, time.Now()), nil)
	p.Publish(EventFailed, tx("b", txn.StatusFailed, time.Now()), nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(p.gauge.WithLabelValues("pending")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.gauge.WithLabelValues("failed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(p.counter.WithLabelValues("created")))
}
