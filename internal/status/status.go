// Package status maintains O(1) sync counts and fans out transaction
// lifecycle events to UI subscribers.
package status

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lazypower/clawsync/internal/txn"
)

// EventType names a lifecycle event.
type EventType string

const (
	EventCreated   EventType = "created"
	EventSyncing   EventType = "syncing"
	EventConfirmed EventType = "confirmed"
	EventFailed    EventType = "failed"
	EventRequeued  EventType = "requeued"
	EventConflict  EventType = "conflict"
	EventDiscarded EventType = "discarded"
)

// EventTypes lists every event type in a stable order.
var EventTypes = []EventType{
	EventCreated, EventSyncing, EventConfirmed, EventFailed,
	EventRequeued, EventConflict, EventDiscarded,
}

// Event is delivered to subscribers. Tx is a copy; Entity is set for conflicts.
type Event struct {
	Type   EventType        `json:"type"`
	Tx     txn.Transaction  `json:"transaction"`
	Entity *txn.EntityState `json:"entity,omitempty"`
	At     time.Time        `json:"at"`
}

// Snapshot is the aggregate view shown in the UI status bar.
type Snapshot struct {
	Pending int `json:"pending"`
	Syncing int `json:"syncing"`
	Failed  int `json:"failed"`
}

// Handler receives events. It runs on the publishing goroutine and must not block.
type Handler func(Event)

type subscription struct {
	id  uint64
	typ EventType // empty for all
	fn  Handler
}

// Publisher tracks the last known status of every live transaction.
type Publisher struct {
	mu     sync.Mutex
	last   map[string]txn.Status
	failed map[string]txn.Transaction
	counts Snapshot

	subMu  sync.RWMutex
	subs   []subscription
	nextID uint64

	now     func() time.Time
	gauge   *prometheus.GaugeVec
	counter *prometheus.CounterVec
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithRegisterer exports counts and event totals to reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(p *Publisher) {
		p.gauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "clawsync_transactions",
			Help: "Transactions in the local ledger by status.",
		}, []string{"status"})
		p.counter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clawsync_events_total",
			Help: "Transaction lifecycle events published.",
		}, []string{"type"})
		reg.MustRegister(p.gauge, p.counter)
	}
}

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) Option {
	return func(p *Publisher) { p.now = now }
}

// New creates a Publisher with zero counts.
func New(opts ...Option) *Publisher {
	p := &Publisher{
		last:   make(map[string]txn.Status),
		failed: make(map[string]txn.Transaction),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.exportLocked()
	return p
}

// Seed replaces tracked state with txs, typically the freshly loaded ledger.
// No events are emitted.
func (p *Publisher) Seed(txs []txn.Transaction) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.last = make(map[string]txn.Status, len(txs))
	p.failed = make(map[string]txn.Transaction)
	p.counts = Snapshot{}
	for _, tx := range txs {
		p.trackLocked(tx, false)
	}
	p.exportLocked()
}

// Publish records tx's new status and notifies subscribers of typ.
func (p *Publisher) Publish(typ EventType, tx txn.Transaction, entity *txn.EntityState) {
	p.mu.Lock()
	gone := typ == EventConfirmed || typ == EventDiscarded
	p.trackLocked(tx, gone)
	p.exportLocked()
	p.mu.Unlock()

	if p.counter != nil {
		p.counter.WithLabelValues(string(typ)).Inc()
	}

	ev := Event{Type: typ, Tx: tx, Entity: entity, At: p.now().UTC()}
	p.subMu.RLock()
	subs := make([]subscription, 0, len(p.subs))
	for _, s := range p.subs {
		if s.typ == "" || s.typ == typ {
			subs = append(subs, s)
		}
	}
	p.subMu.RUnlock()

	for _, s := range subs {
		s.fn(ev)
	}
}

// trackLocked moves tx's id between buckets; gone drops it entirely.
func (p *Publisher) trackLocked(tx txn.Transaction, gone bool) {
	if prev, ok := p.last[tx.ID]; ok {
		p.adjustLocked(prev, -1)
		delete(p.last, tx.ID)
		delete(p.failed, tx.ID)
	}
	if gone || tx.Status == txn.StatusConfirmed {
		return
	}
	p.last[tx.ID] = tx.Status
	p.adjustLocked(tx.Status, 1)
	if tx.Status == txn.StatusFailed {
		p.failed[tx.ID] = tx
	}
}

func (p *Publisher) adjustLocked(s txn.Status, delta int) {
	switch s {
	case txn.StatusPending:
		p.counts.Pending += delta
	case txn.StatusSyncing:
		p.counts.Syncing += delta
	case txn.StatusFailed:
		p.counts.Failed += delta
	}
}

func (p *Publisher) exportLocked() {
	if p.gauge == nil {
		return
	}
	p.gauge.WithLabelValues(string(txn.StatusPending)).Set(float64(p.counts.Pending))
	p.gauge.WithLabelValues(string(txn.StatusSyncing)).Set(float64(p.counts.Syncing))
	p.gauge.WithLabelValues(string(txn.StatusFailed)).Set(float64(p.counts.Failed))
}

// Subscribe registers fn for events of typ. The returned func unsubscribes
// and is safe to call more than once.
func (p *Publisher) Subscribe(typ EventType, fn Handler) func() {
	return p.add(typ, fn)
}

// SubscribeAll registers fn for every event.
func (p *Publisher) SubscribeAll(fn Handler) func() {
	return p.add("", fn)
}

func (p *Publisher) add(typ EventType, fn Handler) func() {
	p.subMu.Lock()
	p.nextID++
	id := p.nextID
	p.subs = append(p.subs, subscription{id: id, typ: typ, fn: fn})
	p.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.subMu.Lock()
			defer p.subMu.Unlock()
			for i, s := range p.subs {
				if s.id == id {
					p.subs = append(p.subs[:i:i], p.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// GetStatus returns the current counts.
func (p *Publisher) GetStatus() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts
}

// GetFailed returns failed transactions oldest first.
func (p *Publisher) GetFailed() []txn.Transaction {
	p.mu.Lock()
	out := make([]txn.Transaction, 0, len(p.failed))
	for _, tx := range p.failed {
		out = append(out, tx)
	}
	p.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return txn.Before(&out[i], &out[j]) })
	return out
}
