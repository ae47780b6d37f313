// Package netmon observes connectivity and flushes the engine as soon as the
// device comes back online.
package netmon

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lazypower/clawsync/internal/logging"
)

// Connectivity is the source of online/offline state.
type Connectivity interface {
	IsOnline() bool
	// Subscribe registers fn for transitions; the returned func unsubscribes.
	Subscribe(fn func(online bool)) (unsubscribe func())
}

// notifier is the subscriber list shared by the Connectivity implementations.
type notifier struct {
	mu     sync.Mutex
	online bool
	subs   map[int]func(bool)
	next   int
}

func (n *notifier) IsOnline() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.online
}

func (n *notifier) Subscribe(fn func(online bool)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.subs == nil {
		n.subs = make(map[int]func(bool))
	}
	id := n.next
	n.next++
	n.subs[id] = fn
	return func() {
		n.mu.Lock()
		delete(n.subs, id)
		n.mu.Unlock()
	}
}

// set records state and notifies subscribers when it changed.
func (n *notifier) set(online bool) bool {
	n.mu.Lock()
	if n.online == online {
		n.mu.Unlock()
		return false
	}
	n.online = online
	subs := make([]func(bool), 0, len(n.subs))
	for _, fn := range n.subs {
		subs = append(subs, fn)
	}
	n.mu.Unlock()

	for _, fn := range subs {
		fn(online)
	}
	return true
}

// Switch is connectivity controlled by hand: tests, or the local API.
type Switch struct {
	notifier
}

// NewSwitch creates a Switch in the given state.
func NewSwitch(online bool) *Switch {
	s := &Switch{}
	s.online = online
	return s
}

// Set changes the state, notifying subscribers on a transition.
func (s *Switch) Set(online bool) { s.set(online) }

// HealthChecker answers whether the authority is reachable.
type HealthChecker interface {
	Healthy(ctx context.Context) bool
}

// Prober derives connectivity from periodic health checks.
type Prober struct {
	notifier
	check    HealthChecker
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// NewProber creates a prober that starts offline until its first check.
func NewProber(check HealthChecker, interval time.Duration, logger *zap.Logger) *Prober {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	timeout := interval / 2
	if timeout > 5*time.Second {
		timeout = 5 * time.Second
	}
	return &Prober{
		check:    check,
		interval: interval,
		timeout:  timeout,
		logger:   logging.OrNop(logger),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Probe runs one health check and updates state.
func (p *Prober) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	online := p.check.Healthy(ctx)
	if p.set(online) {
		p.logger.Info("netmon: connectivity changed", zap.Bool("online", online))
	}
	return online
}

// Start probes immediately and then on every interval until Stop.
func (p *Prober) Start(ctx context.Context) {
	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		p.Probe(ctx)
		for {
			select {
			case <-ticker.C:
				p.Probe(ctx)
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			}
		}
	}()
}

// Stop ends probing and waits for the loop. Only call after Start.
func (p *Prober) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	<-p.done
}

// Flusher is the engine operation triggered on reconnect.
type Flusher interface {
	FlushEligible(ctx context.Context) error
}

// Monitor flushes on every offline to online edge.
type Monitor struct {
	conn    Connectivity
	flusher Flusher
	logger  *zap.Logger

	mu    sync.Mutex
	unsub func()
	ctx   context.Context
	wg    sync.WaitGroup
}

// NewMonitor creates an idle Monitor.
func NewMonitor(conn Connectivity, f Flusher, logger *zap.Logger) *Monitor {
	return &Monitor{conn: conn, flusher: f, logger: logging.OrNop(logger)}
}

// Start subscribes to conn. Flushes run under ctx.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unsub != nil {
		return
	}
	m.ctx = ctx
	m.unsub = m.conn.Subscribe(m.onChange)
}

func (m *Monitor) onChange(online bool) {
	if !online {
		m.logger.Info("netmon: offline")
		return
	}
	m.mu.Lock()
	if m.unsub == nil {
		m.mu.Unlock()
		return
	}
	ctx := m.ctx
	m.wg.Add(1)
	m.mu.Unlock()

	m.logger.Info("netmon: back online, flushing")
	go func() {
		defer m.wg.Done()
		if err := m.flusher.FlushEligible(ctx); err != nil {
			m.logger.Error("netmon: flush", zap.Error(err))
		}
	}()
}

// Stop unsubscribes and waits for reconnect flushes to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.unsub != nil {
		m.unsub()
		m.unsub = nil
	}
	m.mu.Unlock()
	m.wg.Wait()
}
