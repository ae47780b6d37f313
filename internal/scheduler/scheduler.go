// Package scheduler drives periodic flushes while the app is in the
// foreground and winds them down after a grace period in the background.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lazypower/clawsync/internal/logging"
)

// Flusher is the engine operation driven on every tick.
type Flusher interface {
	FlushEligible(ctx context.Context) error
}

// Ticker is the injectable subset of *time.Ticker.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFunc creates a Ticker. Tests substitute a channel-backed one.
type TickerFunc func(d time.Duration) Ticker

// AfterFunc arms a one-shot timer; the returned func cancels it.
type AfterFunc func(d time.Duration, fn func()) (stop func() bool)

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// NewTicker wraps time.NewTicker.
func NewTicker(d time.Duration) Ticker { return realTicker{time.NewTicker(d)} }

func realAfter(d time.Duration, fn func()) func() bool { return time.AfterFunc(d, fn).Stop }

// Config holds scheduler timing.
type Config struct {
	Interval time.Duration // between ticks, default 5s
	Grace    time.Duration // background time before ticking stops, default 30s
	Ticker   TickerFunc
	After    AfterFunc
	Logger   *zap.Logger
}

// Scheduler owns the tick loop. It is safe for concurrent use.
type Scheduler struct {
	flusher Flusher
	cfg     Config
	logger  *zap.Logger

	mu           sync.Mutex
	ctx          context.Context // parent of the tick loop; set by Start
	cancel       context.CancelFunc
	done         chan struct{}
	stopGrace    func() bool
	inGrace      bool
	backgrounded bool
}

// New creates a stopped scheduler.
func New(f Flusher, cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Grace < 0 {
		cfg.Grace = 0
	} else if cfg.Grace == 0 {
		cfg.Grace = 30 * time.Second
	}
	if cfg.Ticker == nil {
		cfg.Ticker = NewTicker
	}
	if cfg.After == nil {
		cfg.After = realAfter
	}
	return &Scheduler{flusher: f, cfg: cfg, logger: logging.OrNop(cfg.Logger)}
}

// Start begins ticking. ctx bounds the scheduler's whole life; Foreground
// after a background stop restarts under the same ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx = ctx
	s.backgrounded = false
	s.startLocked()
}

// Stop cancels ticking and any pending grace timer, then waits for the loop
// to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.cancelGraceLocked()
	done := s.stopLocked()
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Running reports whether the tick loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// Background arms the grace timer. Ticking continues until it fires.
func (s *Scheduler) Background() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backgrounded {
		return
	}
	s.backgrounded = true
	s.cancelGraceLocked()
	s.inGrace = true
	s.stopGrace = s.cfg.After(s.cfg.Grace, s.graceExpired)
	s.logger.Debug("scheduler: backgrounded", zap.Duration("grace", s.cfg.Grace))
}

// Foreground cancels a pending grace timer, restarts ticking if it had
// stopped, and flushes immediately.
func (s *Scheduler) Foreground(ctx context.Context) error {
	s.mu.Lock()
	s.backgrounded = false
	s.cancelGraceLocked()
	if s.cancel == nil && s.ctx != nil {
		s.startLocked()
		s.logger.Debug("scheduler: resumed ticking")
	}
	s.mu.Unlock()
	return s.flusher.FlushEligible(ctx)
}

func (s *Scheduler) graceExpired() {
	s.mu.Lock()
	if !s.inGrace {
		s.mu.Unlock()
		return
	}
	s.inGrace = false
	s.stopGrace = nil
	done := s.stopLocked()
	s.mu.Unlock()
	if done != nil {
		<-done
	}
	s.logger.Debug("scheduler: grace period over, ticking stopped")
}

func (s *Scheduler) cancelGraceLocked() {
	if s.stopGrace != nil {
		s.stopGrace()
		s.stopGrace = nil
	}
	s.inGrace = false
}

func (s *Scheduler) startLocked() {
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	ticker := s.cfg.Ticker(s.cfg.Interval)

	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C():
				if err := s.flusher.FlushEligible(ctx); err != nil {
					s.logger.Error("scheduler: flush", zap.Error(err))
				}
			}
		}
	}()
}

// stopLocked cancels the loop and returns its done channel.
func (s *Scheduler) stopLocked() chan struct{} {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	s.cancel = nil
	done := s.done
	s.done = nil
	return done
}
