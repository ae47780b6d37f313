// Package app assembles the sync agent from its components and owns their
// start and stop order.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/lazypower/clawsync/internal/backoff"
	"github.com/lazypower/clawsync/internal/config"
	"github.com/lazypower/clawsync/internal/engine"
	"github.com/lazypower/clawsync/internal/ledger"
	"github.com/lazypower/clawsync/internal/logging"
	"github.com/lazypower/clawsync/internal/netmon"
	"github.com/lazypower/clawsync/internal/remote"
	"github.com/lazypower/clawsync/internal/resolver"
	"github.com/lazypower/clawsync/internal/scheduler"
	"github.com/lazypower/clawsync/internal/status"
	"github.com/lazypower/clawsync/internal/store"
)

// DeviceKey is the kv key holding the generated device id.
const DeviceKey = "device/id"

// Options override collaborators, mostly for tests. Zero values build the
// production defaults from Config.
type Options struct {
	DB           *store.DB           // opened from Config.Database.Path when nil
	Sender       remote.Sender       // remote.Client for Config.Remote when nil
	Connectivity netmon.Connectivity // Prober, or a Switch when probing is disabled
	Registry     *prometheus.Registry
	Ticker       scheduler.TickerFunc
}

// App is the running sync agent.
type App struct {
	Config    config.Config
	DeviceID  string
	DB        *store.DB
	Ledger    *ledger.Ledger
	Publisher *status.Publisher
	Resolver  *resolver.Resolver
	Engine    *engine.Engine
	Scheduler *scheduler.Scheduler
	Monitor   *netmon.Monitor
	Registry  *prometheus.Registry

	// Switch is set when connectivity is manually controlled.
	Switch *netmon.Switch
	Conn   netmon.Connectivity

	logger  *zap.Logger
	opts    Options
	ownsDB  bool
	prober  *netmon.Prober
	client  *remote.Client
	probing bool
	cancel  context.CancelFunc
	started bool
}

// New returns an App that has not been initialized.
func New(cfg config.Config, logger *zap.Logger, opts Options) *App {
	return &App{Config: cfg, logger: logging.OrNop(logger), opts: opts}
}

// Init opens storage, loads the ledger, and starts the engine, scheduler
// and connectivity monitor. On error everything already started is stopped.
func (a *App) Init(ctx context.Context) (err error) {
	if a.started {
		return errors.New("app already initialized")
	}
	defer func() {
		if err != nil {
			a.Shutdown()
		}
	}()

	if err := a.openDB(); err != nil {
		return err
	}
	if a.DeviceID, err = a.deviceID(); err != nil {
		return err
	}

	a.Ledger = ledger.New(a.DB, ledger.WithLogger(a.logger.Named("ledger")))
	if err := a.Ledger.Load(); err != nil {
		return fmt.Errorf("load ledger: %w", err)
	}

	a.Registry = a.opts.Registry
	if a.Registry == nil {
		a.Registry = prometheus.NewRegistry()
	}
	a.Publisher = status.New(status.WithRegisterer(a.Registry))
	a.Publisher.Seed(a.Ledger.List())
	a.Resolver = resolver.New(a.DB, a.logger.Named("resolver"))

	sender := a.buildSender()
	a.buildConnectivity()

	sc := a.Config.Sync
	opts := engine.DefaultOptions()
	opts.Backoff = backoff.Policy{Base: sc.BackoffBase(), Cap: sc.BackoffCap(), JitterFraction: 0.5}
	opts.MaxAttempts = sc.MaxAttempts
	opts.StorageRetries = sc.StorageRetries
	if d := a.Config.Remote.TimeoutDuration(); d > 0 {
		opts.DispatchTimeout = d
	}
	a.Engine = engine.New(engine.Deps{
		Ledger:    a.Ledger,
		Items:     a.DB,
		Sender:    sender,
		Resolver:  a.Resolver,
		Publisher: a.Publisher,
		Online:    a.Conn,
		Logger:    a.logger.Named("engine"),
	}, opts)

	a.Scheduler = scheduler.New(a.Engine, scheduler.Config{
		Interval: sc.IntervalDuration(),
		Grace:    sc.GraceDuration(),
		Ticker:   a.opts.Ticker,
		Logger:   a.logger.Named("scheduler"),
	})
	a.Monitor = netmon.NewMonitor(a.Conn, a.Engine, a.logger.Named("netmon"))

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.started = true
	a.Engine.Start(runCtx)
	a.Monitor.Start(runCtx)
	if a.prober != nil {
		a.prober.Start(runCtx)
		a.probing = true
	}
	a.Scheduler.Start(runCtx)

	a.logger.Info("app: initialized",
		zap.String("device", a.DeviceID),
		zap.String("db", a.DB.Path),
		zap.String("remote", a.Config.Remote.URL),
		zap.Int("ledger", a.Ledger.Len()))
	return nil
}

func (a *App) openDB() error {
	if a.opts.DB != nil {
		a.DB = a.opts.DB
		return nil
	}
	path := a.Config.Database.Path
	if path == "" {
		var err error
		if path, err = store.DefaultDBPath(); err != nil {
			return fmt.Errorf("resolve db path: %w", err)
		}
	}
	db, err := store.Open(path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	a.DB, a.ownsDB = db, true
	return nil
}

// deviceID returns the configured id, or the one generated on first run.
func (a *App) deviceID() (string, error) {
	if id := a.Config.Remote.DeviceID; id != "" {
		return id, nil
	}
	raw, err := a.DB.Get(DeviceKey)
	if err != nil {
		return "", fmt.Errorf("read device id: %w", err)
	}
	if len(raw) > 0 {
		return string(raw), nil
	}
	id := uuid.NewString()
	if err := a.DB.Set(DeviceKey, []byte(id)); err != nil {
		return "", fmt.Errorf("save device id: %w", err)
	}
	return id, nil
}

func (a *App) buildSender() remote.Sender {
	if a.opts.Sender != nil {
		return a.opts.Sender
	}
	a.client = remote.NewClient(a.Config.Remote.URL, a.DeviceID, []byte(a.Config.Remote.TokenSecret),
		remote.WithTimeout(a.Config.Remote.TimeoutDuration()),
		remote.WithLogger(a.logger.Named("remote")))
	return a.client
}

func (a *App) buildConnectivity() {
	switch {
	case a.opts.Connectivity != nil:
		a.Conn = a.opts.Connectivity
		a.Switch, _ = a.Conn.(*netmon.Switch)
	case a.Config.Sync.ProbeInterval > 0 && a.client != nil:
		a.prober = netmon.NewProber(a.client, a.Config.Sync.ProbeDuration(), a.logger.Named("prober"))
		a.Conn = a.prober
	default:
		a.Switch = netmon.NewSwitch(true)
		a.Conn = a.Switch
	}
}

// BreakerState reports the remote circuit breaker, or "" for a custom sender.
func (a *App) BreakerState() string {
	if a.client == nil {
		return ""
	}
	return a.client.BreakerState()
}

// Shutdown stops every component in reverse start order and closes the
// database if the App opened it. It is safe to call more than once.
func (a *App) Shutdown() error {
	if a.Scheduler != nil {
		a.Scheduler.Stop()
	}
	if a.probing {
		a.prober.Stop()
	}
	if a.Monitor != nil {
		a.Monitor.Stop()
	}
	if a.Engine != nil {
		a.Engine.Stop()
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	a.started = false
	a.probing = false

	var err error
	if a.ownsDB && a.DB != nil {
		if cerr := a.DB.Close(); cerr != nil {
			err = fmt.Errorf("close database: %w", cerr)
		}
		a.DB, a.ownsDB = nil, false
	}
	a.logger.Info("app: shut down", zap.Error(err))
	return err
}
