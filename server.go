package brokerd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/brokerd/internal/admin"
	"pkt.systems/brokerd/internal/clock"
	"pkt.systems/brokerd/internal/engine"
	"pkt.systems/brokerd/internal/ident"
	"pkt.systems/brokerd/internal/lockmgr"
	"pkt.systems/brokerd/internal/poller"
	"pkt.systems/brokerd/internal/resource"
	"pkt.systems/brokerd/internal/storage"
	"pkt.systems/brokerd/internal/svcfields"
	"pkt.systems/brokerd/internal/unlockpoller"
)

// ErrServerClosed is returned by Start after Shutdown.
var ErrServerClosed = errors.New("brokerd: server closed")

// Server owns the resource store and the components built on it: the
// reconciliation engine, the lock manager, the unlock poller and any
// operation pollers created through NewOperationPoller.
type Server struct {
	cfg      Config
	logger   pslog.Logger
	clock    clock.Clock
	identity string

	backend storage.Backend
	store   *resource.Store
	locks   *lockmgr.Manager
	engine  *engine.Engine
	unlock  *unlockpoller.Poller
	audit   poller.AuditSink

	mu        sync.Mutex
	started   bool
	shutdown  bool
	pollers   []*poller.Poller
	admin     *admin.Server
	telemetry *telemetry
	runCancel context.CancelFunc
	bg        sync.WaitGroup
	readyCh   chan struct{}
	readyOnce sync.Once
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger  pslog.Logger
	Backend storage.Backend
	Clock   clock.Clock
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithBackend injects a pre-built backend (useful for tests). The server
// closes it on Shutdown.
func WithBackend(b storage.Backend) Option {
	return func(o *options) {
		o.Backend = b
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// NewServer validates cfg, opens the store and builds every component. Nothing
// runs until Start.
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	clk := clock.OrReal(o.Clock)
	identity := strings.TrimSpace(cfg.Identity)
	if identity == "" {
		identity = ident.Process(context.Background())
	}
	logger = logger.With("owner", identity)

	backend := o.Backend
	if backend == nil {
		var err error
		backend, err = openStore(cfg, clk, logger)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
	}
	watch := storage.ReportWatchStatus(backend)
	logger.Info("store.open", "store", cfg.Store, "watch_mode", watch.Mode, "watch_reason", watch.Reason)

	store, err := resource.New(resource.Config{
		Backend:      backend,
		Logger:       logger,
		Clock:        clk,
		PollInterval: cfg.ResourcePollInterval,
	})
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	locks, err := lockmgr.New(lockmgr.Config{
		Store:  store,
		Policy: cfg.Policy(),
		Clock:  clk,
		Logger: logger,
		Owner:  identity,
	})
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	eng, err := engine.New(engine.Config{
		Store:       store,
		Identity:    identity,
		MaxInFlight: cfg.MaxInFlight,
		Refresh:     cfg.WatchRefresh,
		RetryDelay:  cfg.WatchRetryDelay,
		Clock:       clk,
		Logger:      logger,
	})
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	unlock, err := unlockpoller.New(unlockpoller.Config{
		Store:      store,
		Locks:      locks,
		Interval:   cfg.UnlockPollInterval,
		Refresh:    cfg.WatchRefresh,
		RetryDelay: cfg.WatchRetryDelay,
		Clock:      clk,
		Logger:     logger,
	})
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	return &Server{
		cfg:      cfg,
		logger:   logger,
		clock:    clk,
		identity: identity,
		backend:  backend,
		store:    store,
		locks:    locks,
		engine:   eng,
		unlock:   unlock,
		audit: poller.MultiAuditSink{
			poller.LogAuditSink{Logger: svcfields.WithSubsystem(logger, "lro.audit")},
			poller.StoreAuditSink{Store: store},
		},
		readyCh: make(chan struct{}),
	}, nil
}

// Identity returns the claimant identity shared by the engine and lock manager.
func (s *Server) Identity() string { return s.identity }

// Resources returns the resource store.
func (s *Server) Resources() *resource.Store { return s.store }

// Locks returns the distributed lock manager.
func (s *Server) Locks() *lockmgr.Manager { return s.locks }

// Engine returns the reconciliation engine. Watches may be registered before
// or after Start.
func (s *Server) Engine() *engine.Engine { return s.engine }

// NewOperationPoller builds a long-running-operation poller wired to the
// server's store, lock policy, clock and audit sinks. Fields already set in
// pc win. Pollers created before Start are resumed by Start; the server closes
// all of them on Shutdown.
func (s *Server) NewOperationPoller(pc poller.Config) (*poller.Poller, error) {
	if pc.Store == nil {
		pc.Store = s.store
	}
	if pc.Policy == nil {
		pc.Policy = s.locks
	}
	if pc.Interval <= 0 {
		pc.Interval = s.cfg.OperationPollInterval
	}
	if pc.Audit == nil {
		pc.Audit = s.audit
	}
	if pc.Clock == nil {
		pc.Clock = s.clock
	}
	if pc.Logger == nil {
		pc.Logger = s.logger
	}
	p, err := poller.New(pc)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		p.Close()
		return nil, ErrServerClosed
	}
	s.pollers = append(s.pollers, p)
	return p, nil
}

// Start registers the built-in schemas, starts telemetry and the admin
// listener, launches the unlock poller and resumes operation pollers. It
// returns once everything is running.
func (s *Server) Start(ctx context.Context) (err error) {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return ErrServerClosed
	}
	if s.started {
		s.mu.Unlock()
		return errors.New("brokerd: server already started")
	}
	s.started = true
	pollers := append([]*poller.Poller(nil), s.pollers...)
	s.mu.Unlock()

	if err := s.locks.RegisterSchema(ctx); err != nil {
		return fmt.Errorf("register lock schema: %w", err)
	}
	if err := s.store.RegisterSchema(ctx, poller.AuditGroup, poller.AuditKind); err != nil {
		return fmt.Errorf("register audit schema: %w", err)
	}

	tel, err := setupTelemetry(ctx, telemetryConfig{
		OTLPEndpoint:           s.cfg.OTLPEndpoint,
		MetricsListen:          s.cfg.MetricsListen,
		PprofListen:            s.cfg.PprofListen,
		EnableProfilingMetrics: s.cfg.EnableProfilingMetrics,
	}, svcfields.WithSubsystem(s.logger, "telemetry"))
	if err != nil {
		return err
	}
	var adminSrv *admin.Server
	if strings.TrimSpace(s.cfg.AdminListen) != "" {
		adminSrv, err = admin.Listen(admin.Config{
			Listen:    s.cfg.AdminListen,
			MaxConns:  s.cfg.AdminMaxConns,
			Locks:     s.locks,
			Resources: s.store,
			Health:    s.health,
			Tracing:   s.cfg.OTLPEndpoint != "",
			Clock:     s.clock,
			Logger:    s.logger,
		})
		if err != nil {
			_ = tel.Shutdown(context.WithoutCancel(ctx))
			return fmt.Errorf("admin listen: %w", err)
		}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Lock()
	s.telemetry = tel
	s.admin = adminSrv
	s.runCancel = cancel
	s.mu.Unlock()

	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		if err := s.unlock.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("unlock.poller.exit", "error", err)
		}
	}()
	if adminSrv != nil {
		s.bg.Add(1)
		go func() {
			defer s.bg.Done()
			if err := adminSrv.Serve(); err != nil {
				s.logger.Error("admin.serve.error", "error", err)
			}
		}()
	}
	for _, p := range pollers {
		n, err := p.Resume(runCtx)
		if err != nil {
			s.logger.Warn("lro.resume.failed", "operation", p.Operation(), "error", err)
			continue
		}
		if n > 0 {
			s.logger.Info("lro.resume", "operation", p.Operation(), "count", n)
		}
	}
	s.readyOnce.Do(func() { close(s.readyCh) })
	s.logger.Info("server.start", "store", s.cfg.Store, "admin", s.AdminAddr())
	return nil
}

// Run starts the server and blocks until ctx ends, then shuts down within
// Config.ShutdownTimeout.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// WaitUntilReady blocks until Start completes or ctx ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AdminAddr returns the bound admin address, or "" when the admin server is
// disabled or not started.
func (s *Server) AdminAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.admin == nil {
		return ""
	}
	return s.admin.Addr()
}

// Shutdown stops every component and closes the backend. It is safe to call
// more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	pollers := s.pollers
	s.pollers = nil
	adminSrv := s.admin
	tel := s.telemetry
	cancel := s.runCancel
	s.mu.Unlock()

	var errs []error
	if adminSrv != nil {
		if err := adminSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("admin shutdown: %w", err))
		}
	}
	if err := s.engine.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("engine shutdown: %w", err))
	}
	for _, p := range pollers {
		p.Close()
	}
	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() {
		s.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("background shutdown: %w", ctx.Err()))
	}
	if tel != nil {
		telCtx := ctx
		if telCtx.Err() != nil {
			var cancelTel context.CancelFunc
			telCtx, cancelTel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelTel()
		}
		if err := tel.Shutdown(telCtx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.backend.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	s.logger.Info("server.stop")
	return errors.Join(errs...)
}

func (s *Server) health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := s.backend.ListObjects(ctx, storage.ListOptions{Limit: 1}); err != nil {
		return fmt.Errorf("store unavailable: %w", err)
	}
	return nil
}
