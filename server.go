package heapgate

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/spf13/afero"

	"pkt.systems/heapgate/internal/admission"
	"pkt.systems/heapgate/internal/connguard"
	"pkt.systems/heapgate/internal/heap"
	"pkt.systems/heapgate/internal/httpreq"
	"pkt.systems/heapgate/internal/lsf"
	"pkt.systems/heapgate/internal/routing"
	"pkt.systems/heapgate/internal/scheduler"
	"pkt.systems/heapgate/internal/svcfields"
	"pkt.systems/heapgate/internal/transport"
	"pkt.systems/pslog"
)

// ErrServerClosed is returned by Start and Serve after Shutdown.
var ErrServerClosed = errors.New("heapgate: server closed")

// Server is the heap-aware HTTP server controller. One lock serialises
// admission, scheduling and registry updates.
type Server struct {
	cfg       Config
	logger    pslog.Logger
	oracle    heap.Oracle
	fs        afero.Fs
	mu        sync.Mutex
	queue     *scheduler.Queue
	routes    *routing.Registry
	admission *admission.Controller
	guard     *connguard.ConnectionGuard
	observer  *lsf.Observer
	telemetry *telemetryBundle
	status    *statusListener

	lifeMu       sync.Mutex
	listener     net.Listener
	conns        map[*transport.TCPConn]struct{}
	shutdown     bool
	lastServeErr error
	lsfCancel    context.CancelFunc
	readyOnce    sync.Once
	readyCh      chan struct{}
	serveDone    chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger       pslog.Logger
	Oracle       heap.Oracle
	Fs           afero.Fs
	OTLPEndpoint string
	telemetry    bool
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithOracle injects a heap oracle (useful for tests and simulations).
func WithOracle(oracle heap.Oracle) Option {
	return func(o *options) {
		o.Oracle = oracle
	}
}

// WithFilesystem sets the filesystem used by ServeStatic. Defaults to the OS
// filesystem.
func WithFilesystem(fs afero.Fs) Option {
	return func(o *options) {
		o.Fs = fs
	}
}

// WithOTLPEndpoint overrides the OTLP collector endpoint used for telemetry.
func WithOTLPEndpoint(endpoint string) Option {
	return func(o *options) {
		o.OTLPEndpoint = endpoint
	}
}

// WithoutTelemetry skips the metrics, pprof and tracing listeners. Embedders
// that install their own otel providers use it.
func WithoutTelemetry() Option {
	return func(o *options) {
		o.telemetry = false
	}
}

// NewServer constructs a heapgate server according to cfg.
// Example:
//
//	srv, err := heapgate.NewServer(heapgate.Config{Listen: ":8080"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	srv.On("/hello", heapgate.MethodGet, func(r *heapgate.Request) {
//	    r.Send(200, "text/plain", "hello")
//	})
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	o := options{telemetry: true}
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if o.OTLPEndpoint != "" {
		cfg.OTLPEndpoint = o.OTLPEndpoint
	}
	logger := svcfields.EnsureLogger(o.Logger)
	oracle := o.Oracle
	if oracle == nil {
		var err error
		oracle, err = heap.Select(cfg.HeapSource, cfg.HeapBudget)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
	}
	fs := o.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}

	s := &Server{
		cfg:       cfg,
		logger:    svcfields.WithSubsystem(logger, svcfields.SysServer),
		oracle:    oracle,
		fs:        fs,
		conns:     make(map[*transport.TCPConn]struct{}),
		readyCh:   make(chan struct{}),
		serveDone: make(chan struct{}),
	}
	if o.telemetry {
		bundle, err := setupTelemetry(context.Background(), cfg.OTLPEndpoint, cfg.MetricsListen, cfg.PprofListen, cfg.EnableProfilingMetrics, svcfields.WithSubsystem(logger, svcfields.SysTelemetry))
		if err != nil {
			return nil, err
		}
		s.telemetry = bundle
	}

	floors := cfg.Floors()
	s.queue = scheduler.New(scheduler.Options{
		Lock:   &s.mu,
		Oracle: oracle,
		Floors: floors,
		Limits: cfg.Limits,
		Logger: logger,
	})
	s.routes = routing.NewRegistry(&s.mu, logger)
	s.guard = connguard.NewConnectionGuard(cfg.Connguard, logger)
	reqCfg := cfg.requestConfig()
	ctrl, err := admission.New(admission.Options{
		Queue: s.queue,
		Allocate: func(conn transport.Conn) (scheduler.Request, error) {
			return httpreq.New(conn, httpreq.Options{
				Router:    s.routes,
				Oracle:    oracle,
				Config:    reqCfg,
				Logger:    logger,
				OnDone:    s.requestDone,
				OnFailure: s.requestFailed,
			})
		},
		IdleTimeout: cfg.IdleTimeout,
		Logger:      logger,
	})
	if err != nil {
		s.closeTelemetry(context.Background())
		return nil, err
	}
	s.admission = ctrl
	s.observer = lsf.NewObserver(cfg.LSF, oracle, floors, s.queue, logger)

	if cfg.StaticDir != "" {
		s.ServeStatic(cfg.StaticURI, cfg.StaticDir, cfg.StaticCacheControl)
	}
	if cfg.AdminPrefix != "" {
		s.mountStatus(netip.MustParsePrefix(cfg.AdminPrefix))
	}
	return s, nil
}

func (s *Server) requestDone(r *httpreq.Request) {
	s.queue.Dequeue(r)
}

func (s *Server) requestFailed(remote, reason string) {
	s.guard.RecordFailure(remote, reason)
}

// Config returns the validated configuration.
func (s *Server) Config() Config {
	return s.cfg
}

// Start listens on cfg.Listen and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (tcp %s): %w", s.cfg.Listen, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections from ln and runs each through admission. It
// blocks until Shutdown or a fatal accept error.
func (s *Server) Serve(ln net.Listener) error {
	s.lifeMu.Lock()
	if s.shutdown {
		s.lifeMu.Unlock()
		_ = ln.Close()
		return ErrServerClosed
	}
	if s.listener != nil {
		s.lifeMu.Unlock()
		return errors.New("heapgate: already serving")
	}
	ln = s.guard.WrapListener(ln)
	s.listener = ln
	ctx, cancel := context.WithCancel(context.Background())
	s.lsfCancel = cancel
	s.lifeMu.Unlock()
	defer close(s.serveDone)

	s.observer.Start(ctx)
	if s.cfg.StatusListen != "" {
		status, err := startStatusListener(s.cfg.StatusListen, s, s.logger)
		if err != nil {
			_ = ln.Close()
			cancel()
			return err
		}
		s.lifeMu.Lock()
		s.status = status
		s.lifeMu.Unlock()
	}
	s.signalReady()
	s.logger.Info("listening",
		"network", "tcp",
		"address", ln.Addr().String(),
		"heap_source", s.cfg.HeapSource,
		"floor_profile", s.cfg.FloorProfile,
		"max_queued", s.cfg.Limits.MaxQueued,
		"max_parallel", s.cfg.Limits.MaxParallel,
		"unbounded", s.cfg.Limits.Unbounded(),
	)

	var backoff time.Duration
	for {
		c, err := ln.Accept()
		if err != nil {
			if s.closing() {
				s.recordServeErr(nil)
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = nextBackoff(backoff)
				s.logger.Warn("heapgate.server.accept_retry", "error", err, "backoff", backoff)
				time.Sleep(backoff)
				continue
			}
			s.recordServeErr(err)
			return fmt.Errorf("accept: %w", err)
		}
		backoff = 0
		s.accept(c)
	}
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	return min(d*2, time.Second)
}

func (s *Server) accept(c net.Conn) {
	tc := transport.NewTCPConn(c, transport.TCPOptions{
		SendBuffer: s.cfg.SendBuffer,
		Logger:     s.logger,
	})
	s.lifeMu.Lock()
	s.conns[tc] = struct{}{}
	s.lifeMu.Unlock()
	go func() {
		<-tc.Done()
		s.lifeMu.Lock()
		delete(s.conns, tc)
		s.lifeMu.Unlock()
	}()
	s.admission.Admit(tc)
}

// ServeConn runs admission for a connection from a custom transport.
func (s *Server) ServeConn(conn transport.Conn) admission.Outcome {
	return s.admission.Admit(conn)
}

func (s *Server) closing() bool {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	return s.shutdown
}

// Shutdown stops accepting, waits for tracked requests to finish until ctx
// ends, then closes the remaining connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.lifeMu.Lock()
	if s.shutdown {
		s.lifeMu.Unlock()
		return nil
	}
	s.shutdown = true
	ln := s.listener
	cancel := s.lsfCancel
	status := s.status
	s.lifeMu.Unlock()

	if ln != nil {
		_ = ln.Close()
		<-s.serveDone
	}
	if status != nil {
		if err := status.shutdown(ctx); err != nil {
			s.logger.Warn("heapgate.server.status_shutdown", "error", err)
		}
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
drain:
	for s.queue.NumClients() > 0 {
		select {
		case <-ctx.Done():
			break drain
		case <-ticker.C:
		}
	}
	if n := s.queue.NumClients(); n > 0 {
		s.logger.Warn("heapgate.server.shutdown_forced", "clients", n)
	}
	s.lifeMu.Lock()
	open := make([]*transport.TCPConn, 0, len(s.conns))
	for c := range s.conns {
		open = append(open, c)
	}
	s.lifeMu.Unlock()
	for _, c := range open {
		c.Close(true)
	}

	if cancel != nil {
		cancel()
		s.observer.Wait()
	}
	if err := s.closeTelemetry(ctx); err != nil {
		return err
	}
	s.logger.Info("heapgate.server.stopped")
	return s.LastServeError()
}

// Close shuts the server down with the configured shutdown timeout.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

func (s *Server) closeTelemetry(ctx context.Context) error {
	if s.telemetry == nil {
		return nil
	}
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	err := s.telemetry.Shutdown(ctx)
	s.telemetry = nil
	return err
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the listener is initialized or ctx ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// StatusAddr returns the status listener address once available.
func (s *Server) StatusAddr() net.Addr {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.status != nil {
		return s.status.addr()
	}
	return nil
}

func (s *Server) recordServeErr(err error) {
	s.lifeMu.Lock()
	s.lastServeErr = err
	s.lifeMu.Unlock()
}

// LastServeError returns the error that ended Serve, if any.
func (s *Server) LastServeError() error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	return s.lastServeErr
}

// NumClients returns the number of tracked requests.
func (s *Server) NumClients() int {
	return s.queue.NumClients()
}

// QueueLength returns the number of requests that have not started.
func (s *Server) QueueLength() int {
	return s.queue.QueueLength()
}

// ProcessQueue runs a scheduling pass.
func (s *Server) ProcessQueue() {
	s.queue.ProcessQueue()
}

// SetQueueLimits replaces the queue limits; the next pass applies them.
func (s *Server) SetQueueLimits(l QueueLimits) {
	s.queue.SetLimits(l)
	s.logger.Info("heapgate.server.limits",
		"max_queued", l.MaxQueued,
		"max_parallel", l.MaxParallel,
		"queue_heap_required", l.QueueHeapRequired,
		"request_heap_required", l.RequestHeapRequired,
		"unbounded", l.Unbounded(),
	)
	s.queue.ProcessQueue()
}

// QueueLimits returns the current queue limits.
func (s *Server) QueueLimits() QueueLimits {
	return s.queue.Limits()
}

// Blocked reports whether the connection guard currently refuses remote.
func (s *Server) Blocked(remote string) bool {
	return s.guard.Blocked(remote)
}

// LoadSample returns the latest sampler snapshot.
func (s *Server) LoadSample() lsf.Snapshot {
	return s.observer.Snapshot()
}

// StartServer starts srv in the background, waits until it listens, and
// returns a stop function.
// Example:
//
//	srv, stop, err := heapgate.StartServer(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	waitCtx := ctx
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	select {
	case err := <-errCh:
		_ = srv.Close()
		if err == nil {
			err = ErrServerClosed
		}
		return nil, nil, err
	case <-srv.readyCh:
	case <-waitCtx.Done():
		_ = srv.Close()
		return nil, nil, waitCtx.Err()
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
				return
			}
			if err := <-errCh; err != nil && !errors.Is(err, ErrServerClosed) {
				stopErr = err
			}
		})
		return stopErr
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			_ = stop(context.Background())
		}()
	}
	return srv, stop, nil
}
