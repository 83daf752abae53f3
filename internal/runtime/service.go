package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/plugin"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/liveflow/internal/runtime/channels"
	"github.com/drblury/liveflow/internal/runtime/config"
	"github.com/drblury/liveflow/internal/runtime/delivery"
	lferrors "github.com/drblury/liveflow/internal/runtime/errors"
	"github.com/drblury/liveflow/internal/runtime/handlers"
	"github.com/drblury/liveflow/internal/runtime/logging"
	"github.com/drblury/liveflow/internal/runtime/metrics"
	"github.com/drblury/liveflow/internal/runtime/offline"
	"github.com/drblury/liveflow/internal/runtime/presence"
	"github.com/drblury/liveflow/internal/runtime/quality"
	"github.com/drblury/liveflow/internal/runtime/router"
	"github.com/drblury/liveflow/internal/runtime/scheduler"
	"github.com/drblury/liveflow/internal/runtime/sequencer"
	transportpkg "github.com/drblury/liveflow/internal/runtime/transport"
)

const shutdownTimeout = 5 * time.Second

var routerRun = func(router *message.Router, ctx context.Context) error {
	return router.Run(ctx)
}

// ServiceDependencies holds the optional collaborators that the Service can
// use. Leave fields nil for the defaults derived from Config.
type ServiceDependencies struct {
	TransportFactory transportpkg.Factory
	// Counter overrides the sequence counter selected by Config.RedisURL.
	Counter sequencer.CounterStore
	// OfflineStore overrides the store selected by Config.OfflineStoreDriver.
	OfflineStore offline.Store
	// Registry receives liveflow and router metrics. Nil uses the Prometheus
	// default registry.
	Registry *prometheus.Registry
	Tracer   trace.Tracer

	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips registering the default middleware chain when true.
	Hooks                     EventHooks
	ErrorClassifier           ErrorClassifier

	// Now is overridable for tests.
	Now func() time.Time
}

// Service wires the sequencer, delivery tracker, offline queue, router,
// quality monitor and presence coordinator onto one transport, and consumes
// client events through a Watermill router.
type Service struct {
	Conf   *config.Config
	Logger logging.ServiceLogger

	publisher  message.Publisher
	subscriber message.Subscriber
	router     *message.Router
	dispatcher *handlers.Dispatcher
	bridge     *transportpkg.Bridge

	sched     *scheduler.Scheduler
	seq       *sequencer.Sequencer
	tracker   *delivery.Tracker
	store     offline.Store
	messages  *router.Router
	quality   *quality.Monitor
	presence  *presence.Coordinator
	metrics   *metrics.Metrics
	closers   []func() error
	unsubs    []func()
	startOnce sync.Once
	// routerRan is set once Start hands the router to routerRun; a router
	// that never ran has no handlers to wait for on Close.
	routerRan atomic.Bool
	closeOnce sync.Once
	closeErr  error

	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator

	handlers   []*HandlerInfo
	handlersMu sync.RWMutex

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex
	servers       []*http.Server

	errorClassifier ErrorClassifier
}

// NewService constructs a Service for the supplied configuration. Register
// custom handlers on the returned Service before calling Start.
func NewService(ctx context.Context, conf *config.Config, log logging.ServiceLogger, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, lferrors.ErrConfigRequired
	}
	if log == nil {
		return nil, lferrors.ErrLoggerRequired
	}
	c := conf.WithDefaults()
	if err := c.Validate(); err != nil {
		return nil, lferrors.ConfigValidationError{Err: err}
	}

	wmLogger := logging.NewWatermillAdapter(log)
	log.Info("Creating liveflow service", logging.LogFields{
		"pubsub_system": c.PubSubSystem,
		"config":        c.String(),
	})

	s := &Service{
		Conf:            &c,
		Logger:          log,
		registerer:      prometheus.DefaultRegisterer,
		gatherer:        prometheus.DefaultGatherer,
		tracer:          deps.Tracer,
		propagator:      otel.GetTextMapPropagator(),
		errorClassifier: deps.ErrorClassifier,
	}
	if deps.Registry != nil {
		s.registerer = deps.Registry
		s.gatherer = deps.Registry
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer("github.com/drblury/liveflow")
	}
	if s.errorClassifier == nil {
		s.errorClassifier = defaultErrorClassifier
	}

	if err := s.build(ctx, deps, wmLogger); err != nil {
		_ = s.closeResources()
		return nil, err
	}
	return s, nil
}

func (s *Service) build(ctx context.Context, deps ServiceDependencies, wmLogger watermill.LoggerAdapter) error {
	c := s.Conf

	if c.MetricsEnabled {
		s.metrics = metrics.New(s.registerer)
		if err := s.metrics.Register(); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
	}

	counter := deps.Counter
	if counter == nil && c.RedisURL != "" {
		rdb, err := sequencer.NewRedisClient(c.RedisURL)
		if err != nil {
			return err
		}
		s.closers = append(s.closers, rdb.Close)
		counter = sequencer.NewRedisCounter(rdb)
	}

	s.store = deps.OfflineStore
	if s.store == nil {
		store, err := offline.Open(ctx, c.OfflineStoreDriver, c.OfflineStoreDSN, offline.Options{
			Capacity: c.OfflineQueueCapacity,
			Now:      deps.Now,
		})
		if err != nil {
			return fmt.Errorf("open offline store: %w", err)
		}
		s.store = store
	}
	s.closers = append(s.closers, s.store.Close)

	factory := deps.TransportFactory
	if factory == nil {
		factory = transportpkg.DefaultFactory()
	}
	tr, err := factory.Build(ctx, c, wmLogger)
	if err != nil {
		return err
	}
	s.publisher = tr.Publisher
	s.subscriber = tr.Subscriber
	s.closers = append(s.closers, tr.Close)

	maxMessageSize := transportpkg.CapabilitiesFor(c.PubSubSystem).MessageLimit(c.MaxMessageSize)
	s.bridge = transportpkg.NewBridge(tr.Publisher, tr.Subscriber, transportpkg.BridgeOptions{
		MaxMessageSize: maxMessageSize,
		PublishTimeout: c.RecipientTimeout,
		Logger:         s.Logger,
		Now:            deps.Now,
	})

	s.sched = scheduler.New()
	s.seq = sequencer.New(sequencer.Options{
		MaxPending:   c.SequencerMaxPending,
		FlushTimeout: c.SequencerFlushTimeout,
		Counter:      counter,
		Scheduler:    s.sched,
		Logger:       s.Logger,
		Metrics:      s.metrics,
	})
	s.tracker = delivery.New(delivery.Options{
		Timeout:       c.DeliveryTimeout,
		Retention:     c.DeliveryRetention,
		SweepInterval: c.DeliverySweepInterval,
		Scheduler:     s.sched,
		Logger:        s.Logger,
		Metrics:       s.metrics,
		Now:           deps.Now,
	})
	s.quality = quality.New(quality.Options{
		Alpha:           c.QualityAlpha,
		History:         c.QualityHistory,
		ReconnectWindow: c.ReconnectWindow,
		ProbeTimeout:    c.ProbeTimeout,
		Prober:          s.bridge,
		Logger:          s.Logger,
		Metrics:         s.metrics,
		Now:             deps.Now,
	})
	s.presence = presence.New(presence.Options{
		ActivityTimeout:   c.ActivityTimeout,
		TypingTimeout:     c.TypingTimeout,
		IdleTimeout:       c.IdleTimeout,
		IdleSweepInterval: c.IdleSweepInterval,
		Scheduler:         s.sched,
		Publisher:         s.bridge,
		Logger:            s.Logger,
		Metrics:           s.metrics,
		Now:               deps.Now,
	})
	s.messages = router.New(router.Config{
		DuplicateWindow:      c.DuplicateWindow,
		DuplicateCapacity:    c.DuplicateCapacity,
		FanoutConcurrency:    c.FanoutConcurrency,
		RecipientTimeout:     c.RecipientTimeout,
		SuppressProvisional:  c.SuppressProvisional,
		OfflineTTL:           c.OfflineTTL,
		OfflineSweepInterval: c.OfflineSweepInterval,
		OfflineBatchSize:     c.OfflineBatchSize,
		OfflineMaxRetries:    c.OfflineMaxRetries,
		MessageRetention:     c.DeliveryRetention,
		MaxMessageSize:       maxMessageSize,
		Sequencer:            s.seq,
		Tracker:              s.tracker,
		Store:                s.store,
		Publisher:            s.bridge,
		Connections:          s.presence,
		Scheduler:            s.sched,
		Logger:               s.Logger,
		Metrics:              s.metrics,
		Tracer:               s.tracer,
		Now:                  deps.Now,
	})

	s.unsubs = append(s.unsubs, s.quality.OnChange(func(userID string, _, current quality.Class) {
		s.presence.UpdateQuality(context.Background(), userID, string(current))
	}))
	s.bridge.RegisterSnapshot("presence:", func(id string) any { return s.presence.Members(id) })
	s.bridge.RegisterSnapshot("typing:", func(id string) any { return s.presence.TypingUsers(id) })

	wr, err := message.NewRouter(message.RouterConfig{CloseTimeout: shutdownTimeout}, wmLogger)
	if err != nil {
		return fmt.Errorf("create router: %w", err)
	}
	s.router = wr
	s.router.AddPlugin(plugin.SignalsHandler)

	if err := s.registerConfiguredMiddlewares(deps); err != nil {
		return err
	}

	s.dispatcher = handlers.NewDispatcher(s.Logger)
	if err := s.registerClientEvents(); err != nil {
		return err
	}
	s.router.AddNoPublisherHandler(
		"client-events",
		channels.Topic(channels.Inbound),
		s.subscriber,
		s.dispatcher.Dispatch,
	)
	return nil
}

func (s *Service) registerConfiguredMiddlewares(deps ServiceDependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares)+1)
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)
	if !deps.Hooks.empty() {
		registrations = append(registrations, EventHooksMiddleware(deps.Hooks))
	}

	for _, reg := range registrations {
		if err := s.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("register middleware %s: %w", name, err)
		}
	}
	return nil
}

// Start launches the background sweeps and HTTP servers, then runs the
// Watermill router until ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	s.startOnce.Do(func() {
		s.tracker.Start()
		s.presence.Start()
		s.messages.Start()
		s.registerAPI()
		s.startHTTPServers()
	})
	s.routerRan.Store(true)
	return routerRun(s.router, ctx)
}

// Running is closed once the router consumes client events.
func (s *Service) Running() chan struct{} {
	return s.router.Running()
}

// Close stops every timer, the router, the HTTP servers and the transport.
// It is safe to call more than once.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.closeResources()
	})
	return s.closeErr
}

func (s *Service) closeResources() error {
	var errs []error

	for _, unsub := range s.unsubs {
		unsub()
	}
	if s.messages != nil {
		s.messages.Stop()
	}
	if s.presence != nil {
		s.presence.Stop()
	}
	if s.tracker != nil {
		s.tracker.Stop()
	}
	if s.sched != nil {
		s.sched.Stop()
	}
	if s.router != nil && s.routerRan.Load() {
		if err := s.router.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close router: %w", err))
		}
	}

	s.httpServersMu.Lock()
	servers := s.servers
	s.servers = nil
	s.httpServersMu.Unlock()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown %s: %w", srv.Addr, err))
		}
	}

	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RegisterHTTPHandler mounts handler on the server for port. Servers are
// started by Start.
func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (s *Service) startHTTPServers() {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for port, mux := range s.httpServers {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		s.servers = append(s.servers, srv)
		s.Logger.Info("Starting HTTP server", logging.LogFields{"address": srv.Addr})
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("HTTP server failed", err, logging.LogFields{"address": srv.Addr})
			}
		}()
	}
}
