// Package app wires the gateway components into a runnable service.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/kilianp07/ocppgw/api/stations"
	"github.com/kilianp07/ocppgw/config"
	"github.com/kilianp07/ocppgw/core/command"
	"github.com/kilianp07/ocppgw/core/correlation"
	"github.com/kilianp07/ocppgw/core/disconnect"
	"github.com/kilianp07/ocppgw/core/inbound"
	coremetrics "github.com/kilianp07/ocppgw/core/metrics"
	coremon "github.com/kilianp07/ocppgw/core/monitoring"
	"github.com/kilianp07/ocppgw/core/protocol"
	"github.com/kilianp07/ocppgw/core/registry"
	"github.com/kilianp07/ocppgw/core/response"
	"github.com/kilianp07/ocppgw/core/session"
	"github.com/kilianp07/ocppgw/core/station"
	"github.com/kilianp07/ocppgw/infra/logger"
	"github.com/kilianp07/ocppgw/infra/metrics"
	"github.com/kilianp07/ocppgw/infra/monitoring"
	_ "github.com/kilianp07/ocppgw/infra/notify"
	"github.com/kilianp07/ocppgw/infra/store"
	"github.com/kilianp07/ocppgw/infra/tracer"
	"github.com/kilianp07/ocppgw/infra/ws"
	"github.com/kilianp07/ocppgw/internal/eventbus"
	"github.com/kilianp07/ocppgw/jobs/expiry"
)

// Service owns the registry, the tracker and every component built on them.
type Service struct {
	cfg      *config.Config
	Registry *registry.Registry
	Tracker  *correlation.Tracker
	Store    station.Store
	Gateway  *command.Gateway
	Server   *ws.Server

	notifier station.Notifier
	sink     coremetrics.MetricsSink
	bus      *eventbus.Bus[session.Event]
	sweeper  *expiry.Sweeper
	api      *stations.Handler
	closers  []func() error
	log      logger.Logger
}

// Option customizes a Service.
type Option func(*options)

type options struct {
	handler  inbound.MessageHandler
	store    station.Store
	notifier station.Notifier
}

// WithHandler replaces the built-in message handler.
func WithHandler(h inbound.MessageHandler) Option { return func(o *options) { o.handler = h } }

// WithStore replaces the configured station store.
func WithStore(s station.Store) Option { return func(o *options) { o.store = s } }

// WithNotifier replaces the configured notifiers.
func WithNotifier(n station.Notifier) Option { return func(o *options) { o.notifier = n } }

// New creates a Service from the configuration.
func New(cfg *config.Config, opts ...Option) (*Service, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logg := logger.New("service")
	s := &Service{cfg: cfg, log: logg}

	mon, err := monitoring.NewSentryMonitor(cfg.Sentry)
	if err != nil {
		return nil, fmt.Errorf("sentry: %w", err)
	}
	coremon.Init(mon)

	s.Store = o.store
	if s.Store == nil {
		if s.Store, err = s.openStore(cfg.Store); err != nil {
			return nil, err
		}
	}
	s.notifier = o.notifier
	if s.notifier == nil {
		if s.notifier, err = station.NewNotifier(cfg.Notify); err != nil {
			s.Close()
			return nil, fmt.Errorf("notifier: %w", err)
		}
		if c, ok := s.notifier.(interface{ Close() }); ok {
			s.closers = append(s.closers, func() error { c.Close(); return nil })
		}
	}
	if s.sink, err = coremetrics.NewMetricsSink(cfg.Metrics.Sinks); err != nil {
		s.Close()
		return nil, fmt.Errorf("metrics sink: %w", err)
	}
	if c, ok := s.sink.(interface{ Close() }); ok {
		s.closers = append(s.closers, func() error { c.Close(); return nil })
	}

	handler := o.handler
	if handler == nil {
		handler = inbound.NewBasicHandler(cfg.Handler, s.Store, s.notifier, logger.New("handler"))
	}

	s.Registry = registry.New(logger.New("registry"))
	s.Tracker = correlation.NewTracker()
	s.bus = eventbus.New[session.Event]()
	s.Gateway = command.NewGateway(s.Registry, s.Tracker, s.Store, s.sink, logger.New("command"))
	router := protocol.NewRouter(
		inbound.NewDispatcher(handler, logger.New("inbound")),
		s.Tracker,
		response.NewProcessor(s.Store, logger.New("response")),
		s.sink,
		logger.New("router"),
	)
	disc := disconnect.New(s.Registry, s.Store, s.notifier, logger.New("disconnect"))
	s.Server = ws.NewServer(cfg.Server, s.Registry, router, disc, s.bus, logger.New("ws"))
	s.sweeper = expiry.NewSweeper(s.Tracker, cfg.Correlation.SweepInterval, cfg.Correlation.MaxAge, s.sink, logger.New("expiry"))
	s.api = stations.NewHandler(s.Registry, s.Store, s.Gateway, cfg.API.CommandTimeout, logger.New("api"))
	return s, nil
}

func (s *Service) openStore(cfg config.StoreConfig) (station.Store, error) {
	if cfg.Driver != "sqlite" {
		return station.NewMemoryStore(), nil
	}
	st, err := store.NewSQLiteStore(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", cfg.Path, err)
	}
	s.closers = append(s.closers, st.Close)
	return st, nil
}

// Run starts every component and blocks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	shutdownTracing, err := tracer.Setup(ctx, s.cfg.Tracing)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			s.log.Warnf("tracing shutdown: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	metrics.StartEventCollector(ctx, s.bus, s.sink, s.Registry.Len, logger.New("metrics"))
	go s.logConnections(ctx)

	if err := s.sweeper.Start(ctx); err != nil {
		return err
	}
	if port := s.cfg.Metrics.PrometheusPort; port != "" {
		go func() {
			if err := metrics.StartPromServer(ctx, port); err != nil {
				s.log.Errorf("prom server: %v", err)
			}
		}()
	}
	var apiSrv *http.Server
	if s.cfg.API.Addr != "" {
		if apiSrv, err = s.startAPI(); err != nil {
			return err
		}
	}
	if err := s.Server.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	var errs []error
	if err := s.Server.Stop(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	if apiSrv != nil {
		if err := apiSrv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
	}
	s.sweeper.Stop()
	coremon.Flush(2 * time.Second)
	return errors.Join(errs...)
}

func (s *Service) startAPI() (*http.Server, error) {
	ln, err := net.Listen("tcp", s.cfg.API.Addr)
	if err != nil {
		return nil, fmt.Errorf("api listen %s: %w", s.cfg.API.Addr, err)
	}
	srv := &http.Server{Handler: s.api.Routes(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Errorf("api server: %v", err)
		}
	}()
	s.log.Infof("admin api on %s", ln.Addr())
	return srv, nil
}

// APIHandler returns the administrative API routes.
func (s *Service) APIHandler() http.Handler { return s.api.Routes() }

func (s *Service) logConnections(ctx context.Context) {
	sub := s.bus.Subscribe()
	defer s.bus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			s.log.Debugw("connection event", map[string]any{
				"station_id":  ev.StationID,
				"event":       ev.Kind.String(),
				"subprotocol": ev.Subprotocol,
				"reason":      ev.Reason,
				"active":      s.Registry.Len(),
			})
		}
	}
}

// Close releases resources held by the service.
func (s *Service) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	if s.bus != nil {
		s.bus.Close()
	}
	return errors.Join(errs...)
}
