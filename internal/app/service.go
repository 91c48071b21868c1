package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"reflect"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"alertrelay/internal/clock"
	"alertrelay/internal/config"
	"alertrelay/internal/ingest"
	"alertrelay/internal/logging"
	"alertrelay/internal/metrics"
	"alertrelay/internal/notify"
	"alertrelay/internal/render"
)

// Service composes runtime dependencies and process lifecycle.
// Params: config source and shared runtime components.
// Returns: runnable relay service.
type Service struct {
	source    config.ConfigSource
	cfg       config.Config
	logger    *slog.Logger
	closeLog  func()
	metrics   *metrics.Metrics
	manager   *Manager
	httpSrv   *http.Server
	natsSub   interface{ Close() error }
	readyFlag atomic.Bool
	reloadMu  sync.Mutex
}

// NewService builds service instance from config source.
// Params: config source and clock implementation.
// Returns: initialized service or setup error.
func NewService(source config.ConfigSource, clk clock.Clock) (*Service, error) {
	cfg, err := config.LoadSnapshot(source)
	if err != nil {
		return nil, err
	}

	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}
	logger = logger.With("service", cfg.Service.Name)

	relayMetrics := metrics.New()
	dispatcher := notify.NewDispatcher(logger,
		notify.WithClock(clk),
		notify.WithObserver(relayMetrics),
	)
	manager := NewManager(cfg, logger, dispatcher, render.NewRenderer(logger), relayMetrics)

	service := &Service{
		source:   source,
		cfg:      cfg,
		logger:   logger,
		closeLog: closeLog,
		metrics:  relayMetrics,
		manager:  manager,
	}
	service.buildHTTPServer()
	if err := service.buildNATSSubscriber(); err != nil {
		service.cleanupInitResources()
		return nil, err
	}
	return service, nil
}

// Manager returns the request manager.
func (s *Service) Manager() *Manager {
	return s.manager
}

// Run starts service lifecycle and blocks until shutdown signal.
// Params: root context for service runtime.
// Returns: terminal run error.
func (s *Service) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("http server starting", "listen", s.cfg.Ingest.HTTP.Listen)
		err := s.httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	if s.cfg.Service.ReloadEnabled {
		debounce := time.Duration(s.cfg.Service.ReloadDebounceMS) * time.Millisecond
		reloader, err := NewReloader(s.source, debounce, s.reloadConfig, s.logger)
		if err != nil {
			s.logger.Error("config hot reload disabled", "error", err.Error())
		} else {
			go reloader.Run(runCtx)
		}
	}

	s.readyFlag.Store(true)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	for {
		select {
		case <-ctx.Done():
			return s.shutdown()
		case err := <-errChan:
			_ = s.shutdown()
			return fmt.Errorf("http server failed: %w", err)
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				if err := s.reloadConfig(); err != nil {
					s.logger.Error("config reload rejected; keeping previous snapshot", "error", err.Error())
				} else {
					s.logger.Info("configuration reloaded", "source", s.source.Path())
				}
				continue
			}
			return s.shutdown()
		}
	}
}

// shutdown closes runtime resources in dependency order.
// Params: none.
// Returns: first close error.
func (s *Service) shutdown() error {
	s.readyFlag.Store(false)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var errs []error
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("http shutdown failed", "error", err.Error())
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if s.natsSub != nil {
		if err := s.natsSub.Close(); err != nil {
			s.logger.Error("nats subscriber close failed", "error", err.Error())
			errs = append(errs, fmt.Errorf("nats subscriber close: %w", err))
		}
	}
	s.logger.Info("service stopped")
	if s.closeLog != nil {
		s.closeLog()
	}
	return errors.Join(errs...)
}

// cleanupInitResources closes partially initialized resources on startup failures.
func (s *Service) cleanupInitResources() {
	if s.natsSub != nil {
		_ = s.natsSub.Close()
		s.natsSub = nil
	}
	if s.httpSrv != nil {
		_ = s.httpSrv.Close()
		s.httpSrv = nil
	}
	if s.closeLog != nil {
		s.closeLog()
		s.closeLog = nil
	}
}

// Handler returns the HTTP routing tree.
func (s *Service) Handler() http.Handler {
	return s.httpSrv.Handler
}

// buildHTTPServer wires route ingest, health, readiness and metrics endpoints.
func (s *Service) buildHTTPServer() {
	httpCfg := s.cfg.Ingest.HTTP
	mux := http.NewServeMux()
	mux.HandleFunc(httpCfg.HealthPath, func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ok"))
	})
	mux.HandleFunc(httpCfg.ReadyPath, func(writer http.ResponseWriter, _ *http.Request) {
		if !s.readyFlag.Load() {
			writer.WriteHeader(http.StatusServiceUnavailable)
			_, _ = writer.Write([]byte("not-ready"))
			return
		}
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ready"))
	})
	mux.Handle(httpCfg.MetricsPath, s.metrics.Handler())

	routes := ingest.NewHTTPHandler(s.manager, httpCfg.RoutePrefix, httpCfg.MaxBodyBytes, s.logger)
	mux.Handle(routes.Pattern(), routes)

	s.httpSrv = &http.Server{
		Addr:              httpCfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// buildNATSSubscriber starts NATS ingest when enabled.
func (s *Service) buildNATSSubscriber() error {
	if !s.cfg.Ingest.NATS.Enabled {
		return nil
	}
	subscriber, err := ingest.NewNATSSubscriber(s.cfg.Ingest.NATS, s.manager, s.logger)
	if err != nil {
		return err
	}
	s.natsSub = subscriber
	s.logger.Info("nats ingest subscribed",
		"url", s.cfg.Ingest.NATS.URL,
		"subject_prefix", s.cfg.Ingest.NATS.SubjectPrefix,
		"queue_group", s.cfg.Ingest.NATS.QueueGroup,
	)
	return nil
}

// reloadConfig loads and applies a new routing snapshot.
// Listener, NATS and log settings keep their startup values until restart.
func (s *Service) reloadConfig() error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	next, err := config.LoadSnapshot(s.source)
	if err != nil {
		return err
	}
	if !reflect.DeepEqual(next.Ingest, s.cfg.Ingest) {
		s.logger.Warn("ingest settings changed; restart required to apply them")
	}
	s.manager.ApplyConfig(next)
	return nil
}
