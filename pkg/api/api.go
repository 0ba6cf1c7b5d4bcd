package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ethpandaops/pipelinoor/pkg/alert"
	"github.com/ethpandaops/pipelinoor/pkg/api/store"
	"github.com/ethpandaops/pipelinoor/pkg/config"
	"github.com/ethpandaops/pipelinoor/pkg/hub"
	"github.com/ethpandaops/pipelinoor/pkg/ingest"
	"github.com/ethpandaops/pipelinoor/pkg/metrics"
	"github.com/gorilla/websocket"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log        logrus.FieldLogger
	cfg        *config.Config
	store      store.Store
	hub        *hub.Hub
	aggregator *metrics.Aggregator
	ingest     *ingest.Service
	notifier   alert.Notifier
	scheduler  *cron.Cron
	upgrader   websocket.Upgrader
	httpServer *http.Server
	wg         sync.WaitGroup
	done       chan struct{}
	stopOnce   sync.Once
}

// NewServer creates a new API server.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.Config,
) Server {
	return &server{
		log:  log.WithField("component", "api"),
		cfg:  cfg,
		done: make(chan struct{}),
	}
}

// Start opens the store, wires the ingest pipeline and starts the HTTP
// server and the periodic metrics refresh.
func (s *server) Start(ctx context.Context) error {
	if err := s.setup(ctx); err != nil {
		return err
	}

	if err := s.startRefresh(ctx); err != nil {
		s.abort()

		return fmt.Errorf("starting metrics refresh: %w", err)
	}

	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.Listen,
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		s.abort()

		return fmt.Errorf("listening on %s: %w", s.cfg.Server.Listen, err)
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", s.cfg.Server.Listen).
			Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// setup creates the store and the components that depend on it.
func (s *server) setup(ctx context.Context) error {
	if s.store == nil {
		s.store = store.NewStore(s.log, &s.cfg.Database)
	}

	if err := s.store.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	if s.notifier == nil {
		s.notifier = alert.NewNotifier(s.log, s.cfg.Alerts.SMTP)
	}

	if !s.cfg.Alerts.SMTP.Configured() {
		s.log.Info("SMTP not configured, failure alerts disabled")
	}

	s.hub = hub.New(s.log)
	s.aggregator = metrics.NewAggregator(
		s.log, s.store, s.cfg.Metrics.DefaultWindowMinutes,
	)
	s.ingest = ingest.NewService(
		s.log, s.store, s.aggregator, s.hub, s.notifier,
	)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	return nil
}

// startRefresh schedules periodic metrics pushes so subscribers see runs
// age out of the window even when nothing new is ingested.
func (s *server) startRefresh(ctx context.Context) error {
	schedule := s.cfg.Metrics.RefreshSchedule
	if schedule == "" {
		return nil
	}

	s.scheduler = cron.New()

	if _, err := s.scheduler.AddFunc(schedule, func() {
		if s.hub.Count() == 0 {
			return
		}

		if err := s.ingest.BroadcastSummary(ctx); err != nil {
			s.log.WithError(err).Warn("Periodic metrics refresh failed")
		}
	}); err != nil {
		return fmt.Errorf("scheduling %q: %w", schedule, err)
	}

	s.scheduler.Start()

	s.log.WithField("schedule", schedule).Info("Metrics refresh scheduled")

	return nil
}

// abort releases what Start acquired before it failed.
func (s *server) abort() {
	s.stopOnce.Do(func() { close(s.done) })

	if s.scheduler != nil {
		<-s.scheduler.Stop().Done()
		s.scheduler = nil
	}

	if s.store != nil {
		if err := s.store.Stop(); err != nil {
			s.log.WithError(err).Warn("Failed to stop store")
		}

		s.store = nil
	}
}

// Stop gracefully shuts down the HTTP server, drains subscribers and
// closes the store.
func (s *server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()
	s.stopOnce.Do(func() { close(s.done) })

	if s.scheduler != nil {
		<-s.scheduler.Stop().Done()
	}

	if s.ingest != nil {
		s.ingest.Wait()
	}

	if s.hub != nil {
		s.hub.Close()
	}

	if s.store != nil {
		if err := s.store.Stop(); err != nil {
			return fmt.Errorf("stopping store: %w", err)
		}
	}

	s.log.Info("API server stopped")

	return nil
}
