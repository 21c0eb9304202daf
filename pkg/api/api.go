// Package api exposes the platform over HTTP: project and test case
// management, recording sessions, translation and execution.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rvkvit/Test-Automation-Platform/pkg/artifacts"
	"github.com/rvkvit/Test-Automation-Platform/pkg/config"
	"github.com/rvkvit/Test-Automation-Platform/pkg/engine"
	"github.com/rvkvit/Test-Automation-Platform/pkg/recorder"
	"github.com/rvkvit/Test-Automation-Platform/pkg/store"
	"github.com/rvkvit/Test-Automation-Platform/pkg/translator"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// Deps are the shared platform services the API fronts.
type Deps struct {
	Store      store.Store
	Artifacts  artifacts.Store
	Engine     *engine.Engine
	Dispatcher *engine.Dispatcher
	Recorder   *recorder.Manager
	Translator *translator.Service
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log         logrus.FieldLogger
	cfg         *config.Config
	deps        Deps
	localServer *localFileServer
	httpServer  *http.Server
	wg          sync.WaitGroup
	done        chan struct{}
}

// NewServer creates a new API server over already-started services.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.Config,
	deps Deps,
) Server {
	return &server{
		log:  log.WithField("component", "api"),
		cfg:  cfg,
		deps: deps,
		done: make(chan struct{}),
	}
}

// Start builds the router and starts the HTTP server. The artifact
// retention sweep runs on a background goroutine for as long as the
// server lives.
func (s *server) Start(ctx context.Context) error {
	s.localServer = newLocalFileServer(s.log, s.deps.Artifacts.Root())

	router := s.buildRouter()

	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if s.cfg.Retention != nil && s.cfg.Retention.Enabled {
		s.wg.Add(1)

		go s.retentionSweep(ctx)
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
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

// Stop gracefully shuts down the HTTP server and terminates any still
// active capture sessions.
func (s *server) Stop() error {
	close(s.done)

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

	if s.deps.Recorder != nil {
		s.deps.Recorder.CleanupAll()
	}

	s.log.Info("API server stopped")

	return nil
}

// retentionSweep periodically prunes run directories older than the
// configured age.
func (s *server) retentionSweep(ctx context.Context) {
	defer s.wg.Done()

	interval := s.cfg.Retention.IntervalDuration()
	maxAge := s.cfg.Retention.MaxAgeDuration()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.deps.Artifacts.PruneRuns(maxAge); err != nil {
				s.log.WithError(err).Warn("Retention sweep failed")
			}
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}
