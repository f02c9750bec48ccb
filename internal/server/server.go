// Package server wires the gateway together and owns its lifecycle.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zhangz-2018/cc-switch/internal/breaker"
	"github.com/zhangz-2018/cc-switch/internal/config"
	"github.com/zhangz-2018/cc-switch/internal/memory"
	"github.com/zhangz-2018/cc-switch/internal/monitoring"
	"github.com/zhangz-2018/cc-switch/internal/proxy"
	"github.com/zhangz-2018/cc-switch/internal/router"
	"github.com/zhangz-2018/cc-switch/internal/store"
	"github.com/zhangz-2018/cc-switch/internal/usage"
)

var (
	ErrAlreadyRunning = errors.New("server: already running")
	ErrNotRunning     = errors.New("server: not running")
	ErrStopTimeout    = errors.New("server: graceful stop timed out")
)

// Server is the gateway daemon: HTTP listener, request path dependencies,
// and the per-app active target table.
type Server struct {
	cfg       config.Config
	store     store.Store
	breakers  *breaker.Registry
	router    *router.Router
	forwarder *proxy.Forwarder
	pipeline  *proxy.Pipeline
	usageLog  *usage.Logger
	metrics   *monitoring.Metrics
	memories  memory.Recorder

	mu         sync.Mutex
	httpServer *http.Server
	startedAt  time.Time

	activeMu      sync.RWMutex
	activeTargets map[store.AppType]string
}

// Options are the collaborators New wires into a Server. Store and Breakers
// are required; the rest default sensibly when nil.
type Options struct {
	Config   config.Config
	Store    store.Store
	Breakers *breaker.Registry
	Metrics  *monitoring.Metrics
	Memories memory.Recorder
	// Client overrides the upstream HTTP client, for tests.
	Client *http.Client
}

func New(opts Options) *Server {
	rt := router.New(opts.Store, opts.Breakers)
	usageLog := usage.NewLogger(opts.Store, config.DefaultUsageQueueSize)
	if opts.Metrics != nil {
		usageLog.OnDrop = opts.Metrics.UsageRecordDropped
	}
	fw := proxy.NewForwarder(rt, opts.Client)
	fw.Metrics = opts.Metrics

	s := &Server{
		cfg:           opts.Config,
		store:         opts.Store,
		breakers:      opts.Breakers,
		router:        rt,
		forwarder:     fw,
		usageLog:      usageLog,
		metrics:       opts.Metrics,
		memories:      opts.Memories,
		activeTargets: make(map[store.AppType]string),
	}
	s.pipeline = proxy.NewPipeline(usageLog, usage.NewCostResolver(opts.Store), opts.Memories, opts.Metrics)
	return s
}

// Start binds the listener and serves in the background. It returns once
// the port is held, so a bind failure surfaces here rather than in a log.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpServer != nil {
		return ErrAlreadyRunning
	}

	ln, err := net.Listen("tcp", s.cfg.ListenAddr())
	if err != nil {
		return err
	}

	// No WriteTimeout: stream deadlines belong to the relay, which skips
	// them entirely when auto-failover is off. A server-wide cap would cut
	// long streams behind the relay's back.
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: config.DefaultServerReadHeaderTimeout,
	}
	s.httpServer = srv
	s.startedAt = time.Now()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server: serve failed")
		}
	}()

	log.Info().Str("addr", s.cfg.ListenAddr()).Msg("server: listening")
	return nil
}

// Stop shuts the listener down gracefully, waiting up to the configured
// stop timeout for in-flight requests before tearing connections down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.httpServer = nil
	s.mu.Unlock()

	if srv == nil {
		return ErrNotRunning
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.Server.StopTimeout)
	defer cancel()

	err := srv.Shutdown(shutdownCtx)
	s.usageLog.Close()
	if err != nil {
		_ = srv.Close()
		if errors.Is(err, context.DeadlineExceeded) {
			log.Warn().Msg("server: graceful stop timed out, forcing close")
			return ErrStopTimeout
		}
		return err
	}
	log.Info().Msg("server: stopped")
	return nil
}

// Running reports whether the listener is up.
func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.httpServer != nil
}

// ActiveTarget returns the pinned provider for an app, or "" when requests
// simply follow sort order.
func (s *Server) ActiveTarget(app store.AppType) string {
	s.activeMu.RLock()
	defer s.activeMu.RUnlock()
	return s.activeTargets[app]
}

// SetActiveTarget pins (or with id == "" unpins) the provider an app's
// requests lead with.
func (s *Server) SetActiveTarget(ctx context.Context, app store.AppType, providerID string) error {
	if providerID != "" {
		p, err := s.store.GetProvider(ctx, providerID)
		if err != nil {
			return err
		}
		if p.AppType != app {
			return errors.New("server: provider belongs to a different app")
		}
	}

	s.activeMu.Lock()
	if providerID == "" {
		delete(s.activeTargets, app)
	} else {
		s.activeTargets[app] = providerID
	}
	s.activeMu.Unlock()

	log.Info().Str("app", string(app)).Str("provider", providerID).Msg("server: active target updated")
	return nil
}

func (s *Server) noteServingProvider(app store.AppType, providerID string) {
	s.activeMu.Lock()
	s.activeTargets[app] = providerID
	s.activeMu.Unlock()
}

// ReloadBreakerConfig rereads the stored tuning and pushes it to live
// breakers without resetting their state.
func (s *Server) ReloadBreakerConfig(ctx context.Context) error {
	cfg, err := s.store.BreakerConfig(ctx)
	if err != nil {
		return err
	}
	s.breakers.UpdateConfig(cfg)
	return nil
}
