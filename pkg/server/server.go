// Package server exposes the orchestrator over HTTP and gRPC
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/rizome-dev/conductor/pkg/config"
	"github.com/rizome-dev/conductor/pkg/logging"
	"github.com/rizome-dev/conductor/pkg/middleware"
	"github.com/rizome-dev/conductor/pkg/monitoring"
	"github.com/rizome-dev/conductor/pkg/orchestrator"
)

// OrchestratorService is the health service name reported over gRPC
const OrchestratorService = "conductor.orchestrator"

const healthInterval = 10 * time.Second

// Config holds server configuration
type Config struct {
	Server       config.ServerConfig
	Security     config.SecurityConfig
	Orchestrator *orchestrator.Orchestrator
	Monitor      *monitoring.Monitor
	Logger       *logging.Logger
}

// Server manages the HTTP API and the gRPC listener
type Server struct {
	config       Config
	orchestrator *orchestrator.Orchestrator
	monitor      *monitoring.Monitor
	logger       *logging.Logger
	auth         *middleware.AuthService
	limiter      *middleware.RateLimiter

	router       http.Handler
	httpServer   *http.Server
	grpcServer   *grpc.Server
	healthServer *health.Server

	mu        sync.RWMutex
	running   bool
	httpAddr  string
	grpcAddr  string
	stopWatch chan struct{}
	serving   sync.WaitGroup
}

// New creates a server. Listeners are opened by Start.
func New(cfg Config) (*Server, error) {
	if cfg.Orchestrator == nil {
		return nil, fmt.Errorf("orchestrator is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	if cfg.Security.Authentication.Enabled && cfg.Security.Authentication.JWTConfig.SecretKey == "" {
		return nil, fmt.Errorf("authentication is enabled but no jwt secret key is configured")
	}

	s := &Server{
		config:       cfg,
		orchestrator: cfg.Orchestrator,
		monitor:      cfg.Monitor,
		logger:       cfg.Logger.WithComponent("server"),
		auth:         middleware.NewAuthService(&cfg.Security),
		limiter:      middleware.NewRateLimiter(cfg.Security.RateLimit),
		healthServer: health.NewServer(),
	}
	s.router = s.routes()
	return s, nil
}

// Handler returns the HTTP handler serving the API
func (s *Server) Handler() http.Handler {
	return s.router
}

// AuthService returns the service used to validate and issue tokens
func (s *Server) AuthService() *middleware.AuthService {
	return s.auth
}

// Start opens the listeners and serves in the background
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("server is already running")
	}

	tlsConfig, err := s.loadTLSConfig()
	if err != nil {
		return err
	}

	httpCfg := s.config.Server.HTTP
	httpListener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", httpCfg.Host, httpCfg.Port))
	if err != nil {
		return fmt.Errorf("failed to listen for HTTP: %w", err)
	}
	if tlsConfig != nil {
		httpListener = tls.NewListener(httpListener, tlsConfig)
	}

	if s.config.Server.GRPC.Enabled {
		grpcCfg := s.config.Server.GRPC
		grpcListener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", grpcCfg.Host, grpcCfg.Port))
		if err != nil {
			httpListener.Close()
			return fmt.Errorf("failed to listen for gRPC: %w", err)
		}
		s.grpcServer = s.newGRPCServer(tlsConfig)
		s.grpcAddr = grpcListener.Addr().String()

		s.serving.Add(1)
		go func() {
			defer s.serving.Done()
			s.logger.WithField("address", s.grpcAddr).Info("gRPC server starting")
			if err := s.grpcServer.Serve(grpcListener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				s.logger.WithError(err).Error("gRPC server error")
			}
		}()
	}

	s.httpServer = &http.Server{
		Handler:        s.router,
		ReadTimeout:    httpCfg.ReadTimeout,
		WriteTimeout:   httpCfg.WriteTimeout,
		IdleTimeout:    httpCfg.IdleTimeout,
		MaxHeaderBytes: httpCfg.MaxHeaderBytes,
		ErrorLog:       s.logger.StdLogger(),
	}
	s.httpAddr = httpListener.Addr().String()

	s.serving.Add(1)
	go func() {
		defer s.serving.Done()
		s.logger.WithField("address", s.httpAddr).Info("HTTP server starting")
		if err := s.httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithError(err).Error("HTTP server error")
		}
	}()

	s.stopWatch = make(chan struct{})
	s.updateHealth()
	go s.watchHealth(s.stopWatch)

	s.running = true
	s.logger.WithFields(map[string]interface{}{
		"http_address": s.httpAddr,
		"grpc_address": s.grpcAddr,
	}).Info("conductor server started")
	return nil
}

// Stop gracefully shuts down both listeners. In-flight HTTP requests get
// until ctx expires; gRPC calls still running then are cut off.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopWatch)
	s.mu.Unlock()

	s.logger.Info("shutting down conductor server")
	s.healthServer.Shutdown()
	s.limiter.Stop()

	var shutdownErr error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		shutdownErr = fmt.Errorf("failed to shut down HTTP server: %w", err)
	}

	if s.grpcServer != nil {
		stopped := make(chan struct{})
		go func() {
			s.grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			s.logger.Warn("gRPC graceful stop timed out, forcing stop")
			s.grpcServer.Stop()
		}
	}

	s.serving.Wait()
	s.logger.Info("conductor server stopped")
	return shutdownErr
}

// IsRunning returns whether the server is currently serving
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// HTTPAddr returns the bound HTTP address, empty before Start
func (s *Server) HTTPAddr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.httpAddr
}

// GRPCAddr returns the bound gRPC address, empty when gRPC is disabled
func (s *Server) GRPCAddr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.grpcAddr
}

func (s *Server) watchHealth(stop <-chan struct{}) {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.updateHealth()
		case <-stop:
			return
		}
	}
}

func (s *Server) updateHealth() {
	status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if s.orchestrator.IsRunning() {
		status = grpc_health_v1.HealthCheckResponse_SERVING
	}
	s.healthServer.SetServingStatus("", status)
	s.healthServer.SetServingStatus(OrchestratorService, status)
}

func (s *Server) loadTLSConfig() (*tls.Config, error) {
	tlsCfg := s.config.Server.TLS
	if !tlsCfg.Enabled {
		return nil, nil
	}
	if tlsCfg.CertFile == "" || tlsCfg.KeyFile == "" {
		return nil, fmt.Errorf("TLS cert file and key file must be specified")
	}

	cert, err := tls.LoadX509KeyPair(tlsCfg.CertFile, tlsCfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
}
