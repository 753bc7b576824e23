// Package server wires the kernel, its userspace services, the hosted
// syscall listener, and the diagnostic HTTP surface into one runnable
// unit.
package server

import (
	"fmt"
	"net"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	apihttp "github.com/betrusted-io/xous-hosted/internal/api/http"
	"github.com/betrusted-io/xous-hosted/internal/api/middleware"
	"github.com/betrusted-io/xous-hosted/internal/api/ws"
	"github.com/betrusted-io/xous-hosted/internal/hosted"
	"github.com/betrusted-io/xous-hosted/internal/infrastructure/config"
	"github.com/betrusted-io/xous-hosted/internal/infrastructure/logging"
	"github.com/betrusted-io/xous-hosted/internal/infrastructure/monitoring"
	"github.com/betrusted-io/xous-hosted/internal/nameserver"
	"github.com/betrusted-io/xous-hosted/internal/susres"
	"github.com/betrusted-io/xous-hosted/internal/syscall"
)

// Server owns every long-lived component of the hosted kernel.
type Server struct {
	router   *gin.Engine
	kernel   *syscall.Kernel
	names    *nameserver.Names
	susres   *susres.Coordinator
	listener *hosted.Listener
	broker   *ws.Broker
	logger   *logging.Logger
	config   *config.Config
	metrics  *monitoring.Metrics
}

// NewServer builds the kernel and everything around it.
func NewServer(cfg *config.Config) (*Server, error) {
	var logger *logging.Logger
	if cfg.Logging.Development {
		logger = logging.NewDevelopment()
	} else {
		logger = logging.NewDefault()
	}

	logger.Info("Initializing hosted kernel",
		zap.String("port", cfg.Server.Port),
		zap.String("syscall_addr", cfg.Syscall.Address),
		zap.Int("pages", cfg.Kernel.Pages),
	)

	metrics := monitoring.NewMetrics()
	broker := ws.NewBroker(logger.Logger, metrics)
	sink := monitoring.NewEventSink(metrics, broker)

	kernel := syscall.NewKernel(cfg.Kernel.Pages, logger.Logger, syscall.WithSink(sink))
	if p, err := kernel.Services().Get(1); err == nil && cfg.Kernel.InitName != "" {
		p.Name = cfg.Kernel.InitName
	}

	names, err := nameserver.New(kernel, logger.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to start name service: %w", err)
	}
	go names.Run()
	logger.Info("Name service running", zap.Stringer("pid", names.PID()))

	coordinator, err := susres.New(kernel, logger.Logger, cfg.Susres.AckTimeout)
	if err != nil {
		names.Close()
		return nil, fmt.Errorf("failed to start suspend coordinator: %w", err)
	}
	go coordinator.Run()
	logger.Info("Suspend coordinator running", zap.Stringer("pid", coordinator.PID()))

	listener := hosted.NewListener(kernel, logger.Logger, cfg.Syscall.MaxFrame)

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(monitoring.Middleware(metrics))
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	if cfg.RateLimit.Enabled {
		logger.Info("Rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		router.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		}))
	}

	handlers := apihttp.NewHandlers(kernel, coordinator, metrics, logger.Logger)

	router.GET("/", handlers.Root)
	router.GET("/health", handlers.Health)
	router.GET("/processes", handlers.ListProcesses)
	router.GET("/processes/:pid", handlers.GetProcess)
	router.GET("/servers", handlers.ListServers)
	router.GET("/scheduler/stats", handlers.SchedulerStats)
	router.GET("/memory", handlers.MemoryStats)

	router.GET("/susres", handlers.SusresStatus)
	router.POST("/susres/suspend", handlers.Suspend)
	router.POST("/susres/resume", handlers.Resume)

	router.GET("/stream", broker.Handle)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/metrics/json", handlers.MetricsJSON)

	logger.Info("Server initialized successfully")

	return &Server{
		router:   router,
		kernel:   kernel,
		names:    names,
		susres:   coordinator,
		listener: listener,
		broker:   broker,
		logger:   logger,
		config:   cfg,
		metrics:  metrics,
	}, nil
}

// Kernel exposes the kernel, mainly for tests and embedded callers.
func (s *Server) Kernel() *syscall.Kernel { return s.kernel }

// Run starts the syscall listener and the HTTP server. It blocks until
// the HTTP server stops.
func (s *Server) Run() error {
	if s.config.Syscall.Enabled {
		lis, err := net.Listen("tcp", s.config.Syscall.Address)
		if err != nil {
			return fmt.Errorf("failed to bind syscall listener: %w", err)
		}
		s.logger.Info("Syscall listener running", zap.String("addr", s.config.Syscall.Address))
		go func() {
			if err := s.listener.Serve(lis); err != nil {
				s.logger.Error("Syscall listener stopped", zap.Error(err))
			}
		}()
	}

	addr := s.config.Server.Host + ":" + s.config.Server.Port
	s.logger.Info("Starting HTTP server", zap.String("addr", addr))
	return s.router.Run(addr)
}

// Close shuts the components down in dependency order.
func (s *Server) Close() error {
	s.logger.Info("Shutting down...")

	if err := s.listener.Close(); err != nil {
		s.logger.Warn("Syscall listener close", zap.Error(err))
	}
	if err := s.susres.Close(); err != nil {
		s.logger.Warn("Suspend coordinator close", zap.Error(err))
	}
	if err := s.names.Close(); err != nil {
		s.logger.Warn("Name service close", zap.Error(err))
	}
	s.broker.Close()

	s.logger.Sync()
	return nil
}
