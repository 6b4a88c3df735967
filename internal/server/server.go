// Package server wires the HTTP API: routing, authentication, request
// validation, and the background workers that run terraform jobs.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"warehouse-api/internal/command"
	"warehouse-api/internal/config"
	"warehouse-api/internal/dispatch"
	"warehouse-api/internal/drift"
	"warehouse-api/internal/gitsync"
	"warehouse-api/internal/jobstore"
	"warehouse-api/internal/terraform"
	"warehouse-api/internal/tfvars"
	"warehouse-api/internal/vault"
)

// Server holds the HTTP router and the components behind it.
type Server struct {
	Router      *gin.Engine
	Logger      zerolog.Logger
	Config      *config.Config
	VaultClient *vault.Client
	Jobs        *jobstore.Jobs
	Dispatcher  *dispatch.Dispatcher
	RateLimiter *rate.Limiter
	Validator   *RequestValidator

	httpServer *http.Server
	cancel     context.CancelFunc
}

// ServerBuilder assembles a Server step by step.
type ServerBuilder struct {
	logger zerolog.Logger
}

func NewServerBuilder() *ServerBuilder {
	return &ServerBuilder{
		logger: log.With().Str("component", "server-builder").Logger(),
	}
}

// New builds a fully wired server.
func New() (*Server, error) {
	builder := NewServerBuilder()
	return builder.Build()
}

// Build creates and configures a new server instance
func (sb *ServerBuilder) Build() (*Server, error) {
	if err := sb.setupLogging(); err != nil {
		return nil, fmt.Errorf("failed to setup logging: %w", err)
	}

	vaultClient, err := sb.initializeVault()
	if err != nil {
		sb.logger.Warn().Err(err).Msg("Failed to initialize Vault client, falling back to environment variables")
		vaultClient = nil
	}

	cfg := config.NewManager().Load(vaultClient)

	server, err := sb.buildServer(cfg, vaultClient)
	if err != nil {
		return nil, fmt.Errorf("failed to build server: %w", err)
	}

	return server, nil
}

// setupLogging configures the logging system
func (sb *ServerBuilder) setupLogging() error {
	zerolog.TimeFieldFormat = time.RFC3339

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	})

	return nil
}

func (sb *ServerBuilder) initializeVault() (*vault.Client, error) {
	return vault.NewClient()
}

// buildServer constructs the server with all components
func (sb *ServerBuilder) buildServer(cfg *config.Config, vaultClient *vault.Client) (*Server, error) {
	router := sb.initializeRouter()
	ctx, cancel := context.WithCancel(context.Background())

	backend := sb.selectJobBackend(cfg, vaultClient)
	jobs := jobstore.New(backend, cfg.Retention(), log.Logger)

	modulePaths := map[tfvars.ModuleType]string{
		tfvars.ModuleTypeWarehouse: cfg.WarehouseModulePath,
		tfvars.ModuleTypeSuperset:  cfg.SupersetModulePath,
	}

	runner := command.NewExecRunner()
	templater := tfvars.NewTemplater(cfg.JobConfigsDir, log.Logger)
	sequencer := terraform.NewSequencer(runner, templater, modulePaths, cfg.PhaseTimeout(), log.Logger)
	dispatcher := dispatch.New(jobs, sequencer, cfg.WorkerCount, cfg.QueueSize, log.Logger)
	if vaultClient != nil {
		dispatcher.SetCredentialSink(vaultClient)
	}

	server := &Server{
		Router:      router,
		Logger:      log.With().Str("component", "server").Logger(),
		Config:      cfg,
		VaultClient: vaultClient,
		Jobs:        jobs,
		Dispatcher:  dispatcher,
		RateLimiter: rate.NewLimiter(rate.Every(time.Second), cfg.RateLimit),
		Validator:   NewRequestValidator(),
		cancel:      cancel,
	}
	server.httpServer = &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: router,
	}

	server.registerRoutes()

	if err := os.MkdirAll(cfg.JobConfigsDir, 0755); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create job configs directory: %w", err)
	}

	syncer := gitsync.NewSyncer(cfg.ModulesRepoURL, cfg.ModulesRepoToken, cfg.ModulesBaseDir, log.Logger)
	if err := syncer.Sync(); err != nil {
		sb.logger.Warn().Err(err).Msg("Modules repository sync failed, using existing checkout")
	}

	dispatcher.Start(ctx)
	jobs.StartSweeper(ctx, time.Hour)

	if cfg.DriftCheckMinutes > 0 {
		detector := drift.NewDetector(runner, modulePaths, "drift_state.json", log.Logger)
		detector.Start(ctx, time.Duration(cfg.DriftCheckMinutes)*time.Minute)
	}

	return server, nil
}

// selectJobBackend picks where job records live. Vault keeps records
// across restarts; memory is the default for single-node deployments.
func (sb *ServerBuilder) selectJobBackend(cfg *config.Config, vaultClient *vault.Client) jobstore.Backend {
	if cfg.JobStoreBackend == "vault" && vaultClient != nil {
		sb.logger.Info().Msg("Using Vault backend for job records")
		return jobstore.NewVaultBackend(vaultClient)
	}
	if cfg.JobStoreBackend == "vault" {
		sb.logger.Warn().Msg("Vault job store requested but Vault is unavailable, using in-memory store")
	}
	return jobstore.NewMemoryBackend()
}

// initializeRouter creates and configures the Gin router
func (sb *ServerBuilder) initializeRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.SetTrustedProxies([]string{"127.0.0.1", "::1"})
	return router
}

func (s *Server) registerRoutes() {
	r := s.Router

	r.Use(s.requestLogger())
	r.Use(gin.Recovery())

	r.GET("/api/health", s.handleHealth)

	authed := r.Group("/api", s.apiKeyAuth(), s.rateLimit())
	authed.POST("/infra/postgres/db", s.handleCreateWarehouse)
	authed.POST("/infra/superset", s.handleCreateSuperset)
	authed.GET("/task/:task_id", s.handleTaskStatus)
}

// requestLogger middleware logs all HTTP requests with structured data
func (s *Server) requestLogger() gin.HandlerFunc {
	return gin.LoggerWithFormatter(func(param gin.LogFormatterParams) string {
		s.Logger.Info().
			Str("method", param.Method).
			Str("path", param.Path).
			Str("remote_addr", param.ClientIP).
			Str("user_agent", param.Request.UserAgent()).
			Int("status", param.StatusCode).
			Int("body_size", param.BodySize).
			Dur("latency", param.Latency).
			Str("error", param.ErrorMessage).
			Msg("HTTP request")

		return ""
	})
}

// apiKeyAuth rejects requests whose X-API-Key header does not match the
// configured key. An empty configured key disables authentication, which
// is only intended for local development.
func (s *Server) apiKeyAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.Config.APIKey == "" {
			c.Next()
			return
		}
		if c.GetHeader("X-API-Key") != s.Config.APIKey {
			s.Logger.Warn().
				Str("path", c.Request.URL.Path).
				Str("remote_addr", c.ClientIP()).
				Msg("Rejected request with invalid API key")
			c.AbortWithStatusJSON(401, gin.H{"error": "Invalid or missing API key"})
			return
		}
		c.Next()
	}
}

func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.RateLimiter.Allow() {
			s.Logger.Warn().
				Str("path", c.Request.URL.Path).
				Str("remote_addr", c.ClientIP()).
				Msg("Rate limit exceeded")
			c.AbortWithStatusJSON(429, gin.H{"error": "Too many requests"})
			return
		}
		c.Next()
	}
}

func (s *Server) Start() error {
	s.Logger.Info().Str("addr", s.httpServer.Addr).Msg("Starting server")
	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop drains in-flight requests until ctx expires, then stops the workers
// and background loops.
func (s *Server) Stop(ctx context.Context) error {
	s.Logger.Info().Msg("Stopping server")
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	if s.cancel != nil {
		s.cancel()
	}
	return err
}
