// Package main is the entry point for the IAM core's demonstration HTTP
// server. It wires the Orchestrator, connects the optional MongoDB archival
// sink and Redis decision cache, and exposes a thin REST surface to
// exercise the library end-to-end with proper graceful shutdown handling.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/radek-zitek-cloud/iam-core/internal/config"
	"github.com/radek-zitek-cloud/iam-core/internal/models"
	"github.com/radek-zitek-cloud/iam-core/internal/orchestrator"
	"github.com/radek-zitek-cloud/iam-core/internal/token"
	"github.com/radek-zitek-cloud/iam-core/pkg/cache"
	"github.com/radek-zitek-cloud/iam-core/pkg/clock"
	"github.com/radek-zitek-cloud/iam-core/pkg/database"
	"github.com/radek-zitek-cloud/iam-core/pkg/logger"
)

// Application holds all application dependencies and services.
type Application struct {
	config       *config.Config
	logger       *logger.Logger
	database     *database.Client // optional archival sink, may be nil
	cache        *cache.Client    // optional decision cache, may be nil
	orchestrator *orchestrator.Orchestrator
	server       *http.Server
}

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	app, err := NewApplication(ctx)
	if err != nil {
		fmt.Printf("Failed to initialize application: %v\n", err)
		os.Exit(1)
	}

	if err := app.Start(ctx); err != nil {
		app.logger.Error(ctx, "Failed to start application", err)
		os.Exit(1)
	}

	app.WaitForShutdown()

	if err := app.Shutdown(ctx); err != nil {
		app.logger.Error(ctx, "Error during shutdown", err)
		os.Exit(1)
	}

	app.logger.Info("Application shutdown complete")
}

// NewApplication loads configuration, optionally connects the archival and
// cache backends, constructs the Orchestrator, and sets up the HTTP server.
func NewApplication(ctx context.Context) (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	log, err := logger.New(&cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	log.Info("Application initialization started",
		logger.String("name", cfg.App.Name),
		logger.String("version", cfg.App.Version),
		logger.String("environment", cfg.App.Environment),
	)

	var dbClient *database.Client
	if cfg.Database.Enabled {
		log.Info("Connecting to MongoDB audit archival sink...")
		dbClient, err = database.NewClient(&cfg.Database, log)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := dbClient.CreateIndexes(ctx); err != nil {
			log.Error(ctx, "Failed to create database indexes", err)
		}
	}

	var cacheClient *cache.Client
	if cfg.Cache.Enabled {
		log.Info("Connecting to Redis decision cache...")
		cacheClient, err = cache.NewClient(&cfg.Cache, log)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to cache: %w", err)
		}
	}

	var sink orchestrator.ArchivalSink
	if dbClient != nil {
		sink = dbClient
	}
	var cacheConn orchestrator.CacheConnection
	if cacheClient != nil {
		cacheConn = cacheClient
	}

	orch := orchestrator.New(
		clock.NewSystem(),
		log,
		cacheConn,
		sink,
		cfg.Auth.DecisionCacheTTL,
		int64(cfg.Session.DefaultTTL.Seconds()),
		cfg.Session.MaxConcurrent,
		cfg.Auth.BCryptCost,
		token.SigningConfig{
			Issuer:         cfg.Auth.Issuer,
			KeyID:          "iam-core-demo",
			AccessTokenTTL: cfg.Auth.AccessTokenTTL,
		},
	)

	var seed *orchestrator.SeedDocument
	if cfg.Seed.Path != "" {
		seed, err = loadSeed(cfg.Seed.Path)
		if err != nil {
			log.Error(ctx, "failed to load seed document", err, logger.String("path", cfg.Seed.Path))
		}
	}
	if err := orch.Init(ctx, seed); err != nil {
		return nil, fmt.Errorf("failed to initialize orchestrator: %w", err)
	}

	app := &Application{
		config:       cfg,
		logger:       log,
		database:     dbClient,
		cache:        cacheClient,
		orchestrator: orch,
	}

	if err := app.setupServer(); err != nil {
		return nil, fmt.Errorf("failed to setup HTTP server: %w", err)
	}

	log.Info("Application initialized successfully")
	return app, nil
}

func (app *Application) setupServer() error {
	if app.config.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(app.loggingMiddleware())
	router.Use(app.corsMiddleware())

	router.GET(app.config.Monitoring.HealthCheckPath, app.healthCheckHandler)
	router.GET("/ready", app.readinessHandler)
	if app.config.Monitoring.Enabled {
		router.GET(app.config.Monitoring.MetricsPath, app.metricsHandler)
	}
	if app.config.Monitoring.PrometheusEnabled {
		promHandler := promhttp.HandlerFor(app.orchestrator.Registry(), promhttp.HandlerOpts{})
		router.GET("/metrics/prometheus", gin.WrapH(promHandler))
	}

	v1 := router.Group("/api/v1")
	{
		v1.POST("/auth/login", app.loginHandler)
		v1.POST("/auth/refresh", app.refreshHandler)
		v1.POST("/auth/mfa/verify", app.mfaVerifyHandler)
		v1.POST("/authz/check", app.authzCheckHandler)
	}

	app.server = &http.Server{
		Addr:         app.config.GetServerAddr(),
		Handler:      router,
		ReadTimeout:  app.config.App.Timeout,
		WriteTimeout: app.config.App.Timeout,
		IdleTimeout:  2 * app.config.App.Timeout,
	}

	return nil
}

func (app *Application) Start(ctx context.Context) error {
	app.logger.Info("Starting HTTP server",
		logger.String("address", app.server.Addr),
		logger.String("environment", app.config.App.Environment),
	)

	go func() {
		if err := app.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			app.logger.Error(ctx, "HTTP server error", err)
		}
	}()

	app.logger.Info("HTTP server started successfully", logger.String("address", app.server.Addr))
	return nil
}

func (app *Application) WaitForShutdown() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	app.logger.Info("Received shutdown signal", logger.String("signal", sig.String()))
}

func (app *Application) Shutdown(ctx context.Context) error {
	app.logger.Info("Starting graceful shutdown...")

	if err := app.server.Shutdown(ctx); err != nil {
		app.logger.Error(ctx, "HTTP server shutdown error", err)
		return fmt.Errorf("HTTP server shutdown failed: %w", err)
	}

	if err := app.orchestrator.Shutdown(ctx); err != nil {
		app.logger.Error(ctx, "Orchestrator shutdown error", err)
	}

	if app.database != nil {
		if err := app.database.Close(ctx); err != nil {
			app.logger.Error(ctx, "Database connection close error", err)
			return fmt.Errorf("database connection close failed: %w", err)
		}
	}

	_ = app.logger.Sync()
	return nil
}

// --- HTTP handlers ---

func (app *Application) healthCheckHandler(c *gin.Context) {
	ctx := c.Request.Context()
	status := "healthy"
	checks := gin.H{"orchestrator": gin.H{"destroyed": app.orchestrator.Destroyed()}}

	if app.database != nil {
		dbHealth := app.database.HealthCheck(ctx)
		checks["database"] = dbHealth
		if dbHealth.Status != "healthy" {
			status = "unhealthy"
		}
	}
	if app.cache != nil {
		cacheHealth := app.cache.HealthCheck(ctx)
		checks["cache"] = cacheHealth
		if cacheHealth.Status != "healthy" {
			status = "unhealthy"
		}
	}

	if status != "healthy" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": status, "timestamp": time.Now().UTC(), "checks": checks})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"version":   app.config.App.Version,
		"checks":    checks,
	})
}

func (app *Application) readinessHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ready",
		"timestamp": time.Now().UTC(),
		"version":   app.config.App.Version,
	})
}

func (app *Application) metricsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, app.orchestrator.GetMetrics())
}

type loginRequest struct {
	UsernameOrEmail string `json:"username_or_email" binding:"required"`
	Password        string `json:"password" binding:"required"`
	MFACode         string `json:"mfa_code"`
	MFAToken        string `json:"mfa_token"`
	DeviceFingerprint string `json:"device_fingerprint"`
	Application     string `json:"application"`
	Country         string `json:"country"`
}

func (app *Application) loginHandler(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result := app.orchestrator.Authn.Authenticate(c.Request.Context(), models.AuthenticationRequest{
		UsernameOrEmail:   req.UsernameOrEmail,
		Password:          req.Password,
		Method:            models.MethodPassword,
		MFACode:           req.MFACode,
		MFAToken:          req.MFAToken,
		IPAddress:         c.ClientIP(),
		UserAgent:         c.Request.UserAgent(),
		DeviceFingerprint: req.DeviceFingerprint,
		Country:           req.Country,
		Application:       req.Application,
	})

	status := http.StatusOK
	if result.Status != models.AuthSuccess {
		status = http.StatusUnauthorized
	}
	c.JSON(status, result)
}

type mfaVerifyRequest struct {
	IdentityID  string `json:"identity_id" binding:"required"`
	ChallengeID string `json:"challenge_id"`
	Method      string `json:"method"`
	Code        string `json:"code" binding:"required"`
}

// mfaVerifyHandler completes a standalone MFA challenge: the caller either
// supplies the challenge id returned when the challenge was issued, or the
// enrollment method to resolve the most recent pending challenge for the
// identity. Success mints a new session and token set.
func (app *Application) mfaVerifyHandler(c *gin.Context) {
	var req mfaVerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var (
		result models.AuthenticationResult
		err    error
	)
	switch {
	case req.ChallengeID != "":
		result, err = app.orchestrator.Authn.VerifyMFA(c.Request.Context(), req.IdentityID, req.ChallengeID, req.Code)
	case req.Method != "":
		result, err = app.orchestrator.Authn.VerifyMFAByMethod(c.Request.Context(), req.IdentityID, req.Method, req.Code)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "challenge_id or method is required"})
		return
	}
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

func (app *Application) refreshHandler(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	record, err := app.orchestrator.Token.RefreshAccessToken(c.Request.Context(), req.RefreshToken)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, record)
}

type authzCheckRequest struct {
	SubjectID    string                 `json:"subject_id" binding:"required"`
	SubjectType  string                 `json:"subject_type"`
	Resource     string                 `json:"resource" binding:"required"`
	ResourceType string                 `json:"resource_type"`
	Action       string                 `json:"action" binding:"required"`
	Environment  map[string]interface{} `json:"environment"`
	Context      map[string]interface{} `json:"context"`
}

func (app *Application) authzCheckHandler(c *gin.Context) {
	var req authzCheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	decision := app.orchestrator.Authz.Authorize(models.AuthorizationRequest{
		SubjectID:    req.SubjectID,
		SubjectType:  req.SubjectType,
		Resource:     req.Resource,
		ResourceType: req.ResourceType,
		Action:       req.Action,
		Environment:  req.Environment,
		Context:      req.Context,
	})
	c.JSON(http.StatusOK, decision)
}

// --- Middleware ---

func (app *Application) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		correlationID := fmt.Sprintf("%d", start.UnixNano())
		c.Set("correlation_id", correlationID)
		c.Header("X-Correlation-ID", correlationID)

		c.Next()

		duration := time.Since(start)
		app.logger.Performance(c.Request.Context(), "http_request", duration,
			logger.String("method", c.Request.Method),
			logger.String("path", c.Request.URL.Path),
			logger.String("correlation_id", correlationID),
			logger.Int("status", c.Writer.Status()),
			logger.String("client_ip", c.ClientIP()),
			logger.String("user_agent", c.Request.UserAgent()),
		)
	}
}

func (app *Application) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		allowed := false
		for _, allowedOrigin := range app.config.App.CORS.AllowedOrigins {
			if origin == allowedOrigin || allowedOrigin == "*" {
				allowed = true
				break
			}
		}
		if allowed {
			c.Header("Access-Control-Allow-Origin", origin)
		}

		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Correlation-ID")
		c.Header("Access-Control-Expose-Headers", "X-Correlation-ID")
		c.Header("Access-Control-Allow-Credentials", "true")

		if c.Request.Method == "OPTIONS" {
			c.Status(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
