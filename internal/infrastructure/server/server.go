package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/stockd/core/internal/adapters/delivery"
	httpHandlers "github.com/stockd/core/internal/adapters/http"
	"github.com/stockd/core/internal/application/services"
	"github.com/stockd/core/internal/domain/entities"
	"github.com/stockd/core/internal/infrastructure/config"
	"github.com/stockd/core/internal/infrastructure/logger"
	"github.com/stockd/core/internal/infrastructure/metrics"
	"github.com/stockd/core/internal/ports"
)

const keepAliveText = "Bot is online and running!"

// Dependencies are the wired services the HTTP layer talks to
type Dependencies struct {
	Auth     *services.AuthService
	Dispense *services.DispenseService
	Restock  *services.RestockService
	Stock    ports.StockReader
	Cooldown ports.CooldownStore
	Inbox    *delivery.Inbox
	Recorder *metrics.Recorder

	// ReadyChecks run on /ready in addition to the data directory check
	ReadyChecks map[string]func(context.Context) error
}

// Server represents the HTTP server
type Server struct {
	echo           *echo.Echo
	config         *config.Config
	logger         *logger.Logger
	recorder       *metrics.Recorder
	readyChecks    map[string]func(context.Context) error
	restockHandler *httpHandlers.RestockHandler
}

// CustomValidator wraps the validator
type CustomValidator struct {
	validator *validator.Validate
}

// Validate validates structs
func (cv *CustomValidator) Validate(i interface{}) error {
	return cv.validator.Struct(i)
}

// New creates a new server instance. Restock sessions started through the
// server are cancelled when ctx is done.
func New(ctx context.Context, cfg *config.Config, deps Dependencies, appLogger *logger.Logger) (*Server, error) {
	if deps.Auth == nil || deps.Dispense == nil || deps.Restock == nil || deps.Stock == nil || deps.Cooldown == nil || deps.Inbox == nil {
		return nil, errors.New("server: missing dependency")
	}

	e := echo.New()

	// Set custom validator
	e.Validator = &CustomValidator{validator: validator.New()}

	// Configure Echo
	e.HideBanner = true
	e.HidePort = true

	// Custom error handler
	e.HTTPErrorHandler = customErrorHandler(appLogger)

	categories := cfg.Stock.CategorySet()

	// Initialize handlers
	stockHandler := httpHandlers.NewStockHandler(deps.Dispense, deps.Stock, deps.Cooldown, categories, appLogger)
	inboxHandler := httpHandlers.NewInboxHandler(deps.Inbox, appLogger)
	restockHandler := httpHandlers.NewRestockHandler(ctx, deps.Restock, cfg.Restock.SessionTTL, appLogger.WithComponent("restock"))

	server := &Server{
		echo:           e,
		config:         cfg,
		logger:         appLogger,
		recorder:       deps.Recorder,
		readyChecks:    deps.ReadyChecks,
		restockHandler: restockHandler,
	}

	// Metrics middleware goes first so it sees every response
	if cfg.Metrics.Enabled && deps.Recorder != nil {
		server.setupMetrics()
	}

	// Setup middleware
	server.setupMiddleware()

	// Setup routes
	server.setupRoutes(stockHandler, inboxHandler, restockHandler, deps.Auth)

	return server, nil
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware() {
	// Recovery middleware
	s.echo.Use(middleware.Recover())

	// Logger middleware
	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:       true,
		LogStatus:    true,
		LogMethod:    true,
		LogLatency:   true,
		LogError:     true,
		LogRemoteIP:  true,
		LogUserAgent: true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, values middleware.RequestLoggerValues) error {
			fields := []interface{}{
				"method", values.Method,
				"uri", values.URI,
				"status", values.Status,
				"latency_ms", float64(values.Latency.Nanoseconds()) / 1000000,
				"remote_ip", values.RemoteIP,
				"user_agent", values.UserAgent,
				"request_id", values.RequestID,
			}

			if values.Error != nil {
				fields = append(fields, "error", values.Error.Error())
				s.logger.Errorw("HTTP request failed", fields...)
			} else {
				s.logger.Infow("HTTP request", fields...)
			}

			return nil
		},
	}))

	// Rate limiting middleware
	if s.config.Security.RateLimitRequests > 0 {
		s.echo.Use(middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
			Skipper: func(c echo.Context) bool {
				return c.Path() == "/" || c.Path() == "/health"
			},
			Store: middleware.NewRateLimiterMemoryStoreWithConfig(
				middleware.RateLimiterMemoryStoreConfig{Rate: rate.Limit(s.config.Security.RateLimitRequests), Burst: s.config.Security.RateLimitRequests, ExpiresIn: s.config.Security.RateLimitWindow},
			),
			IdentifierExtractor: func(ctx echo.Context) (string, error) {
				id := ctx.RealIP()
				return id, nil
			},
			ErrorHandler: func(context echo.Context, err error) error {
				return context.JSON(http.StatusForbidden, map[string]string{"message": "rate limit exceeded"})
			},
			DenyHandler: func(context echo.Context, identifier string, err error) error {
				return context.JSON(http.StatusTooManyRequests, map[string]string{"message": "rate limit exceeded"})
			},
		}))
	}

	// Security headers
	s.echo.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		HSTSMaxAge:            31536000,
		ContentSecurityPolicy: "default-src 'self'",
	}))

	// Request ID middleware
	s.echo.Use(middleware.RequestID())

	// Timeout middleware
	timeout := s.config.Server.WriteTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	s.echo.Use(middleware.TimeoutWithConfig(middleware.TimeoutConfig{
		Timeout: timeout,
	}))
}

// setupRoutes configures all routes
func (s *Server) setupRoutes(stockHandler *httpHandlers.StockHandler, inboxHandler *httpHandlers.InboxHandler, restockHandler *httpHandlers.RestockHandler, authService *services.AuthService) {
	// Keep-alive for uptime pingers
	s.echo.GET("/", s.keepAlive)

	// Health check routes
	s.echo.GET("/health", s.healthCheck)
	s.echo.GET("/ready", s.readinessCheck)

	// API v1 routes
	v1 := s.echo.Group("/api/v1", s.authMiddleware(authService))

	v1.POST("/gen/:category", stockHandler.Gen,
		s.requireRole(entities.UserRoleMember, entities.UserRoleAdmin),
		s.requireAccountAge(s.config.Gate.MinAccountAgeDays),
	)
	v1.GET("/stock", stockHandler.Stock)

	meGroup := v1.Group("/me")
	meGroup.GET("/inbox", inboxHandler.Get)
	meGroup.PUT("/inbox", inboxHandler.Update)

	restockGroup := v1.Group("/restock", s.requireRole(entities.UserRoleAdmin))
	restockGroup.POST("", restockHandler.Start)
	restockGroup.GET("/:id", restockHandler.Get)
	restockGroup.POST("/:id/messages", restockHandler.PostMessage)
	restockGroup.DELETE("/:id", restockHandler.Cancel)
}

// setupMetrics records request metrics and serves the registry
func (s *Server) setupMetrics() {
	s.echo.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}

			s.recorder.ObserveRequest(
				c.Request().Method,
				c.Path(),
				fmt.Sprintf("%d", status),
				time.Since(start).Seconds(),
			)

			return err
		}
	})

	// Metrics endpoint
	s.echo.GET("/metrics", echo.WrapHandler(s.recorder.Handler()))
}

func (s *Server) keepAlive(c echo.Context) error {
	return c.String(http.StatusOK, keepAliveText)
}

// Health check handlers
func (s *Server) healthCheck(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) readinessCheck(c echo.Context) error {
	checks := make(map[string]string)
	ready := true

	if info, err := os.Stat(s.config.Stock.DataDir); err != nil || !info.IsDir() {
		ready = false
		checks["data_dir"] = "unavailable"
	} else {
		checks["data_dir"] = "ok"
	}

	for name, check := range s.readyChecks {
		if err := check(c.Request().Context()); err != nil {
			ready = false
			checks[name] = err.Error()
			continue
		}
		checks[name] = "ok"
	}

	response := map[string]interface{}{
		"status": "ready",
		"time":   time.Now().UTC().Format(time.RFC3339),
		"checks": checks,
	}

	if !ready {
		response["status"] = "not_ready"
		return c.JSON(http.StatusServiceUnavailable, response)
	}
	return c.JSON(http.StatusOK, response)
}

// Start starts the HTTP server
func (s *Server) Start(address string) error {
	s.logger.Infow("Starting server", "address", address)

	s.echo.Server.ReadTimeout = s.config.Server.ReadTimeout
	s.echo.Server.IdleTimeout = s.config.Server.IdleTimeout

	return s.echo.Start(address)
}

// Shutdown gracefully shuts down the server and waits for running restock
// sessions to observe cancellation of the server context.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down server")

	if err := s.echo.Shutdown(ctx); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		s.restockHandler.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("restock sessions still running: %w", ctx.Err())
	}
}

// customErrorHandler handles HTTP errors
func customErrorHandler(logger *logger.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		var (
			code = http.StatusInternalServerError
			msg  interface{}
		)

		var ve validator.ValidationErrors
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			msg = map[string]interface{}{"message": he.Message}
			if he.Internal != nil {
				err = fmt.Errorf("%v, %v", err, he.Internal)
			}
		} else if errors.As(err, &ve) {
			code = http.StatusBadRequest
			msg = map[string]string{"message": "validation failed", "details": ve.Error()}
		} else {
			msg = map[string]string{"message": http.StatusText(code)}
		}

		if code >= http.StatusInternalServerError {
			logger.Errorw("Internal server error", "error", err, "path", c.Request().URL.Path)
		}

		// Send response
		if !c.Response().Committed {
			if c.Request().Method == echo.HEAD {
				err = c.NoContent(code)
			} else {
				err = c.JSON(code, msg)
			}
			if err != nil {
				logger.Errorw("Error sending response", "error", err)
			}
		}
	}
}
