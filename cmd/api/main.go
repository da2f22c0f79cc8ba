package main

// @title DealerDesk CRM API
// @version 1.0
// @description Opportunity tracking and sales reporting backend for automotive dealer groups.
// @termsOfService https://dealerdesk.io/terms

// @contact.name API Support
// @contact.url https://dealerdesk.io/support
// @contact.email support@dealerdesk.io

// @license.name MIT
// @license.url https://opensource.org/licenses/MIT

// @host localhost:8080
// @BasePath /api/v1

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and JWT token.

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	sentryecho "github.com/getsentry/sentry-go/echo"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	echoSwagger "github.com/swaggo/echo-swagger"

	"github.com/dealerdesk/crm-backend/config"
	_ "github.com/dealerdesk/crm-backend/docs" // Swagger docs (generated)
	"github.com/dealerdesk/crm-backend/pkg/api/handlers"
	"github.com/dealerdesk/crm-backend/pkg/cache"
	"github.com/dealerdesk/crm-backend/pkg/database"
	"github.com/dealerdesk/crm-backend/pkg/dms"
	"github.com/dealerdesk/crm-backend/pkg/events"
	"github.com/dealerdesk/crm-backend/pkg/export"
	"github.com/dealerdesk/crm-backend/pkg/jobs"
	"github.com/dealerdesk/crm-backend/pkg/logger"
	"github.com/dealerdesk/crm-backend/pkg/metrics"
	custommiddleware "github.com/dealerdesk/crm-backend/pkg/middleware"
	"github.com/dealerdesk/crm-backend/pkg/notify"
	"github.com/dealerdesk/crm-backend/pkg/opportunities"
	"github.com/dealerdesk/crm-backend/pkg/storage"
)

func main() {
	// Load configuration
	cfg := config.Load()
	log.Printf("🔧 Configuration loaded (environment: %s)", cfg.APIEnvironment)

	appLog := logger.New(cfg.LogLevel)

	// Initialize Sentry for error tracking
	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			Environment:      cfg.APIEnvironment,
			TracesSampleRate: 1.0, // Capture 100% of transactions in development, adjust in production
			AttachStacktrace: true,
			BeforeSend: func(event *sentry.Event, hint *sentry.EventHint) *sentry.Event {
				// Filter out sensitive data or customize events here
				return event
			},
		})
		if err != nil {
			log.Printf("⚠️  Failed to initialize Sentry: %v", err)
		} else {
			log.Printf("✅ Sentry initialized (environment: %s)", cfg.APIEnvironment)
			defer sentry.Flush(2 * time.Second)
		}
	} else {
		log.Printf("ℹ️  Sentry disabled (no DSN configured)")
	}

	// Initialize MongoDB
	db, err := database.NewClient(cfg.MongoURI, cfg.MongoSecondaryURI, cfg.MongoDatabase)
	if err != nil {
		log.Fatalf("❌ Failed to connect to MongoDB: %v", err)
	}
	defer db.Close()

	// Initialize Redis cache
	redisClient, err := cache.NewClient(cfg.RedisURL)
	if err != nil {
		log.Fatalf("❌ Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()

	// Initialize Prometheus metrics
	prometheusMetrics := metrics.New()
	log.Printf("✅ Prometheus metrics initialized")

	// Initialize Echo
	e := echo.New()
	e.HideBanner = true

	// Initialize rate limiters
	globalRateLimiter := custommiddleware.NewRateLimiter(cfg.RateLimitRequestsPerMinute, cfg.RateLimitBurst)
	endpointRateLimiter := custommiddleware.NewPerEndpointRateLimiter(cfg.RateLimitRequestsPerMinute, cfg.RateLimitBurst)
	endpointRateLimiter.SetEndpointLimit("POST /api/v1/opportunities/export", 6, 2) // Exports walk the whole result set

	// Global middleware
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus: true,
		LogURI:    true,
		LogError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Printf("[%s] %s - Status: %d", c.Request().Method, v.URI, v.Status)
			return nil
		},
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	// Sentry error tracking middleware (if configured)
	if cfg.SentryDSN != "" {
		e.Use(sentryecho.New(sentryecho.Options{
			Repanic: true, // Repanic after capturing to let the Recover middleware handle it
		}))
	}

	// Prometheus metrics middleware
	e.Use(prometheusMetrics.Middleware())

	// CORS with restricted origins
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: cfg.CORSAllowedOrigins,
		AllowMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodPatch,
			http.MethodDelete,
		},
		AllowCredentials: true,
		AllowHeaders: []string{
			"Origin",
			"Content-Type",
			"Accept",
			"Authorization",
		},
	}))

	e.Use(middleware.Gzip())
	e.Use(middleware.Secure())

	// Global rate limiting
	e.Use(globalRateLimiter.RateLimitMiddleware())

	// Health check endpoints (public)
	e.GET("/", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{
			"name":        "DealerDesk CRM API",
			"version":     "0.1.0",
			"status":      "running",
			"environment": cfg.APIEnvironment,
			"timestamp":   time.Now().Unix(),
		})
	})

	e.GET("/health", func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()

		// Check MongoDB connection
		if err := db.Ping(ctx); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]any{
				"status":   "unhealthy",
				"database": "down",
			})
		}

		// Check Redis connection
		if _, err := redisClient.Redis.Ping(ctx).Result(); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]any{
				"status": "unhealthy",
				"cache":  "down",
			})
		}

		return c.JSON(http.StatusOK, map[string]any{
			"status":   "healthy",
			"database": "up",
			"cache":    "up",
		})
	})

	e.GET("/ready", func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()

		if err := db.Ping(ctx); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]any{
				"status": "not ready",
			})
		}

		return c.JSON(http.StatusOK, map[string]any{
			"status": "ready",
		})
	})

	// Prometheus metrics endpoint (public)
	e.GET("/metrics", echo.WrapHandler(prometheusMetrics.Handler()))

	// Swagger documentation (public)
	e.GET("/swagger/*", echoSwagger.WrapHandler)

	// API v1 routes group with versioning middleware
	v1 := e.Group("/api/v1")
	v1.Use(custommiddleware.APIVersionMiddleware(custommiddleware.CurrentAPIVersion))
	v1.Use(endpointRateLimiter.RateLimitMiddleware())

	// Version info endpoint (public)
	v1.GET("/version", func(c echo.Context) error {
		return c.JSON(http.StatusOK, custommiddleware.VersionInfo(custommiddleware.CurrentAPIVersion))
	})

	// Ping endpoint (public)
	v1.GET("/ping", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"message": "pong",
		})
	})

	// Initialize DMS integration (optional)
	var dealResolver opportunities.DMSResolver
	var dealerDirectory opportunities.DealerDirectory
	if cfg.DMSBaseURL != "" {
		dmsClient := dms.NewClient(cfg.DMSBaseURL, cfg.DMSAPIKey, appLog)
		dealResolver = dmsClient
		dealerDirectory = dmsClient
		log.Printf("✅ DMS client initialized (%s)", cfg.DMSBaseURL)
	} else {
		log.Printf("ℹ️  DMS integration disabled (no base URL configured)")
	}

	// Initialize deal archive storage (optional)
	var archive *storage.Service
	if cfg.DealArchiveBucket != "" || cfg.AttachmentBucket != "" {
		storageCtx, storageCancel := context.WithTimeout(context.Background(), 10*time.Second)
		archive, err = storage.NewService(storageCtx, storage.Config{
			AWSAccessKeyID:     cfg.AWSAccessKeyID,
			AWSSecretAccessKey: cfg.AWSSecretAccessKey,
			AWSRegion:          cfg.AWSRegion,
			ArchiveBucket:      cfg.DealArchiveBucket,
			AttachmentBucket:   cfg.AttachmentBucket,
		}, appLog)
		storageCancel()
		if err != nil {
			log.Printf("⚠️  Failed to initialize deal archive storage: %v", err)
			archive = nil
		} else {
			log.Printf("✅ Deal archive storage initialized (bucket: %s)", cfg.DealArchiveBucket)
		}
	} else {
		log.Printf("ℹ️  Deal archive storage disabled (no bucket configured)")
	}

	// Initialize event dispatchers
	dispatchers := events.Fanout{
		events.NewLogDispatcher(appLog),
		prometheusMetrics.Dispatcher(),
		notify.NewNotifier(cfg.EmailFrom, cfg.EmailFromName, cfg.EmailDomain, cfg.SendGridAPIKey, appLog),
	}
	if len(cfg.WebhookEndpoints) > 0 {
		dispatchers = append(dispatchers, events.NewWebhookDispatcher(cfg.WebhookEndpoints, cfg.WebhookSecret, appLog))
		log.Printf("✅ Webhook dispatcher initialized (%d endpoints)", len(cfg.WebhookEndpoints))
	}

	// Initialize services
	store := opportunities.NewStore(db)
	opportunityService := opportunities.NewService(store, dispatchers, dealerDirectory, dealResolver, redisClient, appLog)
	exportService := export.NewService(opportunityService, appLog)

	// Make sure search indexes exist before taking traffic
	indexCtx, indexCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := opportunityService.EnsureIndexes(indexCtx); err != nil {
		log.Printf("⚠️  Failed to ensure indexes: %v", err)
	}
	indexCancel()

	// Initialize maintenance jobs
	var maintenance *jobs.Maintenance
	if cfg.MaintenanceEnabled {
		maintenance = jobs.NewMaintenance(opportunityService, appLog)
		if err := maintenance.SetupJobs(); err != nil {
			log.Fatalf("❌ Failed to setup maintenance jobs: %v", err)
		}
		maintenance.Start()
		log.Printf("✅ Maintenance jobs started")
	} else {
		log.Printf("ℹ️  Maintenance jobs disabled (MAINTENANCE_ENABLED=false)")
	}

	// Initialize handlers
	authMiddleware := custommiddleware.Identity(cfg.JWTSecret)
	opportunityHandler := handlers.NewOpportunityHandler(opportunityService, archive)
	reportHandler := handlers.NewReportHandler(opportunityService)
	exportHandler := handlers.NewExportHandler(exportService)

	opportunityHandler.RegisterRoutes(v1, authMiddleware)
	reportHandler.RegisterRoutes(v1, authMiddleware)
	exportHandler.RegisterRoutes(v1, authMiddleware)

	// Start server
	address := fmt.Sprintf("%s:%s", cfg.APIHost, cfg.APIPort)
	log.Printf("🚀 DealerDesk CRM API starting on %s", address)
	log.Printf("📝 Log level: %s, Log format: %s", cfg.LogLevel, cfg.LogFormat)
	log.Printf("🛡️  Rate limiting: %d req/min (burst: %d), exports 6/min", cfg.RateLimitRequestsPerMinute, cfg.RateLimitBurst)
	if maintenance != nil {
		log.Printf("⏰ Maintenance: Daily 1AM (reporting periods), Daily 3AM (dealer names), Weekly Sunday 4AM (indexes)")
	}

	// Graceful shutdown
	go func() {
		if err := e.Start(address); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Println("🛑 Shutting down server...")

	// Stop maintenance jobs
	if maintenance != nil {
		maintenance.Stop()
		log.Println("✅ Maintenance jobs stopped")
	}

	// Gracefully shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(ctx); err != nil {
		log.Fatalf("❌ Server forced to shutdown: %v", err)
	}

	log.Println("✅ Server gracefully stopped")
}
