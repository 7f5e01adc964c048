package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"comex-platform/internal/config"
	"comex-platform/internal/handlers"
	"comex-platform/internal/models"
	"comex-platform/internal/pipeline"
	"comex-platform/internal/repository"
	"comex-platform/internal/services"
	"comex-platform/pkg/database"
	"comex-platform/pkg/logging"
	"comex-platform/pkg/metrics"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewStructuredLogger("comex-api", "1.0.0", logging.ParseLevel(cfg.Logging.Level))
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info(ctx, "[STARTUP] Starting comex platform API server", logging.Fields{
		"version":     "1.0.0",
		"server_host": cfg.Server.Host,
		"server_port": cfg.Server.Port,
		"db_host":     cfg.Database.Host,
		"db_name":     cfg.Database.Database,
	})

	// Initialize metrics collector
	metricsCollector := metrics.NewCollector("comex_platform", prometheus.DefaultRegisterer)

	// Initialize database
	db, err := database.NewPostgresDB(cfg.PostgresConfig(), logger, metricsCollector)
	if err != nil {
		logger.Fatal(ctx, "[STARTUP_ERROR] Failed to connect to database", logging.Fields{}, err)
	}
	defer db.Close()

	// Initialize repository
	operationRepo := repository.NewOperationRepository(db, logger, metricsCollector)

	// Initialize services
	p, err := pipeline.Build(ctx, cfg, operationRepo, logger, metricsCollector)
	if err != nil {
		logger.Fatal(ctx, "[STARTUP_ERROR] Failed to assemble ingestion pipeline", logging.Fields{}, err)
	}
	operationService := services.NewOperationService(operationRepo, logger, metricsCollector)

	kinds, err := cfg.Kinds()
	if err != nil {
		logger.Fatal(ctx, "[STARTUP_ERROR] Invalid operation kinds", logging.Fields{}, err)
	}

	// Initialize handlers
	operationHandler := handlers.NewOperationHandler(operationService, logger, metricsCollector)
	ingestionHandler := handlers.NewIngestionHandler(p.Ingestion, cfg.Ingestion.MonthsBack, logger, metricsCollector)

	// Setup router
	router := mux.NewRouter()
	router.Use(handlers.RequestID)

	// Register routes
	operationHandler.RegisterRoutes(router)
	ingestionHandler.RegisterRoutes(router)
	router.HandleFunc("/api/docs/openapi.json", handlers.OpenAPISpec).Methods("GET")
	router.HandleFunc("/api/docs", handlers.SwaggerUI("/api/docs/openapi.json")).Methods("GET")

	// Prometheus metrics endpoint
	router.Handle("/metrics", promhttp.Handler())

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Info(ctx, "[SERVER_START] HTTP server listening", logging.Fields{
			"address": server.Addr,
		})

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal(ctx, "[SERVER_ERROR] Server failed", logging.Fields{}, err)
		}
	}()

	if cfg.Ingestion.Interval > 0 {
		go schedule(ctx, p.Ingestion, cfg.Ingestion.Interval, cfg.Ingestion.MonthsBack, kinds, logger)
	}

	// Wait for interrupt signal
	<-ctx.Done()

	logger.Info(context.Background(), "[SHUTDOWN] Shutting down server...", logging.Fields{})

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(shutdownCtx, "[SHUTDOWN_ERROR] Server forced to shutdown", logging.Fields{}, err)
	}

	logger.Info(shutdownCtx, "[SHUTDOWN_COMPLETE] Server stopped", logging.Fields{})
}

// schedule starts a run every interval until ctx ends. Ticks that find a run
// in progress are skipped.
func schedule(ctx context.Context, ingestion *services.IngestionService, interval time.Duration, monthsBack int, kinds []models.OperationKind, logger *logging.StructuredLogger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info(ctx, "[SCHEDULER_START] Periodic ingestion enabled", logging.Fields{
		"interval":    interval.String(),
		"months_back": monthsBack,
	})

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			periods := models.TrailingPeriods(now.UTC(), monthsBack)
			report, err := ingestion.TryRun(ctx, periods, kinds)
			if err != nil {
				logger.Warn(ctx, "[SCHEDULER_SKIP] Scheduled run skipped", logging.Fields{"error": err.Error()})
				continue
			}
			logger.Info(ctx, "[SCHEDULER_RUN] Scheduled run finished", logging.Fields{
				"run_id":          report.RunID,
				"records_written": report.TotalRecordsWritten,
				"error_count":     len(report.Errors),
			})
		}
	}
}
