package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"comex-platform/internal/config"
	"comex-platform/internal/models"
	"comex-platform/internal/pipeline"
	"comex-platform/internal/repository"
	"comex-platform/pkg/database"
	"comex-platform/pkg/logging"
	"comex-platform/pkg/metrics"
)

func main() {
	// Parse command-line flags
	monthsBack := flag.Int("months-back", 0, "Trailing complete months to ingest (default from configuration)")
	kindsFlag := flag.String("kinds", "", "Comma separated operation kinds: import,export (default from configuration)")
	periodsFlag := flag.String("periods", "", "Comma separated reference periods YYYY-MM; overrides -months-back")
	workers := flag.Int("workers", 0, "Periods fetched concurrently (default from configuration)")
	dryRun := flag.Bool("dry-run", false, "Fetch and normalize without touching the database")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *monthsBack > 0 {
		cfg.Ingestion.MonthsBack = *monthsBack
	}
	if *workers > 0 {
		cfg.Ingestion.Workers = *workers
	}
	if *kindsFlag != "" {
		cfg.Ingestion.Kinds = strings.Split(*kindsFlag, ",")
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	kinds, err := cfg.Kinds()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid kinds: %v\n", err)
		os.Exit(1)
	}

	var periods []models.Period
	if *periodsFlag != "" {
		periods, err = models.ParsePeriods(strings.Split(*periodsFlag, ","))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid periods: %v\n", err)
			os.Exit(1)
		}
	}

	logger := logging.NewStructuredLogger("comex-ingester", "1.0.0", logging.ParseLevel(cfg.Logging.Level))
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info(ctx, "[INGESTER_START] Starting trade data ingestion", logging.Fields{
		"version":     "1.0.0",
		"months_back": cfg.Ingestion.MonthsBack,
		"periods":     *periodsFlag,
		"kinds":       kinds,
		"workers":     cfg.Ingestion.Workers,
		"dry_run":     *dryRun,
	})

	// Initialize metrics collector
	metricsCollector := metrics.NewCollector("comex_ingester", prometheus.DefaultRegisterer)

	// Initialize repository
	var repo repository.OperationRepository
	if *dryRun {
		repo = repository.NewMemoryRepository()
	} else {
		db, err := database.NewPostgresDB(cfg.PostgresConfig(), logger, metricsCollector)
		if err != nil {
			logger.Fatal(ctx, "[INGESTER_ERROR] Failed to connect to database", logging.Fields{}, err)
		}
		defer db.Close()
		repo = repository.NewOperationRepository(db, logger, metricsCollector)
	}

	p, err := pipeline.Build(ctx, cfg, repo, logger, metricsCollector)
	if err != nil {
		logger.Fatal(ctx, "[INGESTER_ERROR] Failed to assemble ingestion pipeline", logging.Fields{}, err)
	}

	// Ingest data
	var report *models.RunReport
	if len(periods) > 0 {
		report = p.Ingestion.Run(ctx, periods, kinds)
	} else {
		report = p.Ingestion.RunIngestion(ctx, cfg.Ingestion.MonthsBack, kinds)
	}

	printReport(report, *dryRun)

	logger.Info(ctx, "[INGESTER_COMPLETE] Ingestion finished", logging.Fields{
		"run_id":          report.RunID,
		"records_written": report.TotalRecordsWritten,
		"error_count":     len(report.Errors),
		"duration_ms":     report.FinishedAt.Sub(report.StartedAt).Milliseconds(),
	})

	if report.Fatal != "" {
		os.Exit(2)
	}
}

func printReport(report *models.RunReport, dryRun bool) {
	title := "INGESTION COMPLETE"
	if dryRun {
		title += " (DRY RUN, NOTHING STORED)"
	}

	fmt.Println(strings.Repeat("=", 80))
	fmt.Println(title)
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Run ID:             %s\n", report.RunID)
	fmt.Printf("Periods Processed:  %s\n", strings.Join(report.PeriodsProcessed, ", "))
	fmt.Printf("Records Written:    %d\n", report.TotalRecordsWritten)
	fmt.Printf("Inserted:           %d\n", report.Inserted)
	fmt.Printf("Updated:            %d\n", report.Updated)
	fmt.Printf("Rejected:           %d\n", report.Rejected)
	fmt.Printf("Duration:           %v\n", report.FinishedAt.Sub(report.StartedAt))

	if len(report.SourceUsed) > 0 {
		periods := make([]string, 0, len(report.SourceUsed))
		for p := range report.SourceUsed {
			periods = append(periods, p)
		}
		sort.Strings(periods)
		fmt.Println("\nSources:")
		for _, p := range periods {
			fmt.Printf("  %s  %s\n", p, report.SourceUsed[p])
		}
	}

	printList("Warnings", report.Warnings)
	printList("Errors", report.Errors)

	if report.Fatal != "" {
		fmt.Printf("\nRun aborted: %s\n", report.Fatal)
	}
}

func printList(title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Printf("\n%s (%d):\n", title, len(items))
	for i, item := range items {
		if i < 10 {
			fmt.Printf("  - %s\n", item)
		}
	}
	if len(items) > 10 {
		fmt.Printf("  ... and %d more\n", len(items)-10)
	}
}
