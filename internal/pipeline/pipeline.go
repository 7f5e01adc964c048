// Package pipeline assembles the ingestion components from configuration.
package pipeline

import (
	"context"
	"fmt"

	"comex-platform/internal/catalog"
	"comex-platform/internal/config"
	"comex-platform/internal/normalizer"
	"comex-platform/internal/repository"
	"comex-platform/internal/services"
	"comex-platform/internal/sources"
	"comex-platform/pkg/logging"
	"comex-platform/pkg/metrics"
)

// Pipeline is one wired ingestion stack
type Pipeline struct {
	Ingestion  *services.IngestionService
	Catalog    *catalog.ProductCatalog
	Normalizer *normalizer.Normalizer
	Chain      []sources.Source
}

type options struct {
	browserFactory sources.BrowserFactory
}

// Option customizes Build
type Option func(*options)

// WithBrowserFactory replaces the Chrome driver used by the portal scraper
func WithBrowserFactory(factory sources.BrowserFactory) Option {
	return func(o *options) {
		o.browserFactory = factory
	}
}

// Build wires the source chain, catalog, normalizer and writer on top of repo.
// The API client is always first in the chain; an unconfigured one fails its
// probe and is skipped for the run. Bulk files and the scraper join the chain
// only when configured.
func Build(ctx context.Context, cfg *config.Config, repo repository.OperationRepository, logger *logging.StructuredLogger, metricsCollector *metrics.Collector, opts ...Option) (*Pipeline, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.browserFactory == nil {
		o.browserFactory = sources.NewChromeBrowserFactory(sources.ChromeOptions{Headless: cfg.Scraper.Headless})
	}

	aliases, err := normalizer.LoadAliasTable(cfg.Normalizer.AliasesFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load column aliases: %w", err)
	}

	productCatalog := catalog.New(repo, cfg.Catalog.Expiration, logger, metricsCollector)
	if _, err := productCatalog.Load(ctx); err != nil {
		// Descriptions are filled lazily from rows when the store cannot be read
		logger.Warn(ctx, "[PIPELINE_CATALOG] Starting with an empty product catalog", logging.Fields{
			"error": err.Error(),
		})
	}

	norm := normalizer.New(aliases, normalizer.WithCatalog(productCatalog))

	chain := []sources.Source{sources.NewAPIClient(cfg.APISourceConfig(), logger)}
	if len(cfg.BulkFile.BaseURLs) > 0 {
		chain = append(chain, sources.NewBulkFileRetriever(cfg.BulkSourceConfig(), norm, logger))
	}
	if cfg.Scraper.Enabled {
		chain = append(chain, sources.NewPortalScraper(cfg.ScraperSourceConfig(), o.browserFactory, logger))
	}

	names := make([]string, len(chain))
	for i, src := range chain {
		names[i] = src.Name()
	}
	logger.Info(ctx, "[PIPELINE_READY] Source chain assembled", logging.Fields{
		"chain":      names,
		"workers":    cfg.Ingestion.Workers,
		"batch_size": cfg.Ingestion.BatchSize,
	})

	writer := services.NewBatchWriter(repo, cfg.Ingestion.BatchSize, logger, metricsCollector)
	ingestion := services.NewIngestionService(chain, norm, writer, services.IngestionConfig{
		Workers: cfg.Ingestion.Workers,
		Catalog: productCatalog,
	}, logger, metricsCollector)

	return &Pipeline{
		Ingestion:  ingestion,
		Catalog:    productCatalog,
		Normalizer: norm,
		Chain:      chain,
	}, nil
}
