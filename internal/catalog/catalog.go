package catalog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"comex-platform/pkg/logging"
	"comex-platform/pkg/metrics"
)

const (
	DefaultExpiration = 24 * time.Hour
	CleanupInterval   = time.Hour
)

// DescriptionSource lists the known product descriptions by product code
type DescriptionSource interface {
	ListProductDescriptions(ctx context.Context) (map[string]string, error)
}

// ProductCatalog is an explicitly owned cache of product descriptions.
// It is filled by Load/Refresh and learns from rows through Remember.
type ProductCatalog struct {
	cache      *cache.Cache
	source     DescriptionSource
	expiration time.Duration
	logger     *logging.StructuredLogger
	metrics    *metrics.Collector
}

// New creates an empty catalog. source may be nil for a catalog that only learns.
func New(source DescriptionSource, expiration time.Duration, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *ProductCatalog {
	if expiration <= 0 {
		expiration = DefaultExpiration
	}
	return &ProductCatalog{
		cache:      cache.New(expiration, CleanupInterval),
		source:     source,
		expiration: expiration,
		logger:     logger,
		metrics:    metricsCollector,
	}
}

// Load adds every description from the source to the cache
func (c *ProductCatalog) Load(ctx context.Context) (int, error) {
	return c.load(ctx, false)
}

// Refresh replaces the cached entries with the source's current descriptions.
// On a source error the existing entries are kept.
func (c *ProductCatalog) Refresh(ctx context.Context) (int, error) {
	return c.load(ctx, true)
}

func (c *ProductCatalog) load(ctx context.Context, replace bool) (int, error) {
	if c.source == nil {
		return 0, nil
	}

	start := time.Now()
	descriptions, err := c.source.ListProductDescriptions(ctx)
	if err != nil {
		c.logger.Error(ctx, "[CATALOG_LOAD_ERROR] Failed to load product descriptions", logging.Fields{
			"refresh": replace,
		}, err)
		return 0, fmt.Errorf("failed to load product descriptions: %w", err)
	}

	if replace {
		c.cache.Flush()
	}
	for code, desc := range descriptions {
		c.Remember(code, desc)
	}

	c.metrics.CatalogEntries.Set(float64(c.cache.ItemCount()))
	c.logger.Info(ctx, "[CATALOG_LOAD] Product catalog loaded", logging.Fields{
		"entries":     len(descriptions),
		"refresh":     replace,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return len(descriptions), nil
}

// Lookup returns the description cached for code
func (c *ProductCatalog) Lookup(code string) (string, bool) {
	v, found := c.cache.Get(code)
	c.metrics.RecordCatalogLookup(found)
	if !found {
		return "", false
	}
	desc, ok := v.(string)
	return desc, ok
}

// Remember stores a description seen in a source row
func (c *ProductCatalog) Remember(code, description string) {
	description = strings.TrimSpace(description)
	if code == "" || description == "" {
		return
	}
	c.cache.Set(code, description, c.expiration)
}

// Len returns the number of cached descriptions
func (c *ProductCatalog) Len() int {
	return c.cache.ItemCount()
}
