package pipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"comex-platform/internal/config"
	"comex-platform/internal/models"
	"comex-platform/internal/repository"
	"comex-platform/internal/sources"
	"comex-platform/pkg/logging"
	"comex-platform/pkg/metrics"
)

const importsMarch = "CO_ANO;CO_MES;CO_NCM;NO_PAIS;SG_UF_NCM;CO_VIA;VL_FOB\n" +
	"2024;03;12019000;China;MT;1;1000\n" +
	"2024;03;09011110;Alemanha;MG;4;2500\n"

type noopBrowser struct{}

func (noopBrowser) Navigate(ctx context.Context, url string) error { return nil }
func (noopBrowser) WaitVisible(ctx context.Context, selector string) error { return nil }
func (noopBrowser) SetValue(ctx context.Context, selector, value string) error { return nil }
func (noopBrowser) Click(ctx context.Context, selector string) error { return nil }
func (noopBrowser) Close() error { return nil }

func noopFactory(ctx context.Context, downloadDir string) (sources.Browser, error) {
	return noopBrowser{}, nil
}

func testConfig(t *testing.T, baseURL string) *config.Config {
	cfg := config.Default()
	cfg.API.BaseURL = baseURL + "/api"
	cfg.API.MaxRetries = 0
	cfg.API.RateLimit = 0
	cfg.BulkFile.BaseURLs = []string{baseURL + "/files"}
	cfg.BulkFile.CacheDir = t.TempDir()
	cfg.BulkFile.MinBytes = 16
	cfg.Ingestion.BatchSize = 10
	return cfg
}

func TestBuild_ChainFollowsConfiguration(t *testing.T) {
	cfg := config.Default()
	repo := repository.NewMemoryRepository()

	p, err := Build(context.Background(), cfg, repo, logging.NewNopLogger(), metrics.NewNopCollector(), WithBrowserFactory(noopFactory))
	require.NoError(t, err)
	require.Len(t, p.Chain, 1)
	assert.Equal(t, models.SourceAPI, p.Chain[0].Name())

	cfg.BulkFile.BaseURLs = []string{"https://files.example.test"}
	cfg.Scraper.Enabled = true
	cfg.Scraper.PortalURL = "https://portal.example.test"
	p, err = Build(context.Background(), cfg, repo, logging.NewNopLogger(), metrics.NewNopCollector(), WithBrowserFactory(noopFactory))
	require.NoError(t, err)

	var names []string
	for _, src := range p.Chain {
		names = append(names, src.Name())
	}
	assert.Equal(t, []string{models.SourceAPI, models.SourceBulkFile, models.SourceScraper}, names)
}

func TestBuild_BadAliasesFile(t *testing.T) {
	cfg := config.Default()
	cfg.Normalizer.AliasesFile = "/nonexistent/aliases.yaml"

	_, err := Build(context.Background(), cfg, repository.NewMemoryRepository(), logging.NewNopLogger(), metrics.NewNopCollector())
	assert.Error(t, err)
}

func TestBuild_FallsBackToBulkFiles(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/operations", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	})
	mux.HandleFunc("/files/IMP_2024_03.csv", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/csv")
		w.Write([]byte(importsMarch))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	repo := repository.NewMemoryRepository()
	p, err := Build(context.Background(), testConfig(t, server.URL), repo, logging.NewNopLogger(), metrics.NewNopCollector())
	require.NoError(t, err)

	march, err := models.ParsePeriod("2024-03")
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	report := p.Ingestion.Run(ctx, []models.Period{march}, []models.OperationKind{models.KindImport})

	assert.Equal(t, 2, report.TotalRecordsWritten)
	assert.Equal(t, models.SourceBulkFile, report.SourceUsed["2024-03"])
	require.Len(t, report.Errors, 1)
	assert.Contains(t, report.Errors[0], "2024-03 import: API failed")
	assert.Equal(t, 2, repo.Len())

	ops, _, err := repo.GetOperations(ctx, repository.OperationFilter{})
	require.NoError(t, err)
	for _, op := range ops {
		assert.Equal(t, "2024-03", op.ReferencePeriod)
		assert.Equal(t, models.SourceBulkFile, op.SourceTag)
		assert.Equal(t, "IMP_2024_03.csv", op.SourceFile)
	}
}
