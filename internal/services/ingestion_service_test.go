package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"comex-platform/internal/models"
	"comex-platform/internal/normalizer"
	"comex-platform/internal/repository"
	"comex-platform/internal/sources"
	"comex-platform/pkg/logging"
	"comex-platform/pkg/metrics"
)

// stubSource answers fetches from a script keyed by "YYYY-MM kind"
type stubSource struct {
	name   string
	script func(req sources.FetchRequest) sources.FetchResult

	mu    sync.Mutex
	calls []string
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) Fetch(ctx context.Context, req sources.FetchRequest) sources.FetchResult {
	s.mu.Lock()
	s.calls = append(s.calls, fmt.Sprintf("%s %s", req.Period(), req.Kind))
	s.mu.Unlock()
	return s.script(req)
}

func (s *stubSource) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// stubAPI is a stubSource that can be probed
type stubAPI struct {
	*stubSource
	probeErr error
}

func (s *stubAPI) Probe(ctx context.Context) error { return s.probeErr }

func rawRows(n int, prefix int) []models.RawRecord {
	rows := make([]models.RawRecord, n)
	for i := range rows {
		rows[i] = models.RawRecord{
			"CO_NCM":    fmt.Sprintf("%08d", prefix+i),
			"NO_PAIS":   "China",
			"SG_UF_NCM": "SP",
			"CO_VIA":    "1",
			"VL_FOB":    "1.234,56",
		}
	}
	return rows
}

func always(result sources.FetchResult) func(sources.FetchRequest) sources.FetchResult {
	return func(sources.FetchRequest) sources.FetchResult { return result }
}

func failing(name string) *stubSource {
	return &stubSource{name: name, script: always(sources.Failure(errors.New("503 service unavailable")))}
}

type harness struct {
	repo      *repository.MemoryRepository
	collector *metrics.Collector
	service   *IngestionService
}

func newHarness(workers int, chain ...sources.Source) *harness {
	repo := repository.NewMemoryRepository()
	collector := metrics.NewNopCollector()
	logger := logging.NewNopLogger()
	writer := NewBatchWriter(repo, 25, logger, collector)
	svc := NewIngestionService(chain, normalizer.New(nil), writer, IngestionConfig{Workers: workers}, logger, collector)
	return &harness{repo: repo, collector: collector, service: svc}
}

func periods(t *testing.T, values ...string) []models.Period {
	t.Helper()
	ps, err := models.ParsePeriods(values)
	require.NoError(t, err)
	return ps
}

func TestIngestion_FullSuccessFromAPI(t *testing.T) {
	api := &stubAPI{stubSource: &stubSource{name: models.SourceAPI, script: func(req sources.FetchRequest) sources.FetchResult {
		if req.Kind == models.KindImport {
			return sources.OK(rawRows(50, 10000000), "")
		}
		return sources.OK(rawRows(30, 20000000), "")
	}}}
	bulk := failing(models.SourceBulkFile)
	h := newHarness(1, api, bulk, failing(models.SourceScraper))

	report := h.service.Run(context.Background(), periods(t, "2024-03"), nil)

	assert.Equal(t, 80, report.TotalRecordsWritten)
	assert.Equal(t, []string{"2024-03"}, report.PeriodsProcessed)
	assert.Equal(t, map[string]string{"2024-03": models.SourceAPI}, report.SourceUsed)
	assert.Empty(t, report.Errors)
	assert.Empty(t, report.Fatal)
	assert.Equal(t, string(StateDone), report.State)
	assert.NotEmpty(t, report.RunID)
	assert.Empty(t, bulk.Calls(), "fallback must not run when the API succeeds")
	assert.Equal(t, 80, h.repo.Len())
	assert.Equal(t, StateDone, h.service.State())
	assert.False(t, h.service.Running())
}

func TestIngestion_PartialFallbackAfterProbeFailure(t *testing.T) {
	api := &stubAPI{stubSource: failing(models.SourceAPI), probeErr: errors.New("dial tcp: connection refused")}
	bulk := &stubSource{name: models.SourceBulkFile, script: func(req sources.FetchRequest) sources.FetchResult {
		rows := rawRows(100, 30000000)
		for i := 0; i < 5; i++ {
			rows[i*20]["CO_NCM"] = ""
		}
		return sources.OK(rows, "IMP_2024_03.csv")
	}}
	h := newHarness(1, api, bulk)

	report := h.service.Run(context.Background(), periods(t, "2024-03"), []models.OperationKind{models.KindImport})

	assert.Equal(t, 95, report.TotalRecordsWritten)
	assert.Equal(t, 5, report.Rejected)
	assert.Equal(t, []string{"2024-03 import: 5 rows rejected"}, report.Errors)
	assert.Equal(t, map[string]string{"2024-03": models.SourceBulkFile}, report.SourceUsed)
	require.Len(t, report.Warnings, 1)
	assert.Contains(t, report.Warnings[0], "probe failed")
	assert.Empty(t, api.Calls(), "a failed probe removes the API from the run")
	assert.Equal(t, 5.0, testutil.ToFloat64(h.collector.IngestionRejectedTotal.WithLabelValues("product_code")))

	stored, _, err := h.repo.GetOperations(context.Background(), repository.OperationFilter{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, models.SourceBulkFile, stored[0].SourceTag)
	assert.Equal(t, "IMP_2024_03.csv", stored[0].SourceFile)
}

func TestIngestion_TotalFailureForOnePeriod(t *testing.T) {
	okUnless := func(name string, prefix int) *stubSource {
		return &stubSource{name: name, script: func(req sources.FetchRequest) sources.FetchResult {
			if req.Period().String() == "2023-11" {
				return sources.Failure(fmt.Errorf("%s down", name))
			}
			return sources.OK(rawRows(10, prefix), "")
		}}
	}
	api := &stubAPI{stubSource: okUnless(models.SourceAPI, 40000000)}
	bulk := okUnless(models.SourceBulkFile, 50000000)
	scraper := failing(models.SourceScraper)
	h := newHarness(1, api, bulk, scraper)

	report := h.service.Run(context.Background(), periods(t, "2023-10", "2023-11", "2023-12"), []models.OperationKind{models.KindExport})

	assert.Equal(t, []string{"2023-10", "2023-12"}, report.PeriodsProcessed)
	assert.NotContains(t, report.SourceUsed, "2023-11")
	require.Len(t, report.Errors, 3)
	for _, e := range report.Errors {
		assert.True(t, strings.HasPrefix(e, "2023-11 export: "), e)
	}
	assert.Equal(t, 20, report.TotalRecordsWritten)
	assert.Equal(t, []string{"2023-11 export"}, scraper.Calls())
}

func TestIngestion_FallbackCorrectness(t *testing.T) {
	api := &stubAPI{stubSource: failing(models.SourceAPI)}
	bulk := &stubSource{name: models.SourceBulkFile, script: always(sources.OK(rawRows(3, 60000000), "bulk.csv"))}
	h := newHarness(1, api, bulk)

	ps := periods(t, "2024-01", "2024-02", "2024-03")
	report := h.service.Run(context.Background(), ps, []models.OperationKind{models.KindImport})

	for _, p := range ps {
		assert.Equal(t, models.SourceBulkFile, report.SourceUsed[p.String()])
	}
	require.Len(t, report.Errors, len(ps))
	for i, p := range ps {
		assert.Contains(t, report.Errors[i], p.String())
		assert.Contains(t, report.Errors[i], "API failed")
	}
}

func TestIngestion_EmptyResultFallsBackWithWarning(t *testing.T) {
	api := &stubAPI{stubSource: &stubSource{name: models.SourceAPI, script: always(sources.Empty(""))}}
	bulk := &stubSource{name: models.SourceBulkFile, script: always(sources.OK(rawRows(2, 70000000), ""))}
	h := newHarness(1, api, bulk)

	report := h.service.Run(context.Background(), periods(t, "2024-03"), []models.OperationKind{models.KindImport})

	assert.Empty(t, report.Errors)
	assert.Equal(t, []string{"2024-03 import: API returned no records"}, report.Warnings)
	assert.Equal(t, models.SourceBulkFile, report.SourceUsed["2024-03"])
}

func TestIngestion_MixedSourcesAcrossKinds(t *testing.T) {
	api := &stubAPI{stubSource: &stubSource{name: models.SourceAPI, script: func(req sources.FetchRequest) sources.FetchResult {
		if req.Kind == models.KindExport {
			return sources.Failure(errors.New("timeout"))
		}
		return sources.OK(rawRows(1, 10000000), "")
	}}}
	bulk := &stubSource{name: models.SourceBulkFile, script: always(sources.OK(rawRows(1, 20000000), ""))}
	h := newHarness(1, api, bulk)

	report := h.service.Run(context.Background(), periods(t, "2024-03"), nil)

	assert.Equal(t, "API, Bulk File", report.SourceUsed["2024-03"])
	require.Len(t, report.Details, 2)
	assert.Equal(t, models.KindImport, report.Details[0].Kind)
	assert.Equal(t, models.SourceBulkFile, report.Details[1].Source)
}

func TestIngestion_RerunIsIdempotent(t *testing.T) {
	api := &stubAPI{stubSource: &stubSource{name: models.SourceAPI, script: always(sources.OK(rawRows(40, 10000000), ""))}}
	h := newHarness(1, api)
	ps := periods(t, "2024-02", "2024-03")

	first := h.service.Run(context.Background(), ps, nil)
	countAfterFirst := h.repo.Len()
	second := h.service.Run(context.Background(), ps, nil)

	assert.Equal(t, 160, countAfterFirst)
	assert.Equal(t, countAfterFirst, h.repo.Len())
	assert.Equal(t, 160, first.Inserted)
	assert.Equal(t, 0, second.Inserted)
	assert.Equal(t, 160, second.Updated)
	assert.NotEqual(t, first.RunID, second.RunID)
}

func TestIngestion_ConcurrentWorkersKeepCallerOrder(t *testing.T) {
	api := &stubAPI{stubSource: &stubSource{name: models.SourceAPI, script: func(req sources.FetchRequest) sources.FetchResult {
		time.Sleep(time.Duration(12-int(req.PeriodStart.Month())) * time.Millisecond)
		return sources.OK(rawRows(5, 10000000), "")
	}}}
	h := newHarness(4, api)
	ps := periods(t, "2024-06", "2024-01", "2024-04", "2024-02", "2024-05", "2024-03")

	report := h.service.Run(context.Background(), ps, []models.OperationKind{models.KindExport})

	assert.Equal(t, []string{"2024-06", "2024-01", "2024-04", "2024-02", "2024-05", "2024-03"}, report.PeriodsProcessed)
	assert.Equal(t, 30, report.TotalRecordsWritten)
	assert.Equal(t, 30, h.repo.Len())
}

func TestIngestion_CancellationReturnsPartialReport(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	api := &stubAPI{stubSource: &stubSource{name: models.SourceAPI}}
	api.script = func(req sources.FetchRequest) sources.FetchResult {
		if req.Period().String() == "2024-02" {
			cancel()
			return sources.Failure(context.Canceled)
		}
		return sources.OK(rawRows(5, 10000000), "")
	}
	h := newHarness(1, api)

	report := h.service.Run(ctx, periods(t, "2024-01", "2024-02", "2024-03"), []models.OperationKind{models.KindImport})

	assert.Equal(t, []string{"2024-01"}, report.PeriodsProcessed)
	assert.Equal(t, 5, report.TotalRecordsWritten)
	assert.Equal(t, []string{"2024-01 import", "2024-02 import"}, api.Calls())
	require.Len(t, report.Errors, 1)
	assert.Contains(t, report.Errors[0], "run cancelled")
	assert.Equal(t, string(StateDone), report.State)
}

func TestIngestion_FatalStoreFailureStopsRun(t *testing.T) {
	api := &stubAPI{stubSource: &stubSource{name: models.SourceAPI, script: always(sources.OK(rawRows(5, 10000000), ""))}}
	h := newHarness(1, api)
	h.repo.FailBatch = func([]*models.CanonicalOperation) error { return errors.New("connection refused") }
	h.repo.HealthErr = errors.New("connection refused")

	report := h.service.Run(context.Background(), periods(t, "2024-01", "2024-02"), []models.OperationKind{models.KindImport})

	require.NotNil(t, report)
	assert.Contains(t, report.Fatal, ErrStoreUnavailable.Error())
	assert.Equal(t, []string{"2024-01 import"}, api.Calls())
	assert.Equal(t, 0, report.TotalRecordsWritten)
	assert.Equal(t, string(StateDone), report.State)
}

func TestIngestion_RunIngestionUsesTrailingMonths(t *testing.T) {
	api := &stubAPI{stubSource: &stubSource{name: models.SourceAPI, script: always(sources.Empty(""))}}
	h := newHarness(1, api)
	h.service.WithClock(func() time.Time { return time.Date(2024, time.April, 15, 10, 0, 0, 0, time.UTC) })

	h.service.RunIngestion(context.Background(), 3, []models.OperationKind{models.KindImport})

	assert.Equal(t, []string{"2024-01 import", "2024-02 import", "2024-03 import"}, api.Calls())
}

func TestIngestion_NoSourcesAvailable(t *testing.T) {
	api := &stubAPI{stubSource: failing(models.SourceAPI), probeErr: sources.ErrNotConfigured}
	h := newHarness(1, api)

	report := h.service.Run(context.Background(), periods(t, "2024-03"), []models.OperationKind{models.KindImport})

	assert.Equal(t, []string{"2024-03 import: no source available"}, report.Errors)
	assert.Empty(t, report.PeriodsProcessed)
}

func TestIngestion_TryRunRejectsConcurrentRun(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	api := &stubAPI{stubSource: &stubSource{name: models.SourceAPI, script: func(sources.FetchRequest) sources.FetchResult {
		close(started)
		<-release
		return sources.Empty("")
	}}}
	h := newHarness(1, api)
	ps := periods(t, "2024-03")

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.service.Run(context.Background(), ps, []models.OperationKind{models.KindImport})
	}()
	<-started

	_, err := h.service.TryRun(context.Background(), ps, nil)
	assert.ErrorIs(t, err, ErrRunInProgress)
	assert.True(t, h.service.Running())

	close(release)
	<-done
}

type countingCatalog struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (c *countingCatalog) Refresh(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return 0, c.err
}

func TestIngestion_RefreshesCatalogEveryRun(t *testing.T) {
	api := &stubAPI{stubSource: &stubSource{name: models.SourceAPI, script: always(sources.OK(rawRows(2, 10000000), ""))}}
	cat := &countingCatalog{}
	logger := logging.NewNopLogger()
	collector := metrics.NewNopCollector()
	writer := NewBatchWriter(repository.NewMemoryRepository(), 25, logger, collector)
	svc := NewIngestionService([]sources.Source{api}, normalizer.New(nil), writer, IngestionConfig{Catalog: cat}, logger, collector)

	first := svc.Run(context.Background(), periods(t, "2024-03"), []models.OperationKind{models.KindImport})
	assert.Empty(t, first.Warnings)

	cat.err = errors.New("connection refused")
	second := svc.Run(context.Background(), periods(t, "2024-03"), []models.OperationKind{models.KindImport})

	assert.Equal(t, 2, cat.calls)
	require.Len(t, second.Warnings, 1)
	assert.Contains(t, second.Warnings[0], "product catalog refresh failed")
	assert.Equal(t, 2, second.TotalRecordsWritten)
}
