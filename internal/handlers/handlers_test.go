package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"comex-platform/internal/models"
	"comex-platform/internal/normalizer"
	"comex-platform/internal/repository"
	"comex-platform/internal/services"
	"comex-platform/internal/sources"
	"comex-platform/pkg/logging"
	"comex-platform/pkg/metrics"
)

type scriptedSource struct {
	name  string
	fetch func(ctx context.Context, req sources.FetchRequest) sources.FetchResult
}

func (s *scriptedSource) Name() string { return s.name }

func (s *scriptedSource) Fetch(ctx context.Context, req sources.FetchRequest) sources.FetchResult {
	return s.fetch(ctx, req)
}

func exportRows(n int) []models.RawRecord {
	rows := make([]models.RawRecord, n)
	for i := range rows {
		rows[i] = models.RawRecord{
			"CO_NCM":    fmt.Sprintf("%08d", 84710000+i),
			"NO_PAIS":   "Argentina",
			"SG_UF_NCM": "RS",
			"CO_VIA":    "7",
			"VL_FOB":    "100",
		}
	}
	return rows
}

type testServer struct {
	router    *mux.Router
	repo      *repository.MemoryRepository
	ingestion *services.IngestionService
}

func newTestServer(t *testing.T, src sources.Source) *testServer {
	t.Helper()
	logger := logging.NewNopLogger()
	collector := metrics.NewNopCollector()
	repo := repository.NewMemoryRepository()

	writer := services.NewBatchWriter(repo, 50, logger, collector)
	ingestion := services.NewIngestionService(
		[]sources.Source{src},
		normalizer.New(normalizer.DefaultAliasTable()),
		writer,
		services.IngestionConfig{Workers: 2},
		logger,
		collector,
	)

	router := mux.NewRouter()
	router.Use(RequestID)
	NewOperationHandler(services.NewOperationService(repo, logger, collector), logger, collector).RegisterRoutes(router)
	NewIngestionHandler(ingestion, 1, logger, collector).RegisterRoutes(router)
	router.HandleFunc("/api/docs/openapi.json", OpenAPISpec).Methods("GET")
	router.HandleFunc("/api/docs", SwaggerUI("/api/docs/openapi.json")).Methods("GET")

	return &testServer{router: router, repo: repo, ingestion: ingestion}
}

func (s *testServer) do(method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func seed(t *testing.T, repo *repository.MemoryRepository) {
	t.Helper()
	var ops []*models.CanonicalOperation
	for i, country := range []string{"China", "China", "Chile"} {
		ops = append(ops, &models.CanonicalOperation{
			ProductCode:        fmt.Sprintf("%08d", 10110000+i),
			OperationKind:      models.KindImport,
			CounterpartCountry: country,
			Region:             "SP",
			TransportMode:      models.TransportSea,
			FOBValue:           decimal.NewFromInt(int64(100 * (i + 1))),
			OperationDate:      time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
			ReferencePeriod:    "2024-03",
			SourceTag:          models.SourceAPI,
		})
	}
	_, err := repo.UpsertBatch(context.Background(), ops)
	require.NoError(t, err)
}

func okSource() *scriptedSource {
	return &scriptedSource{name: models.SourceAPI, fetch: func(ctx context.Context, req sources.FetchRequest) sources.FetchResult {
		return sources.OK(exportRows(3), "")
	}}
}

func TestGetOperations(t *testing.T) {
	srv := newTestServer(t, okSource())
	seed(t, srv.repo)

	tests := []struct {
		name      string
		query     string
		wantCode  int
		wantTotal int
		wantLen   int
	}{
		{"all", "", http.StatusOK, 3, 3},
		{"by country", "?country=China", http.StatusOK, 2, 2},
		{"by kind", "?kind=export", http.StatusOK, 0, 0},
		{"short product code padded", "?product_code=1011.00.01", http.StatusOK, 1, 1},
		{"by region name", "?region=S%C3%A3o%20Paulo", http.StatusOK, 3, 3},
		{"by period", "?period=2024-03", http.StatusOK, 3, 3},
		{"date range excludes", "?start_date=2024-04-01", http.StatusOK, 0, 0},
		{"pagination", "?limit=2&page=2", http.StatusOK, 3, 1},
		{"bad kind", "?kind=sideways", http.StatusBadRequest, 0, 0},
		{"bad period", "?period=March", http.StatusBadRequest, 0, 0},
		{"bad date", "?start_date=01/03/2024", http.StatusBadRequest, 0, 0},
		{"short product code", "?product_code=12", http.StatusBadRequest, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := srv.do(http.MethodGet, "/api/operations"+tt.query)
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantCode, rec.Body.String())
			}
			if tt.wantCode != http.StatusOK {
				var resp ErrorResponse
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
				assert.Equal(t, tt.wantCode, resp.Code)
				return
			}

			var resp struct {
				Data  []models.CanonicalOperation `json:"data"`
				Total int                         `json:"total"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			if resp.Total != tt.wantTotal {
				t.Errorf("total = %d, want %d", resp.Total, tt.wantTotal)
			}
			if len(resp.Data) != tt.wantLen {
				t.Errorf("len(data) = %d, want %d", len(resp.Data), tt.wantLen)
			}
		})
	}
}

func TestGetOperation(t *testing.T) {
	srv := newTestServer(t, &scriptedSource{name: "API"})
	seed(t, srv.repo)

	tests := []struct {
		name       string
		target     string
		wantStatus int
		wantFOB    string
	}{
		{"found", "/api/operations/1011.00.02/import/2024-03-01?country=Chile&region=sp", http.StatusOK, "300"},
		{"other country", "/api/operations/10110002/import/2024-03-01?country=China&region=SP", http.StatusNotFound, ""},
		{"short code", "/api/operations/101/import/2024-03-01", http.StatusBadRequest, ""},
		{"bad kind", "/api/operations/10110002/transit/2024-03-01", http.StatusBadRequest, ""},
		{"bad date", "/api/operations/10110002/import/2024-03", http.StatusBadRequest, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := srv.do(http.MethodGet, tt.target)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if tt.wantFOB == "" {
				return
			}
			var op models.CanonicalOperation
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &op))
			assert.Equal(t, "10110002", op.ProductCode)
			assert.Equal(t, tt.wantFOB, op.FOBValue.String())
		})
	}
}

func TestRequestID(t *testing.T) {
	srv := newTestServer(t, &scriptedSource{name: "API"})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	assert.Equal(t, "req-42", rec.Header().Get(RequestIDHeader))

	generated := srv.do(http.MethodGet, "/health").Header().Get(RequestIDHeader)
	assert.Len(t, generated, 36)
}

func TestGetSummary(t *testing.T) {
	srv := newTestServer(t, okSource())
	seed(t, srv.repo)

	rec := srv.do(http.MethodGet, "/api/operations/summary?kind=import&start_period=2024-01&end_period=2024-12")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data []repository.PeriodSummary `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, "2024-03", resp.Data[0].ReferencePeriod)
	assert.Equal(t, 3, resp.Data[0].Operations)
	assert.Equal(t, 2, resp.Data[0].Countries)
	assert.True(t, decimal.NewFromInt(600).Equal(resp.Data[0].TotalFOB))

	rec = srv.do(http.MethodGet, "/api/operations/summary?start_period=2024-06&end_period=2024-01")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthCheck(t *testing.T) {
	srv := newTestServer(t, okSource())

	rec := srv.do(http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)

	srv.repo.HealthErr = errors.New("connection refused")
	rec = srv.do(http.MethodGet, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"database":"down"`)
}

func TestRunIngestion(t *testing.T) {
	srv := newTestServer(t, okSource())

	rec := srv.do(http.MethodPost, "/api/ingestion/run?periods=2024-01,2024-02&kinds=export")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var report models.RunReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, 6, report.TotalRecordsWritten)
	assert.Equal(t, []string{"2024-01", "2024-02"}, report.PeriodsProcessed)
	assert.Equal(t, models.SourceAPI, report.SourceUsed["2024-01"])
	assert.Empty(t, report.Errors)
	assert.Equal(t, 6, srv.repo.Len())

	rec = srv.do(http.MethodPost, "/api/ingestion/run?periods=2024-01,2024-02&kinds=export")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, 0, report.Inserted)
	assert.Equal(t, 6, report.Updated)
	assert.Equal(t, 6, srv.repo.Len())
}

func TestRunIngestionValidation(t *testing.T) {
	srv := newTestServer(t, okSource())

	tests := []struct {
		name  string
		query string
	}{
		{"bad period", "?periods=2024-13"},
		{"bad kind", "?kinds=transit"},
		{"months back zero", "?months_back=0"},
		{"months back too large", "?months_back=500"},
		{"months back not a number", "?months_back=three"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := srv.do(http.MethodPost, "/api/ingestion/run"+tt.query)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
			}
		})
	}
	assert.Equal(t, 0, srv.repo.Len())
}

func TestRunIngestionRejectsConcurrentRun(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	blocking := &scriptedSource{name: models.SourceAPI, fetch: func(ctx context.Context, req sources.FetchRequest) sources.FetchResult {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return sources.Empty("")
	}}
	srv := newTestServer(t, blocking)

	done := make(chan int)
	go func() {
		done <- srv.do(http.MethodPost, "/api/ingestion/run?periods=2024-01&kinds=import").Code
	}()
	<-started

	rec := srv.do(http.MethodPost, "/api/ingestion/run?periods=2024-02")
	assert.Equal(t, http.StatusConflict, rec.Code)

	status := srv.do(http.MethodGet, "/api/ingestion/status")
	assert.Contains(t, status.Body.String(), `"running":true`)

	close(release)
	assert.Equal(t, http.StatusOK, <-done)
}

func TestRunIngestionFatalStore(t *testing.T) {
	srv := newTestServer(t, okSource())
	srv.repo.FailBatch = func([]*models.CanonicalOperation) error { return errors.New("connection reset") }
	srv.repo.HealthErr = errors.New("connection refused")

	rec := srv.do(http.MethodPost, "/api/ingestion/run?periods=2024-01&kinds=import")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var report models.RunReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.NotEmpty(t, report.Fatal)
}

func TestDocs(t *testing.T) {
	srv := newTestServer(t, okSource())

	rec := srv.do(http.MethodGet, "/api/docs/openapi.json")
	require.Equal(t, http.StatusOK, rec.Code)
	var spec map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &spec))
	paths := spec["paths"].(map[string]interface{})
	for _, p := range []string{"/api/operations", "/api/operations/summary", "/api/ingestion/run", "/health"} {
		assert.Contains(t, paths, p)
	}

	rec = srv.do(http.MethodGet, "/api/docs")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "Comex Platform API Documentation"))
}
