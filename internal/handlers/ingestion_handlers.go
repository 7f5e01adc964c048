package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"comex-platform/internal/models"
	"comex-platform/internal/services"
	"comex-platform/pkg/logging"
	"comex-platform/pkg/metrics"
)

const maxMonthsBack = 120

// IngestionHandler exposes on-demand ingestion runs
type IngestionHandler struct {
	ingestionService  *services.IngestionService
	defaultMonthsBack int
	now               func() time.Time
	logger            *logging.StructuredLogger
	metrics           *metrics.Collector
}

// NewIngestionHandler creates a new ingestion handler
func NewIngestionHandler(
	ingestionService *services.IngestionService,
	defaultMonthsBack int,
	logger *logging.StructuredLogger,
	metricsCollector *metrics.Collector,
) *IngestionHandler {
	if defaultMonthsBack <= 0 {
		defaultMonthsBack = 1
	}
	return &IngestionHandler{
		ingestionService:  ingestionService,
		defaultMonthsBack: defaultMonthsBack,
		now:               func() time.Time { return time.Now().UTC() },
		logger:            logger,
		metrics:           metricsCollector,
	}
}

// RunIngestion handles POST /api/ingestion/run
//
// Query parameters: periods=2024-01,2024-02 or months_back=N, and kinds=import,export.
// The request blocks until the run finishes and returns its report.
func (h *IngestionHandler) RunIngestion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	defer func() {
		duration := time.Since(startTime)
		h.metrics.APIRequestDuration.WithLabelValues("/api/ingestion/run").Observe(duration.Seconds())
	}()

	query := r.URL.Query()

	var periods []models.Period
	if list := query.Get("periods"); list != "" {
		parsed, err := models.ParsePeriods(splitList(list))
		if err != nil {
			h.sendError(w, r, "invalid periods, expected comma separated YYYY-MM values", http.StatusBadRequest)
			return
		}
		periods = parsed
	} else {
		monthsBack := h.defaultMonthsBack
		if mb := query.Get("months_back"); mb != "" {
			n, err := strconv.Atoi(mb)
			if err != nil || n <= 0 || n > maxMonthsBack {
				h.sendError(w, r, "invalid months_back, expected 1 to "+strconv.Itoa(maxMonthsBack), http.StatusBadRequest)
				return
			}
			monthsBack = n
		}
		periods = models.TrailingPeriods(h.now(), monthsBack)
	}

	var kinds []models.OperationKind
	if list := query.Get("kinds"); list != "" {
		parsed, err := models.ParseOperationKinds(list)
		if err != nil {
			h.sendError(w, r, "invalid kinds, expected import and/or export", http.StatusBadRequest)
			return
		}
		kinds = parsed
	}

	report, err := h.ingestionService.TryRun(ctx, periods, kinds)
	if err != nil {
		if errors.Is(err, services.ErrRunInProgress) {
			h.sendError(w, r, err.Error(), http.StatusConflict)
			return
		}
		h.metrics.RecordAPIError("internal_error", "/api/ingestion/run")
		h.sendError(w, r, "failed to start ingestion run", http.StatusInternalServerError)
		return
	}

	h.logger.Info(ctx, "[API_INGESTION_RUN] Ingestion run served", logging.Fields{
		"run_id":          report.RunID,
		"records_written": report.TotalRecordsWritten,
		"error_count":     len(report.Errors),
	})

	status := http.StatusOK
	if report.Fatal != "" {
		status = http.StatusServiceUnavailable
	}
	h.metrics.RecordAPIRequest("/api/ingestion/run", "POST", strconv.Itoa(status))
	sendJSON(w, report, status)
}

// GetStatus handles GET /api/ingestion/status
func (h *IngestionHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	h.metrics.RecordAPIRequest("/api/ingestion/status", "GET", "200")
	sendJSON(w, map[string]interface{}{
		"running": h.ingestionService.Running(),
		"state":   h.ingestionService.State(),
	}, http.StatusOK)
}

// RegisterRoutes registers the ingestion routes
func (h *IngestionHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/api/ingestion/run", h.RunIngestion).Methods("POST")
	router.HandleFunc("/api/ingestion/status", h.GetStatus).Methods("GET")
}

func (h *IngestionHandler) sendError(w http.ResponseWriter, r *http.Request, message string, statusCode int) {
	sendError(h.metrics, w, r, message, statusCode)
}
