package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"comex-platform/internal/models"
	"comex-platform/internal/normalizer"
	"comex-platform/internal/repository"
	"comex-platform/internal/services"
	"comex-platform/pkg/logging"
	"comex-platform/pkg/metrics"
)

// OperationHandler handles trade operation API endpoints
type OperationHandler struct {
	operationService *services.OperationService
	logger           *logging.StructuredLogger
	metrics          *metrics.Collector
}

// NewOperationHandler creates a new operation handler
func NewOperationHandler(
	operationService *services.OperationService,
	logger *logging.StructuredLogger,
	metricsCollector *metrics.Collector,
) *OperationHandler {
	return &OperationHandler{
		operationService: operationService,
		logger:           logger,
		metrics:          metricsCollector,
	}
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// PaginatedResponse represents a paginated API response
type PaginatedResponse struct {
	Data       interface{} `json:"data"`
	Total      int         `json:"total"`
	Page       int         `json:"page"`
	Limit      int         `json:"limit"`
	TotalPages int         `json:"total_pages"`
}

// GetOperations handles GET /api/operations
func (h *OperationHandler) GetOperations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	defer func() {
		duration := time.Since(startTime)
		h.metrics.APIRequestDuration.WithLabelValues("/api/operations").Observe(duration.Seconds())
	}()

	// Parse query parameters
	query := r.URL.Query()
	page, limit := pagination(query.Get("page"), query.Get("limit"))

	// Build filter
	filter := repository.OperationFilter{
		Limit:  limit,
		Offset: (page - 1) * limit,
	}

	if code := query.Get("product_code"); code != "" {
		normalized, digits := normalizer.NormalizeProductCode(code)
		if digits < models.MinProductCodeDigits {
			h.sendError(w, r, "invalid product_code, expected at least 4 digits", http.StatusBadRequest)
			return
		}
		filter.ProductCode = &normalized
	}

	if kindStr := query.Get("kind"); kindStr != "" {
		kind, err := models.ParseOperationKind(kindStr)
		if err != nil {
			h.sendError(w, r, "invalid kind, expected import or export", http.StatusBadRequest)
			return
		}
		filter.Kind = &kind
	}

	if country := query.Get("country"); country != "" {
		filter.Country = &country
	}

	if region := query.Get("region"); region != "" {
		normalized := normalizer.NormalizeRegion(region)
		filter.Region = &normalized
	}

	if periodStr := query.Get("period"); periodStr != "" {
		p, err := models.ParsePeriod(periodStr)
		if err != nil {
			h.sendError(w, r, "invalid period format, expected YYYY-MM", http.StatusBadRequest)
			return
		}
		period := p.String()
		filter.Period = &period
	}

	if startDateStr := query.Get("start_date"); startDateStr != "" {
		startDate, err := time.Parse("2006-01-02", startDateStr)
		if err != nil {
			h.sendError(w, r, "invalid start_date format, expected YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		filter.StartDate = &startDate
	}

	if endDateStr := query.Get("end_date"); endDateStr != "" {
		endDate, err := time.Parse("2006-01-02", endDateStr)
		if err != nil {
			h.sendError(w, r, "invalid end_date format, expected YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		filter.EndDate = &endDate
	}

	// Get operations
	operations, total, err := h.operationService.GetOperations(ctx, filter)
	if err != nil {
		h.logger.Error(ctx, "[API_GET_OPERATIONS_ERROR] Failed to get operations", logging.Fields{
			"filter": filter,
		}, err)
		h.metrics.RecordAPIError("internal_error", "/api/operations")
		h.sendError(w, r, "failed to retrieve operations", http.StatusInternalServerError)
		return
	}

	totalPages := (total + limit - 1) / limit

	response := PaginatedResponse{
		Data:       operations,
		Total:      total,
		Page:       page,
		Limit:      limit,
		TotalPages: totalPages,
	}

	h.metrics.RecordAPIRequest("/api/operations", "GET", "200")
	sendJSON(w, response, http.StatusOK)
}

// GetOperation handles GET /api/operations/{product_code}/{kind}/{date}.
// country and region select the row among those sharing product, kind and date.
func (h *OperationHandler) GetOperation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	defer func() {
		duration := time.Since(startTime)
		h.metrics.APIRequestDuration.WithLabelValues("/api/operations/{key}").Observe(duration.Seconds())
	}()

	vars := mux.Vars(r)
	code, digits := normalizer.NormalizeProductCode(vars["product_code"])
	if digits < models.MinProductCodeDigits {
		h.sendError(w, r, "invalid product_code, expected at least 4 digits", http.StatusBadRequest)
		return
	}
	kind, err := models.ParseOperationKind(vars["kind"])
	if err != nil {
		h.sendError(w, r, "invalid kind, expected import or export", http.StatusBadRequest)
		return
	}
	date, err := time.Parse("2006-01-02", vars["date"])
	if err != nil {
		h.sendError(w, r, "invalid date format, expected YYYY-MM-DD", http.StatusBadRequest)
		return
	}

	query := r.URL.Query()
	key := models.NaturalKey{
		ProductCode:        code,
		OperationKind:      kind,
		OperationDate:      date.Format("2006-01-02"),
		CounterpartCountry: strings.TrimSpace(query.Get("country")),
		Region:             normalizer.NormalizeRegion(query.Get("region")),
	}

	op, err := h.operationService.GetOperation(ctx, key)
	if err != nil {
		var notFound *repository.NotFoundError
		if errors.As(err, &notFound) {
			h.sendError(w, r, notFound.Error(), http.StatusNotFound)
			return
		}
		h.logger.Error(ctx, "[API_GET_OPERATION_ERROR] Failed to get operation", logging.Fields{
			"key": key.String(),
		}, err)
		h.metrics.RecordAPIError("internal_error", "/api/operations/{key}")
		h.sendError(w, r, "failed to retrieve operation", http.StatusInternalServerError)
		return
	}

	h.metrics.RecordAPIRequest("/api/operations/{key}", "GET", "200")
	sendJSON(w, op, http.StatusOK)
}

// GetSummary handles GET /api/operations/summary
func (h *OperationHandler) GetSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	defer func() {
		duration := time.Since(startTime)
		h.metrics.APIRequestDuration.WithLabelValues("/api/operations/summary").Observe(duration.Seconds())
	}()

	query := r.URL.Query()
	var filter repository.SummaryFilter

	if kindStr := query.Get("kind"); kindStr != "" {
		kind, err := models.ParseOperationKind(kindStr)
		if err != nil {
			h.sendError(w, r, "invalid kind, expected import or export", http.StatusBadRequest)
			return
		}
		filter.Kind = &kind
	}

	for param, dst := range map[string]**string{"start_period": &filter.StartPeriod, "end_period": &filter.EndPeriod} {
		value := query.Get(param)
		if value == "" {
			continue
		}
		p, err := models.ParsePeriod(value)
		if err != nil {
			h.sendError(w, r, "invalid "+param+" format, expected YYYY-MM", http.StatusBadRequest)
			return
		}
		s := p.String()
		*dst = &s
	}

	summaries, err := h.operationService.GetSummary(ctx, filter)
	if err != nil {
		var verr *models.ValidationError
		if errors.As(err, &verr) {
			h.sendError(w, r, verr.Message, http.StatusBadRequest)
			return
		}
		h.logger.Error(ctx, "[API_GET_SUMMARY_ERROR] Failed to summarize operations", logging.Fields{}, err)
		h.metrics.RecordAPIError("internal_error", "/api/operations/summary")
		h.sendError(w, r, "failed to summarize operations", http.StatusInternalServerError)
		return
	}

	h.metrics.RecordAPIRequest("/api/operations/summary", "GET", "200")
	sendJSON(w, map[string]interface{}{"data": summaries}, http.StatusOK)
}

// HealthCheck handles GET /health
func (h *OperationHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	status := map[string]string{
		"status":    "healthy",
		"database":  "up",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	code := http.StatusOK

	if err := h.operationService.HealthCheck(ctx); err != nil {
		h.logger.Warn(ctx, "[HEALTH_CHECK_FAILED] Store unreachable", logging.Fields{"error": err.Error()})
		status["status"] = "unhealthy"
		status["database"] = "down"
		code = http.StatusServiceUnavailable
	}

	h.logger.Debug(ctx, "[HEALTH_CHECK] Health check requested", logging.Fields{})
	sendJSON(w, status, code)
}

// RegisterRoutes registers all operation API routes
func (h *OperationHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/api/operations", h.GetOperations).Methods("GET")
	router.HandleFunc("/api/operations/summary", h.GetSummary).Methods("GET")
	router.HandleFunc("/api/operations/{product_code}/{kind}/{date}", h.GetOperation).Methods("GET")
	router.HandleFunc("/health", h.HealthCheck).Methods("GET")
}

func (h *OperationHandler) sendError(w http.ResponseWriter, r *http.Request, message string, statusCode int) {
	sendError(h.metrics, w, r, message, statusCode)
}

func pagination(pageStr, limitStr string) (int, int) {
	// Default pagination
	page := 1
	limit := 100

	if pageStr != "" {
		if p, err := strconv.Atoi(pageStr); err == nil && p > 0 {
			page = p
		}
	}

	if limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 1000 {
			limit = l
		}
	}
	return page, limit
}

// sendJSON sends a JSON response
func sendJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// sendError sends an error response
func sendError(m *metrics.Collector, w http.ResponseWriter, r *http.Request, message string, statusCode int) {
	m.RecordAPIRequest(r.URL.Path, r.Method, strconv.Itoa(statusCode))

	response := ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	}

	sendJSON(w, response, statusCode)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
