package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"comex-platform/internal/models"
	"comex-platform/pkg/logging"
)

// APIConfig configures the remote API client
type APIConfig struct {
	BaseURL       string
	Token         string
	Timeout       time.Duration
	ProbeTimeout  time.Duration
	MaxRetries    int
	RetryInterval time.Duration
	// RateLimit is requests per second; zero disables limiting
	RateLimit float64
	RateBurst int

	// Optional filters forwarded on every request
	ProductCode string
	Country     string
	Region      string
}

// HTTPStatusError is a non-2xx answer from an upstream server
type HTTPStatusError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("GET %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("GET %s: status %d: %s", e.URL, e.StatusCode, e.Body)
}

// IsTransient reports whether retrying the request may succeed
func (e *HTTPStatusError) IsTransient() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// APIClient fetches operations from the remote REST API
type APIClient struct {
	cfg     APIConfig
	client  *http.Client
	limiter *rate.Limiter
	logger  *logging.StructuredLogger
}

// NewAPIClient creates a new API client
func NewAPIClient(cfg APIConfig, logger *logging.StructuredLogger) *APIClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 500 * time.Millisecond
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}

	return &APIClient{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}
}

// Name returns the source name used in reports
func (c *APIClient) Name() string {
	return models.SourceAPI
}

// Probe checks that the API is configured and answers its health endpoint
func (c *APIClient) Probe(ctx context.Context) error {
	if strings.TrimSpace(c.cfg.BaseURL) == "" {
		return &SourceUnavailableError{Source: c.Name(), Err: ErrNotConfigured}
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
	defer cancel()

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return &SourceUnavailableError{Source: c.Name(), Err: err}
	}
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return &SourceUnavailableError{Source: c.Name(), Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 400 {
		return &SourceUnavailableError{Source: c.Name(), Err: &HTTPStatusError{URL: endpoint, StatusCode: resp.StatusCode}}
	}
	return nil
}

// Fetch retrieves the raw operations of one period and kind
func (c *APIClient) Fetch(ctx context.Context, req FetchRequest) FetchResult {
	if strings.TrimSpace(c.cfg.BaseURL) == "" {
		return unavailable(c.Name(), ErrNotConfigured)
	}

	endpoint, err := c.operationsURL(req)
	if err != nil {
		return unavailable(c.Name(), err)
	}

	var records []models.RawRecord
	attempt := 0
	operation := func() error {
		attempt++
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		recs, err := c.get(ctx, endpoint)
		if err == nil {
			records = recs
			return nil
		}

		var statusErr *HTTPStatusError
		if errors.As(err, &statusErr) && !statusErr.IsTransient() {
			return backoff.Permanent(err)
		}
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.RetryInterval
	notify := func(err error, wait time.Duration) {
		c.logger.Warn(ctx, "[API_RETRY] Request failed, retrying", logging.Fields{
			"attempt": attempt,
			"wait_ms": wait.Milliseconds(),
			"error":   err.Error(),
		})
	}

	err = backoff.RetryNotify(operation, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.cfg.MaxRetries)), ctx), notify)
	if err != nil {
		c.logger.Error(ctx, "[API_FETCH_ERROR] Operations request failed", logging.Fields{
			"period":   req.Period().String(),
			"kind":     string(req.Kind),
			"attempts": attempt,
		}, err)
		return unavailable(c.Name(), err)
	}

	c.logger.Debug(ctx, "[API_FETCH] Operations received", logging.Fields{
		"period":  req.Period().String(),
		"kind":    string(req.Kind),
		"records": len(records),
	})
	return OK(records, "")
}

func (c *APIClient) operationsURL(req FetchRequest) (string, error) {
	u, err := url.Parse(strings.TrimRight(c.cfg.BaseURL, "/") + "/operations")
	if err != nil {
		return "", fmt.Errorf("invalid API base URL: %w", err)
	}

	q := u.Query()
	q.Set("periodStart", req.PeriodStart.Format("2006-01-02"))
	q.Set("periodEnd", req.PeriodEnd.Format("2006-01-02"))
	q.Set("operationKind", string(req.Kind))
	if c.cfg.ProductCode != "" {
		q.Set("productCode", c.cfg.ProductCode)
	}
	if c.cfg.Country != "" {
		q.Set("country", c.cfg.Country)
	}
	if c.cfg.Region != "" {
		q.Set("region", c.cfg.Region)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *APIClient) authorize(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
}

func (c *APIClient) get(ctx context.Context, endpoint string) ([]models.RawRecord, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	c.authorize(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &HTTPStatusError{URL: endpoint, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	records, err := decodeRecords(resp.Body)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	return records, nil
}

var recordListKeys = []string{"data", "records", "items", "results"}

// decodeRecords accepts a top-level array or an object carrying the list
// under one of recordListKeys, possibly nested one level under "data".
func decodeRecords(body io.Reader) ([]models.RawRecord, error) {
	dec := json.NewDecoder(body)
	dec.UseNumber()

	var payload interface{}
	if err := dec.Decode(&payload); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to decode API response: %w", err)
	}
	return recordsFrom(payload, 0)
}

func recordsFrom(payload interface{}, depth int) ([]models.RawRecord, error) {
	switch v := payload.(type) {
	case nil:
		return nil, nil
	case []interface{}:
		records := make([]models.RawRecord, 0, len(v))
		for _, item := range v {
			obj, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			records = append(records, models.RawRecord(obj))
		}
		return records, nil
	case map[string]interface{}:
		for _, key := range recordListKeys {
			inner, ok := v[key]
			if !ok {
				continue
			}
			if _, nested := inner.(map[string]interface{}); nested && depth > 0 {
				continue
			}
			return recordsFrom(inner, depth+1)
		}
	}
	return nil, errors.New("API response carries no record list")
}
