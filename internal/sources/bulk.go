package sources

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"comex-platform/internal/models"
	"comex-platform/pkg/logging"
)

// BulkFileConfig configures the bulk file retriever
type BulkFileConfig struct {
	BaseURLs []string
	CacheDir string
	// MinBytes is the smallest body accepted as a real data file
	MinBytes int64
	Timeout  time.Duration
}

// MonthResolver tells which month a raw row belongs to.
// Yearly files are filtered with it; without one they are not tried.
type MonthResolver interface {
	MonthOf(raw models.RawRecord) (time.Month, bool)
}

// InvalidFileError reports a download rejected by the validity guard
type InvalidFileError struct {
	URL    string
	Reason string
}

func (e *InvalidFileError) Error() string {
	return fmt.Sprintf("invalid file %s: %s", e.URL, e.Reason)
}

// BulkFileRetriever downloads convention-named CSV exports and caches them on disk
type BulkFileRetriever struct {
	cfg      BulkFileConfig
	client   *http.Client
	resolver MonthResolver
	logger   *logging.StructuredLogger
}

type candidate struct {
	url    string
	name   string
	yearly bool
}

// NewBulkFileRetriever creates a retriever. resolver may be nil.
func NewBulkFileRetriever(cfg BulkFileConfig, resolver MonthResolver, logger *logging.StructuredLogger) *BulkFileRetriever {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	if cfg.MinBytes <= 0 {
		cfg.MinBytes = 64
	}
	return &BulkFileRetriever{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.Timeout},
		resolver: resolver,
		logger:   logger,
	}
}

// Name returns the source name used in reports
func (r *BulkFileRetriever) Name() string {
	return models.SourceBulkFile
}

// CandidateNames lists the file names tried for kind and period, in order
func CandidateNames(kind models.OperationKind, p models.Period) []string {
	prefix := kind.FilePrefix()
	return []string{
		fmt.Sprintf("%s_%04d_%02d.csv", prefix, p.Year, int(p.Month)),
		fmt.Sprintf("%s_%04d%02d.csv", prefix, p.Year, int(p.Month)),
		fmt.Sprintf("%s_%04d.csv", prefix, p.Year),
	}
}

func (r *BulkFileRetriever) candidates(kind models.OperationKind, p models.Period) []candidate {
	names := CandidateNames(kind, p)
	var out []candidate
	for _, base := range r.cfg.BaseURLs {
		base = strings.TrimRight(strings.TrimSpace(base), "/")
		if base == "" {
			continue
		}
		for i, name := range names {
			out = append(out, candidate{
				url:    base + "/" + name,
				name:   name,
				yearly: i == len(names)-1,
			})
		}
	}
	return out
}

// Fetch tries every candidate URL in order and parses the first valid file
func (r *BulkFileRetriever) Fetch(ctx context.Context, req FetchRequest) FetchResult {
	period := req.Period()
	candidates := r.candidates(req.Kind, period)
	if len(candidates) == 0 {
		return unavailable(r.Name(), ErrNotConfigured)
	}

	var errs []error
	for _, c := range candidates {
		if c.yearly && r.resolver == nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return Failure(err)
		}

		data, cached, err := r.retrieve(ctx, c, true)
		if err != nil {
			r.logger.Debug(ctx, "[BULK_CANDIDATE_FAILED] Candidate rejected", logging.Fields{
				"url":   c.url,
				"error": err.Error(),
			})
			errs = append(errs, err)
			continue
		}

		records, enc, total, err := r.parse(c, data, period.Month)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		// a yearly file grows upstream during the year; an old copy may predate the month
		if c.yearly && cached && len(records) == 0 {
			if fresh, _, err := r.retrieve(ctx, c, false); err == nil {
				if recs, e, n, err := r.parse(c, fresh, period.Month); err == nil {
					records, enc, total, cached = recs, e, n, false
				}
			}
		}

		r.logger.Info(ctx, "[BULK_FETCH] Bulk file parsed", logging.Fields{
			"file":     c.name,
			"cached":   cached,
			"encoding": enc,
			"rows":     total,
			"selected": len(records),
			"period":   period.String(),
		})
		return OK(records, c.name)
	}

	if len(errs) == 0 {
		return unavailable(r.Name(), ErrNotConfigured)
	}
	return unavailable(r.Name(), errors.Join(errs...))
}

// parse decodes a candidate body, keeping only rows of month for yearly files
func (r *BulkFileRetriever) parse(c candidate, data []byte, month time.Month) ([]models.RawRecord, string, int, error) {
	records, enc, err := ParseCSV(data)
	if err != nil {
		return nil, "", 0, fmt.Errorf("failed to parse %s: %w", c.name, err)
	}
	total := len(records)
	if c.yearly {
		records = r.filterMonth(records, month)
	}
	return records, enc, total, nil
}

func (r *BulkFileRetriever) filterMonth(records []models.RawRecord, month time.Month) []models.RawRecord {
	selected := make([]models.RawRecord, 0, len(records)/12+1)
	for _, rec := range records {
		if m, ok := r.resolver.MonthOf(rec); ok && m == month {
			selected = append(selected, rec)
		}
	}
	return selected
}

// retrieve returns the candidate's bytes from the disk cache or the network.
// Monthly files are final once published and are served from the cache as is.
// Yearly files are revalidated with If-Modified-Since against the cached copy's
// modification time. useCache false always downloads.
func (r *BulkFileRetriever) retrieve(ctx context.Context, c candidate, useCache bool) ([]byte, bool, error) {
	cachePath := ""
	var cached []byte
	var cachedAt time.Time
	if r.cfg.CacheDir != "" {
		cachePath = filepath.Join(r.cfg.CacheDir, c.name)
		if info, err := os.Stat(cachePath); useCache && err == nil && info.Size() >= r.cfg.MinBytes {
			if data, err := os.ReadFile(cachePath); err == nil {
				if !c.yearly {
					return data, true, nil
				}
				cached, cachedAt = data, info.ModTime()
			}
		}
	}

	body, err := r.download(ctx, c.url, cachedAt)
	if err != nil {
		if cached != nil {
			r.logger.Warn(ctx, "[BULK_CACHE_STALE] Revalidation failed, using cached file", logging.Fields{
				"file":  c.name,
				"error": err.Error(),
			})
			return cached, true, nil
		}
		return nil, false, err
	}
	if body.notModified && cached != nil {
		return cached, true, nil
	}

	if cachePath != "" {
		if err := writeAtomic(cachePath, body.data, body.lastModified); err != nil {
			r.logger.Warn(ctx, "[BULK_CACHE_ERROR] Failed to cache file", logging.Fields{
				"path":  cachePath,
				"error": err.Error(),
			})
		}
	}
	return body.data, false, nil
}

type downloaded struct {
	data         []byte
	notModified  bool
	lastModified time.Time
}

// download GETs url. A non-zero since makes the request conditional.
func (r *BulkFileRetriever) download(ctx context.Context, url string, since time.Time) (downloaded, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return downloaded{}, err
	}
	if !since.IsZero() {
		req.Header.Set("If-Modified-Since", since.UTC().Format(http.TimeFormat))
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return downloaded{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified && !since.IsZero() {
		return downloaded{notModified: true}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return downloaded{}, &HTTPStatusError{URL: url, StatusCode: resp.StatusCode}
	}
	if ct := strings.ToLower(resp.Header.Get("Content-Type")); strings.Contains(ct, "html") {
		return downloaded{}, &InvalidFileError{URL: url, Reason: "content type " + ct}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return downloaded{}, fmt.Errorf("failed to read %s: %w", url, err)
	}
	if int64(len(data)) < r.cfg.MinBytes {
		return downloaded{}, &InvalidFileError{URL: url, Reason: fmt.Sprintf("%d bytes is below the %d byte minimum", len(data), r.cfg.MinBytes)}
	}
	if mt := mimetype.Detect(data); mt.Is("text/html") || mt.Is("text/xml") {
		return downloaded{}, &InvalidFileError{URL: url, Reason: "body looks like " + mt.String()}
	}

	out := downloaded{data: data}
	if lm, err := http.ParseTime(resp.Header.Get("Last-Modified")); err == nil {
		out.lastModified = lm
	}
	return out, nil
}

// writeAtomic replaces path with data. A non-zero modTime is stamped on the
// file so later conditional requests compare against the server's clock.
func writeAtomic(path string, data []byte, modTime time.Time) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if !modTime.IsZero() {
		return os.Chtimes(path, modTime, modTime)
	}
	return nil
}
