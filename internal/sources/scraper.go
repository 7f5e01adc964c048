package sources

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"comex-platform/internal/models"
	"comex-platform/pkg/logging"
)

// ScraperState names a step of the portal download flow
type ScraperState string

const (
	StateNavigatingToForm ScraperState = "NavigatingToForm"
	StateFillingFilters   ScraperState = "FillingFilters"
	StateAwaitingResults  ScraperState = "AwaitingResults"
	StateTriggeringExport ScraperState = "TriggeringExport"
	StateAwaitingDownload ScraperState = "AwaitingDownload"
)

// Browser is the minimal UI driver the scraper needs
type Browser interface {
	Navigate(ctx context.Context, url string) error
	WaitVisible(ctx context.Context, selector string) error
	SetValue(ctx context.Context, selector, value string) error
	Click(ctx context.Context, selector string) error
	Close() error
}

// BrowserFactory starts a browser session whose downloads land in downloadDir
type BrowserFactory func(ctx context.Context, downloadDir string) (Browser, error)

// Selectors locate the portal controls. They drift with the portal and live in configuration.
type Selectors struct {
	Form         string `yaml:"form"`
	PeriodStart  string `yaml:"period_start"`
	PeriodEnd    string `yaml:"period_end"`
	Kind         string `yaml:"kind"`
	Submit       string `yaml:"submit"`
	ResultsTable string `yaml:"results_table"`
	ExportButton string `yaml:"export_button"`
}

// StepPolicy overrides the bounds of one state of the flow. A zero Timeout
// or a nil Retries keeps the scraper-wide value.
type StepPolicy struct {
	Timeout time.Duration
	Retries *int
}

// ScraperConfig configures the portal scraper
type ScraperConfig struct {
	PortalURL     string
	DownloadDir   string
	Selectors     Selectors
	DateLayout    string
	ImportValue   string
	ExportValue   string
	StepTimeout   time.Duration
	StepRetries   int
	RetryInterval time.Duration
	// Steps overrides StepTimeout/StepRetries per state
	Steps           map[ScraperState]StepPolicy
	DownloadTimeout time.Duration
	PollInterval    time.Duration
}

// StepError reports a state the flow could not get past
type StepError struct {
	State    ScraperState
	Attempts int
	Err      error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("scraper step %s failed after %d attempt(s): %v", e.State, e.Attempts, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

var partialSuffixes = []string{".crdownload", ".part", ".partial", ".download", ".tmp"}

// PortalScraper reproduces the portal's manual export flow.
// Only one session runs at a time since sessions share the download directory.
type PortalScraper struct {
	cfg        ScraperConfig
	newBrowser BrowserFactory
	logger     *logging.StructuredLogger
	mu         sync.Mutex
}

// NewPortalScraper creates a scraper driving browsers from factory
func NewPortalScraper(cfg ScraperConfig, factory BrowserFactory, logger *logging.StructuredLogger) *PortalScraper {
	if cfg.DateLayout == "" {
		cfg.DateLayout = "02/01/2006"
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 45 * time.Second
	}
	if cfg.StepRetries < 0 {
		cfg.StepRetries = 0
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 2 * time.Second
	}
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = 5 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &PortalScraper{
		cfg:        cfg,
		newBrowser: factory,
		logger:     logger,
	}
}

// Name returns the source name used in reports
func (s *PortalScraper) Name() string {
	return models.SourceScraper
}

// policy resolves the timeout and retry count of a state. AwaitingDownload
// starts from DownloadTimeout with no retries, every other state from
// StepTimeout and StepRetries.
func (s *PortalScraper) policy(state ScraperState) (time.Duration, int) {
	timeout, retries := s.cfg.StepTimeout, s.cfg.StepRetries
	if state == StateAwaitingDownload {
		timeout, retries = s.cfg.DownloadTimeout, 0
	}
	if override, ok := s.cfg.Steps[state]; ok {
		if override.Timeout > 0 {
			timeout = override.Timeout
		}
		if override.Retries != nil && *override.Retries >= 0 {
			retries = *override.Retries
		}
	}
	return timeout, retries
}

// Fetch runs one browser session for the request and parses the downloaded export
func (s *PortalScraper) Fetch(ctx context.Context, req FetchRequest) FetchResult {
	if s.cfg.PortalURL == "" || s.cfg.DownloadDir == "" || s.newBrowser == nil {
		return unavailable(s.Name(), ErrNotConfigured)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.cfg.DownloadDir, 0o755); err != nil {
		return unavailable(s.Name(), fmt.Errorf("failed to create download directory: %w", err))
	}
	before, err := listFiles(s.cfg.DownloadDir)
	if err != nil {
		return unavailable(s.Name(), err)
	}

	browser, err := s.newBrowser(ctx, s.cfg.DownloadDir)
	if err != nil {
		return unavailable(s.Name(), fmt.Errorf("failed to start browser: %w", err))
	}
	defer browser.Close()

	sel := s.cfg.Selectors
	steps := []struct {
		state ScraperState
		run   func(ctx context.Context) error
	}{
		{StateNavigatingToForm, func(ctx context.Context) error {
			if err := browser.Navigate(ctx, s.cfg.PortalURL); err != nil {
				return err
			}
			return browser.WaitVisible(ctx, sel.Form)
		}},
		{StateFillingFilters, func(ctx context.Context) error {
			if err := browser.SetValue(ctx, sel.PeriodStart, req.PeriodStart.Format(s.cfg.DateLayout)); err != nil {
				return err
			}
			if err := browser.SetValue(ctx, sel.PeriodEnd, req.PeriodEnd.Format(s.cfg.DateLayout)); err != nil {
				return err
			}
			if sel.Kind == "" {
				return nil
			}
			return browser.SetValue(ctx, sel.Kind, s.kindValue(req.Kind))
		}},
		{StateAwaitingResults, func(ctx context.Context) error {
			if err := browser.Click(ctx, sel.Submit); err != nil {
				return err
			}
			return browser.WaitVisible(ctx, sel.ResultsTable)
		}},
		{StateTriggeringExport, func(ctx context.Context) error {
			return browser.Click(ctx, sel.ExportButton)
		}},
	}

	for _, step := range steps {
		if err := s.runStep(ctx, step.state, step.run); err != nil {
			s.logger.Warn(ctx, "[SCRAPER_STEP_FAILED] Portal flow aborted", logging.Fields{
				"state":  string(step.state),
				"period": req.Period().String(),
				"kind":   string(req.Kind),
				"error":  err.Error(),
			})
			return unavailable(s.Name(), err)
		}
	}

	path, err := s.awaitDownload(ctx, browser, before)
	if err != nil {
		return unavailable(s.Name(), err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return unavailable(s.Name(), fmt.Errorf("failed to read download: %w", err))
	}
	if err := os.Remove(path); err != nil {
		s.logger.Warn(ctx, "[SCRAPER_CLEANUP] Failed to remove download", logging.Fields{"path": path, "error": err.Error()})
	}

	records, enc, err := ParseCSV(data)
	if err != nil {
		return unavailable(s.Name(), fmt.Errorf("failed to parse download: %w", err))
	}

	s.logger.Info(ctx, "[SCRAPER_FETCH] Portal export downloaded", logging.Fields{
		"file":     filepath.Base(path),
		"encoding": enc,
		"rows":     len(records),
		"period":   req.Period().String(),
		"kind":     string(req.Kind),
	})
	return OK(records, filepath.Base(path))
}

func (s *PortalScraper) kindValue(kind models.OperationKind) string {
	if kind == models.KindExport && s.cfg.ExportValue != "" {
		return s.cfg.ExportValue
	}
	if kind == models.KindImport && s.cfg.ImportValue != "" {
		return s.cfg.ImportValue
	}
	return string(kind)
}

// runStep executes fn under the state's timeout, retrying with a constant pause
func (s *PortalScraper) runStep(ctx context.Context, state ScraperState, fn func(ctx context.Context) error) error {
	timeout, retries := s.policy(state)
	attempts := 0

	operation := func() error {
		attempts++
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		err := fn(stepCtx)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(s.cfg.RetryInterval), uint64(retries)), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return &StepError{State: state, Attempts: attempts, Err: err}
	}

	s.logger.Debug(ctx, "[SCRAPER_STEP] Step completed", logging.Fields{
		"state":    string(state),
		"attempts": attempts,
	})
	return nil
}

// awaitDownload waits for the export to land in the download directory.
// When a wait window closes empty and retries remain, the export is
// triggered again.
func (s *PortalScraper) awaitDownload(ctx context.Context, browser Browser, before map[string]bool) (string, error) {
	timeout, retries := s.policy(StateAwaitingDownload)
	for attempt := 1; ; attempt++ {
		path, err := s.pollDownload(ctx, timeout, before)
		if err == nil {
			return path, nil
		}
		if ctx.Err() != nil || !errors.Is(err, context.DeadlineExceeded) {
			return "", &StepError{State: StateAwaitingDownload, Attempts: attempt, Err: err}
		}
		if attempt > retries {
			return "", &StepError{
				State:    StateAwaitingDownload,
				Attempts: attempt,
				Err:      fmt.Errorf("no completed download after %s", timeout),
			}
		}

		s.logger.Warn(ctx, "[SCRAPER_RETRIGGER] No download yet, triggering export again", logging.Fields{
			"attempt": attempt,
			"timeout": timeout.String(),
		})
		if err := browser.Click(ctx, s.cfg.Selectors.ExportButton); err != nil {
			return "", &StepError{State: StateAwaitingDownload, Attempts: attempt, Err: err}
		}
	}
}

// pollDownload polls the download directory for a new file whose size
// stayed the same across two polls and that is not a partial download.
func (s *PortalScraper) pollDownload(ctx context.Context, timeout time.Duration, before map[string]bool) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	sizes := make(map[string]int64)
	for {
		entries, err := os.ReadDir(s.cfg.DownloadDir)
		if err != nil {
			return "", err
		}
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || before[name] || isPartial(name) {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			if prev, seen := sizes[name]; seen && prev == info.Size() && info.Size() > 0 {
				return filepath.Join(s.cfg.DownloadDir, name), nil
			}
			sizes[name] = info.Size()
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

func isPartial(name string) bool {
	lower := strings.ToLower(name)
	for _, suffix := range partialSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return strings.HasPrefix(name, ".")
}

func listFiles(dir string) (map[string]bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list download directory: %w", err)
	}
	names := make(map[string]bool, len(entries))
	for _, e := range entries {
		names[e.Name()] = true
	}
	return names, nil
}
