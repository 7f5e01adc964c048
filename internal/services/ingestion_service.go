package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"comex-platform/internal/models"
	"comex-platform/internal/normalizer"
	"comex-platform/internal/sources"
	"comex-platform/pkg/logging"
	"comex-platform/pkg/metrics"
)

// RunState is the orchestrator's position in a run
type RunState string

const (
	StateIdle           RunState = "Idle"
	StateProbingSources RunState = "ProbingSources"
	StateFetchingPeriod RunState = "FetchingPeriod"
	StateNormalizing    RunState = "Normalizing"
	StateWriting        RunState = "Writing"
	StateNextPeriod     RunState = "NextPeriod"
	StateDone           RunState = "Done"
)

// ErrRunInProgress is returned by TryRun while another run holds the service
var ErrRunInProgress = errors.New("ingestion run already in progress")

// CatalogRefresher reloads reference data the normalizer reads
type CatalogRefresher interface {
	Refresh(ctx context.Context) (int, error)
}

// IngestionConfig tunes the orchestrator
type IngestionConfig struct {
	// Workers bounds how many periods are fetched and normalized concurrently
	Workers int
	// Catalog, when set, is refreshed at the start of every run
	Catalog CatalogRefresher
}

// IngestionService drives periods through the source chain, the normalizer and the writer
type IngestionService struct {
	chain      []sources.Source
	normalizer *normalizer.Normalizer
	writer     *BatchWriter
	workers    int
	catalog    CatalogRefresher
	now        func() time.Time

	logger  *logging.StructuredLogger
	metrics *metrics.Collector

	runMu   sync.Mutex
	running atomic.Bool
	state   atomic.Value
}

// NewIngestionService creates an orchestrator. chain is tried in order for every period.
func NewIngestionService(chain []sources.Source, norm *normalizer.Normalizer, writer *BatchWriter, cfg IngestionConfig, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *IngestionService {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	s := &IngestionService{
		chain:      chain,
		normalizer: norm,
		writer:     writer,
		workers:    cfg.Workers,
		catalog:    cfg.Catalog,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     logger,
		metrics:    metricsCollector,
	}
	s.state.Store(StateIdle)
	return s
}

// WithClock overrides the clock used for trailing periods and report timestamps
func (s *IngestionService) WithClock(now func() time.Time) *IngestionService {
	s.now = now
	return s
}

// State returns the current run state
func (s *IngestionService) State() RunState {
	return s.state.Load().(RunState)
}

// Running reports whether a run is in progress
func (s *IngestionService) Running() bool {
	return s.running.Load()
}

func (s *IngestionService) setState(state RunState) {
	s.state.Store(state)
}

// RunIngestion ingests the periodsBack complete months before now, oldest first
func (s *IngestionService) RunIngestion(ctx context.Context, periodsBack int, kinds []models.OperationKind) *models.RunReport {
	return s.Run(ctx, models.TrailingPeriods(s.now(), periodsBack), kinds)
}

// TryRun is Run unless another run is in progress
func (s *IngestionService) TryRun(ctx context.Context, periods []models.Period, kinds []models.OperationKind) (*models.RunReport, error) {
	if !s.runMu.TryLock() {
		return nil, ErrRunInProgress
	}
	defer s.runMu.Unlock()
	return s.run(ctx, periods, kinds), nil
}

// Run ingests periods in caller order. It always returns a report; a fatal
// store failure stops the remaining periods and is recorded in report.Fatal.
func (s *IngestionService) Run(ctx context.Context, periods []models.Period, kinds []models.OperationKind) *models.RunReport {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.run(ctx, periods, kinds)
}

func (s *IngestionService) run(ctx context.Context, periods []models.Period, kinds []models.OperationKind) *models.RunReport {
	if len(kinds) == 0 {
		kinds = models.AllKinds
	}

	runID := uuid.NewString()
	ctx = logging.WithRunID(ctx, runID)
	report := models.NewRunReport(runID, s.now())

	s.running.Store(true)
	s.metrics.ActiveRuns.Inc()
	defer func() {
		s.metrics.ActiveRuns.Dec()
		s.running.Store(false)
	}()

	periodNames := make([]string, len(periods))
	for i, p := range periods {
		periodNames[i] = p.String()
	}
	s.logger.Info(ctx, "[INGEST_START] Starting ingestion run", logging.Fields{
		"periods": periodNames,
		"kinds":   kinds,
		"workers": s.workers,
		"stage":   "INITIALIZATION",
	})

	if s.catalog != nil {
		if _, err := s.catalog.Refresh(ctx); err != nil {
			report.AddWarning("product catalog refresh failed, using cached descriptions: %v", err)
		}
	}

	s.setState(StateProbingSources)
	chain := s.probe(ctx, report)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var writeMu sync.Mutex
	g, gctx := errgroup.WithContext(runCtx)
	g.SetLimit(s.workers)
	for _, p := range periods {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			return s.processPeriod(gctx, p, kinds, chain, report, &writeMu)
		})
	}

	if err := g.Wait(); err != nil {
		report.SetFatal(err)
		s.logger.Error(ctx, "[INGEST_FATAL] Ingestion run aborted", logging.Fields{"stage": "FATAL"}, err)
	} else if ctx.Err() != nil {
		report.AddError("run cancelled: %v", ctx.Err())
	}

	s.setState(StateDone)
	report.Finish(periods, kinds, s.now(), string(StateDone))
	duration := report.FinishedAt.Sub(report.StartedAt)
	s.metrics.IngestionDuration.Observe(duration.Seconds())

	s.logger.Info(ctx, "[INGEST_COMPLETE] Ingestion run completed", logging.Fields{
		"records_written":   report.TotalRecordsWritten,
		"inserted":          report.Inserted,
		"updated":           report.Updated,
		"rejected":          report.Rejected,
		"periods_processed": len(report.PeriodsProcessed),
		"error_count":       len(report.Errors),
		"warning_count":     len(report.Warnings),
		"duration_seconds":  duration.Seconds(),
		"stage":             "COMPLETE",
	})

	return report
}

// probe checks every source that supports it once. Sources failing the probe
// are left out of this run's chain.
func (s *IngestionService) probe(ctx context.Context, report *models.RunReport) []sources.Source {
	chain := make([]sources.Source, 0, len(s.chain))
	for _, src := range s.chain {
		prober, ok := src.(sources.Prober)
		if !ok {
			chain = append(chain, src)
			continue
		}
		if err := prober.Probe(ctx); err != nil {
			report.AddWarning("%s probe failed, skipped for this run: %v", src.Name(), err)
			s.logger.Warn(ctx, "[INGEST_PROBE_FAILED] Source skipped for this run", logging.Fields{
				"source": src.Name(),
				"error":  err.Error(),
			})
			continue
		}
		chain = append(chain, src)
	}
	return chain
}

// processPeriod runs every kind of one period through fetch, normalize and write.
// Only a fatal store failure is returned; everything else lands in the report.
func (s *IngestionService) processPeriod(ctx context.Context, p models.Period, kinds []models.OperationKind, chain []sources.Source, report *models.RunReport, writeMu *sync.Mutex) error {
	for _, kind := range kinds {
		if ctx.Err() != nil {
			return nil
		}
		detail := models.PeriodDetail{Period: p.String(), Kind: kind}

		s.setState(StateFetchingPeriod)
		result, sourceName := s.fetch(ctx, p, kind, chain, report)
		if result.Status != sources.StatusOK {
			if ctx.Err() == nil {
				report.AddDetail(detail)
			}
			continue
		}
		detail.Source = sourceName
		detail.Fetched = len(result.Records)

		s.setState(StateNormalizing)
		batch := s.normalizer.NormalizeBatch(result.Records, p, kind, sourceName, result.SourceFile)
		for field, n := range batch.Reasons {
			s.metrics.IngestionRejectedTotal.WithLabelValues(field).Add(float64(n))
		}
		if batch.Rejected > 0 {
			detail.Rejected = batch.Rejected
			report.AddError("%s %s: %d rows rejected", p, kind, batch.Rejected)
			s.logger.Warn(ctx, "[INGEST_REJECTED] Rows rejected by normalizer", logging.Fields{
				"period":   p.String(),
				"kind":     string(kind),
				"rejected": batch.Rejected,
				"reasons":  batch.Reasons,
			})
		}

		s.setState(StateWriting)
		writeMu.Lock()
		written, err := s.writer.Write(ctx, batch.Operations)
		writeMu.Unlock()

		detail.Inserted = written.Inserted
		detail.Updated = written.Updated
		for _, werr := range written.Errors {
			report.AddError("%s %s: %v", p, kind, werr)
		}
		report.AddDetail(detail)

		if err != nil {
			if errors.Is(err, ErrStoreUnavailable) {
				return err
			}
			return nil
		}

		s.logger.Info(ctx, "[INGEST_PERIOD] Period written", logging.Fields{
			"period":   p.String(),
			"kind":     string(kind),
			"source":   sourceName,
			"fetched":  detail.Fetched,
			"inserted": detail.Inserted,
			"updated":  detail.Updated,
			"rejected": detail.Rejected,
		})
	}
	s.setState(StateNextPeriod)
	return nil
}

// fetch walks the chain until a source yields records
func (s *IngestionService) fetch(ctx context.Context, p models.Period, kind models.OperationKind, chain []sources.Source, report *models.RunReport) (sources.FetchResult, string) {
	req := sources.NewFetchRequest(p, kind)
	last := sources.Failure(errors.New("no source available"))
	if len(chain) == 0 {
		report.AddError("%s %s: no source available", p, kind)
		return last, ""
	}

	for _, src := range chain {
		started := time.Now()
		result := src.Fetch(ctx, req)
		s.metrics.RecordSourceFetch(src.Name(), string(result.Status), time.Since(started))

		switch result.Status {
		case sources.StatusOK:
			s.logger.Info(ctx, "[INGEST_FETCH] Source returned records", logging.Fields{
				"period":  p.String(),
				"kind":    string(kind),
				"source":  src.Name(),
				"records": len(result.Records),
				"file":    result.SourceFile,
			})
			return result, src.Name()
		case sources.StatusEmpty:
			report.AddWarning("%s %s: %s returned no records", p, kind, src.Name())
			s.logger.Debug(ctx, "[INGEST_FETCH_EMPTY] Source returned no records", logging.Fields{
				"period": p.String(),
				"kind":   string(kind),
				"source": src.Name(),
			})
		default:
			if ctx.Err() != nil {
				return result, ""
			}
			report.AddError("%s %s: %s failed: %v", p, kind, src.Name(), result.Err)
			s.metrics.RecordIngestionError("source_failure")
			s.logger.Warn(ctx, "[INGEST_FETCH_FAILED] Source failed, falling back", logging.Fields{
				"period": p.String(),
				"kind":   string(kind),
				"source": src.Name(),
				"error":  errString(result.Err),
			})
		}
		last = result
	}
	return last, ""
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
