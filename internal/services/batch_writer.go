package services

import (
	"context"
	"errors"
	"fmt"

	"comex-platform/internal/models"
	"comex-platform/internal/repository"
	"comex-platform/pkg/logging"
	"comex-platform/pkg/metrics"
)

// DefaultBatchSize is the number of operations upserted per transaction
const DefaultBatchSize = 500

// ErrStoreUnavailable is the fatal error returned when the store stops answering
var ErrStoreUnavailable = errors.New("persistence store unavailable")

// WriteBatchFailedError reports a slice of operations that could not be written
type WriteBatchFailedError struct {
	Offset int
	Size   int
	Err    error
}

func (e *WriteBatchFailedError) Error() string {
	return fmt.Sprintf("write batch failed (rows %d-%d): %v", e.Offset, e.Offset+e.Size-1, e.Err)
}

func (e *WriteBatchFailedError) Unwrap() error {
	return e.Err
}

// IsTransient returns false for constraint violations, which fail again on every retry
func (e *WriteBatchFailedError) IsTransient() bool {
	return !repository.IsIntegrityViolation(e.Err) && !repository.IsDataException(e.Err)
}

// WriteResult totals one Write call
type WriteResult struct {
	repository.UpsertCounts
	Failed int
	Errors []*WriteBatchFailedError
}

// BatchWriter chunks operations into transactions and isolates failing batches
type BatchWriter struct {
	repo      repository.OperationRepository
	batchSize int
	logger    *logging.StructuredLogger
	metrics   *metrics.Collector
}

// NewBatchWriter creates a writer; batchSize <= 0 selects DefaultBatchSize
func NewBatchWriter(repo repository.OperationRepository, batchSize int, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *BatchWriter {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &BatchWriter{
		repo:      repo,
		batchSize: batchSize,
		logger:    logger,
		metrics:   metricsCollector,
	}
}

// Write upserts ops batch by batch. A failed batch is rolled back alone and
// retried once split in halves; halves that still fail are reported in the
// result. The returned error is set only on cancellation or when the store
// is unreachable (wrapping ErrStoreUnavailable).
func (w *BatchWriter) Write(ctx context.Context, ops []*models.CanonicalOperation) (WriteResult, error) {
	var result WriteResult

	for start := 0; start < len(ops); start += w.batchSize {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		end := start + w.batchSize
		if end > len(ops) {
			end = len(ops)
		}
		batch := ops[start:end]

		counts, err := w.repo.UpsertBatch(ctx, batch)
		if err == nil {
			w.record(&result, counts)
			continue
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return result, ctxErr
		}

		w.logger.Warn(ctx, "[WRITE_BATCH_RETRY] Batch failed, retrying in halves", logging.Fields{
			"offset": start,
			"size":   len(batch),
			"error":  err.Error(),
		})

		failed, err := w.retryInHalves(ctx, &result, start, batch)
		if err != nil {
			return result, err
		}
		if !failed {
			continue
		}

		if healthErr := w.repo.HealthCheck(ctx); healthErr != nil {
			w.metrics.RecordIngestionError("store_unavailable")
			w.logger.Error(ctx, "[WRITE_STORE_UNAVAILABLE] Store health check failed after batch failure", logging.Fields{
				"offset": start,
			}, healthErr)
			return result, fmt.Errorf("%w: %w", ErrStoreUnavailable, healthErr)
		}
	}

	return result, nil
}

func (w *BatchWriter) retryInHalves(ctx context.Context, result *WriteResult, offset int, batch []*models.CanonicalOperation) (bool, error) {
	parts := [][]*models.CanonicalOperation{batch}
	if len(batch) > 1 {
		mid := len(batch) / 2
		parts = [][]*models.CanonicalOperation{batch[:mid], batch[mid:]}
	}

	failed := false
	partOffset := offset
	for _, part := range parts {
		counts, err := w.repo.UpsertBatch(ctx, part)
		switch {
		case err == nil:
			w.record(result, counts)
		case ctx.Err() != nil:
			return failed, ctx.Err()
		default:
			failed = true
			result.Failed += len(part)
			result.Errors = append(result.Errors, &WriteBatchFailedError{Offset: partOffset, Size: len(part), Err: err})
			w.metrics.RecordIngestionError("write_batch_failed")
			w.logger.Error(ctx, "[WRITE_BATCH_FAILED] Batch could not be written", logging.Fields{
				"offset": partOffset,
				"size":   len(part),
			}, err)
		}
		partOffset += len(part)
	}
	return failed, nil
}

func (w *BatchWriter) record(result *WriteResult, counts repository.UpsertCounts) {
	result.Add(counts)
	w.metrics.RecordWritten(counts.Inserted, counts.Updated)
}
