package services

import (
	"context"
	"fmt"

	"comex-platform/internal/models"
	"comex-platform/internal/repository"
	"comex-platform/pkg/logging"
	"comex-platform/pkg/metrics"
)

// OperationService handles read access to stored trade operations
type OperationService struct {
	repo    repository.OperationRepository
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewOperationService creates a new operation service
func NewOperationService(repo repository.OperationRepository, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *OperationService {
	return &OperationService{
		repo:    repo,
		logger:  logger,
		metrics: metricsCollector,
	}
}

// GetOperations retrieves operations with filtering
func (s *OperationService) GetOperations(ctx context.Context, filter repository.OperationFilter) ([]*models.CanonicalOperation, int, error) {
	return s.repo.GetOperations(ctx, filter)
}

// GetOperation retrieves the operation stored under its natural key
func (s *OperationService) GetOperation(ctx context.Context, key models.NaturalKey) (*models.CanonicalOperation, error) {
	return s.repo.GetOperation(ctx, key)
}

// GetSummary aggregates stored operations per reference period and kind
func (s *OperationService) GetSummary(ctx context.Context, filter repository.SummaryFilter) ([]*repository.PeriodSummary, error) {
	if filter.StartPeriod != nil && filter.EndPeriod != nil && *filter.StartPeriod > *filter.EndPeriod {
		return nil, &models.ValidationError{
			Field:   "period",
			Value:   fmt.Sprintf("%s..%s", *filter.StartPeriod, *filter.EndPeriod),
			Message: "start period must not be after end period",
		}
	}

	summaries, err := s.repo.Summarize(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize operations: %w", err)
	}

	s.logger.Debug(ctx, "[OPERATIONS_SUMMARY] Summary computed", logging.Fields{
		"groups": len(summaries),
	})
	return summaries, nil
}

// HealthCheck reports whether the store is reachable
func (s *OperationService) HealthCheck(ctx context.Context) error {
	return s.repo.HealthCheck(ctx)
}
