package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"comex-platform/internal/models"
)

// MemoryRepository keeps operations in memory with the same merge semantics as
// the PostgreSQL upsert. It backs dry runs and tests.
type MemoryRepository struct {
	mu     sync.RWMutex
	rows   map[models.NaturalKey]*models.CanonicalOperation
	nextID int64

	// HealthErr, when set, is returned by HealthCheck
	HealthErr error
	// FailBatch, when set, is consulted before each batch is applied
	FailBatch func(ops []*models.CanonicalOperation) error
}

// NewMemoryRepository creates an empty in-memory repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{rows: make(map[models.NaturalKey]*models.CanonicalOperation)}
}

// UpsertBatch merges ops into the store under one lock. A FailBatch error
// rejects the whole batch before any row is touched.
func (m *MemoryRepository) UpsertBatch(ctx context.Context, ops []*models.CanonicalOperation) (UpsertCounts, error) {
	if err := ctx.Err(); err != nil {
		return UpsertCounts{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailBatch != nil {
		if err := m.FailBatch(ops); err != nil {
			return UpsertCounts{}, err
		}
	}

	now := time.Now().UTC()
	var counts UpsertCounts
	for _, op := range ops {
		key := op.Key()
		if existing, ok := m.rows[key]; ok {
			incoming := *op
			if incoming.UpdatedAt.IsZero() {
				incoming.UpdatedAt = now
			}
			existing.MergeFrom(&incoming)
			// reference period and source always follow the latest write, as in the SQL upsert
			existing.ReferencePeriod = op.ReferencePeriod
			existing.SourceTag = op.SourceTag
			counts.Updated++
			continue
		}

		stored := cloneOperation(op)
		m.nextID++
		stored.ID = m.nextID
		if stored.CreatedAt.IsZero() {
			stored.CreatedAt = now
		}
		if stored.UpdatedAt.IsZero() {
			stored.UpdatedAt = now
		}
		m.rows[key] = stored
		counts.Inserted++
	}
	return counts, nil
}

// GetOperation retrieves the operation stored under key
func (m *MemoryRepository) GetOperation(ctx context.Context, key models.NaturalKey) (*models.CanonicalOperation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	op, ok := m.rows[key]
	if !ok {
		return nil, &NotFoundError{Resource: "trade_operation", ID: key.String()}
	}
	return cloneOperation(op), nil
}

// GetOperations retrieves operations with filtering and pagination
func (m *MemoryRepository) GetOperations(ctx context.Context, filter OperationFilter) ([]*models.CanonicalOperation, int, error) {
	m.mu.RLock()
	matched := make([]*models.CanonicalOperation, 0)
	for _, op := range m.rows {
		if filter.matches(op) {
			matched = append(matched, cloneOperation(op))
		}
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.OperationDate.Equal(b.OperationDate) {
			return a.OperationDate.After(b.OperationDate)
		}
		return a.Key().String() < b.Key().String()
	})

	total := len(matched)
	start := filter.Offset
	if start > total {
		start = total
	}
	end := total
	if filter.Limit > 0 && start+filter.Limit < total {
		end = start + filter.Limit
	}
	return matched[start:end], total, nil
}

// Summarize aggregates operations per reference period and kind
func (m *MemoryRepository) Summarize(ctx context.Context, filter SummaryFilter) ([]*PeriodSummary, error) {
	type groupKey struct {
		period string
		kind   models.OperationKind
	}
	type group struct {
		summary   *PeriodSummary
		products  map[string]bool
		countries map[string]bool
	}

	m.mu.RLock()
	groups := make(map[groupKey]*group)
	for _, op := range m.rows {
		if filter.Kind != nil && op.OperationKind != *filter.Kind {
			continue
		}
		if filter.StartPeriod != nil && op.ReferencePeriod < *filter.StartPeriod {
			continue
		}
		if filter.EndPeriod != nil && op.ReferencePeriod > *filter.EndPeriod {
			continue
		}
		k := groupKey{op.ReferencePeriod, op.OperationKind}
		g, ok := groups[k]
		if !ok {
			g = &group{
				summary: &PeriodSummary{
					ReferencePeriod:  op.ReferencePeriod,
					OperationKind:    op.OperationKind,
					TotalFOB:         decimal.Zero,
					TotalNetWeightKg: decimal.Zero,
				},
				products:  make(map[string]bool),
				countries: make(map[string]bool),
			}
			groups[k] = g
		}
		g.summary.Operations++
		g.summary.TotalFOB = g.summary.TotalFOB.Add(op.FOBValue)
		if op.NetWeightKg != nil {
			g.summary.TotalNetWeightKg = g.summary.TotalNetWeightKg.Add(*op.NetWeightKg)
		}
		g.products[op.ProductCode] = true
		g.countries[op.CounterpartCountry] = true
	}
	m.mu.RUnlock()

	summaries := make([]*PeriodSummary, 0, len(groups))
	for _, g := range groups {
		g.summary.Products = len(g.products)
		g.summary.Countries = len(g.countries)
		summaries = append(summaries, g.summary)
	}
	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].ReferencePeriod != summaries[j].ReferencePeriod {
			return summaries[i].ReferencePeriod < summaries[j].ReferencePeriod
		}
		return summaries[i].OperationKind < summaries[j].OperationKind
	})
	return summaries, nil
}

// ListProductDescriptions returns the latest known description per product code
func (m *MemoryRepository) ListProductDescriptions(ctx context.Context) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	latest := make(map[string]*models.CanonicalOperation)
	for _, op := range m.rows {
		if op.ProductDescription == "" {
			continue
		}
		if prev, ok := latest[op.ProductCode]; !ok || op.UpdatedAt.After(prev.UpdatedAt) {
			latest[op.ProductCode] = op
		}
	}
	descriptions := make(map[string]string, len(latest))
	for code, op := range latest {
		descriptions[code] = op.ProductDescription
	}
	return descriptions, nil
}

// HealthCheck returns HealthErr
func (m *MemoryRepository) HealthCheck(ctx context.Context) error {
	return m.HealthErr
}

// Len returns the number of stored operations
func (m *MemoryRepository) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rows)
}

func (f OperationFilter) matches(op *models.CanonicalOperation) bool {
	switch {
	case f.ProductCode != nil && op.ProductCode != *f.ProductCode:
		return false
	case f.Kind != nil && op.OperationKind != *f.Kind:
		return false
	case f.Country != nil && op.CounterpartCountry != *f.Country:
		return false
	case f.Region != nil && op.Region != *f.Region:
		return false
	case f.Period != nil && op.ReferencePeriod != *f.Period:
		return false
	case f.StartDate != nil && op.OperationDate.Before(*f.StartDate):
		return false
	case f.EndDate != nil && op.OperationDate.After(*f.EndDate):
		return false
	}
	return true
}

func cloneOperation(op *models.CanonicalOperation) *models.CanonicalOperation {
	c := *op
	c.TransportMissing, c.FOBMissing = false, false
	c.FreightValue = cloneDecimal(op.FreightValue)
	c.InsuranceValue = cloneDecimal(op.InsuranceValue)
	c.NetWeightKg = cloneDecimal(op.NetWeightKg)
	c.GrossWeightKg = cloneDecimal(op.GrossWeightKg)
	c.StatisticalQuantity = cloneDecimal(op.StatisticalQuantity)
	return &c
}

func cloneDecimal(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}
