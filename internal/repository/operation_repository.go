package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"comex-platform/internal/models"
	"comex-platform/pkg/database"
	"comex-platform/pkg/logging"
	"comex-platform/pkg/metrics"
)

// OperationRepository provides data access for trade operations
type OperationRepository interface {
	// Write operations
	UpsertBatch(ctx context.Context, ops []*models.CanonicalOperation) (UpsertCounts, error)

	// Read operations
	GetOperation(ctx context.Context, key models.NaturalKey) (*models.CanonicalOperation, error)
	GetOperations(ctx context.Context, filter OperationFilter) ([]*models.CanonicalOperation, int, error)
	Summarize(ctx context.Context, filter SummaryFilter) ([]*PeriodSummary, error)
	ListProductDescriptions(ctx context.Context) (map[string]string, error)

	// Utility operations
	HealthCheck(ctx context.Context) error
}

// UpsertCounts splits written rows into fresh inserts and updates of existing keys
type UpsertCounts struct {
	Inserted int
	Updated  int
}

// Add accumulates other into c
func (c *UpsertCounts) Add(other UpsertCounts) {
	c.Inserted += other.Inserted
	c.Updated += other.Updated
}

// Total is the number of rows written
func (c UpsertCounts) Total() int {
	return c.Inserted + c.Updated
}

// OperationFilter defines filters for querying operations
type OperationFilter struct {
	ProductCode *string
	Kind        *models.OperationKind
	Country     *string
	Region      *string
	Period      *string
	StartDate   *time.Time
	EndDate     *time.Time
	Limit       int
	Offset      int
}

// SummaryFilter restricts the period summary
type SummaryFilter struct {
	Kind        *models.OperationKind
	StartPeriod *string
	EndPeriod   *string
}

// PeriodSummary aggregates one reference period and kind
type PeriodSummary struct {
	ReferencePeriod  string               `json:"reference_period" db:"reference_period"`
	OperationKind    models.OperationKind `json:"operation_kind" db:"operation_kind"`
	Operations       int                  `json:"operations" db:"operations"`
	Products         int                  `json:"products" db:"products"`
	Countries        int                  `json:"countries" db:"countries"`
	TotalFOB         decimal.Decimal      `json:"total_fob" db:"total_fob"`
	TotalNetWeightKg decimal.Decimal      `json:"total_net_weight_kg" db:"total_net_weight_kg"`
}

const upsertOperationQuery = `
	INSERT INTO trade_operations (
		product_code, product_description, operation_kind,
		counterpart_country, region, transport_mode,
		fob_value, freight_value, insurance_value,
		net_weight_kg, gross_weight_kg, statistical_quantity, statistical_unit,
		operation_date, reference_period, source_tag, source_file,
		importer_name, importer_tax_id, exporter_name, exporter_tax_id,
		created_at, updated_at
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)
	ON CONFLICT (product_code, operation_kind, operation_date, counterpart_country, region) DO UPDATE SET
		product_description = COALESCE(EXCLUDED.product_description, trade_operations.product_description),
		transport_mode = CASE WHEN $24::boolean THEN EXCLUDED.transport_mode ELSE trade_operations.transport_mode END,
		fob_value = CASE WHEN $25::boolean THEN EXCLUDED.fob_value ELSE trade_operations.fob_value END,
		freight_value = COALESCE(EXCLUDED.freight_value, trade_operations.freight_value),
		insurance_value = COALESCE(EXCLUDED.insurance_value, trade_operations.insurance_value),
		net_weight_kg = COALESCE(EXCLUDED.net_weight_kg, trade_operations.net_weight_kg),
		gross_weight_kg = COALESCE(EXCLUDED.gross_weight_kg, trade_operations.gross_weight_kg),
		statistical_quantity = COALESCE(EXCLUDED.statistical_quantity, trade_operations.statistical_quantity),
		statistical_unit = COALESCE(EXCLUDED.statistical_unit, trade_operations.statistical_unit),
		reference_period = EXCLUDED.reference_period,
		source_tag = EXCLUDED.source_tag,
		source_file = COALESCE(EXCLUDED.source_file, trade_operations.source_file),
		importer_name = COALESCE(EXCLUDED.importer_name, trade_operations.importer_name),
		importer_tax_id = COALESCE(EXCLUDED.importer_tax_id, trade_operations.importer_tax_id),
		exporter_name = COALESCE(EXCLUDED.exporter_name, trade_operations.exporter_name),
		exporter_tax_id = COALESCE(EXCLUDED.exporter_tax_id, trade_operations.exporter_tax_id),
		updated_at = EXCLUDED.updated_at
	RETURNING (xmax = 0) AS inserted
`

const selectOperationColumns = `
	SELECT id, product_code, COALESCE(product_description, '') AS product_description,
	       operation_kind, counterpart_country, region, transport_mode,
	       fob_value, freight_value, insurance_value,
	       net_weight_kg, gross_weight_kg, statistical_quantity,
	       COALESCE(statistical_unit, '') AS statistical_unit,
	       operation_date, reference_period, source_tag,
	       COALESCE(source_file, '') AS source_file,
	       COALESCE(importer_name, '') AS importer_name,
	       COALESCE(importer_tax_id, '') AS importer_tax_id,
	       COALESCE(exporter_name, '') AS exporter_name,
	       COALESCE(exporter_tax_id, '') AS exporter_tax_id,
	       created_at, updated_at
	FROM trade_operations
`

// operationRepository implements OperationRepository on PostgreSQL
type operationRepository struct {
	db      *database.PostgresDB
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewOperationRepository creates a new PostgreSQL-backed operation repository
func NewOperationRepository(db *database.PostgresDB, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) OperationRepository {
	return &operationRepository{
		db:      db,
		logger:  logger,
		metrics: metricsCollector,
	}
}

// UpsertBatch writes ops in a single transaction, merging into rows that share a natural key
func (r *operationRepository) UpsertBatch(ctx context.Context, ops []*models.CanonicalOperation) (UpsertCounts, error) {
	var counts UpsertCounts
	if len(ops) == 0 {
		return counts, nil
	}

	timer := time.Now()
	defer func() {
		duration := time.Since(timer)
		r.db.ObserveQuery("upsert_operations", timer)
		r.metrics.IngestionBatchSize.Observe(float64(len(ops)))
		r.logger.Debug(ctx, "[REPO_BATCH_UPSERT] Batch upsert completed", logging.Fields{
			"count":       len(ops),
			"inserted":    counts.Inserted,
			"updated":     counts.Updated,
			"duration_ms": duration.Milliseconds(),
		})
	}()

	// Begin transaction
	tx, err := r.db.BeginTx(ctx)
	if err != nil {
		return UpsertCounts{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Prepare statement
	stmt, err := tx.PrepareContext(ctx, upsertOperationQuery)
	if err != nil {
		return UpsertCounts{}, fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	// Execute batch
	now := time.Now().UTC()
	var written UpsertCounts
	for _, op := range ops {
		createdAt, updatedAt := op.CreatedAt, op.UpdatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		if updatedAt.IsZero() {
			updatedAt = now
		}

		var inserted bool
		err := stmt.QueryRowContext(ctx,
			op.ProductCode,
			nullString(op.ProductDescription),
			string(op.OperationKind),
			op.CounterpartCountry,
			op.Region,
			string(op.TransportMode),
			op.FOBValue,
			nullDecimal(op.FreightValue),
			nullDecimal(op.InsuranceValue),
			nullDecimal(op.NetWeightKg),
			nullDecimal(op.GrossWeightKg),
			nullDecimal(op.StatisticalQuantity),
			nullString(op.StatisticalUnit),
			op.OperationDate,
			op.ReferencePeriod,
			op.SourceTag,
			nullString(op.SourceFile),
			nullString(op.ImporterName),
			nullString(op.ImporterTaxID),
			nullString(op.ExporterName),
			nullString(op.ExporterTaxID),
			createdAt,
			updatedAt,
			!op.TransportMissing,
			!op.FOBMissing,
		).Scan(&inserted)
		if err != nil {
			return UpsertCounts{}, fmt.Errorf("failed to upsert operation %s: %w", op.Key(), err)
		}
		if inserted {
			written.Inserted++
		} else {
			written.Updated++
		}
	}

	// Commit transaction
	if err := tx.Commit(); err != nil {
		return UpsertCounts{}, fmt.Errorf("failed to commit transaction: %w", err)
	}

	counts = written
	return counts, nil
}

// GetOperation retrieves the operation stored under key
func (r *operationRepository) GetOperation(ctx context.Context, key models.NaturalKey) (*models.CanonicalOperation, error) {
	query := selectOperationColumns + `
		WHERE product_code = $1 AND operation_kind = $2 AND operation_date = $3
		  AND counterpart_country = $4 AND region = $5
	`

	var op models.CanonicalOperation
	err := r.db.GetContext(ctx, "get_operation", &op, query,
		key.ProductCode, string(key.OperationKind), key.OperationDate, key.CounterpartCountry, key.Region)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{
			Resource: "trade_operation",
			ID:       key.String(),
		}
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get operation: %w", err)
	}

	return &op, nil
}

// GetOperations retrieves operations with filtering and pagination
func (r *operationRepository) GetOperations(ctx context.Context, filter OperationFilter) ([]*models.CanonicalOperation, int, error) {
	// Build query with filters
	where := " WHERE 1=1"
	args := []interface{}{}
	argNum := 1

	add := func(clause string, value interface{}) {
		where += fmt.Sprintf(" AND "+clause, argNum)
		args = append(args, value)
		argNum++
	}

	if filter.ProductCode != nil {
		add("product_code = $%d", *filter.ProductCode)
	}
	if filter.Kind != nil {
		add("operation_kind = $%d", string(*filter.Kind))
	}
	if filter.Country != nil {
		add("counterpart_country = $%d", *filter.Country)
	}
	if filter.Region != nil {
		add("region = $%d", *filter.Region)
	}
	if filter.Period != nil {
		add("reference_period = $%d", *filter.Period)
	}
	if filter.StartDate != nil {
		add("operation_date >= $%d", *filter.StartDate)
	}
	if filter.EndDate != nil {
		add("operation_date <= $%d", *filter.EndDate)
	}

	// Get total count
	countQuery := "SELECT COUNT(*) FROM trade_operations" + where
	var totalCount int
	err := r.db.GetContext(ctx, "count_operations", &totalCount, countQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count operations: %w", err)
	}

	// Add ordering and pagination
	query := selectOperationColumns + where
	query += " ORDER BY operation_date DESC, product_code, operation_kind, counterpart_country, region"
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argNum, argNum+1)
	args = append(args, filter.Limit, filter.Offset)

	// Execute query
	var operations []*models.CanonicalOperation
	err = r.db.SelectContext(ctx, "get_operations", &operations, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get operations: %w", err)
	}

	return operations, totalCount, nil
}

// Summarize aggregates operations per reference period and kind
func (r *operationRepository) Summarize(ctx context.Context, filter SummaryFilter) ([]*PeriodSummary, error) {
	timer := time.Now()
	defer func() {
		r.logger.Debug(ctx, "[REPO_SUMMARY] Period summary calculated", logging.Fields{
			"duration_ms": time.Since(timer).Milliseconds(),
		})
	}()

	query := `
		SELECT
			reference_period,
			operation_kind,
			COUNT(*) AS operations,
			COUNT(DISTINCT product_code) AS products,
			COUNT(DISTINCT counterpart_country) AS countries,
			COALESCE(SUM(fob_value), 0) AS total_fob,
			COALESCE(SUM(net_weight_kg), 0) AS total_net_weight_kg
		FROM trade_operations
		WHERE 1=1
	`
	args := []interface{}{}
	argNum := 1

	if filter.Kind != nil {
		query += fmt.Sprintf(" AND operation_kind = $%d", argNum)
		args = append(args, string(*filter.Kind))
		argNum++
	}
	if filter.StartPeriod != nil {
		query += fmt.Sprintf(" AND reference_period >= $%d", argNum)
		args = append(args, *filter.StartPeriod)
		argNum++
	}
	if filter.EndPeriod != nil {
		query += fmt.Sprintf(" AND reference_period <= $%d", argNum)
		args = append(args, *filter.EndPeriod)
	}
	query += " GROUP BY reference_period, operation_kind ORDER BY reference_period, operation_kind"

	var summaries []*PeriodSummary
	if err := r.db.SelectContext(ctx, "summarize_operations", &summaries, query, args...); err != nil {
		return nil, fmt.Errorf("failed to summarize operations: %w", err)
	}

	return summaries, nil
}

// ListProductDescriptions returns the latest known description per product code
func (r *operationRepository) ListProductDescriptions(ctx context.Context) (map[string]string, error) {
	query := `
		SELECT DISTINCT ON (product_code) product_code, product_description
		FROM trade_operations
		WHERE product_description IS NOT NULL AND product_description <> ''
		ORDER BY product_code, updated_at DESC
	`

	var rows []struct {
		ProductCode        string `db:"product_code"`
		ProductDescription string `db:"product_description"`
	}
	if err := r.db.SelectContext(ctx, "list_product_descriptions", &rows, query); err != nil {
		return nil, fmt.Errorf("failed to list product descriptions: %w", err)
	}

	descriptions := make(map[string]string, len(rows))
	for _, row := range rows {
		descriptions[row.ProductCode] = row.ProductDescription
	}
	return descriptions, nil
}

// HealthCheck performs a repository health check
func (r *operationRepository) HealthCheck(ctx context.Context) error {
	return r.db.HealthCheck(ctx)
}

// nullString stores empty strings as NULL so COALESCE keeps the existing value
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}
