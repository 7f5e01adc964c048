package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"comex-platform/internal/models"
)

var _ OperationRepository = (*MemoryRepository)(nil)

func TestMemoryRepository_UpsertIsIdempotent(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	ops := []*models.CanonicalOperation{
		sampleOperation("12019000", models.KindExport),
		sampleOperation("09011110", models.KindExport),
		sampleOperation("12019000", models.KindImport),
	}

	first, err := repo.UpsertBatch(ctx, ops)
	require.NoError(t, err)
	assert.Equal(t, UpsertCounts{Inserted: 3}, first)

	second, err := repo.UpsertBatch(ctx, ops)
	require.NoError(t, err)
	assert.Equal(t, UpsertCounts{Updated: 3}, second)
	assert.Equal(t, 3, repo.Len())
}

func TestMemoryRepository_DuplicateKeysWithinBatch(t *testing.T) {
	repo := NewMemoryRepository()

	a := sampleOperation("12019000", models.KindExport)
	b := sampleOperation("12019000", models.KindExport)
	b.FOBValue = decimal.RequireFromString("99")

	counts, err := repo.UpsertBatch(context.Background(), []*models.CanonicalOperation{a, b})
	require.NoError(t, err)
	assert.Equal(t, UpsertCounts{Inserted: 1, Updated: 1}, counts)
	assert.Equal(t, 1, repo.Len())

	stored, err := repo.GetOperation(context.Background(), a.Key())
	require.NoError(t, err)
	assert.True(t, stored.FOBValue.Equal(decimal.RequireFromString("99")))
}

func TestMemoryRepository_MergeKeepsUnsuppliedFields(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	original := sampleOperation("12019000", models.KindExport)
	original.NetWeightKg = dec("1000")
	original.ProductDescription = "Soja"
	original.ExporterName = "Trading SA"
	_, err := repo.UpsertBatch(ctx, []*models.CanonicalOperation{original})
	require.NoError(t, err)

	incoming := sampleOperation("12019000", models.KindExport)
	incoming.FreightValue = dec("35")
	incoming.FOBValue = decimal.RequireFromString("2000")
	incoming.SourceTag = models.SourceBulkFile
	_, err = repo.UpsertBatch(ctx, []*models.CanonicalOperation{incoming})
	require.NoError(t, err)

	stored, err := repo.GetOperation(ctx, original.Key())
	require.NoError(t, err)
	assert.Equal(t, "Soja", stored.ProductDescription)
	assert.Equal(t, "Trading SA", stored.ExporterName)
	assert.True(t, stored.NetWeightKg.Equal(decimal.RequireFromString("1000")))
	assert.True(t, stored.Freight().Equal(decimal.RequireFromString("35")))
	assert.True(t, stored.FOBValue.Equal(decimal.RequireFromString("2000")))
	assert.Equal(t, models.SourceBulkFile, stored.SourceTag)
	assert.Equal(t, int64(1), stored.ID)
}

func TestMemoryRepository_StoresCopies(t *testing.T) {
	repo := NewMemoryRepository()
	op := sampleOperation("12019000", models.KindExport)
	op.NetWeightKg = dec("5")
	_, err := repo.UpsertBatch(context.Background(), []*models.CanonicalOperation{op})
	require.NoError(t, err)

	*op.NetWeightKg = decimal.RequireFromString("6")
	op.Region = "SP"

	stored, err := repo.GetOperation(context.Background(), sampleOperation("12019000", models.KindExport).Key())
	require.NoError(t, err)
	assert.True(t, stored.NetWeightKg.Equal(decimal.RequireFromString("5")))
}

func TestMemoryRepository_FailedBatchWritesNothing(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	_, err := repo.UpsertBatch(ctx, []*models.CanonicalOperation{sampleOperation("12019000", models.KindExport)})
	require.NoError(t, err)

	repo.FailBatch = func(ops []*models.CanonicalOperation) error {
		return errors.New("disk full")
	}
	changed := sampleOperation("12019000", models.KindExport)
	changed.FOBValue = decimal.RequireFromString("9999")
	_, err = repo.UpsertBatch(ctx, []*models.CanonicalOperation{changed, sampleOperation("09011110", models.KindExport)})
	require.Error(t, err)

	assert.Equal(t, 1, repo.Len())
	stored, err := repo.GetOperation(ctx, changed.Key())
	require.NoError(t, err)
	assert.True(t, stored.FOBValue.Equal(decimal.RequireFromString("1500.50")), "FOBValue = %s, want 1500.50", stored.FOBValue)
}

func TestMemoryRepository_CancelledContext(t *testing.T) {
	repo := NewMemoryRepository()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := repo.UpsertBatch(ctx, []*models.CanonicalOperation{sampleOperation("12019000", models.KindExport)})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryRepository_GetOperationsFiltersAndPaginates(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	var ops []*models.CanonicalOperation
	for day := 1; day <= 5; day++ {
		op := sampleOperation("12019000", models.KindExport)
		op.OperationDate = time.Date(2024, time.March, day, 0, 0, 0, 0, time.UTC)
		ops = append(ops, op)
	}
	other := sampleOperation("09011110", models.KindImport)
	other.Region = "SP"
	ops = append(ops, other)
	_, err := repo.UpsertBatch(ctx, ops)
	require.NoError(t, err)

	kind := models.KindExport
	page, total, err := repo.GetOperations(ctx, OperationFilter{Kind: &kind, Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page, 2)
	assert.Equal(t, 4, page[0].OperationDate.Day())
	assert.Equal(t, 3, page[1].OperationDate.Day())

	region := "SP"
	page, total, err = repo.GetOperations(ctx, OperationFilter{Region: &region})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "09011110", page[0].ProductCode)

	_, total, err = repo.GetOperations(ctx, OperationFilter{Offset: 100})
	require.NoError(t, err)
	assert.Equal(t, 6, total)
}

func TestMemoryRepository_Summarize(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	a := sampleOperation("12019000", models.KindExport)
	a.NetWeightKg = dec("10")
	b := sampleOperation("09011110", models.KindExport)
	b.CounterpartCountry = "Alemanha"
	c := sampleOperation("12019000", models.KindImport)
	c.ReferencePeriod = "2024-04"
	c.OperationDate = time.Date(2024, time.April, 1, 0, 0, 0, 0, time.UTC)
	_, err := repo.UpsertBatch(ctx, []*models.CanonicalOperation{a, b, c})
	require.NoError(t, err)

	summaries, err := repo.Summarize(ctx, SummaryFilter{})
	require.NoError(t, err)
	require.Len(t, summaries, 2)

	march := summaries[0]
	assert.Equal(t, "2024-03", march.ReferencePeriod)
	assert.Equal(t, 2, march.Operations)
	assert.Equal(t, 2, march.Products)
	assert.Equal(t, 2, march.Countries)
	assert.True(t, march.TotalFOB.Equal(decimal.RequireFromString("3001")))
	assert.True(t, march.TotalNetWeightKg.Equal(decimal.RequireFromString("10")))

	end := "2024-03"
	summaries, err = repo.Summarize(ctx, SummaryFilter{EndPeriod: &end})
	require.NoError(t, err)
	assert.Len(t, summaries, 1)
}

func TestMemoryRepository_ListProductDescriptions(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	old := sampleOperation("12019000", models.KindExport)
	old.ProductDescription = "Soja"
	old.UpdatedAt = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := sampleOperation("12019000", models.KindImport)
	newer.ProductDescription = "Soja, mesmo triturada"
	newer.UpdatedAt = time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	blank := sampleOperation("09011110", models.KindImport)

	_, err := repo.UpsertBatch(ctx, []*models.CanonicalOperation{old, newer, blank})
	require.NoError(t, err)

	got, err := repo.ListProductDescriptions(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"12019000": "Soja, mesmo triturada"}, got)
}
