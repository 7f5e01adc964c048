package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"comex-platform/internal/models"
	"comex-platform/internal/normalizer"
	"comex-platform/internal/repository"
	"comex-platform/internal/services"
	"comex-platform/pkg/logging"
	"comex-platform/pkg/metrics"
)

func TestInferFileSpec(t *testing.T) {
	tests := []struct {
		name string
		want fileSpec
	}{
		{"IMP_2024_03.csv", fileSpec{Kind: models.KindImport, Year: 2024, Month: time.March, Parsed: true}},
		{"exp_202311.csv", fileSpec{Kind: models.KindExport, Year: 2023, Month: time.November, Parsed: true}},
		{"/data/cache/EXP_2022.csv", fileSpec{Kind: models.KindExport, Year: 2022, Parsed: true}},
		{"IMP_2024_13.csv", fileSpec{}},
		{"exportacao.csv", fileSpec{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := inferFileSpec(tt.name); got != tt.want {
				t.Errorf("inferFileSpec(%q) = %+v, want %+v", tt.name, got, tt.want)
			}
		})
	}
}

func newProcessor() (*processor, *repository.MemoryRepository) {
	repo := repository.NewMemoryRepository()
	return &processor{
		norm:   normalizer.New(normalizer.DefaultAliasTable()),
		writer: services.NewBatchWriter(repo, 100, logging.NewNopLogger(), metrics.NewNopCollector()),
	}, repo
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestProcess_MonthlyFileWithDuplicatesAndRejects(t *testing.T) {
	path := writeFile(t, "EXP_2024_03.csv",
		"CO_NCM;NO_PAIS;SG_UF_NCM;VL_FOB\n"+
			"12019000;China;MT;1000\n"+
			"12019000;China;MT;1500\n"+
			"12;China;MT;10\n"+
			"09011110;Alemanha;MG;2500\n")
	p, repo := newProcessor()

	result, err := p.process(context.Background(), path, "", models.Period{})
	require.NoError(t, err)

	assert.Equal(t, 4, result.Rows)
	assert.Equal(t, 3, result.Accepted)
	assert.Equal(t, 1, result.Rejected)
	assert.Equal(t, []string{"2024-03"}, result.Periods)
	assert.Equal(t, 2, result.Written.Inserted)
	assert.Equal(t, 1, result.Written.Updated)
	assert.Equal(t, 2, repo.Len())

	ops, _, err := repo.GetOperations(context.Background(), repository.OperationFilter{})
	require.NoError(t, err)
	for _, op := range ops {
		assert.Equal(t, models.KindExport, op.OperationKind)
		assert.Equal(t, "EXP_2024_03.csv", op.SourceFile)
	}
}

func TestProcess_YearlyFileSplitsByMonth(t *testing.T) {
	path := writeFile(t, "IMP_2023.csv",
		"CO_ANO;CO_MES;CO_NCM;NO_PAIS;VL_FOB\n"+
			"2023;01;12019000;China;1000\n"+
			"2023;02;12019000;China;1000\n"+
			"2023;;09011110;Chile;1000\n")
	p, repo := newProcessor()

	result, err := p.process(context.Background(), path, "", models.Period{})
	require.NoError(t, err)

	assert.Equal(t, []string{"2023-01", "2023-02"}, result.Periods)
	assert.Equal(t, 2, result.Accepted)
	assert.Equal(t, 1, result.Rejected)
	assert.Equal(t, 1, result.Reasons["month"])
	assert.Equal(t, 2, repo.Len())
}

func TestProcess_NeedsKindAndPeriod(t *testing.T) {
	path := writeFile(t, "portal_export.csv", "CO_NCM;VL_FOB\n12019000;10\n")
	p, _ := newProcessor()

	_, err := p.process(context.Background(), path, "", models.Period{})
	assert.Error(t, err)

	_, err = p.process(context.Background(), path, models.KindImport, models.Period{})
	assert.Error(t, err)

	period, err := models.ParsePeriod("2024-01")
	require.NoError(t, err)
	result, err := p.process(context.Background(), path, models.KindImport, period)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Accepted)
}
