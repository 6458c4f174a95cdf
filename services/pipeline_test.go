package services

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"car-sales-pipeline/metrics"
	"car-sales-pipeline/models"
	"car-sales-pipeline/storage"
)

func seededStore(t *testing.T) *storage.MemoryStore {
	t.Helper()
	store := storage.NewMemoryStore()
	raw := rawTable(
		with(sale("A1", 2015, 20000), models.ColState, "ca", models.ColColor, "—"),
		with(sale("A1", 2015, 0), models.ColState, "ca"),
		with(sale("B2", 2012, 9000), models.ColState, "fl", models.ColCondition, nil),
		with(sale("C3", 2010, 4000), models.ColState, "3vwd17aj5fm201708", models.ColTransmission, "Sedan"),
		with(sale("D4", 2018, 0), models.ColState, "tx"),
		with(sale("E5", 2016, 15000), models.ColState, "ca", models.ColModel, nil),
	)
	require.NoError(t, store.Save(context.Background(), DefaultRawDataset, raw, storage.Overwrite))
	return store
}

func fixedClock() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) }

func metricValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		total := 0.0
		for _, m := range f.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				total += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				total += m.GetGauge().GetValue()
			}
		}
		return total
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func TestPipelineRunDefaultCatalog(t *testing.T) {
	ctx := context.Background()
	store := seededStore(t)
	m := metrics.NewManager()
	p := NewPipeline(store, newTestLogger(), WithWorkers(4), WithMetrics(m), WithClock(fixedClock))

	report, err := p.Run(ctx, Options{WorkbookPath: filepath.Join(t.TempDir(), "report.xlsx")})
	require.NoError(t, err)
	require.True(t, report.OK(), "failures: %v", report.Err())
	require.NoError(t, report.Err())

	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, 6, report.Clean.InputRows)
	assert.Equal(t, 3, report.Clean.OutputRows)
	assert.Equal(t, 1, report.Clean.Dropped[models.DropDuplicate])
	assert.Equal(t, 1, report.Clean.Dropped[models.DropInvalidPrice])
	assert.Equal(t, 1, report.Clean.Dropped[models.DropMissingRequired])
	assert.Len(t, report.DatasetsWritten, 19)
	assert.Equal(t, "total_sales_by_state", report.DatasetsWritten[0])
	assert.Len(t, report.Corrections, 7)
	assert.FileExists(t, report.WorkbookPath)

	cleaned, err := store.Load(ctx, DefaultCleanedDataset)
	require.NoError(t, err)
	assert.Equal(t, []any{"A1", "B2", "C3"}, column(cleaned, models.ColVIN))
	assert.Equal(t, []any{int64(9), int64(12), int64(14)}, column(cleaned, models.ColCarAge))

	byState, err := store.Load(ctx, "total_sales_by_state")
	require.NoError(t, err)
	assert.Equal(t, []any{"ca", "fl"}, column(byState, "state"))

	colors, err := store.Load(ctx, "top_10_colors")
	require.NoError(t, err)
	assert.Contains(t, column(colors, "color"), "turquoise")
	assert.NotContains(t, column(colors, "color"), "—")

	conditions, err := store.Load(ctx, "condition_avg_price")
	require.NoError(t, err)
	assert.NotContains(t, column(conditions, "condition"), nil)

	transmissions, err := store.Load(ctx, "transmission_distribution")
	require.NoError(t, err)
	assert.Equal(t, []any{"automatic"}, column(transmissions, "transmission"))

	assert.Equal(t, 19.0, metricValue(t, m.Registry(), "carsales_pipeline_datasets_written_total"))
	assert.Equal(t, 3.0, metricValue(t, m.Registry(), "carsales_pipeline_cleaned_rows"))
	assert.Equal(t, 6.0, metricValue(t, m.Registry(), "carsales_pipeline_raw_rows"))
}

func TestPipelineRerunIsStable(t *testing.T) {
	ctx := context.Background()
	store := seededStore(t)
	p := NewPipeline(store, newTestLogger(), WithClock(fixedClock))

	_, err := p.Run(ctx, Options{})
	require.NoError(t, err)
	first, err := store.Load(ctx, "top_10_colors")
	require.NoError(t, err)

	report, err := p.Run(ctx, Options{})
	require.NoError(t, err)
	second, err := store.Load(ctx, "top_10_colors")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.True(t, report.OK())
}

func TestPipelineIsolatesDefinitionFailures(t *testing.T) {
	ctx := context.Background()
	store := seededStore(t)
	m := metrics.NewManager()
	p := NewPipeline(store, newTestLogger(), WithMetrics(m), WithClock(fixedClock))

	catalog := &models.Catalog{
		Definitions: []models.Definition{
			{Name: "by_make", GroupBy: []string{"make"}, Metrics: []models.Metric{{Kind: models.MetricCount, As: "n"}}},
			{Name: "by_mmr", GroupBy: []string{"mmr"}, Metrics: []models.Metric{{Kind: models.MetricCount, As: "n"}}},
			{Name: "by_state", GroupBy: []string{"state"}, Metrics: []models.Metric{{Kind: models.MetricCount, As: "n"}}},
		},
		Corrections: []models.CorrectionRule{
			{Target: "by_mmr", Kind: models.CorrectionDeleteWhere, Where: "true"},
			{Target: "by_state", Kind: models.CorrectionDeleteWhere, Where: "state != nil && length(state) > 2"},
		},
	}

	report, err := p.Run(ctx, Options{Catalog: catalog})
	require.NoError(t, err)
	assert.False(t, report.OK())
	assert.Equal(t, []string{"by_make", "by_state"}, report.DatasetsWritten)

	require.Len(t, report.Failures, 2)
	assert.Equal(t, models.StageAggregate, report.Failures[0].Stage)
	assert.Equal(t, "by_mmr", report.Failures[0].Target)
	assert.ErrorIs(t, report.Failures[0].Err, models.ErrAggregationFailure)
	assert.Equal(t, models.StageCorrect, report.Failures[1].Stage)
	assert.Equal(t, "by_mmr", report.Failures[1].Target)
	assert.ErrorIs(t, report.Err(), models.ErrSchemaMismatch)

	require.Len(t, report.Corrections, 1)
	assert.Equal(t, 1, report.Corrections[0].RowsAffected)

	_, err = store.Load(ctx, "by_mmr")
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.Equal(t, 2.0, metricValue(t, m.Registry(), "carsales_pipeline_failures_total"))
}

func TestPipelineFatalErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("raw dataset missing", func(t *testing.T) {
		p := NewPipeline(storage.NewMemoryStore(), newTestLogger())
		_, err := p.Run(ctx, Options{})
		require.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("raw schema mismatch", func(t *testing.T) {
		store := storage.NewMemoryStore()
		raw := models.NewTable(models.Column{Name: models.ColVIN, Kind: models.KindString})
		raw.Append("A1")
		require.NoError(t, store.Save(ctx, DefaultRawDataset, raw, storage.Overwrite))

		p := NewPipeline(store, newTestLogger())
		_, err := p.Run(ctx, Options{})
		require.ErrorIs(t, err, models.ErrSchemaMismatch)

		names, err := store.List(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{DefaultRawDataset}, names)
	})

	t.Run("invalid catalog", func(t *testing.T) {
		p := NewPipeline(seededStore(t), newTestLogger())
		_, err := p.Run(ctx, Options{Catalog: &models.Catalog{Definitions: []models.Definition{{Name: "empty"}}}})
		require.ErrorIs(t, err, models.ErrInvalidDefinition)
	})

	t.Run("invalid cleaned name", func(t *testing.T) {
		p := NewPipeline(seededStore(t), newTestLogger())
		_, err := p.Run(ctx, Options{CleanedDataset: "car sales"})
		require.ErrorIs(t, err, models.ErrInvalidName)
	})
}

func TestPipelineReportsExportFailure(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))

	p := NewPipeline(seededStore(t), newTestLogger(), WithClock(fixedClock))
	report, err := p.Run(context.Background(), Options{WorkbookPath: filepath.Join(blocker, "report.xlsx")})
	require.NoError(t, err)

	require.Len(t, report.Failures, 1)
	assert.Equal(t, models.StageExport, report.Failures[0].Stage)
	assert.Empty(t, report.WorkbookPath)
}

func TestPrintReport(t *testing.T) {
	p := NewPipeline(seededStore(t), newTestLogger(), WithClock(fixedClock))
	report, err := p.Run(context.Background(), Options{})
	require.NoError(t, err)
	report.Failures = append(report.Failures, models.Failure{Stage: models.StageExport, Target: "out.xlsx", Err: os.ErrPermission})

	var buf bytes.Buffer
	PrintReport(&buf, report)
	out := buf.String()
	assert.Contains(t, out, report.RunID)
	assert.Contains(t, out, "top_10_colors")
	assert.Contains(t, out, "no-op")
	assert.Contains(t, out, "permission denied")
}

func TestRenderTable(t *testing.T) {
	tbl := models.NewTable(
		models.Column{Name: "state", Kind: models.KindString},
		models.Column{Name: "total_sales", Kind: models.KindInt},
	)
	tbl.Append("ca", int64(12))
	tbl.Append(nil, int64(3))
	tbl.Append("fl", int64(1))

	out := RenderTable(tbl, 2)
	assert.Contains(t, out, "state")
	assert.Contains(t, out, "total_sales")
	assert.Contains(t, out, "NULL")
	assert.Contains(t, out, "12")
	assert.NotContains(t, out, "fl")
}
