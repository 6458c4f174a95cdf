package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"car-sales-pipeline/metrics"
	"car-sales-pipeline/models"
	"car-sales-pipeline/storage"
	"car-sales-pipeline/utils"
)

// Default dataset names.
const (
	DefaultRawDataset     = "car_info"
	DefaultCleanedDataset = "car_sales_cleaned"
)

// Options parameterises one pipeline run. Zero fields take defaults: the
// dataset names above, the current calendar year, the default required
// fields and the default catalog.
type Options struct {
	RawDataset     string
	CleanedDataset string
	ReferenceYear  int
	RequiredFields []string
	Catalog        *models.Catalog
	// WorkbookPath, when set, receives an XLSX copy of every summary written.
	WorkbookPath string
}

// Pipeline sequences cleaning, aggregation and correction over one store.
type Pipeline struct {
	store      storage.Store
	logger     *utils.Logger
	metrics    *metrics.Manager
	workers    int
	cleaner    *Cleaner
	aggregator *Aggregator
	corrector  *Corrector
	now        func() time.Time
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithWorkers bounds how many definitions and correction targets are
// processed at once.
func WithWorkers(n int) PipelineOption {
	return func(p *Pipeline) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithMetrics publishes run statistics to m.
func WithMetrics(m *metrics.Manager) PipelineOption {
	return func(p *Pipeline) { p.metrics = m }
}

// WithClock replaces the time source used for run timing and the default
// reference year.
func WithClock(now func() time.Time) PipelineOption {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// NewPipeline wires the stages to store.
func NewPipeline(store storage.Store, logger *utils.Logger, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		store:   store,
		logger:  logger,
		workers: 3,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.cleaner = NewCleaner(logger)
	p.aggregator = NewAggregator(logger)
	p.corrector = NewCorrector(logger, p.workers)
	return p
}

func (p *Pipeline) withDefaults(o Options) Options {
	if o.RawDataset == "" {
		o.RawDataset = DefaultRawDataset
	}
	if o.CleanedDataset == "" {
		o.CleanedDataset = DefaultCleanedDataset
	}
	if o.ReferenceYear == 0 {
		o.ReferenceYear = p.now().Year()
	}
	if o.RequiredFields == nil {
		o.RequiredFields = append([]string(nil), models.DefaultRequiredFields...)
	}
	if o.Catalog == nil {
		c := DefaultCatalog()
		o.Catalog = &c
	}
	return o
}

// Run executes one end-to-end pass. A non-nil error means the run was
// aborted: the catalog is invalid, the raw dataset is missing or malformed,
// or the cleaned dataset could not be saved. Failures of individual
// definitions, corrections or the workbook export are collected in the
// report instead.
func (p *Pipeline) Run(ctx context.Context, opts Options) (*models.RunReport, error) {
	opts = p.withDefaults(opts)
	started := p.now()
	report := &models.RunReport{
		RunID:          uuid.NewString(),
		StartedAt:      started,
		RawDataset:     opts.RawDataset,
		CleanedDataset: opts.CleanedDataset,
	}
	defer func() {
		report.Duration = p.now().Sub(started)
		for _, f := range report.Failures {
			p.metrics.IncFailure(f.Stage)
		}
		p.metrics.RecordRun(report.Duration, report.OK(), p.now())
	}()

	p.logger.Info("=== Car sales pipeline run %s starting ===", report.RunID)
	p.logger.Info("Config: raw %s | cleaned %s | reference year %d | workers %d | definitions %d | corrections %d",
		opts.RawDataset, opts.CleanedDataset, opts.ReferenceYear, p.workers,
		len(opts.Catalog.Definitions), len(opts.Catalog.Corrections))

	if err := ValidateCatalog(*opts.Catalog); err != nil {
		return report, fmt.Errorf("pipeline: invalid catalog: %w", err)
	}

	raw, err := p.store.Load(ctx, opts.RawDataset)
	if err != nil {
		return report, fmt.Errorf("pipeline: %s: load raw: %w", models.StageLoad, err)
	}

	cleaned, stats, err := p.cleaner.Clean(raw, opts.ReferenceYear, opts.RequiredFields)
	report.Clean = stats
	if err != nil {
		return report, fmt.Errorf("pipeline: %s: %w", models.StageClean, err)
	}
	p.metrics.RecordClean(stats)

	if err := p.store.Save(ctx, opts.CleanedDataset, cleaned, storage.Overwrite); err != nil {
		return report, fmt.Errorf("pipeline: %s: save cleaned: %w", models.StageClean, err)
	}
	p.logger.Info("Cleaned dataset saved as %s (%d rows)", opts.CleanedDataset, cleaned.Len())

	failed := p.aggregate(ctx, opts.Catalog.Definitions, cleaned, report)

	outcomes, failures := p.corrector.ApplyAll(ctx, opts.Catalog.Corrections, p.store, failed)
	report.Corrections = outcomes
	report.Failures = append(report.Failures, failures...)
	for _, o := range outcomes {
		p.metrics.AddCorrectionRows(o.Rule.Target, o.RowsAffected)
	}

	if opts.WorkbookPath != "" && len(report.DatasetsWritten) > 0 {
		if err := storage.ExportWorkbook(ctx, p.store, report.DatasetsWritten, opts.WorkbookPath); err != nil {
			p.logger.Error("Workbook export failed: %v", err)
			report.Failures = append(report.Failures, models.Failure{Stage: models.StageExport, Target: opts.WorkbookPath, Err: err})
		} else {
			report.WorkbookPath = opts.WorkbookPath
			p.logger.Info("Workbook written to %s", opts.WorkbookPath)
		}
	}

	p.logger.Info("=== Run %s finished: %d datasets written, %d failures ===",
		report.RunID, len(report.DatasetsWritten), len(report.Failures))
	return report, nil
}

// aggregate runs every definition on the worker pool and saves each result
// under the definition's name. It returns the failed definitions keyed by
// name.
func (p *Pipeline) aggregate(ctx context.Context, defs []models.Definition, cleaned *models.Table, report *models.RunReport) map[string]error {
	errs := make([]error, len(defs))
	pool := utils.NewWorkerPool(p.workers)

	for i, def := range defs {
		ok := pool.Submit(ctx, func() {
			start := p.now()
			errs[i] = p.runDefinition(ctx, def, cleaned)
			p.metrics.ObserveAggregation(def.Name, p.now().Sub(start))
		})
		if !ok {
			errs[i] = &models.AggregationError{Definition: def.Name, Err: ctx.Err()}
		}
	}
	pool.Wait()

	failed := make(map[string]error)
	for i, def := range defs {
		if err := errs[i]; err != nil {
			p.logger.Error("[aggregator] %v", err)
			failed[def.Name] = err
			report.Failures = append(report.Failures, models.Failure{Stage: models.StageAggregate, Target: def.Name, Err: err})
			continue
		}
		report.DatasetsWritten = append(report.DatasetsWritten, def.Name)
		p.metrics.IncDatasetsWritten()
	}
	return failed
}

func (p *Pipeline) runDefinition(ctx context.Context, def models.Definition, cleaned *models.Table) error {
	out, err := p.aggregator.Run(ctx, def, cleaned)
	if err != nil {
		return err
	}
	if err := p.store.Save(ctx, def.Name, out, storage.Overwrite); err != nil {
		return &models.AggregationError{Definition: def.Name, Err: fmt.Errorf("save: %w", err)}
	}
	p.logger.Info("Summary %s written (%d rows)", def.Name, out.Len())
	return nil
}
