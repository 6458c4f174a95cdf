// Package main provides the carsales CLI: the batch pipeline plus a few
// commands for inspecting what it produced.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"car-sales-pipeline/config"
	"car-sales-pipeline/metrics"
	"car-sales-pipeline/models"
	"car-sales-pipeline/services"
	"car-sales-pipeline/storage"
	"car-sales-pipeline/utils"
)

// Exit codes
const (
	ExitSuccess  = 0
	ExitFatal    = 1
	ExitFailures = 2
)

var (
	cfg    *config.Config
	logger *utils.Logger

	// Global flags
	storeDriver string
	verbose     bool

	// Run command flags
	rawDataset     string
	cleanedDataset string
	referenceYear  int
	requiredFields []string
	catalogPath    string

	// Query command flags
	queryLimit int
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(ExitFatal)
	}
}

var rootCmd = &cobra.Command{
	Use:   "carsales",
	Short: "Car sales batch pipeline",
	Long: `carsales cleans a raw vehicle-sales dataset and materializes a catalog of
summary datasets from it, then applies idempotent corrections to them.

Configuration comes from .env and the environment (see config.Load);
flags override it.

Examples:
  # Run the pipeline with the default catalog
  carsales run

  # Run against SQLite with a custom catalog
  carsales run --store sqlite --catalog catalog.yaml

  # Show a summary dataset
  carsales query total_sales_by_state --limit 20`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		cfg = config.Load()
		logger = utils.NewLogger()

		level, err := utils.ParseLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		if verbose {
			level = utils.LevelDebug
		}
		logger.SetLevel(level)

		if cmd.Flags().Changed("store") {
			cfg.StoreDriver = storeDriver
		}
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the pipeline once",
	Long: `Load the raw dataset, clean it, write every summary in the catalog and
apply the catalog's corrections.

Exit codes:
  0 - Run completed without failures
  1 - Run aborted (missing or malformed raw data, invalid catalog, store error)
  2 - Run completed but some summaries or corrections failed`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		applyRunFlags(cmd)
		os.Exit(executeRun(cmd.Context(), cfg, logger, cmd.OutOrStdout()))
	},
}

var queryCmd = &cobra.Command{
	Use:   "query <dataset>",
	Short: "Print a stored dataset as a table",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer store.Close()

		t, err := store.Load(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), services.RenderTable(t, queryLimit))
		if queryLimit > 0 && t.Len() > queryLimit {
			fmt.Fprintf(cmd.OutOrStdout(), "(%d of %d rows)\n", queryLimit, t.Len())
		}
		return nil
	},
}

var datasetsCmd = &cobra.Command{
	Use:   "datasets",
	Short: "List stored datasets",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		store, err := openStore(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer store.Close()

		names, err := store.List(cmd.Context())
		if err != nil {
			return err
		}
		for _, name := range names {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
		return nil
	},
}

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Print the effective catalog as YAML",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if cmd.Flags().Changed("catalog") {
			cfg.CatalogPath = catalogPath
		}
		c, err := loadCatalog(cfg)
		if err != nil {
			return err
		}
		data, err := config.MarshalCatalog(*c)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&storeDriver, "store", config.DriverCSV, "Store driver: csv, sqlite or postgres")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	runCmd.Flags().StringVar(&rawDataset, "raw", "", "Raw dataset name")
	runCmd.Flags().StringVar(&cleanedDataset, "cleaned", "", "Cleaned dataset name")
	runCmd.Flags().IntVar(&referenceYear, "reference-year", 0, "Year car_age is computed against")
	runCmd.Flags().StringSliceVar(&requiredFields, "required", nil, "Fields a cleaned row must have")
	runCmd.Flags().StringVar(&catalogPath, "catalog", "", "YAML catalog file (default: built-in catalog)")
	catalogCmd.Flags().StringVar(&catalogPath, "catalog", "", "YAML catalog file (default: built-in catalog)")

	queryCmd.Flags().IntVar(&queryLimit, "limit", 50, "Maximum rows to print (0 for all)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(datasetsCmd)
	rootCmd.AddCommand(catalogCmd)
}

func applyRunFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	if f.Changed("raw") {
		cfg.RawDataset = rawDataset
	}
	if f.Changed("cleaned") {
		cfg.CleanedDataset = cleanedDataset
	}
	if f.Changed("reference-year") {
		cfg.ReferenceYear = referenceYear
	}
	if f.Changed("required") {
		cfg.RequiredFields = requiredFields
	}
	if f.Changed("catalog") {
		cfg.CatalogPath = catalogPath
	}
}

// executeRun performs one pipeline run and returns the process exit code.
func executeRun(ctx context.Context, cfg *config.Config, logger *utils.Logger, out io.Writer) int {
	catalog, err := loadCatalog(cfg)
	if err != nil {
		logger.Error("%v", err)
		return ExitFatal
	}

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to open %s store: %v", cfg.StoreDriver, err)
		return ExitFatal
	}
	defer store.Close()

	m := metrics.NewManager(metrics.WithConstLabels(map[string]string{"store": cfg.StoreDriver}))
	pipeline := services.NewPipeline(store, logger,
		services.WithWorkers(cfg.MaxConcurrency),
		services.WithMetrics(m),
	)

	report, err := pipeline.Run(ctx, services.Options{
		RawDataset:     cfg.RawDataset,
		CleanedDataset: cfg.CleanedDataset,
		ReferenceYear:  cfg.ReferenceYear,
		RequiredFields: cfg.RequiredFields,
		Catalog:        catalog,
		WorkbookPath:   cfg.ReportXLSXPath,
	})

	if cfg.MetricsTextfile != "" {
		if werr := m.WriteTextfile(cfg.MetricsTextfile); werr != nil {
			logger.Warn("%v", werr)
		}
	}

	if err != nil {
		logger.Error("Run aborted: %v", err)
		if errors.Is(err, models.ErrNotFound) {
			logger.Error("Make sure the raw dataset %q exists in the %s store", cfg.RawDataset, cfg.StoreDriver)
		}
		return ExitFatal
	}

	services.PrintReport(out, report)
	if !report.OK() {
		return ExitFailures
	}
	return ExitSuccess
}

func loadCatalog(cfg *config.Config) (*models.Catalog, error) {
	if cfg.CatalogPath == "" {
		c := services.DefaultCatalog()
		return &c, nil
	}
	c, err := config.LoadCatalog(cfg.CatalogPath)
	if err != nil {
		return nil, err
	}
	if err := services.ValidateCatalog(*c); err != nil {
		return nil, fmt.Errorf("catalog %s: %w", cfg.CatalogPath, err)
	}
	return c, nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *utils.Logger) (storage.Store, error) {
	retry := &utils.RetryConfig{
		MaxAttempts: cfg.MaxRetries,
		BaseDelay:   cfg.RetryDelay(),
		Logger:      logger,
	}
	switch cfg.StoreDriver {
	case config.DriverCSV:
		return storage.NewCSVStore(cfg.DataDir)
	case config.DriverSQLite:
		return storage.NewSQLiteStore(ctx, cfg.SQLitePath, retry)
	case config.DriverPostgres:
		return storage.NewPostgresStore(ctx, cfg.DSN(), retry)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}
