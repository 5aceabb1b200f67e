package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/msv-stihl/limpeza/internal/collector"
	"github.com/msv-stihl/limpeza/internal/config"
	"github.com/msv-stihl/limpeza/internal/pipeline"
	"github.com/msv-stihl/limpeza/internal/publish"
	"github.com/msv-stihl/limpeza/internal/store"
)

var (
	// Global flags
	verbose    bool
	configPath string
	workspace  string
	noPublish  bool

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "limpeza",
	Short: "Coletor de checklists de limpeza (shift reconciliation engine)",
	Long: `limpeza pulls the cleaning-checklist exports from the maintenance portal,
persists them locally and reconciles each shift against the recurring
cronograma schedule, producing the faltando.json report the dashboard
frontend consumes.

Run without arguments to execute the full ingestion pipeline.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Secrets come from the environment; a local .env is a convenience
		// for dev machines and is optional.
		_ = godotenv.Load()

		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: runPipeline,
}

// runCmd executes the full pipeline explicitly
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full ingestion pipeline (collect, persist, reconcile, publish)",
	RunE:  runPipeline,
}

// collectCmd acquires and persists without reconciling
var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Acquire a fresh export and persist it, without reconciling",
	RunE:  runCollect,
}

// reconcileCmd recomputes the report from what is already stored
var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Recompute the missing report from the stored records",
	Long: `Recomputes faltando.json for the current date from the records already in
the local database and the cronograma schedule. No portal access happens.`,
	RunE: runReconcile,
}

// publishCmd pushes the current artifacts
var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Commit and push the report and frontend files to the publication repo",
	RunE:  runPublish,
}

// statusCmd summarizes local state
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show record count and publication repo state",
	RunE:  runStatus,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "limpeza.yaml", "configuration file")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "workspace directory (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&noPublish, "no-publish", false, "skip the git publication step")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(collectCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(publishCmd)
	rootCmd.AddCommand(statusCmd)
}

// loadConfig loads and validates the configuration with flag overrides
// applied.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if workspace != "" {
		cfg.Paths.Workspace = workspace
	}
	if noPublish {
		cfg.Publish.Enabled = false
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newCollector picks the acquisition strategy from the configuration.
func newCollector(cfg *config.Config) (collector.Collector, error) {
	switch cfg.Collector.Strategy {
	case "browser":
		return collector.NewBrowser(cfg.Portal, cfg.Collector, cfg.StagingDir(), logger), nil
	case "http", "":
		return collector.NewHTTP(cfg.Portal, cfg.Collector, cfg.StagingDir(), logger)
	default:
		return nil, fmt.Errorf("unknown collector strategy %q", cfg.Collector.Strategy)
	}
}

// buildPipeline assembles the full pipeline. The caller owns the returned
// store and must close it.
func buildPipeline(cfg *config.Config) (*pipeline.Pipeline, *store.RecordStore, error) {
	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return nil, nil, err
	}
	col, err := newCollector(cfg)
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	var pub pipeline.Publisher
	if cfg.Publish.Enabled {
		pub = publish.NewManager(cfg.Publish, cfg.Paths.Workspace, logger)
	}
	p, err := pipeline.New(cfg, col, st, pub, pipeline.RealClock(), logger)
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	return p, st, nil
}

// signalContext returns a context cancelled on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runPipeline(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	p, st, err := buildPipeline(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := signalContext()
	defer cancel()
	return p.Run(ctx)
}

func runCollect(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	p, st, err := buildPipeline(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := signalContext()
	defer cancel()
	return p.CollectOnly(ctx)
}

func runReconcile(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return err
	}
	defer st.Close()

	// No collector needed; the pipeline only reconciles here.
	p, err := pipeline.New(cfg, nil, st, nil, pipeline.RealClock(), logger)
	if err != nil {
		return err
	}
	report, err := p.ReconcileNow()
	if err != nil {
		return err
	}
	if err := report.WriteFile(cfg.ReportFile()); err != nil {
		return err
	}
	logger.Info("missing report written", zap.String("path", cfg.ReportFile()))
	return nil
}

func runPublish(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.Publish.Enabled {
		return fmt.Errorf("publication is disabled")
	}
	mgr := publish.NewManager(cfg.Publish, cfg.Paths.Workspace, logger)
	return mgr.Sync("Atualiza artefatos de publicação")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	for _, f := range []struct{ label, path string }{
		{"schedule", cfg.ScheduleFile()},
		{"report", cfg.ReportFile()},
	} {
		info, err := os.Stat(f.path)
		if err != nil {
			fmt.Printf("%s: %s (missing)\n", f.label, f.path)
			continue
		}
		fmt.Printf("%s: %s (%d bytes, %s)\n",
			f.label, f.path, info.Size(), info.ModTime().Format("2006-01-02 15:04"))
	}

	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return err
	}
	defer st.Close()

	count, err := st.Count()
	if err != nil {
		return err
	}
	fmt.Printf("database: %s (%d records)\n", cfg.DatabasePath(), count)

	if cfg.Publish.Enabled {
		mgr := publish.NewManager(cfg.Publish, cfg.Paths.Workspace, logger)
		summary, err := mgr.Status()
		if err != nil {
			fmt.Printf("publication repo: %v\n", err)
		} else {
			fmt.Printf("publication repo: %s\n", summary)
		}
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
