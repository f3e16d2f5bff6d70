package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/TobiSchelling/rtestimate/internal/aggregate"
	"github.com/TobiSchelling/rtestimate/internal/config"
	"github.com/TobiSchelling/rtestimate/internal/database"
	"github.com/TobiSchelling/rtestimate/internal/fetch"
	"github.com/TobiSchelling/rtestimate/internal/inference"
	"github.com/TobiSchelling/rtestimate/internal/logging"
	"github.com/TobiSchelling/rtestimate/internal/pipeline"
	"github.com/TobiSchelling/rtestimate/internal/report"
	"github.com/TobiSchelling/rtestimate/internal/server"
)

var version = "dev"

// summaryEntries is how many posterior rows the run command prints.
const summaryEntries = 5

var (
	verbose    bool
	configPath string
	cfg        *config.Config
	logger     = zap.NewNop()
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "rtestimate",
	Short:        "Estimate the effective reproduction number from case counts",
	Long:         "rtestimate downloads confirmed-case records, builds the daily SIR series of one region and samples the posterior of Rt with CmdStan.",
	Version:      version,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := "info"

		// Skip config loading for init and version
		if cmd.Name() != "init" && cmd.Name() != "version" {
			path, err := config.ResolveConfigPath(configPath)
			if err != nil {
				return err
			}
			cfg, err = config.Load(path)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			level = cfg.Logging.Level
		}

		l, err := logging.New(level, verbose)
		if err != nil {
			return err
		}
		logger = l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEstimation(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	addRunFlags(rootCmd)

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(prepareCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(serveCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("rtestimate", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/rtestimate/",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := filepath.Join(config.ConfigDir(), "config.yaml")
		if _, err := os.Stat(target); err == nil {
			fmt.Printf("Config already exists: %s\n", target)
			return nil
		}

		if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}

		if err := os.WriteFile(target, config.DefaultConfigYAML, 0o644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Printf("Created config: %s\n", target)
		fmt.Println("Edit it to set the data source, region, population and Stan model.")
		return nil
	},
}

// --- run command ---

var (
	chains int
	noSave bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full pipeline: fetch -> aggregate -> features -> build -> sample -> save",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEstimation(cmd.Context())
	},
}

func init() {
	addRunFlags(runCmd)
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().IntVar(&chains, "chains", 0, "Override the number of sampler chains")
	cmd.Flags().BoolVar(&noSave, "no-save", false, "Do not store the run in the history database")
}

func runEstimation(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var store pipeline.Store
	if !noSave {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()
		store = db
	}

	pipe := newPipeline(store, true)
	result := pipe.Prepare(ctx)
	if err := result.Err(); err != nil {
		return err
	}
	fmt.Printf("Prepared data with %d days of observations.\n", result.Input.SampleCount)

	result = pipe.Finish(ctx, result)
	if err := result.Err(); err != nil {
		return err
	}

	fmt.Printf("\nPosterior summary for Rt (first %d entries):\n", summaryEntries)
	fmt.Print(report.Table(result.Estimates, summaryEntries))

	if result.RunID != "" {
		fmt.Printf("\nSaved run %s. Run 'rtestimate serve' to view the report.\n", result.RunID)
	}
	return nil
}

// --- prepare command ---

var prepareCmd = &cobra.Command{
	Use:   "prepare",
	Short: "Fetch and prepare the model input without sampling",
	RunE: func(cmd *cobra.Command, args []string) error {
		result := newPipeline(nil, false).Prepare(cmd.Context())

		for i, step := range result.Steps {
			fmt.Printf("\nStep %d/4: %s\n", i+1, step.Name)
			if step.Err != nil {
				fmt.Printf("  Error: %v\n", step.Err)
			} else {
				fmt.Printf("  %s\n", step.Summary)
			}
		}
		if err := result.Err(); err != nil {
			return err
		}

		fmt.Printf("\nPrepared data with %d days of observations.\n", result.Input.SampleCount)

		rows := result.Features
		if len(rows) > summaryEntries {
			rows = rows[len(rows)-summaryEntries:]
		}
		fmt.Println("\nLatest days:")
		fmt.Printf("  %-10s  %8s  %10s  %10s  %10s  %10s  %8s\n", "date", "new", "cumulative", "beta", "gamma", "R", "weekday")
		for _, r := range rows {
			fmt.Printf("  %-10s  %8d  %10d  %10.6f  %10.6f  %10.4f  %8d\n",
				r.Date.Format(aggregate.DateLayout), r.NewPositive, r.CumulativePositive,
				r.TransmissionRate, r.RecoveryRate, r.ReproductionNumber, r.WeekdayCode)
		}
		return nil
	},
}

// --- history command ---

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List stored runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		runs, err := db.ListRuns(historyLimit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("No runs stored yet. Create one with: rtestimate run")
			return nil
		}

		stats, err := db.GetStats()
		if err != nil {
			return fmt.Errorf("getting stats: %w", err)
		}
		fmt.Printf("%d runs across %d regions (%d estimates)\n\n", stats.Runs, stats.Regions, stats.Estimates)

		for _, r := range runs {
			created := ""
			if r.CreatedAt != nil {
				created = *r.CreatedAt
			}
			fmt.Printf("  %s  %s  %s  %s to %s (%d days)\n", r.ID, created, r.Region, r.FirstDate, r.LastDate, r.Days)
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of runs to show (0 for all)")
}

// --- serve command ---

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the local web server",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		port := cfg.Server.Port
		if cmd.Flags().Changed("port") {
			port = servePort
		}

		fmt.Printf("Starting server at http://localhost:%d\n", port)
		fmt.Println("Press Ctrl+C to stop")
		return server.Serve(cmd.Context(), db, port, logger)
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8000, "Port to run server on")
}

func newPipeline(store pipeline.Store, withSampler bool) *pipeline.Pipeline {
	cols := cfg.Source.Columns
	source := fetch.NewCSVSource(cfg.Source.URL, fetch.Columns{
		Region:    cols.Region,
		Date:      cols.Date,
		Positive:  cols.Positive,
		Recovered: cols.Recovered,
	}, cfg.Source.DateLayout, cfg.Source.Timeout, logger)

	var runner *inference.Runner
	if withSampler {
		settings := inference.Settings{
			Chains:  cfg.Sampler.Chains,
			Seed:    cfg.Sampler.Seed,
			Warmup:  cfg.Sampler.Warmup,
			Samples: cfg.Sampler.Samples,
			Thin:    cfg.Sampler.Thin,
		}
		if chains > 0 {
			settings.Chains = chains
		}
		sampler := inference.NewCmdStan(inference.ResolveHome(cfg.Sampler.CmdStanPath), cfg.Model.StanFile, logger)
		runner = inference.NewRunner(sampler, settings, cfg.Model.ParameterPrefix, logger)
	}

	return pipeline.New(source, runner, store, pipeline.Options{
		Region:          cfg.Source.Region,
		SourceName:      cfg.Source.URL,
		Population:      cfg.Model.Population,
		RecoveryLagDays: cfg.Model.RecoveryLagDays,
	}, logger)
}

func openDB() (*database.DB, error) {
	dataDir := cfg.GetDataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return database.Open(filepath.Join(dataDir, database.FileName), logger)
}
