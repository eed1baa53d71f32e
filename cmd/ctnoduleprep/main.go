package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"ctnoduleprep/internal/logger"
	"ctnoduleprep/pkg/annotations"
	"ctnoduleprep/pkg/config"
	"ctnoduleprep/pkg/manifest"
	"ctnoduleprep/pkg/mask"
	"ctnoduleprep/pkg/pipeline"
)

// configEnv names the default config file when --config is not given
const configEnv = "CTNODULEPREP_CONFIG"

func main() {
	// a missing .env is fine
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "ctnoduleprep",
		Short:         "Convert CT scans and nodule annotations into training arrays",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd(), newInitConfigCmd())
	return root
}

func defaultConfigPath() string {
	if p := os.Getenv(configEnv); p != "" {
		return p
	}
	return "ctnoduleprep.yaml"
}

func newInitConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init-config [path]",
		Short: "Write a default configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := defaultConfigPath()
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.CreateDefaultConfigFile(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Default configuration written to %s\n", path)
			return nil
		},
	}
}

type runFlags struct {
	configPath   string
	dataDir      string
	annotations  string
	outputDir    string
	workers      int
	lowHU        float64
	highHU       float64
	radiusPolicy string
	previewDir   string
	manifestPath string
	logLevel     string
}

func newRunCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Normalize every scan and rasterize its nodule mask",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(f.configPath)
			if err != nil {
				return err
			}
			applyFlags(cmd, &f, cfg)
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return run(cmd.Context(), cfg)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.configPath, "config", defaultConfigPath(), "YAML configuration file (env "+configEnv+")")
	fl.StringVar(&f.dataDir, "data", "", "directory containing subset*/ folders of .mhd scans")
	fl.StringVar(&f.annotations, "annotations", "", "annotation CSV (seriesuid, coordX, coordY, coordZ, diameter_mm)")
	fl.StringVar(&f.outputDir, "output", "", "output directory for <uid>_image.npy and <uid>_mask.npy")
	fl.IntVar(&f.workers, "workers", 0, "number of scans processed concurrently")
	fl.Float64Var(&f.lowHU, "low-hu", 0, "lower bound of the HU window")
	fl.Float64Var(&f.highHU, "high-hu", 0, "upper bound of the HU window")
	fl.StringVar(&f.radiusPolicy, "radius-policy", "", "nodule radius model: depth-spacing or ellipsoid")
	fl.StringVar(&f.previewDir, "preview", "", "write JPEG mask overlays to this directory")
	fl.StringVar(&f.manifestPath, "manifest", "", "SQLite manifest of processed scans")
	fl.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error")
	return cmd
}

// applyFlags overrides config values with flags the user set explicitly
func applyFlags(cmd *cobra.Command, f *runFlags, cfg *config.Config) {
	changed := cmd.Flags().Changed
	if changed("data") {
		cfg.Paths.DataDir = f.dataDir
	}
	if changed("annotations") {
		cfg.Paths.AnnotationsFile = f.annotations
	}
	if changed("output") {
		cfg.Paths.OutputDir = f.outputDir
	}
	if changed("workers") {
		cfg.Processing.NumWorkers = f.workers
	}
	if changed("low-hu") {
		cfg.Processing.Window.LowHU = f.lowHU
	}
	if changed("high-hu") {
		cfg.Processing.Window.HighHU = f.highHU
	}
	if changed("radius-policy") {
		cfg.Processing.RadiusPolicy = f.radiusPolicy
	}
	if changed("preview") {
		cfg.Output.PreviewDir = f.previewDir
	}
	if changed("manifest") {
		cfg.Output.ManifestPath = f.manifestPath
	}
	if changed("log-level") {
		cfg.Output.LogLevel = f.logLevel
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	log := logger.NewConsoleLogger(logger.ParseLevel(cfg.Output.LogLevel))

	table, err := annotations.Load(cfg.Paths.AnnotationsFile)
	if err != nil {
		return err
	}
	log.Info("main", "loaded annotations", map[string]interface{}{
		"rows":   table.Len(),
		"series": len(table.SeriesUIDs()),
	})

	policy, err := mask.PolicyByName(cfg.Processing.RadiusPolicy)
	if err != nil {
		return err
	}

	opts := []pipeline.Option{
		pipeline.WithLogger(log),
		pipeline.WithRasterizer(mask.NewRasterizer(mask.WithRadiusPolicy(policy), mask.WithLogger(log))),
	}
	if cfg.Output.ManifestPath != "" {
		store, err := manifest.Open(ctx, cfg.Output.ManifestPath)
		if err != nil {
			return err
		}
		defer store.Close()
		opts = append(opts, pipeline.WithManifest(store))
	}

	params := &pipeline.Params{
		DataDir:       cfg.Paths.DataDir,
		SubsetPattern: cfg.Paths.SubsetPattern,
		OutputDir:     cfg.Paths.OutputDir,
		NumWorkers:    cfg.Processing.NumWorkers,
		Window:        cfg.Processing.Window,
		PreviewDir:    cfg.Output.PreviewDir,
	}
	processor := pipeline.NewProcessor(params, table, opts...)

	summary, err := processor.Process(ctx)
	if err != nil {
		return fmt.Errorf("preprocessing failed: %w", err)
	}

	log.Info("main", "preprocessing completed", map[string]interface{}{
		"run_id":    summary.RunID,
		"processed": summary.Processed,
		"failed":    summary.Failed,
		"nodules":   summary.Nodules,
		"elapsed":   summary.Elapsed.String(),
		"output":    cfg.Paths.OutputDir,
	})
	if summary.Failed > 0 {
		return fmt.Errorf("%d of %d scans failed", summary.Failed, summary.Processed+summary.Failed)
	}
	return nil
}
