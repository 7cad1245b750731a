package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"kvi2/internal/models"
	"kvi2/pkg/config"
	"kvi2/pkg/export"
	"kvi2/pkg/pipeline"
	"kvi2/pkg/server"
	"kvi2/pkg/source"
	"kvi2/pkg/visualization"
)

// options holds the parsed command line
type options struct {
	configPath string
	initConfig bool
	asset      string
	batchDir   string
	export     bool
	serve      bool
	numCores   int
	saveLayers bool
	verbose    bool
}

func main() {
	// Parse command line arguments
	var opts options
	flag.StringVar(&opts.configPath, "config", "config.yaml", "Path to the YAML configuration file")
	flag.BoolVar(&opts.initConfig, "init-config", false, "Write the default configuration to -config and exit")
	flag.StringVar(&opts.asset, "image", "", "Source image (overrides image.asset)")
	flag.StringVar(&opts.batchDir, "batch", "", "Process every image found in this directory")
	flag.BoolVar(&opts.export, "export", false, "Export the assembled output to the configured sinks")
	flag.BoolVar(&opts.serve, "serve", false, "Serve the display layers over HTTP after processing")
	flag.IntVar(&opts.numCores, "cores", 0, "Number of CPU cores for band algebra (default: from config)")
	flag.BoolVar(&opts.saveLayers, "save-layers", false, "Save a PNG per display layer")
	flag.BoolVar(&opts.verbose, "verbose", false, "Enable debug logging")
	flag.Parse()

	_ = godotenv.Load() // ignore missing file

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).With().Timestamp().Logger()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, opts, logger)
	cancel()

	switch {
	case errors.Is(err, errUsage):
		flag.Usage()
		os.Exit(2)
	case errors.Is(err, models.ErrNoValidData):
		logger.Fatal().Err(err).Msg("no vegetation found; try fixed bounds (rescale.usePercentiles: false) or a lower mask.ndviThreshold")
	case err != nil:
		logger.Fatal().Err(err).Msg("kvi2 failed")
	}
}

var errUsage = errors.New("no image given")

// run executes one invocation. Resources opened here are released before it
// returns, whatever the outcome.
func run(ctx context.Context, opts options, logger zerolog.Logger) error {
	if opts.initConfig {
		if err := config.CreateDefaultConfigFile(opts.configPath); err != nil {
			return fmt.Errorf("failed to write default config: %w", err)
		}
		fmt.Printf("Default configuration written to %s\n", opts.configPath)
		return nil
	}

	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		return err
	}
	cfg.ApplyEnv()
	if opts.asset != "" {
		cfg.Image.Asset = opts.asset
	}
	if opts.numCores > 0 {
		cfg.Processing.NumCores = opts.numCores
	}
	if opts.saveLayers {
		cfg.Output.SaveLayers = true
	}

	level := zerolog.InfoLevel
	if opts.verbose || cfg.Output.Verbose {
		level = zerolog.DebugLevel
	}
	logger = logger.Level(level)

	loader, err := pipeline.LoaderFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("invalid loader: %w", err)
	}

	var exporter *export.Exporter
	if opts.export {
		var closeExporter func()
		exporter, closeExporter, err = pipeline.ExporterFromConfig(ctx, cfg)
		if err != nil {
			return fmt.Errorf("export setup failed: %w", err)
		}
		defer closeExporter()
	}

	fmt.Println("================================")
	fmt.Println("RGB + NDVI + KVI2 (0–1) PRODUCT")
	fmt.Println("================================")

	if opts.batchDir != "" {
		return runBatch(ctx, cfg, opts.batchDir, loader, exporter, opts.export, logger)
	}

	if cfg.Image.Asset == "" {
		return errUsage
	}

	params, err := pipeline.ParamsFromConfig(cfg, cfg.Image.Asset, opts.export)
	if err != nil {
		return err
	}

	res, err := pipeline.New(params, loader, pipeline.WithExporter(exporter), pipeline.WithLogger(logger)).Process(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("\nOutput bands: %v\n\n", res.Output.BandNames())
	res.Summary.Print(os.Stdout)
	for _, f := range res.LayerFiles {
		fmt.Printf("Layer saved to: %s\n", f)
	}
	for _, a := range res.Artifacts {
		fmt.Printf("Exported (%s): %s\n", a.Sink, a.Location)
	}

	if !opts.serve {
		return nil
	}
	srv := server.New(cfg.Server.Addr, &server.Snapshot{
		Viewer: visualization.NewViewer(res.Layers),
		Bounds: res.Bounds,
		Output: res.Output,
	})
	logger.Info().Str("addr", cfg.Server.Addr).Msg("preview server listening")
	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// runBatch processes every entry of dir as a separate asset
func runBatch(ctx context.Context, cfg *config.Config, dir string, loader source.Loader, exporter *export.Exporter, withExport bool, logger zerolog.Logger) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var assets []string
	for _, e := range entries {
		// the tiff loader reads directories, the gdal loader files
		if e.IsDir() == (cfg.Image.Loader != "gdal") {
			assets = append(assets, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(assets)
	if len(assets) == 0 {
		return fmt.Errorf("no images found in %s", dir)
	}

	factory := func(asset string) (*pipeline.Pipeline, error) {
		params, err := pipeline.ParamsFromConfig(cfg, asset, withExport)
		if err != nil {
			return nil, err
		}
		if params.Export != nil {
			params.Export.Description = pipeline.BatchDescription(cfg.Export.Description, asset)
			if params.Export.AssetID != "" {
				params.Export.AssetID = pipeline.BatchDescription(params.Export.AssetID, asset)
			}
		}
		params.LayersDir = filepath.Join(cfg.Output.LayersDir, filepath.Base(asset))
		return pipeline.New(params, loader, pipeline.WithExporter(exporter), pipeline.WithLogger(logger.Level(zerolog.WarnLevel))), nil
	}

	items := pipeline.RunBatch(ctx, assets, factory, pipeline.BatchOptions{
		Workers:  cfg.Processing.BatchWorkers,
		Progress: os.Stderr,
	})

	failed := 0
	fmt.Println()
	for _, item := range items {
		if item.Err != nil {
			failed++
			fmt.Printf("%-40s FAILED: %v\n", item.Asset, item.Err)
			continue
		}
		b := item.Result.Bounds
		fmt.Printf("%-40s bounds [%.4f, %.4f] vegetation %.1f%%\n", item.Asset, b.Low, b.High, item.Result.Summary.VegetationFraction*100)
	}
	fmt.Printf("\n%d of %d images processed\n", len(items)-failed, len(items))
	if failed == len(items) {
		return fmt.Errorf("all %d images failed", failed)
	}
	return nil
}
