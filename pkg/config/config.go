// Package config provides configuration loading and management for kvi2.
// It handles loading configuration from YAML files and provides default values
// matching the reference RGB + NDVI + KVI2 product.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"kvi2/internal/models"
)

// Palettes used by the default display layers
var (
	NDVIPalette = []string{"#8b0000", "#ffd37f", "#a6d96a", "#1a9850"}
	KVIPalette  = []string{"#0000da", "#2c7fb8", "#7fcdbb", "#ffffbf", "#f46d43", "#a50026"}
)

// Expression declares an extra index computed from source bands,
// e.g. {name: NDRE, expression: "(b8 - b5) / (b8 + b5)"}
type Expression struct {
	Name       string `yaml:"name"`
	Expression string `yaml:"expression"`
}

// Config represents the application configuration loaded from YAML
type Config struct {
	// Source image parameters
	Image struct {
		// Asset identifies the source image: a directory of per-band TIFFs
		// or a multi-band GeoTIFF, depending on Loader
		Asset string `yaml:"asset"`

		// Loader selects the source implementation ("tiff" or "gdal")
		Loader string `yaml:"loader"`

		// Resolution is the native pixel size in metres assumed for TIFF
		// bands without a world file. It is independent of reduce.scale.
		Resolution float64 `yaml:"resolution"`
	} `yaml:"image"`

	// Band names inside the source image
	Bands struct {
		NIR         string `yaml:"nir"`
		Red         string `yaml:"red"`
		SWIR        string `yaml:"swir"`
		RedEdgeHigh string `yaml:"redEdgeHigh"`
		RedEdgeLow  string `yaml:"redEdgeLow"`
	} `yaml:"bands"`

	// Vegetation mask parameters
	Mask struct {
		// NDVIThreshold is the NDVI value a pixel must exceed to count as vegetation
		NDVIThreshold float64 `yaml:"ndviThreshold"`
	} `yaml:"mask"`

	// Rescale parameters for KVI2 -> [0,1]
	Rescale struct {
		// UsePercentiles selects percentile bounds; false uses FixedLo/FixedHi
		UsePercentiles bool    `yaml:"usePercentiles"`
		FixedLo        float64 `yaml:"fixedLo"`
		FixedHi        float64 `yaml:"fixedHi"`
		LowPercentile  float64 `yaml:"lowPercentile"`
		HighPercentile float64 `yaml:"highPercentile"`

		// Epsilon is the smallest denominator the rescaler will divide by
		Epsilon float64 `yaml:"epsilon"`
	} `yaml:"rescale"`

	// Region reduction parameters
	Reduce struct {
		// Scale is the sample resolution in metres
		Scale float64 `yaml:"scale"`

		// BestEffort coarsens the sampling instead of failing when MaxPixels is exceeded
		BestEffort bool `yaml:"bestEffort"`

		MaxPixels int64 `yaml:"maxPixels"`

		// RegionFile optionally restricts statistics to a GeoJSON polygon
		RegionFile string `yaml:"regionFile"`
	} `yaml:"reduce"`

	// Display parameters per layer
	Visualization struct {
		RGB  models.VisParams `yaml:"rgb"`
		NDVI models.VisParams `yaml:"ndvi"`
		KVI  models.VisParams `yaml:"kvi"`
	} `yaml:"visualization"`

	// Expressions lists additional indices appended to the output
	Expressions []Expression `yaml:"expressions"`

	// Processing parameters
	Processing struct {
		// NumCores specifies how many CPU cores to use for band algebra
		NumCores int `yaml:"numCores"`

		// BatchWorkers bounds concurrent pipelines in batch mode
		BatchWorkers int `yaml:"batchWorkers"`
	} `yaml:"processing"`

	// Export parameters
	Export struct {
		Dir         string   `yaml:"dir"`
		Description string   `yaml:"description"`
		AssetID     string   `yaml:"assetId"`
		Formats     []string `yaml:"formats"`
		MaxPixels   float64  `yaml:"maxPixels"`
	} `yaml:"export"`

	// Catalog parameters for the managed asset sink
	Catalog struct {
		DatabaseURL string `yaml:"databaseURL"`
	} `yaml:"catalog"`

	// Preview server parameters
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`

	// Output parameters
	Output struct {
		// SaveLayers writes a PNG per display layer
		SaveLayers bool   `yaml:"saveLayers"`
		LayersDir  string `yaml:"layersDir"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Image.Loader = "tiff"

	// Sentinel-2 style band naming
	cfg.Bands.NIR = "b8"
	cfg.Bands.Red = "b4"
	cfg.Bands.SWIR = "b11"
	cfg.Bands.RedEdgeHigh = "b6"
	cfg.Bands.RedEdgeLow = "b5"

	cfg.Mask.NDVIThreshold = 0.2

	cfg.Rescale.UsePercentiles = true
	cfg.Rescale.FixedLo = -0.2
	cfg.Rescale.FixedHi = 0.6
	cfg.Rescale.LowPercentile = 2
	cfg.Rescale.HighPercentile = 98
	cfg.Rescale.Epsilon = 1e-6

	cfg.Image.Resolution = 10

	cfg.Reduce.Scale = 10
	cfg.Reduce.BestEffort = true
	cfg.Reduce.MaxPixels = 10_000_000

	cfg.Visualization.RGB = models.VisParams{Bands: []string{"b3", "b2", "b1"}, Min: 500, Max: 3000, Gamma: 1.1}
	cfg.Visualization.NDVI = models.VisParams{Min: 0, Max: 0.9, Palette: append([]string(nil), NDVIPalette...)}
	cfg.Visualization.KVI = models.VisParams{Min: 0, Max: 0.6, Palette: append([]string(nil), KVIPalette...)}

	cfg.Processing.NumCores = runtime.NumCPU()
	cfg.Processing.BatchWorkers = 2

	cfg.Export.Dir = "exports"
	cfg.Export.Description = "RGB_NDVI_KVI2_out"
	cfg.Export.Formats = []string{"geotiff"}
	cfg.Export.MaxPixels = 1e13

	cfg.Server.Addr = ":8080"

	cfg.Output.LayersDir = "layers"
	cfg.Output.Verbose = false

	return cfg
}

// Validate checks the settings that would otherwise fail deep inside the pipeline.
// Fixed bounds are deliberately not checked for ordering.
func (c *Config) Validate() error {
	var errs []error
	for name, v := range map[string]string{
		"bands.nir": c.Bands.NIR, "bands.red": c.Bands.Red, "bands.swir": c.Bands.SWIR,
		"bands.redEdgeHigh": c.Bands.RedEdgeHigh, "bands.redEdgeLow": c.Bands.RedEdgeLow,
	} {
		if v == "" {
			errs = append(errs, fmt.Errorf("%s must be set", name))
		}
	}
	if c.Rescale.Epsilon <= 0 {
		errs = append(errs, fmt.Errorf("rescale.epsilon must be positive, got %g", c.Rescale.Epsilon))
	}
	if c.Rescale.UsePercentiles {
		lo, hi := c.Rescale.LowPercentile, c.Rescale.HighPercentile
		if lo < 0 || lo > 100 || hi < 0 || hi > 100 {
			errs = append(errs, fmt.Errorf("percentiles must lie in [0,100], got %g and %g", lo, hi))
		}
	}
	if c.Image.Resolution <= 0 {
		errs = append(errs, fmt.Errorf("image.resolution must be positive, got %g", c.Image.Resolution))
	}
	if c.Reduce.Scale < 0 {
		errs = append(errs, fmt.Errorf("reduce.scale must not be negative, got %g", c.Reduce.Scale))
	}
	if c.Reduce.MaxPixels <= 0 {
		errs = append(errs, fmt.Errorf("reduce.maxPixels must be positive, got %d", c.Reduce.MaxPixels))
	}
	if len(c.Visualization.RGB.Bands) != 3 {
		errs = append(errs, fmt.Errorf("visualization.rgb.bands needs 3 bands, got %d", len(c.Visualization.RGB.Bands)))
	}
	switch c.Image.Loader {
	case "tiff", "gdal":
	default:
		errs = append(errs, fmt.Errorf("image.loader must be tiff or gdal, got %q", c.Image.Loader))
	}
	for _, e := range c.Expressions {
		if e.Name == "" || e.Expression == "" {
			errs = append(errs, fmt.Errorf("expression entries need both name and expression"))
		}
	}
	return errors.Join(errs...)
}

// ApplyEnv overrides settings from the environment. DATABASE_URL sets the
// catalog connection and KVI2_ASSET the source image.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Catalog.DatabaseURL = v
	}
	if v := os.Getenv("KVI2_ASSET"); v != "" {
		c.Image.Asset = v
	}
}

// LoadConfig loads configuration from a YAML file on top of DefaultConfig,
// so keys missing from the file keep their defaults.
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// A missing file is not an error: run with the defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", configPath, err)
	}

	// Unmarshal over the defaults
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file %s: %w", configPath, err)
	}

	return cfg, nil
}

// SaveConfig validates cfg and writes it as YAML, creating parent directories
func SaveConfig(cfg *Config, configPath string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("refusing to save invalid config: %w", err)
	}

	// Create the directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile writes DefaultConfig to configPath. An existing
// file is left untouched.
func CreateDefaultConfigFile(configPath string) error {
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config file %s already exists", configPath)
	}
	return SaveConfig(DefaultConfig(), configPath)
}
