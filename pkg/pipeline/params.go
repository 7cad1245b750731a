package pipeline

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"kvi2/pkg/algebra"
	"kvi2/pkg/bounds"
	"kvi2/pkg/config"
	"kvi2/pkg/export"
	"kvi2/pkg/region"
	"kvi2/pkg/source"
)

// ParamsFromConfig builds run parameters for asset from a configuration.
// Export is only set when withExport is true.
func ParamsFromConfig(cfg *config.Config, asset string, withExport bool) (*Params, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	reg := region.Full()
	if cfg.Reduce.RegionFile != "" {
		var err error
		if reg, err = region.FromGeoJSON(cfg.Reduce.RegionFile); err != nil {
			return nil, err
		}
	}

	p := &Params{
		Asset: asset,
		Bands: algebra.BandMapping{
			NIR:         cfg.Bands.NIR,
			Red:         cfg.Bands.Red,
			SWIR:        cfg.Bands.SWIR,
			RedEdgeHigh: cfg.Bands.RedEdgeHigh,
			RedEdgeLow:  cfg.Bands.RedEdgeLow,
		},
		NDVIThreshold: cfg.Mask.NDVIThreshold,
		Bounds: bounds.Options{
			UsePercentiles: cfg.Rescale.UsePercentiles,
			FixedLow:       cfg.Rescale.FixedLo,
			FixedHigh:      cfg.Rescale.FixedHi,
			LowPercentile:  cfg.Rescale.LowPercentile,
			HighPercentile: cfg.Rescale.HighPercentile,
			Region:         reg,
			Scale:          cfg.Reduce.Scale,
			BestEffort:     cfg.Reduce.BestEffort,
			MaxPixels:      cfg.Reduce.MaxPixels,
		},
		Epsilon:     cfg.Rescale.Epsilon,
		RGBBands:    append([]string(nil), cfg.Visualization.RGB.Bands...),
		RGBVis:      cfg.Visualization.RGB,
		NDVIVis:     cfg.Visualization.NDVI,
		KVIVis:      cfg.Visualization.KVI,
		Expressions: cfg.Expressions,
		NumCores:    cfg.Processing.NumCores,
		SaveLayers:  cfg.Output.SaveLayers,
		LayersDir:   cfg.Output.LayersDir,
	}

	if withExport {
		p.Export = exportRequest(cfg, reg)
	}
	return p, nil
}

// exportRequest leaves Scale at zero so exports keep the native resolution
// of the loaded image; reduce.scale only drives the percentile sampling.
func exportRequest(cfg *config.Config, reg *region.Region) *export.Request {
	return &export.Request{
		Description: cfg.Export.Description,
		AssetID:     cfg.Export.AssetID,
		Region:      reg,
		MaxPixels:   cfg.Export.MaxPixels,
	}
}

// LoaderFromConfig returns the source named by image.loader. TIFF bands
// without a world file get image.resolution as their pixel size.
func LoaderFromConfig(cfg *config.Config) (source.Loader, error) {
	return source.New(cfg.Image.Loader, cfg.Image.Resolution)
}

// ExporterFromConfig builds the sinks named in cfg.Export.Formats. The
// returned close function releases the catalog pool, if any.
func ExporterFromConfig(ctx context.Context, cfg *config.Config) (*export.Exporter, func(), error) {
	var sinks []export.Sink
	var pool *pgxpool.Pool
	closeFn := func() {
		if pool != nil {
			pool.Close()
		}
	}

	for _, format := range cfg.Export.Formats {
		switch format {
		case "geotiff":
			sinks = append(sinks, &export.GeoTIFFSink{Dir: cfg.Export.Dir})
		case "csv":
			sinks = append(sinks, &export.CSVSink{Dir: cfg.Export.Dir})
		case "catalog":
			if cfg.Catalog.DatabaseURL == "" {
				closeFn()
				return nil, nil, fmt.Errorf("catalog export needs catalog.databaseURL")
			}
			sink, p, err := export.OpenCatalog(ctx, cfg.Catalog.DatabaseURL)
			if err != nil {
				closeFn()
				return nil, nil, fmt.Errorf("failed to open catalog: %w", err)
			}
			pool = p
			if err := sink.EnsureSchema(ctx); err != nil {
				closeFn()
				return nil, nil, fmt.Errorf("failed to prepare catalog schema: %w", err)
			}
			sinks = append(sinks, sink)
		default:
			closeFn()
			return nil, nil, fmt.Errorf("unknown export format %q", format)
		}
	}
	return export.NewExporter(sinks...), closeFn, nil
}
