// Package pipeline runs the full RGB + NDVI + KVI2 product for one image:
// band algebra, vegetation masking, bound estimation, rescaling, assembly,
// display layers and optional export.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"kvi2/internal/models"
	"kvi2/pkg/algebra"
	"kvi2/pkg/assembly"
	"kvi2/pkg/bounds"
	"kvi2/pkg/config"
	"kvi2/pkg/export"
	"kvi2/pkg/mask"
	"kvi2/pkg/rescale"
	"kvi2/pkg/source"
	"kvi2/pkg/visualization"
)

// Params holds the processing parameters of one run
type Params struct {
	// Asset identifies the source image for the loader
	Asset string

	// Bands maps spectral roles to source band names
	Bands algebra.BandMapping

	// NDVIThreshold is the NDVI a pixel must exceed to enter the bound statistics
	NDVIThreshold float64

	// Bounds selects fixed or percentile normalization
	Bounds bounds.Options

	// Epsilon guards the rescale denominator
	Epsilon float64

	// RGBBands are copied from the source, in order, as RGB_<name>
	RGBBands []string

	RGBVis  models.VisParams
	NDVIVis models.VisParams
	KVIVis  models.VisParams

	// Expressions are extra indices appended after KVI2_01
	Expressions []config.Expression

	// NumCores bounds the band-algebra goroutines
	NumCores int

	// SaveLayers writes one PNG per display layer into LayersDir
	SaveLayers bool
	LayersDir  string

	// Export is run after assembly when set
	Export *export.Request
}

// Result is everything a run produces
type Result struct {
	// Output holds RGB_b3, RGB_b2, RGB_b1, NDVI, KVI2_01 and any expression bands
	Output *models.Raster

	// Layers is the display list in drawing order
	Layers []models.Layer

	Indices *algebra.Indices
	Mask    *mask.Mask
	Bounds  models.BoundPair
	Rescale *models.Raster

	LayerFiles []string
	Artifacts  []export.Artifact
	Summary    Summary
}

// Pipeline runs Params against a source and optional exporter
type Pipeline struct {
	params    *Params
	loader    source.Loader
	exporter  *export.Exporter
	calc      *algebra.Calculator
	estimator *bounds.Estimator
	log       zerolog.Logger
}

// Option customizes a Pipeline
type Option func(*Pipeline)

// WithExporter sets the sinks used when Params.Export is set
func WithExporter(e *export.Exporter) Option {
	return func(p *Pipeline) { p.exporter = e }
}

// WithLogger sets the step logger
func WithLogger(l zerolog.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

// WithReducer replaces the percentile reducer
func WithReducer(r bounds.Reducer) Option {
	return func(p *Pipeline) { p.estimator = bounds.NewEstimator(p.params.Bounds, r) }
}

// New creates a pipeline
func New(params *Params, loader source.Loader, opts ...Option) *Pipeline {
	p := &Pipeline{
		params:    params,
		loader:    loader,
		calc:      algebra.NewCalculator(params.NumCores),
		estimator: bounds.NewEstimator(params.Bounds, nil),
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process runs the complete pipeline. A vegetation mask with no valid pixel
// in percentile mode aborts with models.ErrNoValidData before rescaling.
func (p *Pipeline) Process(ctx context.Context) (*Result, error) {
	start := time.Now()
	log := p.log.With().Str("asset", p.params.Asset).Logger()
	res := &Result{}

	// Step 1: Load the source image
	log.Info().Msg("Step 1: Loading source image")
	image, err := p.loader.Load(ctx, p.params.Asset)
	if err != nil {
		return nil, fmt.Errorf("failed to load image: %w", err)
	}
	log.Debug().Int("width", image.Footprint.Width).Int("height", image.Footprint.Height).
		Strs("bands", image.BandNames()).Msg("image loaded")

	// Step 2: Band algebra
	log.Info().Msg("Step 2: Computing NDVI, NDMI, red-edge ratio and KVI2")
	if res.Indices, err = p.calc.Compute(ctx, image, p.params.Bands); err != nil {
		return nil, fmt.Errorf("failed to compute indices: %w", err)
	}

	// Step 3: Vegetation mask
	log.Info().Float64("threshold", p.params.NDVIThreshold).Msg("Step 3: Building vegetation mask")
	if res.Mask, err = mask.Vegetation(res.Indices.NDVI, p.params.NDVIThreshold); err != nil {
		return nil, err
	}
	log.Debug().Int("vegetation", res.Mask.Count()).Int("pixels", len(res.Mask.Valid)).Msg("mask built")

	// Step 4: Normalization bounds
	log.Info().Bool("percentiles", p.params.Bounds.UsePercentiles).Msg("Step 4: Estimating normalization bounds")
	if res.Bounds, err = p.estimator.Estimate(res.Indices.KVI2Raw, res.Mask); err != nil {
		if errors.Is(err, models.ErrNoValidData) {
			log.Warn().Err(err).Msg("no vegetation in region, aborting before rescale")
		}
		return nil, fmt.Errorf("failed to estimate bounds: %w", err)
	}
	evt := log.Info().Float64("low", res.Bounds.Low).Float64("high", res.Bounds.High).Str("source", string(res.Bounds.Source))
	if res.Bounds.Approximate {
		evt = evt.Bool("approximate", true).Float64("scale", res.Bounds.Scale)
	}
	evt.Msg("bounds estimated")
	if res.Bounds.Degenerate(p.params.Epsilon) {
		log.Warn().Msg("bounds span less than epsilon, rescaled index saturates")
	}

	// Step 5: Rescale the composite into [0,1]
	log.Info().Msg("Step 5: Rescaling KVI2 to [0,1]")
	if res.Rescale, err = rescale.To01(res.Indices.KVI2Raw, res.Bounds, p.params.Epsilon, rescale.OutputName); err != nil {
		return nil, err
	}

	// Step 6: Assemble the output raster
	log.Info().Msg("Step 6: Assembling output bands")
	rgb, err := assembly.SelectRename(image, p.params.RGBBands, assembly.RGBPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to select RGB bands: %w", err)
	}
	parts := []*models.Raster{rgb, res.Indices.NDVI, res.Rescale}
	for _, e := range p.params.Expressions {
		extra, err := p.calc.Expression(image, e.Name, e.Expression)
		if err != nil {
			return nil, err
		}
		parts = append(parts, extra)
	}
	if res.Output, err = assembly.Assemble(parts...); err != nil {
		return nil, err
	}

	// Step 7: Display layers
	log.Info().Msg("Step 7: Building display layers")
	rgbVis := p.params.RGBVis
	rgbVis.Bands = rgb.BandNames()
	res.Layers = assembly.Layers(rgb, res.Indices.NDVI, res.Rescale, rgbVis, p.params.NDVIVis, p.params.KVIVis)
	if p.params.SaveLayers {
		viewer := visualization.NewViewer(res.Layers)
		if res.LayerFiles, err = viewer.SaveLayerSequence(p.params.LayersDir); err != nil {
			log.Warn().Err(err).Msg("failed to save display layers")
		}
	}

	// Step 8: Export
	if p.params.Export != nil && p.exporter != nil {
		log.Info().Str("description", p.params.Export.Description).Msg("Step 8: Exporting output")
		if res.Artifacts, err = p.exporter.Export(ctx, res.Output, *p.params.Export); err != nil {
			return nil, fmt.Errorf("failed to export: %w", err)
		}
		for _, a := range res.Artifacts {
			log.Info().Str("sink", a.Sink).Str("location", a.Location).Msg("exported")
		}
	}

	res.Summary = Summarize(res)
	res.Summary.Duration = time.Since(start)
	log.Info().Dur("duration", res.Summary.Duration).Msg("Processing complete")
	return res, nil
}
