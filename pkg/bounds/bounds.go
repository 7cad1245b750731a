// Package bounds estimates the normalization domain of an index raster.
package bounds

import (
	"fmt"

	"kvi2/internal/models"
	"kvi2/pkg/mask"
	"kvi2/pkg/reduce"
	"kvi2/pkg/region"
)

// Default bound settings
const (
	DefaultFixedLow       = -0.2
	DefaultFixedHigh      = 0.6
	DefaultLowPercentile  = 2.0
	DefaultHighPercentile = 98.0
)

// Reducer computes keyed percentiles over a region
type Reducer interface {
	Percentiles(r *models.Raster, req reduce.Request) (*reduce.Result, error)
}

// Options selects between fixed and percentile bounds
type Options struct {
	UsePercentiles bool

	// FixedLow and FixedHigh are used verbatim in fixed mode; no ordering is checked
	FixedLow  float64
	FixedHigh float64

	LowPercentile  float64
	HighPercentile float64

	Region     *region.Region
	Scale      float64
	BestEffort bool
	MaxPixels  int64
}

// DefaultOptions returns percentile mode with p2/p98 over the full footprint
func DefaultOptions() Options {
	return Options{
		UsePercentiles: true,
		FixedLow:       DefaultFixedLow,
		FixedHigh:      DefaultFixedHigh,
		LowPercentile:  DefaultLowPercentile,
		HighPercentile: DefaultHighPercentile,
		Scale:          10,
		BestEffort:     true,
		MaxPixels:      reduce.DefaultMaxPixels,
	}
}

// Estimator produces the (low, high) pair used to rescale an index
type Estimator struct {
	opts    Options
	reducer Reducer
}

// NewEstimator creates an estimator; a nil reducer uses reduce.NewReducer
func NewEstimator(opts Options, reducer Reducer) *Estimator {
	if reducer == nil {
		reducer = reduce.NewReducer()
	}
	return &Estimator{opts: opts, reducer: reducer}
}

// Estimate returns the bound pair for raw. In percentile mode the pixels
// outside m are excluded from the population before the reduction; an empty
// population yields models.ErrNoValidData.
func (e *Estimator) Estimate(raw *models.Raster, m *mask.Mask) (models.BoundPair, error) {
	if !e.opts.UsePercentiles {
		return models.BoundPair{Low: e.opts.FixedLow, High: e.opts.FixedHigh, Source: models.BoundsFixed}, nil
	}

	band, err := raw.Single()
	if err != nil {
		return models.BoundPair{}, fmt.Errorf("estimate bounds: %w", err)
	}

	masked := raw
	if m != nil {
		if masked, err = mask.Apply(raw, m); err != nil {
			return models.BoundPair{}, fmt.Errorf("estimate bounds: %w", err)
		}
	}

	res, err := e.reducer.Percentiles(masked, reduce.Request{
		Percentiles: []float64{e.opts.LowPercentile, e.opts.HighPercentile},
		Region:      e.opts.Region,
		Scale:       e.opts.Scale,
		BestEffort:  e.opts.BestEffort,
		MaxPixels:   e.opts.MaxPixels,
	})
	if err != nil {
		return models.BoundPair{}, fmt.Errorf("estimate bounds: %w", err)
	}

	lo, err := res.Value(band.Name, e.opts.LowPercentile)
	if err != nil {
		return models.BoundPair{}, err
	}
	hi, err := res.Value(band.Name, e.opts.HighPercentile)
	if err != nil {
		return models.BoundPair{}, err
	}

	return models.BoundPair{
		Low:         lo,
		High:        hi,
		Source:      models.BoundsPercentile,
		Approximate: res.Approximate,
		Scale:       res.Scale,
		Samples:     res.Samples[band.Name],
	}, nil
}
