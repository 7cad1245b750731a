// Package reduce computes region statistics over masked rasters.
package reduce

import (
	"fmt"
	"math"
	"sort"
	"strconv"

	"gonum.org/v1/gonum/stat"

	"kvi2/internal/models"
	"kvi2/pkg/mask"
	"kvi2/pkg/region"
)

// DefaultMaxPixels caps the number of sampled grid positions per reduction
const DefaultMaxPixels int64 = 10_000_000

// Request describes one percentile reduction
type Request struct {
	// Percentiles in [0,100]; each yields a key "<band>_p<N>"
	Percentiles []float64

	// Region restricts the population; nil covers the whole footprint
	Region *region.Region

	// Mask further restricts the population; nil keeps every valid pixel
	Mask *mask.Mask

	// Scale is the requested sampling resolution in metres. Zero samples
	// at the raster's native resolution.
	Scale float64

	// BestEffort coarsens the sampling instead of failing when the
	// sample would exceed MaxPixels
	BestEffort bool

	// MaxPixels is the sample ceiling; zero uses DefaultMaxPixels
	MaxPixels int64
}

// Result maps "<band>_p<N>" keys to percentile values. A key is missing when
// the band had no valid pixel in the sampled population.
type Result struct {
	Values map[string]float64

	// Scale is the effective sampling resolution actually used
	Scale float64

	// Approximate is set when best effort coarsened the sampling
	Approximate bool

	// Samples counts the valid pixels per band that entered the statistic
	Samples map[string]int
}

// Key returns the result key for band and percentile p, e.g. KVI2_p98
func Key(band string, p float64) string {
	return band + "_p" + strconv.FormatFloat(p, 'f', -1, 64)
}

// Reducer runs percentile reductions
type Reducer struct{}

// NewReducer creates a reducer
func NewReducer() *Reducer {
	return &Reducer{}
}

// stride returns the pixel step that realizes scale on a raster of the given resolution
func stride(scale, resolution float64) int {
	if scale <= 0 || resolution <= 0 {
		return 1
	}
	return max(1, int(math.Round(scale/resolution)))
}

// gridSize is the number of positions sampled at step s
func gridSize(fp models.Footprint, s int) int64 {
	cols := int64((fp.Width + s - 1) / s)
	rows := int64((fp.Height + s - 1) / s)
	return cols * rows
}

// Percentiles computes the requested percentiles of every band of r over the
// region and mask. Percentiles use linear interpolation between order
// statistics of the sorted sample.
func (rd *Reducer) Percentiles(r *models.Raster, req Request) (*Result, error) {
	if len(req.Percentiles) == 0 {
		return nil, fmt.Errorf("no percentiles requested")
	}
	for _, p := range req.Percentiles {
		if p < 0 || p > 100 || math.IsNaN(p) {
			return nil, fmt.Errorf("percentile %g outside [0,100]", p)
		}
	}
	if req.Mask != nil && !req.Mask.Footprint.Equal(r.Footprint) {
		return nil, models.NewShapeMismatch("reduce", r.Footprint, req.Mask.Footprint)
	}

	fp := r.Footprint
	maxPixels := req.MaxPixels
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}

	step := stride(req.Scale, fp.Resolution)
	requested := step
	for gridSize(fp, step) > maxPixels {
		if !req.BestEffort {
			return nil, fmt.Errorf("%w: %d sampled pixels exceed limit %d at scale %gm",
				models.ErrTooManyPixels, gridSize(fp, step), maxPixels, req.Scale)
		}
		step *= 2
	}

	var regionMask *mask.Mask
	if !req.Region.IsFull() {
		regionMask = req.Region.Mask(fp)
	}

	res := &Result{
		Values:      make(map[string]float64),
		Samples:     make(map[string]int),
		Scale:       float64(step) * fp.Resolution,
		Approximate: step != requested,
	}
	if fp.Resolution <= 0 {
		res.Scale = req.Scale
	}

	for bi := range r.Bands {
		b := &r.Bands[bi]
		var sample []float64
		for y := 0; y < fp.Height; y += step {
			for x := 0; x < fp.Width; x += step {
				i := y*fp.Width + x
				if !b.IsValid(i) {
					continue
				}
				if req.Mask != nil && !req.Mask.Valid[i] {
					continue
				}
				if regionMask != nil && !regionMask.Valid[i] {
					continue
				}
				sample = append(sample, b.Data[i])
			}
		}

		res.Samples[b.Name] = len(sample)
		if len(sample) == 0 {
			continue
		}
		sort.Float64s(sample)
		for _, p := range req.Percentiles {
			q := stat.Quantile(p/100, stat.LinInterp, sample, nil)
			// interpolation rounding must not step outside the sample range
			res.Values[Key(b.Name, p)] = math.Min(math.Max(q, sample[0]), sample[len(sample)-1])
		}
	}

	return res, nil
}

// Value looks up a percentile of a band, reporting ErrNoValidData when the
// band's population was empty.
func (res *Result) Value(band string, p float64) (float64, error) {
	v, ok := res.Values[Key(band, p)]
	if !ok {
		return 0, fmt.Errorf("%w: %s has no valid pixels in the region", models.ErrNoValidData, Key(band, p))
	}
	return v, nil
}
