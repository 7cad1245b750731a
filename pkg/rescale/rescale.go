// Package rescale maps index values into [0,1] against a bound pair.
package rescale

import (
	"fmt"
	"math"

	"kvi2/internal/models"
)

// DefaultEpsilon guards the denominator when the bounds collapse
const DefaultEpsilon = 1e-6

// OutputName is the band name of a rescaled composite index
const OutputName = "KVI2_01"

// Value rescales a single value: clamp((v-lo)/max(hi-lo, eps), 0, 1).
// A NaN quotient maps to 0.
func Value(v, lo, hi, eps float64) float64 {
	x := (v - lo) / math.Max(hi-lo, eps)
	if math.IsNaN(x) {
		return 0
	}
	return math.Min(math.Max(x, 0), 1)
}

// To01 rescales every pixel of a single-band raster, not only the pixels that
// contributed to the bounds. Absent pixels stay absent. The output band is
// named name.
func To01(raw *models.Raster, b models.BoundPair, eps float64, name string) (*models.Raster, error) {
	if eps <= 0 {
		return nil, fmt.Errorf("rescale: epsilon must be positive, got %g", eps)
	}
	src, err := raw.Single()
	if err != nil {
		return nil, fmt.Errorf("rescale: %w", err)
	}

	out := models.Band{Name: name, Data: make([]float64, len(src.Data))}
	if src.Valid != nil {
		out.Valid = append([]bool(nil), src.Valid...)
	}
	for i, v := range src.Data {
		if src.IsValid(i) {
			out.Data[i] = Value(v, b.Low, b.High, eps)
		}
	}
	return &models.Raster{Footprint: raw.Footprint, Bands: []models.Band{out}}, nil
}
