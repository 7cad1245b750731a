// Package mask builds boolean validity masks and applies them to rasters.
package mask

import (
	"fmt"

	"kvi2/internal/models"
)

// DefaultNDVIThreshold separates vegetation from bare soil, water and built surfaces
const DefaultNDVIThreshold = 0.2

// Mask is a boolean raster aligned to a reference footprint; true marks a valid pixel
type Mask struct {
	Footprint models.Footprint
	Valid     []bool
}

// Count returns the number of valid pixels
func (m *Mask) Count() int {
	n := 0
	for _, v := range m.Valid {
		if v {
			n++
		}
	}
	return n
}

// Vegetation marks pixels whose NDVI exceeds threshold. Absent NDVI pixels are never valid.
func Vegetation(ndvi *models.Raster, threshold float64) (*Mask, error) {
	b, err := ndvi.Single()
	if err != nil {
		return nil, fmt.Errorf("vegetation mask: %w", err)
	}

	m := &Mask{Footprint: ndvi.Footprint, Valid: make([]bool, len(b.Data))}
	for i, v := range b.Data {
		m.Valid[i] = b.IsValid(i) && v > threshold
	}
	return m, nil
}

// Apply returns a copy of r in which pixels outside the mask are absent.
// Pixels already absent in r stay absent.
func Apply(r *models.Raster, m *Mask) (*models.Raster, error) {
	if !r.Footprint.Equal(m.Footprint) {
		return nil, models.NewShapeMismatch("apply mask", r.Footprint, m.Footprint)
	}

	bands := make([]models.Band, len(r.Bands))
	for bi, b := range r.Bands {
		valid := make([]bool, len(b.Data))
		for i := range valid {
			valid[i] = m.Valid[i] && b.IsValid(i)
		}
		bands[bi] = models.Band{Name: b.Name, Data: append([]float64(nil), b.Data...), Valid: valid}
	}
	return &models.Raster{Footprint: r.Footprint, Bands: bands}, nil
}
