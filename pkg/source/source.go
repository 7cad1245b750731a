// Package source loads multi-band images into rasters.
package source

import (
	"context"
	"fmt"

	"kvi2/internal/models"
)

// Loader opens an image asset as a named multi-band raster
type Loader interface {
	Load(ctx context.Context, asset string) (*models.Raster, error)
}

// New returns the loader registered under kind ("tiff" or "gdal")
func New(kind string, resolution float64) (Loader, error) {
	switch kind {
	case "tiff", "":
		return &TIFFDirLoader{Resolution: resolution}, nil
	case "gdal":
		return &GDALLoader{}, nil
	}
	return nil, fmt.Errorf("unknown loader %q", kind)
}

// Static serves a fixed raster regardless of the asset name
type Static struct {
	Raster *models.Raster
}

// Load returns a deep copy of the static raster
func (s *Static) Load(ctx context.Context, _ string) (*models.Raster, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.Raster == nil {
		return nil, fmt.Errorf("static source has no raster")
	}
	bands := make([]models.Band, len(s.Raster.Bands))
	for i, b := range s.Raster.Bands {
		bands[i] = b.Clone()
	}
	return models.NewRaster(s.Raster.Footprint, bands...)
}
