// Package assembly concatenates derived rasters into the multi-band output
// and builds the display layer list.
package assembly

import (
	"fmt"

	"kvi2/internal/models"
)

// RGBPrefix marks bands copied from the source image for visualization
const RGBPrefix = "RGB_"

// Display labels
const (
	LabelRGB  = "RGB (b3,b2,b1)"
	LabelNDVI = "NDVI"
	LabelKVI  = "KVI2 (0–1)"
)

// SelectRename copies the named bands of image, in order, prefixing each name
func SelectRename(image *models.Raster, bands []string, prefix string) (*models.Raster, error) {
	out := make([]models.Band, 0, len(bands))
	for _, name := range bands {
		b, err := image.Band(name)
		if err != nil {
			return nil, fmt.Errorf("select %s: %w", name, err)
		}
		nb := b.Clone()
		nb.Name = prefix + name
		out = append(out, nb)
	}
	return models.NewRaster(image.Footprint, out...)
}

// Assemble concatenates the bands of parts in order. Every part must share
// the first part's footprint and band names must be unique across parts.
func Assemble(parts ...*models.Raster) (*models.Raster, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("assemble: no rasters")
	}
	fp := parts[0].Footprint

	var bands []models.Band
	for _, p := range parts {
		if !p.Footprint.Equal(fp) {
			return nil, models.NewShapeMismatch("assemble", fp, p.Footprint)
		}
		bands = append(bands, p.Bands...)
	}

	out, err := models.NewRaster(fp, bands...)
	if err != nil {
		return nil, fmt.Errorf("assemble: %w", err)
	}
	return out, nil
}

// Layers builds the display list: the RGB composite, NDVI and the rescaled
// composite index, each with its visualization parameters.
func Layers(rgb, ndvi, kvi01 *models.Raster, rgbVis, ndviVis, kviVis models.VisParams) []models.Layer {
	if len(rgbVis.Bands) == 0 {
		rgbVis.Bands = rgb.BandNames()
	}
	return []models.Layer{
		{Label: LabelRGB, Raster: rgb, Vis: rgbVis},
		{Label: LabelNDVI, Raster: ndvi, Vis: ndviVis},
		{Label: LabelKVI, Raster: kvi01, Vis: kviVis},
	}
}
