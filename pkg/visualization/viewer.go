// Package visualization renders display layers to images.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strings"

	"github.com/fogleman/gg"

	"kvi2/internal/models"
	"kvi2/pkg/palette"
)

// Viewer renders the layer list produced by a pipeline run
type Viewer struct {
	// layers are drawn bottom to top in list order
	layers []models.Layer

	// noData is the color of absent pixels
	noData color.NRGBA
}

// NewViewer creates a viewer over layers. Absent pixels render transparent.
func NewViewer(layers []models.Layer) *Viewer {
	return &Viewer{layers: layers}
}

// Layers returns the layers in display order
func (v *Viewer) Layers() []models.Layer {
	return v.layers
}

// Layer returns the layer at index
func (v *Viewer) Layer(index int) (models.Layer, error) {
	if index < 0 || index >= len(v.layers) {
		return models.Layer{}, fmt.Errorf("layer index %d out of range [0,%d)", index, len(v.layers))
	}
	return v.layers[index], nil
}

// ExtractLayer renders the layer at index
func (v *Viewer) ExtractLayer(index int) (image.Image, error) {
	layer, err := v.Layer(index)
	if err != nil {
		return nil, err
	}
	return v.RenderLayer(layer)
}

// RenderLayer draws one layer. Three display bands are stretched into an RGB
// composite; a single band is mapped through the palette, or through a gray
// ramp when none is set.
func (v *Viewer) RenderLayer(layer models.Layer) (image.Image, error) {
	if layer.Raster == nil {
		return nil, fmt.Errorf("layer %q has no raster", layer.Label)
	}
	fp := layer.Raster.Footprint
	img := image.NewNRGBA(image.Rect(0, 0, fp.Width, fp.Height))

	names := layer.Vis.Bands
	if len(names) == 0 {
		names = layer.Raster.BandNames()[:1]
	}
	bands := make([]*models.Band, len(names))
	for i, n := range names {
		b, err := layer.Raster.Band(n)
		if err != nil {
			return nil, fmt.Errorf("layer %q: %w", layer.Label, err)
		}
		bands[i] = b
	}

	vis := layer.Vis
	switch len(bands) {
	case 3:
		for i := 0; i < fp.Size(); i++ {
			x, y := i%fp.Width, i/fp.Width
			if !bands[0].IsValid(i) || !bands[1].IsValid(i) || !bands[2].IsValid(i) {
				img.SetNRGBA(x, y, v.noData)
				continue
			}
			img.SetNRGBA(x, y, color.NRGBA{
				R: to8(palette.Stretch(bands[0].Data[i], vis.Min, vis.Max, vis.Gamma)),
				G: to8(palette.Stretch(bands[1].Data[i], vis.Min, vis.Max, vis.Gamma)),
				B: to8(palette.Stretch(bands[2].Data[i], vis.Min, vis.Max, vis.Gamma)),
				A: 255,
			})
		}
	case 1:
		ramp := palette.Grayscale()
		if len(vis.Palette) > 0 {
			var err error
			if ramp, err = palette.NewRamp(vis.Palette); err != nil {
				return nil, fmt.Errorf("layer %q: %w", layer.Label, err)
			}
		}
		b := bands[0]
		for i := 0; i < fp.Size(); i++ {
			x, y := i%fp.Width, i/fp.Width
			if !b.IsValid(i) {
				img.SetNRGBA(x, y, v.noData)
				continue
			}
			r, g, bl := ramp.At(palette.Stretch(b.Data[i], vis.Min, vis.Max, vis.Gamma)).RGB255()
			img.SetNRGBA(x, y, color.NRGBA{R: r, G: g, B: bl, A: 255})
		}
	default:
		return nil, fmt.Errorf("layer %q: expected 1 or 3 display bands, got %d", layer.Label, len(bands))
	}

	return img, nil
}

func to8(x float64) uint8 {
	return uint8(x*255 + 0.5)
}

// ExtractRegion renders the pixel window [x0,x1)x[y0,y1) of the layer at index
func (v *Viewer) ExtractRegion(index, x0, y0, x1, y1 int) (image.Image, error) {
	if x0 < 0 || y0 < 0 {
		return nil, fmt.Errorf("window origin must be non-negative")
	}
	if x1 <= x0 || y1 <= y0 {
		return nil, fmt.Errorf("window must have a positive size")
	}
	img, err := v.ExtractLayer(index)
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	if x1 > b.Dx() || y1 > b.Dy() {
		return nil, fmt.Errorf("window extends beyond the layer")
	}
	return img.(*image.NRGBA).SubImage(image.Rect(x0, y0, x1, y1)), nil
}

// Legend draws a horizontal color bar for a palette layer labelled with its
// display range.
func (v *Viewer) Legend(index, width, height int) (image.Image, error) {
	layer, err := v.Layer(index)
	if err != nil {
		return nil, err
	}
	ramp := palette.Grayscale()
	if len(layer.Vis.Palette) > 0 {
		if ramp, err = palette.NewRamp(layer.Vis.Palette); err != nil {
			return nil, err
		}
	}

	const textHeight = 16
	if width < 2 || height <= textHeight {
		return nil, fmt.Errorf("legend must be at least 2x%d pixels", textHeight+1)
	}

	dc := gg.NewContext(width, height)
	dc.SetRGB(1, 1, 1)
	dc.Clear()
	barHeight := height - textHeight
	for x := 0; x < width; x++ {
		c := ramp.At(float64(x) / float64(width-1))
		dc.SetRGB(c.R, c.G, c.B)
		dc.DrawRectangle(float64(x), 0, 1, float64(barHeight))
		dc.Fill()
	}
	dc.SetRGB(0, 0, 0)
	dc.DrawStringAnchored(fmt.Sprintf("%g", layer.Vis.Min), 2, float64(height)-4, 0, 0)
	dc.DrawStringAnchored(fmt.Sprintf("%g", layer.Vis.Max), float64(width)-2, float64(height)-4, 1, 0)
	return dc.Image(), nil
}

// SaveLayer writes a rendered layer as PNG
func (v *Viewer) SaveLayer(img image.Image, filename string) error {
	return gg.SavePNG(filename, img)
}

// LayerFilename is the file a layer is saved under, e.g. layer_02_kvi2_0_1.png
func LayerFilename(index int, label string) string {
	slug := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r >= 'A' && r <= 'Z':
			return r + 'a' - 'A'
		case r == ' ' || r == '–' || r == '-' || r == ',':
			return '_'
		}
		return -1
	}, label)
	return fmt.Sprintf("layer_%02d_%s.png", index, strings.Trim(slug, "_"))
}

// SaveLayerSequence renders and saves every layer into outputDir
func (v *Viewer) SaveLayerSequence(outputDir string) ([]string, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, err
	}

	var files []string
	for i, layer := range v.layers {
		img, err := v.RenderLayer(layer)
		if err != nil {
			return files, err
		}
		filename := filepath.Join(outputDir, LayerFilename(i, layer.Label))
		if err := v.SaveLayer(img, filename); err != nil {
			return files, fmt.Errorf("failed to save layer %q: %w", layer.Label, err)
		}
		files = append(files, filename)
	}
	return files, nil
}
