// Package export writes assembled rasters to external sinks.
package export

import (
	"context"
	"fmt"
	"math"
	"path/filepath"

	"kvi2/internal/models"
	"kvi2/pkg/region"
)

// DefaultMaxPixels is the export pixel ceiling when none is configured
const DefaultMaxPixels = 1e13

// Request describes one export job
type Request struct {
	// Description names the job; file sinks use it as the file stem
	Description string

	// AssetID keys the output in the catalog sink
	AssetID string

	// Region clips the output; nil exports the whole footprint
	Region *region.Region

	// Scale is the output resolution in metres; zero keeps the native one
	Scale float64

	// MaxPixels caps the output size; zero uses DefaultMaxPixels
	MaxPixels float64
}

// Artifact records where a sink put the output
type Artifact struct {
	Sink     string
	Location string
}

// Sink accepts a prepared raster
type Sink interface {
	Name() string
	Write(ctx context.Context, r *models.Raster, req Request) (Artifact, error)
}

// Prepare clips r to the request region and resamples it to the request
// scale by nearest neighbour. Pixels outside the region polygon are absent.
func Prepare(r *models.Raster, req Request) (*models.Raster, error) {
	fp := r.Footprint
	if !req.Region.Intersects(fp) {
		return nil, fmt.Errorf("export %s: region does not overlap the image", req.Description)
	}
	x0, y0, x1, y1, ok := req.Region.Window(fp)
	if !ok {
		return nil, fmt.Errorf("export %s: region covers no pixel centers", req.Description)
	}

	step := 1
	if req.Scale > 0 && fp.Resolution > 0 {
		step = max(1, int(math.Round(req.Scale/fp.Resolution)))
	}
	w := (x1 - x0 + step - 1) / step
	h := (y1 - y0 + step - 1) / step

	maxPixels := req.MaxPixels
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	if float64(w)*float64(h) > maxPixels {
		return nil, fmt.Errorf("%w: export %s needs %d pixels, limit %g", models.ErrTooManyPixels, req.Description, w*h, maxPixels)
	}

	gt := fp.GeoTransform
	out := models.Footprint{
		Width:  w,
		Height: h,
		GeoTransform: [6]float64{
			gt[0] + float64(x0)*gt[1] + float64(y0)*gt[2], gt[1] * float64(step), gt[2] * float64(step),
			gt[3] + float64(x0)*gt[4] + float64(y0)*gt[5], gt[4] * float64(step), gt[5] * float64(step),
		},
		Resolution: fp.Resolution * float64(step),
		CRS:        fp.CRS,
	}

	var inside []bool
	if !req.Region.IsFull() {
		inside = req.Region.Mask(fp).Valid
	}

	bands := make([]models.Band, len(r.Bands))
	for bi, b := range r.Bands {
		nb := models.Band{Name: b.Name, Data: make([]float64, w*h), Valid: make([]bool, w*h)}
		for oy := 0; oy < h; oy++ {
			for ox := 0; ox < w; ox++ {
				i := (y0+oy*step)*fp.Width + x0 + ox*step
				o := oy*w + ox
				nb.Data[o] = b.Data[i]
				nb.Valid[o] = b.IsValid(i) && (inside == nil || inside[i])
			}
		}
		bands[bi] = nb
	}
	return models.NewRaster(out, bands...)
}

// Exporter prepares a raster once and hands it to every sink
type Exporter struct {
	sinks []Sink
}

// NewExporter creates an exporter over sinks
func NewExporter(sinks ...Sink) *Exporter {
	return &Exporter{sinks: sinks}
}

// Export runs every sink in order, stopping at the first failure
func (e *Exporter) Export(ctx context.Context, r *models.Raster, req Request) ([]Artifact, error) {
	if req.Description == "" {
		return nil, fmt.Errorf("export needs a description")
	}
	prepared, err := Prepare(r, req)
	if err != nil {
		return nil, err
	}

	var artifacts []Artifact
	for _, s := range e.sinks {
		if err := ctx.Err(); err != nil {
			return artifacts, err
		}
		a, err := s.Write(ctx, prepared, req)
		if err != nil {
			return artifacts, fmt.Errorf("%s sink: %w", s.Name(), err)
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, nil
}

// filePath is the output path of a file sink
func filePath(dir, description, ext string) string {
	return filepath.Join(dir, description+ext)
}
