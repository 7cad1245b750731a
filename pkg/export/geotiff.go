package export

import (
	"context"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/airbusgeo/godal"

	"kvi2/internal/models"
	"kvi2/pkg/source"
)

// GeoTIFFSink writes a Float32 GeoTIFF with one band per raster band.
// Absent pixels are written as NaN, which is also the band nodata value.
type GeoTIFFSink struct {
	Dir string
}

// Name returns "geotiff"
func (s *GeoTIFFSink) Name() string { return "geotiff" }

// Write creates <Dir>/<description>.tif
func (s *GeoTIFFSink) Write(ctx context.Context, r *models.Raster, req Request) (Artifact, error) {
	source.RegisterDrivers()
	if err := os.MkdirAll(s.Dir, 0755); err != nil {
		return Artifact{}, fmt.Errorf("failed to create export directory: %w", err)
	}
	path := filePath(s.Dir, req.Description, ".tif")

	fp := r.Footprint
	ds, err := godal.Create(godal.GTiff, path, len(r.Bands), godal.Float32, fp.Width, fp.Height)
	if err != nil {
		return Artifact{}, fmt.Errorf("failed to create %s: %w", path, err)
	}

	if err := s.fill(ctx, ds, r); err != nil {
		ds.Close()
		return Artifact{}, err
	}
	if err := ds.Close(); err != nil {
		return Artifact{}, fmt.Errorf("failed to close %s: %w", path, err)
	}
	return Artifact{Sink: s.Name(), Location: path}, nil
}

func (s *GeoTIFFSink) fill(ctx context.Context, ds *godal.Dataset, r *models.Raster) error {
	fp := r.Footprint
	if err := ds.SetGeoTransform(fp.GeoTransform); err != nil {
		return fmt.Errorf("failed to set geotransform: %w", err)
	}
	if fp.CRS != "" {
		if err := ds.SetProjection(fp.CRS); err != nil {
			return fmt.Errorf("failed to set projection: %w", err)
		}
	}
	if err := ds.SetMetadata("BAND_NAMES", strings.Join(r.BandNames(), ",")); err != nil {
		return fmt.Errorf("failed to set metadata: %w", err)
	}

	for i, band := range ds.Bands() {
		if err := ctx.Err(); err != nil {
			return err
		}
		src := r.Bands[i]
		if err := band.SetDescription(src.Name); err != nil {
			return fmt.Errorf("failed to name band %s: %w", src.Name, err)
		}
		if err := band.SetNoData(math.NaN()); err != nil {
			return fmt.Errorf("failed to set nodata on %s: %w", src.Name, err)
		}

		data := make([]float32, len(src.Data))
		for j, v := range src.Data {
			if src.IsValid(j) {
				data[j] = float32(v)
			} else {
				data[j] = float32(math.NaN())
			}
		}
		if err := band.Write(0, 0, data, fp.Width, fp.Height); err != nil {
			return fmt.Errorf("failed to write band %s: %w", src.Name, err)
		}
	}
	return nil
}
