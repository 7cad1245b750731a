package source

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/airbusgeo/godal"

	"kvi2/internal/models"
)

var registerDrivers sync.Once

// RegisterDrivers registers the GDAL drivers once per process
func RegisterDrivers() {
	registerDrivers.Do(godal.RegisterAll)
}

// GDALLoader reads a multi-band raster through GDAL. Band names come from
// the band descriptions, falling back to b1..bN. Pixels equal to a band's
// nodata value are absent.
type GDALLoader struct{}

// Load opens asset with GDAL and reads every band
func (l *GDALLoader) Load(ctx context.Context, asset string) (*models.Raster, error) {
	RegisterDrivers()

	ds, err := godal.Open(asset)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", asset, err)
	}
	defer ds.Close()

	st := ds.Structure()
	gt, err := ds.GeoTransform()
	if err != nil {
		gt = [6]float64{0, DefaultResolution, 0, float64(st.SizeY) * DefaultResolution, 0, -DefaultResolution}
	}
	fp := models.Footprint{
		Width:        st.SizeX,
		Height:       st.SizeY,
		GeoTransform: gt,
		Resolution:   math.Abs(gt[1]),
		CRS:          ds.Projection(),
	}

	var bands []models.Band
	for i, band := range ds.Bands() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := band.Description()
		if name == "" {
			name = fmt.Sprintf("b%d", i+1)
		}

		data := make([]float64, fp.Size())
		if err := band.Read(0, 0, data, fp.Width, fp.Height); err != nil {
			return nil, fmt.Errorf("failed to read band %s: %w", name, err)
		}

		b := models.Band{Name: name, Data: data}
		if nodata, ok := band.NoData(); ok {
			b.Valid = make([]bool, len(data))
			for j, v := range data {
				b.Valid[j] = v != nodata && !math.IsNaN(v)
			}
		}
		bands = append(bands, b)
	}

	return models.NewRaster(fp, bands...)
}
