// Package algebra derives single-band index rasters from a multi-band source
// through per-pixel band algebra.
package algebra

import (
	"context"
	"fmt"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"

	"kvi2/internal/models"
)

// Band names produced by the calculator
const (
	NDVIName    = "NDVI"
	NDMIName    = "NDMI"
	RatioName   = "ND_RE"
	KVI2RawName = "KVI2"

	// defaultNDName is the name a bare normalized difference carries
	defaultNDName = "nd"
)

// BandMapping names the source bands each index reads
type BandMapping struct {
	NIR         string
	Red         string
	SWIR        string
	RedEdgeHigh string
	RedEdgeLow  string
}

// Indices holds the rasters derived from one source image
type Indices struct {
	NDVI    *models.Raster
	NDMI    *models.Raster
	Ratio   *models.Raster
	KVI2Raw *models.Raster
}

// Calculator evaluates band algebra, splitting each raster into
// row-major chunks processed on NumCores goroutines.
type Calculator struct {
	NumCores int
}

// NewCalculator creates a calculator; numCores <= 0 uses every available CPU
func NewCalculator(numCores int) *Calculator {
	if numCores <= 0 {
		numCores = runtime.NumCPU()
	}
	return &Calculator{NumCores: numCores}
}

// parallelChunks runs fn over [0,n) split into contiguous chunks
func (c *Calculator) parallelChunks(n int, fn func(start, end int) error) error {
	workers := c.NumCores
	if workers < 1 {
		workers = 1
	}
	if workers > n {
		workers = n
	}
	if workers <= 1 {
		return fn(0, n)
	}

	chunkSize := (n + workers - 1) / workers
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		start := w * chunkSize
		end := min(start+chunkSize, n)
		if start >= end {
			break
		}
		g.Go(func() error { return fn(start, end) })
	}
	return g.Wait()
}

// NormalizedDifference computes (a-b)/(a+b) per pixel. The result is not
// clamped; pixels where a+b is zero, or either input is absent, are absent.
func (c *Calculator) NormalizedDifference(r *models.Raster, bandA, bandB string) (*models.Raster, error) {
	a, err := r.Band(bandA)
	if err != nil {
		return nil, fmt.Errorf("normalized difference: %w", err)
	}
	b, err := r.Band(bandB)
	if err != nil {
		return nil, fmt.Errorf("normalized difference: %w", err)
	}

	n := r.Footprint.Size()
	out := models.Band{Name: defaultNDName, Data: make([]float64, n), Valid: make([]bool, n)}

	err = c.parallelChunks(n, func(start, end int) error {
		for i := start; i < end; i++ {
			if !a.IsValid(i) || !b.IsValid(i) {
				continue
			}
			sum := a.Data[i] + b.Data[i]
			if sum == 0 {
				continue
			}
			v := (a.Data[i] - b.Data[i]) / sum
			if math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			out.Data[i] = v
			out.Valid[i] = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &models.Raster{Footprint: r.Footprint, Bands: []models.Band{out}}, nil
}

// Product multiplies two single-band rasters pixel by pixel. The result keeps
// the first operand's band name.
func (c *Calculator) Product(x, y *models.Raster) (*models.Raster, error) {
	if !x.Footprint.Equal(y.Footprint) {
		return nil, models.NewShapeMismatch("product", x.Footprint, y.Footprint)
	}
	bx, err := x.Single()
	if err != nil {
		return nil, fmt.Errorf("product: %w", err)
	}
	by, err := y.Single()
	if err != nil {
		return nil, fmt.Errorf("product: %w", err)
	}

	n := x.Footprint.Size()
	out := models.Band{Name: bx.Name, Data: make([]float64, n), Valid: make([]bool, n)}

	err = c.parallelChunks(n, func(start, end int) error {
		for i := start; i < end; i++ {
			if bx.IsValid(i) && by.IsValid(i) {
				out.Data[i] = bx.Data[i] * by.Data[i]
				out.Valid[i] = true
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &models.Raster{Footprint: x.Footprint, Bands: []models.Band{out}}, nil
}

// Compute derives NDVI, NDMI, the red-edge ratio and the raw KVI2 composite.
// The three normalized differences are independent and run concurrently.
func (c *Calculator) Compute(ctx context.Context, image *models.Raster, m BandMapping) (*Indices, error) {
	type nd struct {
		a, b, name string
		dst        **models.Raster
	}

	idx := &Indices{}
	jobs := []nd{
		{m.NIR, m.Red, NDVIName, &idx.NDVI},
		{m.NIR, m.SWIR, NDMIName, &idx.NDMI},
		{m.RedEdgeHigh, m.RedEdgeLow, RatioName, &idx.Ratio},
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, job := range jobs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			r, err := c.NormalizedDifference(image, job.a, job.b)
			if err != nil {
				return fmt.Errorf("%s: %w", job.name, err)
			}
			r, err = r.Rename(job.name)
			if err != nil {
				return err
			}
			*job.dst = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	raw, err := c.Product(idx.Ratio, idx.NDMI)
	if err != nil {
		return nil, fmt.Errorf("composite index: %w", err)
	}
	if idx.KVI2Raw, err = raw.Rename(KVI2RawName); err != nil {
		return nil, err
	}

	return idx, nil
}
