package models

import (
	"fmt"
	"math"
)

// Footprint describes the spatial extent shared by every band of a raster
type Footprint struct {
	// Width and Height are the raster dimensions in pixels
	Width  int
	Height int

	// GeoTransform maps pixel/line coordinates to georeferenced
	// coordinates using the usual six coefficient affine form
	GeoTransform [6]float64

	// Resolution is the nominal pixel size in metres
	Resolution float64

	// CRS is an opaque projection identifier carried through to sinks
	CRS string
}

// Size returns the number of pixels covered by the footprint
func (f Footprint) Size() int {
	return f.Width * f.Height
}

// Equal reports whether two footprints describe the same pixel grid
func (f Footprint) Equal(o Footprint) bool {
	return f.Width == o.Width && f.Height == o.Height &&
		f.GeoTransform == o.GeoTransform && f.Resolution == o.Resolution
}

// PixelCenter returns the georeferenced coordinates of the center of pixel (x, y)
func (f Footprint) PixelCenter(x, y int) (float64, float64) {
	gt := f.GeoTransform
	px := float64(x) + 0.5
	py := float64(y) + 0.5
	return gt[0] + gt[1]*px + gt[2]*py, gt[3] + gt[4]*px + gt[5]*py
}

// Bounds returns the georeferenced bounding box as minX, minY, maxX, maxY
func (f Footprint) Bounds() (float64, float64, float64, float64) {
	xs := make([]float64, 0, 4)
	ys := make([]float64, 0, 4)
	gt := f.GeoTransform
	for _, c := range [][2]float64{{0, 0}, {float64(f.Width), 0}, {0, float64(f.Height)}, {float64(f.Width), float64(f.Height)}} {
		xs = append(xs, gt[0]+gt[1]*c[0]+gt[2]*c[1])
		ys = append(ys, gt[3]+gt[4]*c[0]+gt[5]*c[1])
	}
	minX, maxX := xs[0], xs[0]
	minY, maxY := ys[0], ys[0]
	for i := 1; i < 4; i++ {
		minX = math.Min(minX, xs[i])
		maxX = math.Max(maxX, xs[i])
		minY = math.Min(minY, ys[i])
		maxY = math.Max(maxY, ys[i])
	}
	return minX, minY, maxX, maxY
}

// Band is a single named plane of pixel values
type Band struct {
	// Name identifies the semantic content of the band (e.g. NDVI)
	Name string

	// Data holds the pixel values in row-major order
	Data []float64

	// Valid marks which pixels carry a value. A nil slice means every
	// pixel is valid; a false entry is an absent pixel, which is not the
	// same thing as a zero.
	Valid []bool
}

// IsValid reports whether pixel i carries a value
func (b *Band) IsValid(i int) bool {
	return b.Valid == nil || b.Valid[i]
}

// ValidCount returns the number of pixels carrying a value
func (b *Band) ValidCount() int {
	if b.Valid == nil {
		return len(b.Data)
	}
	n := 0
	for _, v := range b.Valid {
		if v {
			n++
		}
	}
	return n
}

// Clone returns a deep copy of the band
func (b Band) Clone() Band {
	out := Band{Name: b.Name, Data: append([]float64(nil), b.Data...)}
	if b.Valid != nil {
		out.Valid = append([]bool(nil), b.Valid...)
	}
	return out
}

// Raster is an immutable named collection of bands sharing a footprint.
// Operations never modify a Raster in place; they return a new value.
type Raster struct {
	Footprint Footprint
	Bands     []Band
}

// NewRaster builds a raster after checking that every band matches the footprint
// and that band names are unique.
func NewRaster(fp Footprint, bands ...Band) (*Raster, error) {
	seen := make(map[string]bool, len(bands))
	for _, b := range bands {
		if len(b.Data) != fp.Size() {
			return nil, &ShapeMismatchError{
				Operation: "new raster",
				Detail:    fmt.Sprintf("band %s has %d pixels, footprint has %d", b.Name, len(b.Data), fp.Size()),
			}
		}
		if b.Valid != nil && len(b.Valid) != fp.Size() {
			return nil, &ShapeMismatchError{
				Operation: "new raster",
				Detail:    fmt.Sprintf("band %s validity has %d pixels, footprint has %d", b.Name, len(b.Valid), fp.Size()),
			}
		}
		if seen[b.Name] {
			return nil, &NameCollisionError{Name: b.Name}
		}
		seen[b.Name] = true
	}
	return &Raster{Footprint: fp, Bands: bands}, nil
}

// BandNames returns the ordered band names
func (r *Raster) BandNames() []string {
	names := make([]string, len(r.Bands))
	for i, b := range r.Bands {
		names[i] = b.Name
	}
	return names
}

// Band returns the band with the given name
func (r *Raster) Band(name string) (*Band, error) {
	for i := range r.Bands {
		if r.Bands[i].Name == name {
			return &r.Bands[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s (available %v)", ErrBandNotFound, name, r.BandNames())
}

// Single returns the only band of a single-band raster
func (r *Raster) Single() (*Band, error) {
	if len(r.Bands) != 1 {
		return nil, fmt.Errorf("expected a single-band raster, got %d bands %v", len(r.Bands), r.BandNames())
	}
	return &r.Bands[0], nil
}

// Rename returns a copy of a single-band raster carrying a new band name
func (r *Raster) Rename(name string) (*Raster, error) {
	b, err := r.Single()
	if err != nil {
		return nil, err
	}
	nb := *b
	nb.Name = name
	return &Raster{Footprint: r.Footprint, Bands: []Band{nb}}, nil
}
