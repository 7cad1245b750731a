// Package region restricts reductions and exports to an area of interest.
package region

import (
	"fmt"
	"os"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"

	"kvi2/internal/models"
	"kvi2/pkg/mask"
)

// Region is an area of interest in the raster's coordinate system.
// A Region with no geometry covers the whole footprint it is applied to.
type Region struct {
	Name     string
	Geometry orb.Geometry
}

// Full returns a region covering the entire image footprint
func Full() *Region {
	return &Region{Name: "footprint"}
}

// FromBound builds a rectangular region
func FromBound(minX, minY, maxX, maxY float64) *Region {
	b := orb.Bound{Min: orb.Point{minX, minY}, Max: orb.Point{maxX, maxY}}
	return &Region{Name: "bbox", Geometry: b.ToPolygon()}
}

// IsFull reports whether the region is the whole footprint
func (r *Region) IsFull() bool {
	return r == nil || r.Geometry == nil
}

// FromGeoJSON reads a polygon or multipolygon from a GeoJSON file. The file may
// hold a bare geometry, a feature or a feature collection; every polygonal
// geometry found is merged into one multipolygon.
func FromGeoJSON(path string) (*Region, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read region file: %w", err)
	}
	return ParseGeoJSON(path, data)
}

// ParseGeoJSON parses GeoJSON bytes into a region named name
func ParseGeoJSON(name string, data []byte) (*Region, error) {
	var geoms []orb.Geometry

	if fc, err := geojson.UnmarshalFeatureCollection(data); err == nil && len(fc.Features) > 0 {
		for _, f := range fc.Features {
			geoms = append(geoms, f.Geometry)
		}
	} else if f, err := geojson.UnmarshalFeature(data); err == nil && f.Geometry != nil {
		geoms = append(geoms, f.Geometry)
	} else {
		g, err := geojson.UnmarshalGeometry(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse region %s: %w", name, err)
		}
		geoms = append(geoms, g.Coordinates)
	}

	var mp orb.MultiPolygon
	for _, g := range geoms {
		switch t := g.(type) {
		case orb.Polygon:
			mp = append(mp, t)
		case orb.MultiPolygon:
			mp = append(mp, t...)
		case orb.Bound:
			mp = append(mp, t.ToPolygon())
		}
	}
	if len(mp) == 0 {
		return nil, fmt.Errorf("region %s contains no polygons", name)
	}
	if len(mp) == 1 {
		return &Region{Name: name, Geometry: mp[0]}, nil
	}
	return &Region{Name: name, Geometry: mp}, nil
}

// Contains reports whether a georeferenced point lies inside the region
func (r *Region) Contains(x, y float64) bool {
	if r.IsFull() {
		return true
	}
	p := orb.Point{x, y}
	switch g := r.Geometry.(type) {
	case orb.Polygon:
		return planar.PolygonContains(g, p)
	case orb.MultiPolygon:
		return planar.MultiPolygonContains(g, p)
	case orb.Bound:
		return g.Contains(p)
	}
	return false
}

// Intersects reports whether the region overlaps the footprint's bounding box
func (r *Region) Intersects(fp models.Footprint) bool {
	if r.IsFull() {
		return true
	}
	minX, minY, maxX, maxY := fp.Bounds()
	return r.Geometry.Bound().Intersects(orb.Bound{Min: orb.Point{minX, minY}, Max: orb.Point{maxX, maxY}})
}

// Mask marks the pixels of fp whose centers fall inside the region
func (r *Region) Mask(fp models.Footprint) *mask.Mask {
	m := &mask.Mask{Footprint: fp, Valid: make([]bool, fp.Size())}
	if r.IsFull() {
		for i := range m.Valid {
			m.Valid[i] = true
		}
		return m
	}

	bound := r.Geometry.Bound()
	for y := 0; y < fp.Height; y++ {
		for x := 0; x < fp.Width; x++ {
			cx, cy := fp.PixelCenter(x, y)
			if !bound.Contains(orb.Point{cx, cy}) {
				continue
			}
			m.Valid[y*fp.Width+x] = r.Contains(cx, cy)
		}
	}
	return m
}

// Window returns the pixel rectangle [x0,x1)x[y0,y1) covering the region,
// clipped to the footprint. ok is false when the region misses the footprint.
func (r *Region) Window(fp models.Footprint) (x0, y0, x1, y1 int, ok bool) {
	m := r.Mask(fp)
	x0, y0 = fp.Width, fp.Height
	for y := 0; y < fp.Height; y++ {
		for x := 0; x < fp.Width; x++ {
			if !m.Valid[y*fp.Width+x] {
				continue
			}
			x0 = min(x0, x)
			y0 = min(y0, y)
			x1 = max(x1, x+1)
			y1 = max(y1, y+1)
		}
	}
	return x0, y0, x1, y1, x1 > x0 && y1 > y0
}
