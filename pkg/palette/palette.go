// Package palette maps scalar values to display colors.
package palette

import (
	"fmt"
	"math"

	"github.com/lucasb-eyer/go-colorful"
)

// Ramp is a piecewise-linear color ramp over [0,1]
type Ramp struct {
	stops []colorful.Color
}

// NewRamp parses hex colors ("#rrggbb" or "rrggbb") into evenly spaced stops
func NewRamp(hex []string) (*Ramp, error) {
	if len(hex) == 0 {
		return nil, fmt.Errorf("palette needs at least one color")
	}
	stops := make([]colorful.Color, len(hex))
	for i, h := range hex {
		if len(h) > 0 && h[0] != '#' {
			h = "#" + h
		}
		c, err := colorful.Hex(h)
		if err != nil {
			return nil, fmt.Errorf("palette color %d: %w", i, err)
		}
		stops[i] = c
	}
	return &Ramp{stops: stops}, nil
}

// Grayscale returns a black to white ramp
func Grayscale() *Ramp {
	return &Ramp{stops: []colorful.Color{{R: 0, G: 0, B: 0}, {R: 1, G: 1, B: 1}}}
}

// At returns the color at t, clamped to [0,1]
func (r *Ramp) At(t float64) colorful.Color {
	if len(r.stops) == 1 || math.IsNaN(t) {
		return r.stops[0]
	}
	t = math.Min(math.Max(t, 0), 1)

	pos := t * float64(len(r.stops)-1)
	i := int(pos)
	if i >= len(r.stops)-1 {
		return r.stops[len(r.stops)-1]
	}
	return r.stops[i].BlendRgb(r.stops[i+1], pos-float64(i)).Clamped()
}

// Len returns the number of stops
func (r *Ramp) Len() int {
	return len(r.stops)
}

// Stretch normalizes v into [0,1] against [lo,hi] and applies gamma.
// A zero or negative gamma is treated as 1.
func Stretch(v, lo, hi, gamma float64) float64 {
	span := hi - lo
	if span == 0 {
		if v >= hi {
			return 1
		}
		return 0
	}
	x := math.Min(math.Max((v-lo)/span, 0), 1)
	if gamma > 0 && gamma != 1 {
		x = math.Pow(x, 1/gamma)
	}
	return x
}
