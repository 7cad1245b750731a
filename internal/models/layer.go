package models

// BoundSource records how a bound pair was obtained
type BoundSource string

const (
	BoundsFixed      BoundSource = "fixed"
	BoundsPercentile BoundSource = "percentile"
)

// BoundPair is the normalization domain used to rescale an index.
// No ordering is implied between Low and High.
type BoundPair struct {
	Low  float64 `json:"low" yaml:"low"`
	High float64 `json:"high" yaml:"high"`

	// Source tells whether the pair came from configuration or from a reduction
	Source BoundSource `json:"source" yaml:"source"`

	// Approximate is set when a best-effort reduction coarsened its sampling
	Approximate bool `json:"approximate" yaml:"approximate"`

	// Scale is the effective sample resolution of the reduction in metres
	Scale float64 `json:"scale,omitempty" yaml:"scale,omitempty"`

	// Samples is the number of pixels the reduction considered
	Samples int `json:"samples,omitempty" yaml:"samples,omitempty"`
}

// Degenerate reports whether the pair spans less than eps
func (b BoundPair) Degenerate(eps float64) bool {
	return b.High-b.Low < eps
}

// VisParams mirrors the display settings of a map layer
type VisParams struct {
	Bands   []string `json:"bands,omitempty" yaml:"bands,omitempty"`
	Min     float64  `json:"min" yaml:"min"`
	Max     float64  `json:"max" yaml:"max"`
	Gamma   float64  `json:"gamma,omitempty" yaml:"gamma,omitempty"`
	Palette []string `json:"palette,omitempty" yaml:"palette,omitempty"`
}

// Layer is one entry of the display list returned by the pipeline.
// Rendering is left to whichever consumer receives it.
type Layer struct {
	Label  string
	Raster *Raster
	Vis    VisParams
}
