package pipeline

import (
	"fmt"
	"io"
	"time"

	"gonum.org/v1/gonum/stat"

	"kvi2/internal/models"
)

// BandSummary holds the mean and standard deviation of a band's valid pixels
type BandSummary struct {
	Valid  int
	Mean   float64
	StdDev float64
}

// Summary reports run metrics
type Summary struct {
	Pixels             int
	VegetationPixels   int
	VegetationFraction float64

	NDVI    BandSummary
	KVI2Raw BandSummary
	KVI01   BandSummary

	// SaturatedLow and SaturatedHigh count rescaled pixels clamped to 0 and 1
	SaturatedLow  int
	SaturatedHigh int

	Bounds   models.BoundPair
	Duration time.Duration
}

func summarizeBand(b *models.Band) BandSummary {
	values := make([]float64, 0, len(b.Data))
	for i, v := range b.Data {
		if b.IsValid(i) {
			values = append(values, v)
		}
	}
	s := BandSummary{Valid: len(values)}
	switch len(values) {
	case 0:
	case 1:
		s.Mean = values[0]
	default:
		s.Mean, s.StdDev = stat.MeanStdDev(values, nil)
	}
	return s
}

// Summarize computes run metrics from a result
func Summarize(res *Result) Summary {
	s := Summary{Bounds: res.Bounds}
	if res.Mask != nil {
		s.Pixels = len(res.Mask.Valid)
		s.VegetationPixels = res.Mask.Count()
		if s.Pixels > 0 {
			s.VegetationFraction = float64(s.VegetationPixels) / float64(s.Pixels)
		}
	}
	if res.Indices != nil {
		s.NDVI = summarizeBand(&res.Indices.NDVI.Bands[0])
		s.KVI2Raw = summarizeBand(&res.Indices.KVI2Raw.Bands[0])
	}
	if res.Rescale != nil {
		b := &res.Rescale.Bands[0]
		s.KVI01 = summarizeBand(b)
		for i, v := range b.Data {
			if !b.IsValid(i) {
				continue
			}
			switch v {
			case 0:
				s.SaturatedLow++
			case 1:
				s.SaturatedHigh++
			}
		}
	}
	return s
}

// Print writes a human readable summary
func (s Summary) Print(w io.Writer) {
	fmt.Fprintf(w, "Pixels:            %d\n", s.Pixels)
	fmt.Fprintf(w, "Vegetation:        %d (%.1f%%)\n", s.VegetationPixels, s.VegetationFraction*100)
	fmt.Fprintf(w, "Bounds:            [%.6f, %.6f] (%s", s.Bounds.Low, s.Bounds.High, s.Bounds.Source)
	if s.Bounds.Approximate {
		fmt.Fprintf(w, ", approximate at %gm", s.Bounds.Scale)
	}
	fmt.Fprintln(w, ")")
	fmt.Fprintf(w, "NDVI mean/std:     %.4f / %.4f\n", s.NDVI.Mean, s.NDVI.StdDev)
	fmt.Fprintf(w, "KVI2 mean/std:     %.4f / %.4f\n", s.KVI2Raw.Mean, s.KVI2Raw.StdDev)
	fmt.Fprintf(w, "KVI2_01 mean/std:  %.4f / %.4f\n", s.KVI01.Mean, s.KVI01.StdDev)
	fmt.Fprintf(w, "Saturated (0/1):   %d / %d\n", s.SaturatedLow, s.SaturatedHigh)
	fmt.Fprintf(w, "Duration:          %v\n", s.Duration)
}
