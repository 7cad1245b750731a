package algebra

import (
	"errors"
	"math"
	"testing"

	"kvi2/internal/models"
)

func TestExpression(t *testing.T) {
	values := map[string][]float64{
		"b8": {3000, 2000, 0},
		"b5": {1000, 2000, 0},
	}
	r := createTestRaster(t, 3, 1, []string{"b8", "b5"}, func(band string, i int) float64 { return values[band][i] })

	out, err := NewCalculator(2).Expression(r, "NDRE", "(b8 - b5) / (b8 + b5)")
	if err != nil {
		t.Fatalf("Expression failed: %v", err)
	}
	b := out.Bands[0]
	if b.Name != "NDRE" {
		t.Errorf("Expected band NDRE, got %s", b.Name)
	}
	if math.Abs(b.Data[0]-0.5) > 1e-12 || !b.IsValid(0) {
		t.Errorf("Pixel 0: expected 0.5, got %g (valid %v)", b.Data[0], b.IsValid(0))
	}
	if b.Data[1] != 0 || !b.IsValid(1) {
		t.Errorf("Pixel 1: expected 0, got %g", b.Data[1])
	}
	// 0/0 is not a finite number
	if b.IsValid(2) {
		t.Errorf("Pixel 2 should be absent, got %g", b.Data[2])
	}
}

func TestExpressionMatchesNormalizedDifference(t *testing.T) {
	r := createTestRaster(t, 4, 4, []string{"b6", "b5"}, func(band string, i int) float64 {
		if band == "b6" {
			return float64(100 + i*7)
		}
		return float64(50 + i*3)
	})

	calc := NewCalculator(3)
	viaExpr, err := calc.Expression(r, "r", "(b6 - b5) / (b6 + b5)")
	if err != nil {
		t.Fatalf("Expression failed: %v", err)
	}
	viaND, err := calc.NormalizedDifference(r, "b6", "b5")
	if err != nil {
		t.Fatalf("NormalizedDifference failed: %v", err)
	}
	for i := range viaND.Bands[0].Data {
		if math.Abs(viaND.Bands[0].Data[i]-viaExpr.Bands[0].Data[i]) > 1e-12 {
			t.Errorf("Pixel %d differs: %g vs %g", i, viaND.Bands[0].Data[i], viaExpr.Bands[0].Data[i])
		}
	}
}

func TestExpressionUnknownBand(t *testing.T) {
	r := createTestRaster(t, 1, 1, []string{"b8"}, func(string, int) float64 { return 1 })
	_, err := NewCalculator(1).Expression(r, "x", "b8 * b99")
	if !errors.Is(err, models.ErrBandNotFound) {
		t.Errorf("Expected ErrBandNotFound, got %v", err)
	}
}

func TestExpressionSyntaxError(t *testing.T) {
	r := createTestRaster(t, 1, 1, []string{"b8"}, func(string, int) float64 { return 1 })
	if _, err := NewCalculator(1).Expression(r, "x", "(b8 +"); err == nil {
		t.Error("Expected a parse error")
	}
	if _, err := NewCalculator(1).Expression(r, "x", "  "); err == nil {
		t.Error("Expected an error for an empty expression")
	}
}

func TestExpressionSkipsAbsentInputs(t *testing.T) {
	r := createTestRaster(t, 2, 1, []string{"b8"}, func(string, int) float64 { return 4 })
	r.Bands[0].Valid = []bool{false, true}

	out, err := NewCalculator(1).Expression(r, "half", "b8 / 2")
	if err != nil {
		t.Fatalf("Expression failed: %v", err)
	}
	if out.Bands[0].IsValid(0) {
		t.Error("Pixel 0 should stay absent")
	}
	if out.Bands[0].Data[1] != 2 {
		t.Errorf("Pixel 1: expected 2, got %g", out.Bands[0].Data[1])
	}
}
