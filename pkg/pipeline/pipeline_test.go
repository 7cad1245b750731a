package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"golang.org/x/image/tiff"

	"kvi2/internal/models"
	"kvi2/pkg/config"
	"kvi2/pkg/export"
	"kvi2/pkg/reduce"
	"kvi2/pkg/source"
)

// createImage builds a width x height image with bands b1..b11 set to constants
func createImage(t *testing.T, width, height int, values map[string]float64) *models.Raster {
	t.Helper()
	fp := models.Footprint{Width: width, Height: height, Resolution: 10, GeoTransform: [6]float64{0, 10, 0, float64(height) * 10, 0, -10}}
	var bands []models.Band
	for i := 1; i <= 11; i++ {
		name := fmt.Sprintf("b%d", i)
		v, ok := values[name]
		if !ok {
			v = 1000
		}
		data := make([]float64, fp.Size())
		for j := range data {
			data[j] = v
		}
		bands = append(bands, models.Band{Name: name, Data: data})
	}
	r, err := models.NewRaster(fp, bands...)
	if err != nil {
		t.Fatalf("Failed to build image: %v", err)
	}
	return r
}

// vegetated gives NDVI 0.5, NDMI 0.5 and a red-edge ratio of 0.25
var vegetated = map[string]float64{"b4": 1000, "b5": 1500, "b6": 2500, "b8": 3000, "b11": 1000}

func testParams(t *testing.T) *Params {
	t.Helper()
	p, err := ParamsFromConfig(config.DefaultConfig(), "memory", false)
	if err != nil {
		t.Fatalf("ParamsFromConfig failed: %v", err)
	}
	p.NumCores = 2
	return p
}

// TestConstantImage checks a uniform vegetated image: percentile bounds
// collapse to the single KVI2 value and the rescaled band is zero everywhere
func TestConstantImage(t *testing.T) {
	img := createImage(t, 2, 2, vegetated)
	res, err := New(testParams(t), &source.Static{Raster: img}).Process(context.Background())
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if res.Bounds.Low != res.Bounds.High {
		t.Errorf("Expected low == high, got %+v", res.Bounds)
	}
	if math.Abs(res.Bounds.Low-0.125) > 1e-12 {
		t.Errorf("Expected bounds at KVI2 = 0.125, got %g", res.Bounds.Low)
	}
	kvi, err := res.Output.Band("KVI2_01")
	if err != nil {
		t.Fatalf("Missing KVI2_01: %v", err)
	}
	for i, v := range kvi.Data {
		if v != 0 {
			t.Errorf("Pixel %d: expected 0, got %g", i, v)
		}
	}
}

// TestFixedBounds checks rescaling against the configured constants
func TestFixedBounds(t *testing.T) {
	// NDMI 0.5 and red-edge ratio 0.4 give KVI2 = 0.2
	img := createImage(t, 2, 2, map[string]float64{"b4": 1000, "b5": 3000, "b6": 7000, "b8": 3000, "b11": 1000})
	p := testParams(t)
	p.Bounds.UsePercentiles = false

	res, err := New(p, &source.Static{Raster: img}).Process(context.Background())
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if res.Bounds.Source != models.BoundsFixed || res.Bounds.Low != -0.2 || res.Bounds.High != 0.6 {
		t.Errorf("Unexpected bounds %+v", res.Bounds)
	}
	kvi, _ := res.Output.Band("KVI2_01")
	for i, v := range kvi.Data {
		if math.Abs(v-0.5) > 1e-9 {
			t.Errorf("Pixel %d: expected 0.5, got %g", i, v)
		}
	}
}

// spyReducer fails the test if reached and counts calls
type spyReducer struct {
	calls int
}

func (s *spyReducer) Percentiles(r *models.Raster, req reduce.Request) (*reduce.Result, error) {
	s.calls++
	return reduce.NewReducer().Percentiles(r, req)
}

// TestNoVegetation checks the run aborts with ErrNoValidData when the mask is empty
func TestNoVegetation(t *testing.T) {
	// NDVI is zero everywhere
	img := createImage(t, 2, 2, map[string]float64{"b4": 1000, "b8": 1000})
	spy := &spyReducer{}

	res, err := New(testParams(t), &source.Static{Raster: img}, WithReducer(spy)).Process(context.Background())
	if !errors.Is(err, models.ErrNoValidData) {
		t.Fatalf("Expected ErrNoValidData, got %v", err)
	}
	if res != nil {
		t.Error("No result should be produced")
	}
	if spy.calls != 1 {
		t.Errorf("Expected one reduction, got %d", spy.calls)
	}
}

// TestOutputAssembly checks band order, provenance and display layers
func TestOutputAssembly(t *testing.T) {
	img := createImage(t, 3, 3, vegetated)
	p := testParams(t)
	p.Expressions = []config.Expression{{Name: "NDRE", Expression: "(b8 - b5) / (b8 + b5)"}}

	res, err := New(p, &source.Static{Raster: img}).Process(context.Background())
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	want := []string{"RGB_b3", "RGB_b2", "RGB_b1", "NDVI", "KVI2_01", "NDRE"}
	if !reflect.DeepEqual(res.Output.BandNames(), want) {
		t.Errorf("Expected bands %v, got %v", want, res.Output.BandNames())
	}

	if len(res.Layers) != 3 {
		t.Fatalf("Expected 3 layers, got %d", len(res.Layers))
	}
	if res.Layers[0].Label != "RGB (b3,b2,b1)" || res.Layers[2].Label != "KVI2 (0–1)" {
		t.Errorf("Unexpected layer labels %q %q", res.Layers[0].Label, res.Layers[2].Label)
	}
	if !reflect.DeepEqual(res.Layers[0].Vis.Bands, []string{"RGB_b3", "RGB_b2", "RGB_b1"}) {
		t.Errorf("RGB layer should display the renamed bands, got %v", res.Layers[0].Vis.Bands)
	}
	if res.Layers[1].Vis.Max != 0.9 || res.Layers[2].Vis.Max != 0.6 {
		t.Errorf("Unexpected display ranges %+v %+v", res.Layers[1].Vis, res.Layers[2].Vis)
	}

	if res.Summary.Pixels != 9 || res.Summary.VegetationPixels != 9 {
		t.Errorf("Unexpected summary %+v", res.Summary)
	}
	if res.Summary.SaturatedLow != 9 {
		t.Errorf("Expected all pixels saturated low, got %d", res.Summary.SaturatedLow)
	}

	var buf bytes.Buffer
	res.Summary.Print(&buf)
	if !strings.Contains(buf.String(), "percentile") {
		t.Errorf("Summary should name the bound source:\n%s", buf.String())
	}
}

// TestRescaleAppliesToMaskedPixels checks non-vegetation pixels are rescaled too
func TestRescaleAppliesToMaskedPixels(t *testing.T) {
	img := createImage(t, 2, 1, vegetated)
	// second pixel: NDVI 0
	b4, _ := img.Band("b4")
	b4.Data[1] = 3000

	res, err := New(testParams(t), &source.Static{Raster: img}).Process(context.Background())
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if res.Mask.Valid[1] {
		t.Fatal("Second pixel should be outside the vegetation mask")
	}
	kvi, _ := res.Output.Band("KVI2_01")
	if !kvi.IsValid(1) {
		t.Error("Masked pixels must still be rescaled")
	}
	if res.Bounds.Samples != 1 {
		t.Errorf("Only the vegetated pixel should enter the statistic, got %d samples", res.Bounds.Samples)
	}
}

func TestProcessErrors(t *testing.T) {
	img := createImage(t, 2, 2, vegetated)

	p := testParams(t)
	p.Bands.SWIR = "b12"
	if _, err := New(p, &source.Static{Raster: img}).Process(context.Background()); !errors.Is(err, models.ErrBandNotFound) {
		t.Errorf("Expected ErrBandNotFound, got %v", err)
	}

	p = testParams(t)
	p.Expressions = []config.Expression{{Name: "NDVI", Expression: "b8 / b4"}}
	if _, err := New(p, &source.Static{Raster: img}).Process(context.Background()); !errors.Is(err, models.ErrNameCollision) {
		t.Errorf("Expected ErrNameCollision, got %v", err)
	}

	if _, err := New(testParams(t), &source.Static{}).Process(context.Background()); err == nil {
		t.Error("Expected a load error")
	}
}

func TestProcessSavesLayersAndExports(t *testing.T) {
	dir := t.TempDir()
	img := createImage(t, 4, 4, vegetated)

	p := testParams(t)
	p.SaveLayers = true
	p.LayersDir = filepath.Join(dir, "layers")
	p.Export = &export.Request{Description: "RGB_NDVI_KVI2_out", Scale: 20}

	exporter := export.NewExporter(&export.CSVSink{Dir: filepath.Join(dir, "exports")})
	res, err := New(p, &source.Static{Raster: img}, WithExporter(exporter)).Process(context.Background())
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if len(res.LayerFiles) != 3 {
		t.Errorf("Expected 3 layer files, got %v", res.LayerFiles)
	}
	if len(res.Artifacts) != 1 {
		t.Fatalf("Expected 1 artifact, got %d", len(res.Artifacts))
	}
	if _, err := os.Stat(filepath.Join(dir, "exports", "RGB_NDVI_KVI2_out.csv")); err != nil {
		t.Errorf("Expected CSV export: %v", err)
	}
}

func TestParamsFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Export.AssetID = "users/me/kvi2"

	p, err := ParamsFromConfig(cfg, "scene", true)
	if err != nil {
		t.Fatalf("ParamsFromConfig failed: %v", err)
	}
	if p.Bands.NIR != "b8" || p.Bands.RedEdgeLow != "b5" {
		t.Errorf("Unexpected band mapping %+v", p.Bands)
	}
	if !p.Bounds.UsePercentiles || p.Bounds.LowPercentile != 2 || p.Bounds.HighPercentile != 98 {
		t.Errorf("Unexpected bound options %+v", p.Bounds)
	}
	if p.Export == nil || p.Export.AssetID != "users/me/kvi2" || p.Export.MaxPixels != 1e13 {
		t.Errorf("Unexpected export request %+v", p.Export)
	}
	if !p.Bounds.Region.IsFull() {
		t.Error("Expected the full footprint without a region file")
	}
	if p.Export.Scale != 0 {
		t.Errorf("Expected exports at native scale, got %g", p.Export.Scale)
	}

	cfg.Reduce.RegionFile = filepath.Join(t.TempDir(), "missing.geojson")
	if _, err := ParamsFromConfig(cfg, "scene", false); err == nil {
		t.Error("Expected error for a missing region file")
	}

	cfg = config.DefaultConfig()
	cfg.Rescale.Epsilon = 0
	if _, err := ParamsFromConfig(cfg, "scene", false); err == nil {
		t.Error("Expected a validation error")
	}
}

func TestExporterFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Export.Formats = []string{"geotiff", "csv"}
	e, closeFn, err := ExporterFromConfig(context.Background(), cfg)
	if err != nil {
		t.Fatalf("ExporterFromConfig failed: %v", err)
	}
	defer closeFn()
	if e == nil {
		t.Fatal("Expected an exporter")
	}

	cfg.Export.Formats = []string{"shapefile"}
	if _, _, err := ExporterFromConfig(context.Background(), cfg); err == nil {
		t.Error("Expected error for an unknown format")
	}

	cfg.Export.Formats = []string{"catalog"}
	if _, _, err := ExporterFromConfig(context.Background(), cfg); err == nil {
		t.Error("Expected error for a catalog without database URL")
	}
}

// writeTIFFImage writes bands b1..b11 as width x height Gray16 TIFFs into dir
func writeTIFFImage(t *testing.T, dir string, width, height int, values map[string]float64) {
	t.Helper()
	for i := 1; i <= 11; i++ {
		name := fmt.Sprintf("b%d", i)
		v, ok := values[name]
		if !ok {
			v = 1000
		}
		img := image.NewGray16(image.Rect(0, 0, width, height))
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				img.SetGray16(x, y, color.Gray16{Y: uint16(v)})
			}
		}
		f, err := os.Create(filepath.Join(dir, name+".tif"))
		if err != nil {
			t.Fatalf("Failed to create %s: %v", name, err)
		}
		if err := tiff.Encode(f, img, nil); err != nil {
			f.Close()
			t.Fatalf("Failed to encode %s: %v", name, err)
		}
		f.Close()
	}
}

// TestReduceScaleCoarsensSampling checks that reduce.scale is applied against
// the native image resolution, not used as the image resolution
func TestReduceScaleCoarsensSampling(t *testing.T) {
	dir := t.TempDir()
	writeTIFFImage(t, dir, 4, 4, vegetated)

	cases := []struct {
		scale   float64
		samples int
	}{
		{10, 16},
		{20, 4},
		{40, 1},
	}
	for _, c := range cases {
		cfg := config.DefaultConfig()
		cfg.Reduce.Scale = c.scale

		loader, err := LoaderFromConfig(cfg)
		if err != nil {
			t.Fatalf("LoaderFromConfig failed: %v", err)
		}
		params, err := ParamsFromConfig(cfg, dir, false)
		if err != nil {
			t.Fatalf("ParamsFromConfig failed: %v", err)
		}
		res, err := New(params, loader).Process(context.Background())
		if err != nil {
			t.Fatalf("Process at %gm failed: %v", c.scale, err)
		}
		if res.Output.Footprint.Resolution != 10 {
			t.Errorf("Expected native resolution 10, got %g", res.Output.Footprint.Resolution)
		}
		if res.Bounds.Samples != c.samples {
			t.Errorf("Scale %gm: expected %d samples, got %d", c.scale, c.samples, res.Bounds.Samples)
		}
		if res.Bounds.Scale != c.scale || res.Bounds.Approximate {
			t.Errorf("Scale %gm: expected exact reduction, got scale %g (approximate %v)", c.scale, res.Bounds.Scale, res.Bounds.Approximate)
		}
	}
}

// TestExportKeepsNativeFootprint checks a configured export is not resampled
// to the reduction scale
func TestExportKeepsNativeFootprint(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Reduce.Scale = 10

	p, err := ParamsFromConfig(cfg, "scene", true)
	if err != nil {
		t.Fatalf("ParamsFromConfig failed: %v", err)
	}

	// a 5m image would be halved if the reduction scale leaked into the export
	img := createImage(t, 4, 4, vegetated)
	img.Footprint.Resolution = 5
	img.Footprint.GeoTransform = [6]float64{0, 5, 0, 20, 0, -5}

	out, err := export.Prepare(img, *p.Export)
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if !out.Footprint.Equal(img.Footprint) {
		t.Errorf("Expected export footprint %+v, got %+v", img.Footprint, out.Footprint)
	}
}
