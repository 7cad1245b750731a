package server

import (
	"bytes"
	"encoding/json"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"

	"kvi2/internal/models"
	"kvi2/pkg/visualization"
)

func testSnapshot(t *testing.T) *Snapshot {
	t.Helper()
	fp := models.Footprint{Width: 4, Height: 2, Resolution: 10, GeoTransform: [6]float64{0, 10, 0, 20, 0, -10}}
	ndvi, err := models.NewRaster(fp, models.Band{Name: "NDVI", Data: []float64{0, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7}})
	if err != nil {
		t.Fatalf("Failed to build raster: %v", err)
	}
	layers := []models.Layer{
		{Label: "NDVI", Raster: ndvi, Vis: models.VisParams{Min: 0, Max: 0.9, Palette: []string{"#ffffff", "#00ff00"}}},
	}
	return &Snapshot{
		Viewer: visualization.NewViewer(layers),
		Bounds: models.BoundPair{Low: 0.1, High: 0.5, Source: models.BoundsPercentile, Samples: 8},
		Output: ndvi,
	}
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Engine().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	rec := get(t, New(":0", nil), "/healthz")
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", rec.Code)
	}
}

func TestNoSnapshot(t *testing.T) {
	rec := get(t, New(":0", nil), "/layers")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", rec.Code)
	}
}

func TestListLayers(t *testing.T) {
	rec := get(t, New(":0", testSnapshot(t)), "/layers")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Data []struct {
			Index int    `json:"index"`
			Label string `json:"label"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Invalid JSON: %v", err)
	}
	if len(body.Data) != 1 || body.Data[0].Label != "NDVI" {
		t.Errorf("Unexpected layers %+v", body.Data)
	}
}

func TestLayerPNG(t *testing.T) {
	s := New(":0", testSnapshot(t))

	rec := get(t, s, "/layers/0/png")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("Expected image/png, got %s", ct)
	}
	img, err := png.Decode(bytes.NewReader(rec.Body.Bytes()))
	if err != nil {
		t.Fatalf("Invalid PNG: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 4 || b.Dy() != 2 {
		t.Errorf("Expected 4x2 image, got %dx%d", b.Dx(), b.Dy())
	}

	rec = get(t, s, "/layers/0/png?x0=1&y0=0&x1=3&y1=2")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 for a window, got %d: %s", rec.Code, rec.Body.String())
	}
	img, err = png.Decode(bytes.NewReader(rec.Body.Bytes()))
	if err != nil {
		t.Fatalf("Invalid PNG: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 2 || b.Dy() != 2 {
		t.Errorf("Expected 2x2 window, got %dx%d", b.Dx(), b.Dy())
	}

	if rec := get(t, s, "/layers/7/png"); rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for a missing layer, got %d", rec.Code)
	}
	if rec := get(t, s, "/layers/abc/png"); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for a bad index, got %d", rec.Code)
	}
	if rec := get(t, s, "/layers/0/png?x0=0&y0=0&x1=9&y1=1"); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for an oversized window, got %d", rec.Code)
	}
}

func TestLegendPNG(t *testing.T) {
	s := New(":0", testSnapshot(t))
	rec := get(t, s, "/layers/0/legend.png?width=100&height=30")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	img, err := png.Decode(bytes.NewReader(rec.Body.Bytes()))
	if err != nil {
		t.Fatalf("Invalid PNG: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 100 || b.Dy() != 30 {
		t.Errorf("Expected 100x30 legend, got %dx%d", b.Dx(), b.Dy())
	}
	if rec := get(t, s, "/layers/0/legend.png?width=x"); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for a bad width, got %d", rec.Code)
	}
}

func TestBoundsAndBands(t *testing.T) {
	s := New(":0", testSnapshot(t))

	rec := get(t, s, "/bounds")
	var bounds struct {
		Data models.BoundPair `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &bounds); err != nil {
		t.Fatalf("Invalid JSON: %v", err)
	}
	if bounds.Data.Low != 0.1 || bounds.Data.High != 0.5 || bounds.Data.Source != models.BoundsPercentile {
		t.Errorf("Unexpected bounds %+v", bounds.Data)
	}

	rec = get(t, s, "/bands")
	var bands struct {
		Data []string `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &bands); err != nil {
		t.Fatalf("Invalid JSON: %v", err)
	}
	if len(bands.Data) != 1 || bands.Data[0] != "NDVI" {
		t.Errorf("Unexpected bands %v", bands.Data)
	}
}

func TestUpdate(t *testing.T) {
	s := New(":0", nil)
	s.Update(testSnapshot(t))
	if rec := get(t, s, "/layers"); rec.Code != http.StatusOK {
		t.Errorf("Expected 200 after update, got %d", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	req := httptest.NewRequest(http.MethodOptions, "/layers", nil)
	rec := httptest.NewRecorder()
	New(":0", nil).Engine().ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("Expected 204, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("Expected CORS header")
	}
}
