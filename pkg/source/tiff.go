package source

import (
	"bufio"
	"context"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/image/tiff"

	"kvi2/internal/models"
)

// DefaultResolution is the pixel size assumed when no world file is present
const DefaultResolution = 10.0

// TIFFDirLoader reads a directory holding one single-band TIFF per band.
// The file stem is the band name (b1.tif -> b1). Georeferencing comes from
// an optional ESRI world file next to the first band (b1.tfw).
type TIFFDirLoader struct {
	Resolution float64
}

// Load reads every *.tif/*.tiff in the asset directory
func (l *TIFFDirLoader) Load(ctx context.Context, asset string) (*models.Raster, error) {
	entries, err := os.ReadDir(asset)
	if err != nil {
		return nil, fmt.Errorf("failed to read asset directory: %w", err)
	}

	var files []string
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if !e.IsDir() && (ext == ".tif" || ext == ".tiff") {
			files = append(files, e.Name())
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no TIFF bands found in %s", asset)
	}
	sort.Strings(files)

	var fp models.Footprint
	bands := make([]models.Band, 0, len(files))
	for i, name := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		img, err := decodeTIFF(filepath.Join(asset, name))
		if err != nil {
			return nil, err
		}
		stem := strings.TrimSuffix(name, filepath.Ext(name))
		b := imageBand(stem, img)

		if i == 0 {
			fp, err = l.footprint(filepath.Join(asset, stem), img.Bounds())
			if err != nil {
				return nil, err
			}
		}
		bands = append(bands, b)
	}

	return models.NewRaster(fp, bands...)
}

func decodeTIFF(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, err := tiff.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return img, nil
}

// imageBand converts a decoded TIFF into a band of raw digital numbers
func imageBand(name string, img image.Image) models.Band {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	b := models.Band{Name: name, Data: make([]float64, w*h)}

	switch src := img.(type) {
	case *image.Gray16:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				b.Data[y*w+x] = float64(src.Gray16At(bounds.Min.X+x, bounds.Min.Y+y).Y)
			}
		}
	case *image.Gray:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				b.Data[y*w+x] = float64(src.GrayAt(bounds.Min.X+x, bounds.Min.Y+y).Y)
			}
		}
	default:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				g := color.Gray16Model.Convert(img.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.Gray16)
				b.Data[y*w+x] = float64(g.Y)
			}
		}
	}
	return b
}

func (l *TIFFDirLoader) footprint(stemPath string, bounds image.Rectangle) (models.Footprint, error) {
	res := l.Resolution
	if res <= 0 {
		res = DefaultResolution
	}
	fp := models.Footprint{
		Width:        bounds.Dx(),
		Height:       bounds.Dy(),
		Resolution:   res,
		GeoTransform: [6]float64{0, res, 0, float64(bounds.Dy()) * res, 0, -res},
	}

	gt, err := readWorldFile(stemPath + ".tfw")
	if os.IsNotExist(err) {
		return fp, nil
	}
	if err != nil {
		return fp, err
	}
	fp.GeoTransform = gt
	fp.Resolution = gt[1]
	if fp.Resolution < 0 {
		fp.Resolution = -fp.Resolution
	}
	return fp, nil
}

// readWorldFile parses the six lines A D B E C F of an ESRI world file.
// C and F locate the center of the upper-left pixel.
func readWorldFile(path string) ([6]float64, error) {
	var gt [6]float64
	f, err := os.Open(path)
	if err != nil {
		return gt, err
	}
	defer f.Close()

	var v []float64
	sc := bufio.NewScanner(f)
	for sc.Scan() && len(v) < 6 {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		x, err := strconv.ParseFloat(line, 64)
		if err != nil {
			return gt, fmt.Errorf("world file %s: %w", path, err)
		}
		v = append(v, x)
	}
	if err := sc.Err(); err != nil {
		return gt, err
	}
	if len(v) != 6 {
		return gt, fmt.Errorf("world file %s: expected 6 values, got %d", path, len(v))
	}

	a, d, b, e, c, fy := v[0], v[1], v[2], v[3], v[4], v[5]
	return [6]float64{c - a/2 - b/2, a, b, fy - d/2 - e/2, d, e}, nil
}
