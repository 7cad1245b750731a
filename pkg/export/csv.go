package export

import (
	"context"
	"fmt"
	"os"

	"github.com/gocarina/gocsv"

	"kvi2/internal/models"
)

// PixelRecord is one valid pixel of one band in long format
type PixelRecord struct {
	Band  string  `csv:"band"`
	Col   int     `csv:"col"`
	Row   int     `csv:"row"`
	X     float64 `csv:"x"`
	Y     float64 `csv:"y"`
	Value float64 `csv:"value"`
}

// CSVSink writes every valid pixel as a row of <Dir>/<description>.csv
type CSVSink struct {
	Dir string
}

// Name returns "csv"
func (s *CSVSink) Name() string { return "csv" }

// Records flattens r into pixel records, skipping absent pixels
func Records(r *models.Raster) []*PixelRecord {
	fp := r.Footprint
	var records []*PixelRecord
	for _, b := range r.Bands {
		for i, v := range b.Data {
			if !b.IsValid(i) {
				continue
			}
			col, row := i%fp.Width, i/fp.Width
			x, y := fp.PixelCenter(col, row)
			records = append(records, &PixelRecord{Band: b.Name, Col: col, Row: row, X: x, Y: y, Value: v})
		}
	}
	return records
}

// Write creates <Dir>/<description>.csv
func (s *CSVSink) Write(ctx context.Context, r *models.Raster, req Request) (Artifact, error) {
	if err := os.MkdirAll(s.Dir, 0755); err != nil {
		return Artifact{}, fmt.Errorf("failed to create export directory: %w", err)
	}
	path := filePath(s.Dir, req.Description, ".csv")

	file, err := os.Create(path)
	if err != nil {
		return Artifact{}, err
	}
	defer file.Close()

	records := Records(r)
	if err := gocsv.MarshalFile(&records, file); err != nil {
		return Artifact{}, fmt.Errorf("failed to write %s: %w", path, err)
	}
	return Artifact{Sink: s.Name(), Location: path}, nil
}
