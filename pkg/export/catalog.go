package export

import (
	"context"
	"fmt"
	"math"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"kvi2/internal/models"
)

// BatchSender is the part of a pgx pool the catalog sink uses
type BatchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// CatalogSink stores the raster as a managed asset in PostgreSQL: one row in
// assets plus one row per band in asset_bands, keyed by asset id.
type CatalogSink struct {
	db BatchSender
}

// NewCatalogSink creates a sink over an existing pool or any batch sender
func NewCatalogSink(db BatchSender) *CatalogSink {
	return &CatalogSink{db: db}
}

// OpenCatalog connects to databaseURL and returns the sink with its pool
func OpenCatalog(ctx context.Context, databaseURL string) (*CatalogSink, *pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, nil, err
	}
	return NewCatalogSink(pool), pool, nil
}

// Name returns "catalog"
func (s *CatalogSink) Name() string { return "catalog" }

// schema creates the catalog tables when they do not exist
var schema = []string{`
CREATE TABLE IF NOT EXISTS assets (
    asset_id     TEXT PRIMARY KEY,
    description  TEXT NOT NULL,
    width        INTEGER NOT NULL,
    height       INTEGER NOT NULL,
    resolution   DOUBLE PRECISION NOT NULL,
    geotransform DOUBLE PRECISION[] NOT NULL,
    crs          TEXT,
    created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`, `
CREATE TABLE IF NOT EXISTS asset_bands (
    asset_id    TEXT NOT NULL REFERENCES assets(asset_id) ON DELETE CASCADE,
    band_index  INTEGER NOT NULL,
    name        TEXT NOT NULL,
    valid_count INTEGER NOT NULL,
    min_value   DOUBLE PRECISION,
    max_value   DOUBLE PRECISION,
    mean_value  DOUBLE PRECISION,
    pixels      DOUBLE PRECISION[] NOT NULL,
    PRIMARY KEY (asset_id, band_index)
)`}

// EnsureSchema creates the assets and asset_bands tables
func (s *CatalogSink) EnsureSchema(ctx context.Context) error {
	batch := &pgx.Batch{}
	for _, stmt := range schema {
		batch.Queue(stmt)
	}
	return s.send(ctx, batch)
}

const upsertAssetSQL = `INSERT INTO assets (asset_id, description, width, height, resolution, geotransform, crs)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (asset_id) DO UPDATE
SET description = EXCLUDED.description,
    width = EXCLUDED.width,
    height = EXCLUDED.height,
    resolution = EXCLUDED.resolution,
    geotransform = EXCLUDED.geotransform,
    crs = EXCLUDED.crs,
    updated_at = NOW()`

const deleteBandsSQL = `DELETE FROM asset_bands WHERE asset_id = $1`

const insertBandSQL = `INSERT INTO asset_bands (asset_id, band_index, name, valid_count, min_value, max_value, mean_value, pixels)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`

// BandStats summarizes the valid pixels of a band. Min, Max and Mean are nil
// when the band has no valid pixel.
type BandStats struct {
	ValidCount int
	Min        *float64
	Max        *float64
	Mean       *float64
}

// Stats computes BandStats for b
func Stats(b *models.Band) BandStats {
	var values []float64
	for i, v := range b.Data {
		if b.IsValid(i) {
			values = append(values, v)
		}
	}
	st := BandStats{ValidCount: len(values)}
	if len(values) == 0 {
		return st
	}
	lo, hi, mean := floats.Min(values), floats.Max(values), stat.Mean(values, nil)
	st.Min, st.Max, st.Mean = &lo, &hi, &mean
	return st
}

// Write upserts the asset and replaces its bands in one batch
func (s *CatalogSink) Write(ctx context.Context, r *models.Raster, req Request) (Artifact, error) {
	id := req.AssetID
	if id == "" {
		id = req.Description
	}
	fp := r.Footprint

	batch := &pgx.Batch{}
	batch.Queue(upsertAssetSQL, id, req.Description, fp.Width, fp.Height, fp.Resolution, fp.GeoTransform[:], fp.CRS)
	batch.Queue(deleteBandsSQL, id)
	for i := range r.Bands {
		b := &r.Bands[i]
		st := Stats(b)
		pixels := make([]float64, len(b.Data))
		for j, v := range b.Data {
			if b.IsValid(j) {
				pixels[j] = v
			} else {
				pixels[j] = math.NaN()
			}
		}
		batch.Queue(insertBandSQL, id, i, b.Name, st.ValidCount, st.Min, st.Max, st.Mean, pixels)
	}

	if err := s.send(ctx, batch); err != nil {
		return Artifact{}, fmt.Errorf("catalog write for %s: %w", id, err)
	}
	return Artifact{Sink: s.Name(), Location: "assets/" + id}, nil
}

func (s *CatalogSink) send(ctx context.Context, batch *pgx.Batch) error {
	res := s.db.SendBatch(ctx, batch)
	defer res.Close()

	for i := 0; i < batch.Len(); i++ {
		if _, err := res.Exec(); err != nil {
			return err
		}
	}
	return nil
}
