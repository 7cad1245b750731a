// Package server serves the display layers of a pipeline run over HTTP.
package server

import (
	"bytes"
	"context"
	"errors"
	"image"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/fogleman/gg"
	"github.com/gin-gonic/gin"

	"kvi2/internal/models"
	"kvi2/pkg/visualization"
)

// Snapshot is the run result the server exposes
type Snapshot struct {
	Viewer *visualization.Viewer
	Bounds models.BoundPair
	Output *models.Raster
}

// Server bundles router and the current snapshot
type Server struct {
	addr   string
	engine *gin.Engine

	mu   sync.RWMutex
	snap *Snapshot
}

// New constructs a server with routes and middleware
func New(addr string, snap *Snapshot) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(corsMiddleware())

	s := &Server{addr: addr, engine: engine, snap: snap}
	s.registerRoutes()
	return s
}

// Engine exposes the underlying gin engine (for tests)
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Update swaps the snapshot, e.g. after a batch item completes
func (s *Server) Update(snap *Snapshot) {
	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()
}

func (s *Server) snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Run starts the HTTP server and blocks until shutdown
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.addr,
		Handler: s.engine,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	s.engine.GET("/layers", s.handleListLayers)
	s.engine.GET("/layers/:index/png", s.handleLayerPNG)
	s.engine.GET("/layers/:index/legend.png", s.handleLegendPNG)
	s.engine.GET("/bounds", s.handleBounds)
	s.engine.GET("/bands", s.handleBands)
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// requireSnapshot aborts with 503 until a run has completed
func (s *Server) requireSnapshot(c *gin.Context) *Snapshot {
	snap := s.snapshot()
	if snap == nil || snap.Viewer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no run available yet"})
		return nil
	}
	return snap
}

func (s *Server) handleListLayers(c *gin.Context) {
	snap := s.requireSnapshot(c)
	if snap == nil {
		return
	}

	layers := make([]gin.H, 0, len(snap.Viewer.Layers()))
	for i, l := range snap.Viewer.Layers() {
		layers = append(layers, gin.H{
			"index": i,
			"label": l.Label,
			"vis":   l.Vis,
			"bands": l.Raster.BandNames(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"data": layers, "meta": gin.H{"count": len(layers)}})
}

func layerIndex(c *gin.Context) (int, bool) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid layer index"})
		return 0, false
	}
	return index, true
}

func (s *Server) handleLayerPNG(c *gin.Context) {
	snap := s.requireSnapshot(c)
	if snap == nil {
		return
	}
	index, ok := layerIndex(c)
	if !ok {
		return
	}
	if _, err := snap.Viewer.Layer(index); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	var img image.Image
	var err error
	if c.Query("x1") != "" {
		var win [4]int
		for i, key := range []string{"x0", "y0", "x1", "y1"} {
			if win[i], err = strconv.Atoi(c.DefaultQuery(key, "0")); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + key})
				return
			}
		}
		img, err = snap.Viewer.ExtractRegion(index, win[0], win[1], win[2], win[3])
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	} else if img, err = snap.Viewer.ExtractLayer(index); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	writePNG(c, img)
}

func (s *Server) handleLegendPNG(c *gin.Context) {
	snap := s.requireSnapshot(c)
	if snap == nil {
		return
	}
	index, ok := layerIndex(c)
	if !ok {
		return
	}
	width, err := strconv.Atoi(c.DefaultQuery("width", "256"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid width"})
		return
	}
	height, err := strconv.Atoi(c.DefaultQuery("height", "40"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid height"})
		return
	}

	img, err := snap.Viewer.Legend(index, width, height)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	writePNG(c, img)
}

func writePNG(c *gin.Context, img image.Image) {
	var buf bytes.Buffer
	if err := gg.NewContextForImage(img).EncodePNG(&buf); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "image/png", buf.Bytes())
}

func (s *Server) handleBounds(c *gin.Context) {
	snap := s.requireSnapshot(c)
	if snap == nil {
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": snap.Bounds})
}

func (s *Server) handleBands(c *gin.Context) {
	snap := s.requireSnapshot(c)
	if snap == nil {
		return
	}
	if snap.Output == nil {
		c.JSON(http.StatusOK, gin.H{"data": []string{}})
		return
	}
	fp := snap.Output.Footprint
	c.JSON(http.StatusOK, gin.H{
		"data": snap.Output.BandNames(),
		"meta": gin.H{
			"width":        fp.Width,
			"height":       fp.Height,
			"resolution":   fp.Resolution,
			"geotransform": fp.GeoTransform,
		},
	})
}
