package pipeline

import (
	"context"
	"io"
	"path/filepath"
	"sync"

	"github.com/gammazero/workerpool"
	"github.com/schollz/progressbar/v3"
)

// BatchItem is the outcome of one asset in a batch
type BatchItem struct {
	Asset  string
	Result *Result
	Err    error
}

// Factory builds the pipeline for one asset
type Factory func(asset string) (*Pipeline, error)

// BatchOptions controls a batch run
type BatchOptions struct {
	// Workers bounds concurrent pipelines; values below 1 run one at a time
	Workers int

	// Progress receives the progress bar; nil hides it
	Progress io.Writer
}

// RunBatch processes every asset on a worker pool. Results keep the order of
// assets. A failing asset does not stop the others.
func RunBatch(ctx context.Context, assets []string, factory Factory, opts BatchOptions) []BatchItem {
	workers := max(1, opts.Workers)
	out := opts.Progress
	if out == nil {
		out = io.Discard
	}
	bar := progressbar.NewOptions(len(assets),
		progressbar.OptionSetWriter(out),
		progressbar.OptionSetDescription("Processing images"),
		progressbar.OptionShowCount(),
	)

	items := make([]BatchItem, len(assets))
	var mu sync.Mutex

	wp := workerpool.New(workers)
	for i, asset := range assets {
		wp.Submit(func() {
			item := BatchItem{Asset: asset}
			if err := ctx.Err(); err != nil {
				item.Err = err
			} else if p, err := factory(asset); err != nil {
				item.Err = err
			} else {
				item.Result, item.Err = p.Process(ctx)
			}

			mu.Lock()
			items[i] = item
			bar.Add(1)
			mu.Unlock()
		})
	}
	wp.StopWait()
	bar.Finish()

	return items
}

// BatchDescription derives a per-asset export description, e.g.
// RGB_NDVI_KVI2_out_tile42 for asset data/tile42
func BatchDescription(base, asset string) string {
	stem := filepath.Base(asset)
	stem = stem[:len(stem)-len(filepath.Ext(stem))]
	return base + "_" + stem
}
