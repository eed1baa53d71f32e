package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"ctnoduleprep/internal/logger"
	"ctnoduleprep/internal/models"
	"ctnoduleprep/pkg/annotations"
	"ctnoduleprep/pkg/manifest"
	"ctnoduleprep/pkg/mask"
	"ctnoduleprep/pkg/metaimage"
	"ctnoduleprep/pkg/normalize"
	"ctnoduleprep/pkg/npy"
	"ctnoduleprep/pkg/visualization"
)

const component = "pipeline"

// Params holds the batch preprocessing parameters
type Params struct {
	// DataDir contains one directory per subset, each holding .mhd scans
	DataDir string

	// SubsetPattern is the glob selecting subset directories inside DataDir.
	// Empty means "subset*".
	SubsetPattern string

	// OutputDir mirrors the subset layout with <uid>_image.npy and <uid>_mask.npy
	OutputDir string

	// NumWorkers bounds how many scans are in flight at once
	NumWorkers int

	// Window is the HU range mapped onto [0, 1]
	Window normalize.Window

	// PreviewDir receives a JPEG overlay per scan when non-empty
	PreviewDir string
}

// ScanResult summarizes one processed scan
type ScanResult struct {
	SeriesUID  string
	Subset     string
	Shape      models.Shape
	Nodules    int
	MaskVoxels int
	MinHU      float64
	MaxHU      float64
	MeanHU     float64
	StdDevHU   float64
	ImagePath  string
	MaskPath   string
	Duration   time.Duration
}

// Summary aggregates a batch run
type Summary struct {
	RunID     string
	Processed int
	Failed    int
	Nodules   int
	Elapsed   time.Duration
	Results   []ScanResult
}

// Processor converts CT scans and their annotations into training arrays.
// Each scan is processed independently; workers never share a volume or mask.
type Processor struct {
	params     *Params
	table      *annotations.Table
	rasterizer *mask.Rasterizer
	manifest   *manifest.Store
	log        logger.Logger
	runID      string
}

// Option configures a Processor
type Option func(*Processor)

// WithLogger sets the processor logger
func WithLogger(l logger.Logger) Option {
	return func(p *Processor) {
		if l != nil {
			p.log = l
		}
	}
}

// WithRasterizer replaces the default rasterizer
func WithRasterizer(r *mask.Rasterizer) Option {
	return func(p *Processor) {
		if r != nil {
			p.rasterizer = r
		}
	}
}

// WithManifest records every processed scan in store
func WithManifest(store *manifest.Store) Option {
	return func(p *Processor) {
		p.manifest = store
	}
}

// NewProcessor creates a processor for the given annotation table
func NewProcessor(params *Params, table *annotations.Table, opts ...Option) *Processor {
	p := &Processor{
		params:     params,
		table:      table,
		rasterizer: mask.NewRasterizer(),
		log:        logger.Nop(),
		runID:      uuid.NewString(),
	}
	if p.table == nil {
		p.table = annotations.NewTable(nil)
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RunID identifies this processor's batch in the manifest
func (p *Processor) RunID() string {
	return p.runID
}

type scanJob struct {
	path   string
	subset string
}

// discover lists every scan under the subset directories in sorted order
func (p *Processor) discover() ([]scanJob, error) {
	pattern := p.params.SubsetPattern
	if pattern == "" {
		pattern = "subset*"
	}
	subsetDirs, err := filepath.Glob(filepath.Join(p.params.DataDir, pattern))
	if err != nil {
		return nil, fmt.Errorf("bad subset pattern %q: %w", pattern, err)
	}
	sort.Strings(subsetDirs)

	var jobs []scanJob
	for _, dir := range subsetDirs {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			continue
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("failed to read subset %s: %w", dir, err)
		}
		for _, e := range entries {
			if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), metaimage.Ext) {
				continue
			}
			jobs = append(jobs, scanJob{path: filepath.Join(dir, e.Name()), subset: filepath.Base(dir)})
		}
	}
	return jobs, nil
}

// Process runs every scan of every subset through the pipeline.
// Scans that fail are logged and counted; the batch only aborts on
// cancellation or when nothing can be discovered.
func (p *Processor) Process(ctx context.Context) (*Summary, error) {
	if err := p.params.Window.Validate(); err != nil {
		return nil, err
	}

	start := time.Now()
	jobs, err := p.discover()
	if err != nil {
		return nil, err
	}
	p.log.Info(component, "starting batch", map[string]interface{}{
		"run_id":  p.runID,
		"scans":   len(jobs),
		"workers": p.params.NumWorkers,
		"policy":  p.rasterizer.Policy().Name(),
	})

	workers := p.params.NumWorkers
	if workers < 1 {
		workers = 1
	}

	summary := &Summary{RunID: p.runID}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, job := range jobs {
		job := job
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := p.ProcessScan(gctx, job.path, job.subset)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				summary.Failed++
				p.log.Error(component, err, map[string]interface{}{"scan": job.path})
				return nil
			}
			summary.Processed++
			summary.Nodules += res.Nodules
			summary.Results = append(summary.Results, *res)
			p.log.Info(component, "processed scan", map[string]interface{}{
				"series_uid":  res.SeriesUID,
				"subset":      res.Subset,
				"nodules":     res.Nodules,
				"mask_voxels": res.MaskVoxels,
				"progress":    fmt.Sprintf("%d/%d", summary.Processed+summary.Failed, len(jobs)),
			})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return summary, err
	}
	if err := ctx.Err(); err != nil {
		return summary, err
	}

	sort.Slice(summary.Results, func(i, j int) bool {
		a, b := summary.Results[i], summary.Results[j]
		if a.Subset != b.Subset {
			return a.Subset < b.Subset
		}
		return a.SeriesUID < b.SeriesUID
	})
	summary.Elapsed = time.Since(start)
	return summary, nil
}

// ProcessScan loads one scan, normalizes it, rasterizes its nodule mask and
// writes both arrays under the scan's series uid
func (p *Processor) ProcessScan(ctx context.Context, path, subset string) (*ScanResult, error) {
	start := time.Now()
	uid := metaimage.SeriesUID(path)

	img, err := metaimage.Read(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load scan %s: %w", uid, err)
	}
	geom, err := img.Header.Geometry()
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", uid, err)
	}
	if err := geom.Validate(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", uid, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	minHU, maxHU := normalize.Range(img.Volume)
	p.log.Debug(component, "loaded scan", map[string]interface{}{
		"series_uid": uid,
		"shape":      img.Volume.Dims(),
		"origin":     geom.Origin,
		"spacing":    geom.Spacing,
		"min_hu":     minHU,
		"max_hu":     maxHU,
	})

	mean, std := stat.MeanStdDev(img.Volume.Data, nil)
	normalized := normalize.Normalize(img.Volume, p.params.Window)
	nodules := p.table.ForSeries(uid)
	m := p.rasterizer.Rasterize(normalized.Shape, p.table.Rows(), uid, geom)

	outDir := filepath.Join(p.params.OutputDir, subset)
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	res := &ScanResult{
		SeriesUID:  uid,
		Subset:     subset,
		Shape:      normalized.Shape,
		Nodules:    len(nodules),
		MaskVoxels: m.Count(),
		MinHU:      minHU,
		MaxHU:      maxHU,
		MeanHU:     mean,
		StdDevHU:   std,
		ImagePath:  filepath.Join(outDir, npy.ImageName(uid)),
		MaskPath:   filepath.Join(outDir, npy.MaskName(uid)),
	}
	if err := npy.SaveVolume(res.ImagePath, normalized); err != nil {
		return nil, err
	}
	if err := npy.SaveMask(res.MaskPath, m); err != nil {
		// outputs are written in pairs
		os.Remove(res.ImagePath)
		return nil, err
	}

	if p.params.PreviewDir != "" {
		if err := p.savePreview(normalized, m, subset, uid); err != nil {
			p.log.Warning(component, "failed to save preview", map[string]interface{}{
				"series_uid": uid,
				"error":      err.Error(),
			})
		}
	}

	if p.manifest != nil {
		rec := manifest.Record{
			RunID:       p.runID,
			SeriesUID:   uid,
			Subset:      subset,
			Depth:       res.Shape.Depth,
			Height:      res.Shape.Height,
			Width:       res.Shape.Width,
			SpacingZ:    geom.Spacing[0],
			SpacingY:    geom.Spacing[1],
			SpacingX:    geom.Spacing[2],
			Nodules:     res.Nodules,
			MaskVoxels:  res.MaskVoxels,
			MeanHU:      res.MeanHU,
			StdDevHU:    res.StdDevHU,
			ImagePath:   res.ImagePath,
			MaskPath:    res.MaskPath,
			ProcessedAt: time.Now().UTC(),
		}
		if err := p.manifest.Insert(ctx, rec); err != nil {
			return nil, err
		}
	}

	res.Duration = time.Since(start)
	return res, nil
}

func (p *Processor) savePreview(vol *models.Volume, m *models.Mask, subset, uid string) error {
	viewer, err := visualization.NewViewer(vol, m)
	if err != nil {
		return err
	}
	_, err = viewer.SavePreview(filepath.Join(p.params.PreviewDir, subset), uid)
	return err
}
