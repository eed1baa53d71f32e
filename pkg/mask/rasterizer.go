// Package mask rasterizes nodule annotations into binary segmentation masks
// aligned with the voxel grid of their CT volume.
package mask

import (
	"math"

	"ctnoduleprep/internal/logger"
	"ctnoduleprep/internal/models"
	"ctnoduleprep/pkg/geometry"
)

const component = "mask"

// Rasterizer builds nodule masks. It holds no per-call state and is safe for
// concurrent use by several workers.
type Rasterizer struct {
	policy RadiusPolicy
	log    logger.Logger
}

// Option configures a Rasterizer
type Option func(*Rasterizer)

// WithRadiusPolicy replaces the default DepthSpacingRadius policy
func WithRadiusPolicy(p RadiusPolicy) Option {
	return func(r *Rasterizer) {
		if p != nil {
			r.policy = p
		}
	}
}

// WithLogger sets the logger used for per-annotation debug output
func WithLogger(l logger.Logger) Option {
	return func(r *Rasterizer) {
		if l != nil {
			r.log = l
		}
	}
}

// NewRasterizer creates a rasterizer with the given options
func NewRasterizer(opts ...Option) *Rasterizer {
	r := &Rasterizer{
		policy: DepthSpacingRadius{},
		log:    logger.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Policy returns the radius policy in use
func (r *Rasterizer) Policy() RadiusPolicy {
	return r.policy
}

var defaultRasterizer = NewRasterizer()

// Rasterize builds a mask with the default rasterizer
func Rasterize(shape models.Shape, annotations []models.Annotation, seriesUID string, geom geometry.Geometry) *models.Mask {
	return defaultRasterizer.Rasterize(shape, annotations, seriesUID, geom)
}

// Rasterize returns a mask of shape marking every annotation of seriesUID as
// a filled footprint. annotations may hold rows for any number of scans;
// only exact SeriesUID matches are applied. A scan without annotations
// yields an all-zero mask.
//
// Centres outside the volume are clamped onto the nearest voxel so the nodule
// still contributes a clipped region. Invalid geometry is not reported; it
// must be rejected before the call.
func (r *Rasterizer) Rasterize(shape models.Shape, annotations []models.Annotation, seriesUID string, geom geometry.Geometry) *models.Mask {
	m := models.NewMask(shape)

	nodules := selectSeries(annotations, seriesUID)
	r.log.Debug(component, "rasterizing series", map[string]interface{}{
		"series_uid": seriesUID,
		"origin":     geom.Origin,
		"spacing":    geom.Spacing,
		"shape":      shape.Dims(),
		"nodules":    len(nodules),
	})
	if len(nodules) == 0 {
		r.log.Debug(component, "no annotations for series", map[string]interface{}{"series_uid": seriesUID})
		return m
	}

	dims := shape.Dims()
	for _, a := range nodules {
		voxel := geom.WorldToVoxel(geometry.WorldPoint(a.Center))
		center := geometry.ClampToShape(voxel, dims)
		fp := r.policy.Footprint(a.DiameterMM, geom.Spacing)

		marked := paint(m, center, fp)
		r.log.Debug(component, "annotation applied", map[string]interface{}{
			"series_uid":     seriesUID,
			"voxel_center":   voxel,
			"clamped_center": center,
			"extent":         fp.Extent(),
			"marked":         marked,
		})
	}
	return m
}

func selectSeries(annotations []models.Annotation, seriesUID string) []models.Annotation {
	var out []models.Annotation
	for _, a := range annotations {
		if a.SeriesUID == seriesUID {
			out = append(out, a)
		}
	}
	return out
}

// paint sets every voxel of fp around center and returns how many voxels were
// newly marked. Only the footprint's bounding box is visited.
func paint(m *models.Mask, center geometry.ZYX, fp Footprint) int {
	var lo, hi [3]int
	ext := fp.Extent()
	dims := m.Dims()
	for axis := range center {
		c, e := center[axis], ext[axis]
		if math.IsNaN(c) || math.IsNaN(e) || e < 0 {
			return 0
		}
		// widened by one voxel, Contains decides the edge
		l := math.Max(0, math.Ceil(c-e)-1)
		h := math.Min(float64(dims[axis]-1), math.Floor(c+e)+1)
		if l > h {
			return 0
		}
		lo[axis], hi[axis] = int(l), int(h)
	}

	marked := 0
	var d geometry.ZYX
	for z := lo[0]; z <= hi[0]; z++ {
		d[geometry.AxisZ] = float64(z) - center[geometry.AxisZ]
		for y := lo[1]; y <= hi[1]; y++ {
			d[geometry.AxisY] = float64(y) - center[geometry.AxisY]
			row := m.Index(z, y, 0)
			for x := lo[2]; x <= hi[2]; x++ {
				d[geometry.AxisX] = float64(x) - center[geometry.AxisX]
				if !fp.Contains(d) {
					continue
				}
				if m.Data[row+x] == 0 {
					m.Data[row+x] = 1
					marked++
				}
			}
		}
	}
	return marked
}
