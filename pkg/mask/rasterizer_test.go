package mask

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"ctnoduleprep/internal/models"
	"ctnoduleprep/pkg/geometry"
)

const testUID = "1.3.6.1.4.1.14519.5.2.1.6279.6001.100225287222365663678666836860"

// worldOf returns the annotation centre that lands exactly on voxel (z, y, x)
func worldOf(g geometry.Geometry, z, y, x float64) r3.Vec {
	w := g.VoxelToWorld(geometry.ZYX{z, y, x})
	return r3.Vec{X: w[geometry.AxisX], Y: w[geometry.AxisY], Z: w[geometry.AxisZ]}
}

// bruteForce marks voxels with a full-grid distance scan
func bruteForce(shape models.Shape, centers []geometry.ZYX, radius float64) *models.Mask {
	m := models.NewMask(shape)
	for _, c := range centers {
		for z := 0; z < shape.Depth; z++ {
			for y := 0; y < shape.Height; y++ {
				for x := 0; x < shape.Width; x++ {
					dz, dy, dx := float64(z)-c[0], float64(y)-c[1], float64(x)-c[2]
					if math.Sqrt(dz*dz+dy*dy+dx*dx) <= radius {
						m.Set(z, y, x)
					}
				}
			}
		}
	}
	return m
}

func TestRasterizeNoAnnotations(t *testing.T) {
	shape := models.Shape{Depth: 4, Height: 5, Width: 6}
	g := geometry.New(geometry.ZYX{}, geometry.ZYX{1, 1, 1})

	t.Run("Should return zero mask for empty table", func(t *testing.T) {
		m := Rasterize(shape, nil, testUID, g)
		assert.Equal(t, shape, m.Shape)
		assert.Len(t, m.Data, shape.Len())
		assert.Zero(t, m.Count())
	})

	t.Run("Should ignore other series", func(t *testing.T) {
		rows := []models.Annotation{
			{SeriesUID: "other", Center: worldOf(g, 2, 2, 2), DiameterMM: 4},
			{SeriesUID: testUID + " ", Center: worldOf(g, 2, 2, 2), DiameterMM: 4},
		}
		m := Rasterize(shape, rows, testUID, g)
		assert.Zero(t, m.Count())
	})
}

// TestRasterizeSingleSphere verifies that a centred nodule marks exactly the
// voxels within the radius, boundary included
func TestRasterizeSingleSphere(t *testing.T) {
	shape := models.Shape{Depth: 11, Height: 13, Width: 15}
	g := geometry.New(geometry.ZYX{-320.5, -180, -210.25}, geometry.ZYX{0.75, 0.75, 0.75})
	rows := []models.Annotation{{SeriesUID: testUID, Center: worldOf(g, 5, 6, 7), DiameterMM: 6 * 0.75}}

	m := Rasterize(shape, rows, testUID, g)

	for z := 0; z < shape.Depth; z++ {
		for y := 0; y < shape.Height; y++ {
			for x := 0; x < shape.Width; x++ {
				dz, dy, dx := float64(z-5), float64(y-6), float64(x-7)
				want := uint8(0)
				if math.Sqrt(dz*dz+dy*dy+dx*dx) <= 3 {
					want = 1
				}
				require.Equal(t, want, m.At(z, y, x), "voxel (%d,%d,%d)", z, y, x)
			}
		}
	}
	assert.Equal(t, uint8(1), m.At(5, 6, 10), "boundary voxel at distance == radius")
	assert.Equal(t, uint8(1), m.At(2, 6, 7))
	assert.Equal(t, uint8(0), m.At(5, 8, 10))
}

// TestRasterizeSmallExample covers the 2x2x2 corner example: radius one voxel
// at (0,0,0) marks the voxel and its face neighbours
func TestRasterizeSmallExample(t *testing.T) {
	shape := models.Shape{Depth: 2, Height: 2, Width: 2}
	g := geometry.New(geometry.ZYX{10, 20, 30}, geometry.ZYX{2, 2, 2})
	rows := []models.Annotation{{SeriesUID: testUID, Center: worldOf(g, 0, 0, 0), DiameterMM: 4}}

	m := Rasterize(shape, rows, testUID, g)

	want := map[[3]int]uint8{
		{0, 0, 0}: 1, {1, 0, 0}: 1, {0, 1, 0}: 1, {0, 0, 1}: 1,
		{1, 1, 0}: 0, {1, 0, 1}: 0, {0, 1, 1}: 0, {1, 1, 1}: 0,
	}
	for idx, label := range want {
		assert.Equal(t, label, m.At(idx[0], idx[1], idx[2]), "voxel %v", idx)
	}
}

func TestRasterizeOverlapIsUnion(t *testing.T) {
	shape := models.Shape{Depth: 12, Height: 12, Width: 12}
	g := geometry.New(geometry.ZYX{}, geometry.ZYX{1, 1, 1})
	centers := []geometry.ZYX{{5, 5, 4}, {5, 5, 7}}
	rows := []models.Annotation{
		{SeriesUID: testUID, Center: worldOf(g, 5, 5, 4), DiameterMM: 6},
		{SeriesUID: testUID, Center: worldOf(g, 5, 5, 7), DiameterMM: 6},
	}

	m := Rasterize(shape, rows, testUID, g)

	assert.Equal(t, bruteForce(shape, centers, 3).Data, m.Data)
	for _, v := range m.Data {
		assert.LessOrEqual(t, v, uint8(1))
	}
}

func TestRasterizeClampsCenter(t *testing.T) {
	shape := models.Shape{Depth: 6, Height: 6, Width: 6}
	g := geometry.New(geometry.ZYX{0, 0, 0}, geometry.ZYX{1, 1, 1})

	t.Run("Should clip a sphere centred outside the volume", func(t *testing.T) {
		rows := []models.Annotation{{SeriesUID: testUID, Center: worldOf(g, -4, 2, 9), DiameterMM: 4}}
		m := Rasterize(shape, rows, testUID, g)

		want := bruteForce(shape, []geometry.ZYX{{0, 2, 5}}, 2)
		assert.Equal(t, want.Data, m.Data)
		assert.Positive(t, m.Count())
	})

	t.Run("Should not panic on degenerate values", func(t *testing.T) {
		rows := []models.Annotation{
			{SeriesUID: testUID, Center: r3.Vec{X: math.NaN(), Y: 1, Z: 1}, DiameterMM: 4},
			{SeriesUID: testUID, Center: worldOf(g, 1, 1, 1), DiameterMM: -2},
			{SeriesUID: testUID, Center: worldOf(g, 1, 1, 1), DiameterMM: math.NaN()},
		}
		assert.NotPanics(t, func() {
			m := Rasterize(shape, rows, testUID, g)
			assert.Zero(t, m.Count())
		})
		assert.NotPanics(t, func() {
			m := Rasterize(models.Shape{}, rows, testUID, g)
			assert.Empty(t, m.Data)
		})
	})
}

func TestRasterizeMatchesFullGrid(t *testing.T) {
	shape := models.Shape{Depth: 9, Height: 17, Width: 14}
	g := geometry.New(geometry.ZYX{-100, 50, 3.3}, geometry.ZYX{1.25, 0.7, 0.7})
	rows := []models.Annotation{
		{SeriesUID: testUID, Center: worldOf(g, 4.3, 8.6, 6.1), DiameterMM: 5.3},
		{SeriesUID: testUID, Center: worldOf(g, 0.2, 15.9, 12.7), DiameterMM: 3.9},
	}

	m := Rasterize(shape, rows, testUID, g)

	want := models.NewMask(shape)
	for _, a := range rows {
		c := geometry.ClampToShape(g.WorldToVoxel(geometry.WorldPoint(a.Center)), shape.Dims())
		r := a.DiameterMM / 2 / g.Spacing[geometry.AxisZ]
		for i, v := range bruteForce(shape, []geometry.ZYX{c}, r).Data {
			want.Data[i] |= v
		}
	}
	assert.Equal(t, want.Data, m.Data)
}

func TestRasterizeIdempotent(t *testing.T) {
	shape := models.Shape{Depth: 8, Height: 8, Width: 8}
	g := geometry.New(geometry.ZYX{1, 2, 3}, geometry.ZYX{1.5, 0.8, 0.8})
	rows := []models.Annotation{{SeriesUID: testUID, Center: worldOf(g, 3, 4, 4), DiameterMM: 7}}

	first := Rasterize(shape, rows, testUID, g)
	second := Rasterize(shape, rows, testUID, g)
	assert.Equal(t, first.Data, second.Data)
}

func TestRadiusPolicies(t *testing.T) {
	spacing := geometry.ZYX{2.5, 0.5, 0.5}

	t.Run("Should use depth spacing only by default", func(t *testing.T) {
		fp := DepthSpacingRadius{}.Footprint(10, spacing)
		assert.Equal(t, geometry.ZYX{2, 2, 2}, fp.Extent())
	})

	t.Run("Should scale each axis for ellipsoids", func(t *testing.T) {
		fp := EllipsoidRadius{}.Footprint(10, spacing)
		assert.Equal(t, geometry.ZYX{2, 10, 10}, fp.Extent())
		assert.True(t, fp.Contains(geometry.ZYX{2, 0, 0}))
		assert.True(t, fp.Contains(geometry.ZYX{0, 10, 0}))
		assert.False(t, fp.Contains(geometry.ZYX{2, 1, 0}))
	})

	t.Run("Should rasterize an ellipsoid when selected", func(t *testing.T) {
		shape := models.Shape{Depth: 7, Height: 25, Width: 25}
		g := geometry.New(geometry.ZYX{}, spacing)
		rows := []models.Annotation{{SeriesUID: testUID, Center: worldOf(g, 3, 12, 12), DiameterMM: 10}}

		r := NewRasterizer(WithRadiusPolicy(EllipsoidRadius{}))
		m := r.Rasterize(shape, rows, testUID, g)
		assert.Equal(t, uint8(1), m.At(3, 12, 22))
		assert.Equal(t, uint8(1), m.At(1, 12, 12))
		assert.Equal(t, uint8(0), m.At(0, 12, 12))

		sphere := Rasterize(shape, rows, testUID, g)
		assert.Equal(t, uint8(0), sphere.At(3, 12, 22))
		assert.Greater(t, m.Count(), sphere.Count())
	})

	t.Run("Should resolve names", func(t *testing.T) {
		p, err := PolicyByName("")
		require.NoError(t, err)
		assert.Equal(t, "depth-spacing", p.Name())

		p, err = PolicyByName("Ellipsoid")
		require.NoError(t, err)
		assert.Equal(t, "ellipsoid", p.Name())

		_, err = PolicyByName("cube")
		assert.Error(t, err)
	})
}
