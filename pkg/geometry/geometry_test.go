package geometry

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

func TestFromXYZ(t *testing.T) {
	t.Run("Should reverse scanner order", func(t *testing.T) {
		got, err := FromXYZ([]float64{0.7, 0.8, 2.5})
		require.NoError(t, err)
		assert.Equal(t, ZYX{2.5, 0.8, 0.7}, got)
	})

	t.Run("Should reject wrong arity", func(t *testing.T) {
		_, err := FromXYZ([]float64{1, 2})
		assert.Error(t, err)
	})
}

func TestToXYZ(t *testing.T) {
	v := ZYX{2.5, 0.8, 0.7}
	xyz := v.ToXYZ()
	assert.Equal(t, [3]float64{0.7, 0.8, 2.5}, xyz)

	back, err := FromXYZ(xyz[:])
	require.NoError(t, err)
	assert.Equal(t, v, back)
}

func TestWorldPoint(t *testing.T) {
	p := WorldPoint(r3.Vec{X: -100.5, Y: 20, Z: -300})
	assert.Equal(t, -300.0, p[AxisZ])
	assert.Equal(t, 20.0, p[AxisY])
	assert.Equal(t, -100.5, p[AxisX])
}

func TestWorldToVoxel(t *testing.T) {
	g := New(ZYX{-300, -200, -100}, ZYX{2.5, 0.5, 0.25})

	v := g.WorldToVoxel(ZYX{-295, -190, -99})
	assert.InDelta(t, 2.0, v[AxisZ], 1e-12)
	assert.InDelta(t, 20.0, v[AxisY], 1e-12)
	assert.InDelta(t, 4.0, v[AxisX], 1e-12)

	back := g.VoxelToWorld(v)
	for axis := range back {
		assert.InDelta(t, []float64{-295, -190, -99}[axis], back[axis], 1e-9)
	}
}

func TestClampToShape(t *testing.T) {
	dims := [3]int{10, 20, 30}
	tests := []struct {
		name string
		in   ZYX
		want ZYX
	}{
		{"inside", ZYX{1.5, 2, 3}, ZYX{1.5, 2, 3}},
		{"below", ZYX{-4, -0.1, 0}, ZYX{0, 0, 0}},
		{"above", ZYX{10, 19.5, 100}, ZYX{9, 19, 29}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClampToShape(tt.in, dims))
		})
	}
}

func TestValidate(t *testing.T) {
	assert.NoError(t, New(ZYX{}, ZYX{1, 1, 1}).Validate())
	for _, bad := range []ZYX{{0, 1, 1}, {1, -1, 1}, {1, 1, math.NaN()}, {math.Inf(1), 1, 1}} {
		assert.ErrorIs(t, New(ZYX{}, bad).Validate(), ErrBadSpacing)
	}
}
