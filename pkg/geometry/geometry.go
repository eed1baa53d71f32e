// Package geometry maps between scanner world coordinates (millimetres) and
// voxel index space for a single CT volume.
//
// All arrays in this package are in volume array order (Z, Y, X). Scanner
// metadata and annotation tables use (X, Y, Z); FromXYZ, ToXYZ and WorldPoint
// are the only places where that order is permuted.
package geometry

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Axis positions inside a ZYX triple
const (
	AxisZ = 0
	AxisY = 1
	AxisX = 2
)

// ErrBadSpacing is returned by Validate for non-positive or non-finite spacing
var ErrBadSpacing = errors.New("geometry: spacing must be finite and positive")

// ZYX is a per-axis triple in volume array order
type ZYX [3]float64

// xyzToZYX is the fixed permutation from scanner order to array order:
// element i of a ZYX triple is element xyzToZYX[i] of the XYZ triple.
var xyzToZYX = [3]int{2, 1, 0}

// FromXYZ permutes a scanner-ordered (X, Y, Z) triple into array order
func FromXYZ(xyz []float64) (ZYX, error) {
	var out ZYX
	if len(xyz) != 3 {
		return out, fmt.Errorf("geometry: expected 3 components, got %d", len(xyz))
	}
	for i, src := range xyzToZYX {
		out[i] = xyz[src]
	}
	return out, nil
}

// ToXYZ permutes v back into scanner order, the inverse of FromXYZ
func (v ZYX) ToXYZ() [3]float64 {
	var out [3]float64
	for i, dst := range xyzToZYX {
		out[dst] = v[i]
	}
	return out
}

// WorldPoint permutes an annotation centre into array order
func WorldPoint(p r3.Vec) ZYX {
	xyz := [3]float64{p.X, p.Y, p.Z}
	var out ZYX
	for i, src := range xyzToZYX {
		out[i] = xyz[src]
	}
	return out
}

// Geometry is the affine map from voxel index to world position of one volume
type Geometry struct {
	// Origin is the world position of voxel (0, 0, 0) in mm
	Origin ZYX

	// Spacing is the distance between adjacent voxel centres in mm
	Spacing ZYX
}

// New builds a Geometry from array-ordered origin and spacing
func New(origin, spacing ZYX) Geometry {
	return Geometry{Origin: origin, Spacing: spacing}
}

// Validate reports spacing that would make the world-to-voxel map undefined.
// The conversion functions never call it; callers validate before use.
func (g Geometry) Validate() error {
	for axis, s := range g.Spacing {
		if !(s > 0) || math.IsInf(s, 1) {
			return fmt.Errorf("%w: axis %d has spacing %v", ErrBadSpacing, axis, s)
		}
	}
	return nil
}

// WorldToVoxel converts an array-ordered world position into continuous
// voxel coordinates
func (g Geometry) WorldToVoxel(world ZYX) ZYX {
	var v ZYX
	for axis := range v {
		v[axis] = (world[axis] - g.Origin[axis]) / g.Spacing[axis]
	}
	return v
}

// VoxelToWorld is the inverse of WorldToVoxel
func (g Geometry) VoxelToWorld(voxel ZYX) ZYX {
	var w ZYX
	for axis := range w {
		w[axis] = g.Origin[axis] + voxel[axis]*g.Spacing[axis]
	}
	return w
}

// ClampToShape clamps each coordinate into [0, dims[axis]-1].
// NaN coordinates are left untouched.
func ClampToShape(v ZYX, dims [3]int) ZYX {
	var out ZYX
	for axis := range out {
		c := v[axis]
		if c < 0 {
			c = 0
		}
		if hi := float64(dims[axis] - 1); c > hi {
			c = hi
		}
		out[axis] = c
	}
	return out
}
