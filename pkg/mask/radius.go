package mask

import (
	"fmt"
	"math"
	"strings"

	"ctnoduleprep/pkg/geometry"
)

// Footprint is the voxel-space region covered by one nodule, relative to its centre
type Footprint interface {
	// Extent is the half-size of the bounding box along each axis, in voxels
	Extent() geometry.ZYX

	// Contains reports whether a voxel at offset d from the centre is inside
	Contains(d geometry.ZYX) bool
}

// RadiusPolicy converts a physical nodule diameter into a voxel footprint
type RadiusPolicy interface {
	Name() string
	Footprint(diameterMM float64, spacing geometry.ZYX) Footprint
}

// DepthSpacingRadius converts the radius with the depth spacing only and
// rasterizes a sphere. It is exact for isotropic spacing.
type DepthSpacingRadius struct{}

func (DepthSpacingRadius) Name() string { return "depth-spacing" }

func (DepthSpacingRadius) Footprint(diameterMM float64, spacing geometry.ZYX) Footprint {
	return sphere(diameterMM / 2 / spacing[geometry.AxisZ])
}

// EllipsoidRadius converts the radius separately along each axis
type EllipsoidRadius struct{}

func (EllipsoidRadius) Name() string { return "ellipsoid" }

func (EllipsoidRadius) Footprint(diameterMM float64, spacing geometry.ZYX) Footprint {
	var e ellipsoid
	for axis := range e {
		e[axis] = diameterMM / 2 / spacing[axis]
	}
	return e
}

// PolicyByName resolves a configured policy name
func PolicyByName(name string) (RadiusPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "depth-spacing":
		return DepthSpacingRadius{}, nil
	case "ellipsoid":
		return EllipsoidRadius{}, nil
	}
	return nil, fmt.Errorf("unknown radius policy %q", name)
}

type sphere float64

func (s sphere) Extent() geometry.ZYX {
	r := float64(s)
	return geometry.ZYX{r, r, r}
}

func (s sphere) Contains(d geometry.ZYX) bool {
	return math.Sqrt(d[0]*d[0]+d[1]*d[1]+d[2]*d[2]) <= float64(s)
}

type ellipsoid geometry.ZYX

func (e ellipsoid) Extent() geometry.ZYX {
	return geometry.ZYX(e)
}

func (e ellipsoid) Contains(d geometry.ZYX) bool {
	sum := 0.0
	for axis, r := range e {
		if r == 0 {
			if d[axis] != 0 {
				return false
			}
			continue
		}
		q := d[axis] / r
		sum += q * q
	}
	return sum <= 1
}
