package models

import (
	"gonum.org/v1/gonum/spatial/r3"
)

// Shape is the extent of a CT volume in voxels, in array order (Z, Y, X)
type Shape struct {
	// Depth is the number of axial slices (Z)
	Depth int

	// Height is the number of rows per slice (Y)
	Height int

	// Width is the number of columns per slice (X)
	Width int
}

// Dims returns the shape as an array in (Z, Y, X) order
func (s Shape) Dims() [3]int {
	return [3]int{s.Depth, s.Height, s.Width}
}

// Len returns the number of voxels covered by the shape
func (s Shape) Len() int {
	if !s.Valid() {
		return 0
	}
	return s.Depth * s.Height * s.Width
}

// Valid reports whether no dimension is negative
func (s Shape) Valid() bool {
	return s.Depth >= 0 && s.Height >= 0 && s.Width >= 0
}

// Index returns the row-major offset of voxel (z, y, x)
func (s Shape) Index(z, y, x int) int {
	return (z*s.Height+y)*s.Width + x
}

// Volume is a CT scan held in memory
type Volume struct {
	Shape

	// Data holds the intensity samples in row-major (Z, Y, X) order
	Data []float64
}

// NewVolume allocates a zero-filled volume
func NewVolume(shape Shape) *Volume {
	return &Volume{Shape: shape, Data: make([]float64, shape.Len())}
}

// At returns the sample at (z, y, x)
func (v *Volume) At(z, y, x int) float64 {
	return v.Data[v.Index(z, y, x)]
}

// Mask is a binary segmentation volume aligned with its source Volume.
// 0 marks background, 1 marks nodule.
type Mask struct {
	Shape

	// Data holds the labels in row-major (Z, Y, X) order
	Data []uint8
}

// NewMask allocates an all-background mask
func NewMask(shape Shape) *Mask {
	return &Mask{Shape: shape, Data: make([]uint8, shape.Len())}
}

// At returns the label at (z, y, x)
func (m *Mask) At(z, y, x int) uint8 {
	return m.Data[m.Index(z, y, x)]
}

// Set marks voxel (z, y, x) as nodule
func (m *Mask) Set(z, y, x int) {
	m.Data[m.Index(z, y, x)] = 1
}

// Count returns the number of nodule voxels
func (m *Mask) Count() int {
	n := 0
	for _, v := range m.Data {
		if v != 0 {
			n++
		}
	}
	return n
}

// Annotation is one nodule occurrence from the annotation table
type Annotation struct {
	// SeriesUID identifies the scan, already stripped of surrounding whitespace
	SeriesUID string

	// Center is the nodule centre in world millimetres (coordX, coordY, coordZ)
	Center r3.Vec

	// DiameterMM is the nodule diameter in millimetres
	DiameterMM float64
}
