// Package normalize maps CT intensities from a Hounsfield window onto [0, 1].
package normalize

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"

	"ctnoduleprep/internal/models"
)

// ErrDegenerateWindow is returned when the window has no positive width
var ErrDegenerateWindow = errors.New("normalize: lowHU must be below highHU")

// Window is the HU range mapped onto [0, 1]
type Window struct {
	LowHU  float64 `yaml:"lowHU"`
	HighHU float64 `yaml:"highHU"`
}

// DefaultWindow is the lung window used for nodule detection
var DefaultWindow = Window{LowHU: -1000, HighHU: 400}

// Validate rejects windows for which Apply would divide by zero
func (w Window) Validate() error {
	if !(w.LowHU < w.HighHU) {
		return fmt.Errorf("%w: [%v, %v]", ErrDegenerateWindow, w.LowHU, w.HighHU)
	}
	return nil
}

// Apply clamps v into the window and rescales it.
// Values at or below LowHU give exactly 0, at or above HighHU exactly 1.
func (w Window) Apply(v float64) float64 {
	if v <= w.LowHU {
		return 0
	}
	if v >= w.HighHU {
		return 1
	}
	return (v - w.LowHU) / (w.HighHU - w.LowHU)
}

// Normalize returns a new volume with every sample passed through w.Apply.
// The input is not modified. w must satisfy Validate.
func Normalize(vol *models.Volume, w Window) *models.Volume {
	out := &models.Volume{Shape: vol.Shape, Data: make([]float64, len(vol.Data))}
	for i, v := range vol.Data {
		out.Data[i] = w.Apply(v)
	}
	return out
}

// Range returns the minimum and maximum sample of vol, or zeros when empty
func Range(vol *models.Volume) (lo, hi float64) {
	if len(vol.Data) == 0 {
		return 0, 0
	}
	return floats.Min(vol.Data), floats.Max(vol.Data)
}
