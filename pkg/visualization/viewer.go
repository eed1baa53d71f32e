package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"

	"ctnoduleprep/internal/models"
)

// overlayAlpha is the weight of the mask tint over the CT intensity
const overlayAlpha = 0.45

// Viewer renders slices of a normalized CT volume with its nodule mask
// overlaid in red. It is used to eyeball that annotations land on nodules.
type Viewer struct {
	// volume holds normalized intensities in [0, 1]
	volume *models.Volume

	// mask is aligned with volume; nil renders the volume alone
	mask *models.Mask
}

// NewViewer creates a viewer. mask may be nil.
func NewViewer(volume *models.Volume, mask *models.Mask) (*Viewer, error) {
	if mask != nil && mask.Shape != volume.Shape {
		return nil, fmt.Errorf("mask shape %v does not match volume shape %v", mask.Dims(), volume.Dims())
	}
	return &Viewer{volume: volume, mask: mask}, nil
}

func (v *Viewer) pixel(z, y, x int) color.RGBA {
	g := uint8(math.Max(0, math.Min(255, v.volume.At(z, y, x)*255)))
	if v.mask == nil || v.mask.At(z, y, x) == 0 {
		return color.RGBA{R: g, G: g, B: g, A: 255}
	}
	blend := func(c, target float64) uint8 {
		return uint8(c*(1-overlayAlpha) + target*overlayAlpha)
	}
	return color.RGBA{R: blend(float64(g), 255), G: blend(float64(g), 0), B: blend(float64(g), 0), A: 255}
}

// ExtractSlice renders the plane at position along axis ("x", "y" or "z")
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}

	var img *image.RGBA
	switch axis {
	case "x", "X":
		// sagittal plane: Z down, Y across
		if position >= v.volume.Width {
			return nil, fmt.Errorf("position %d exceeds width %d", position, v.volume.Width)
		}
		img = image.NewRGBA(image.Rect(0, 0, v.volume.Height, v.volume.Depth))
		for z := 0; z < v.volume.Depth; z++ {
			for y := 0; y < v.volume.Height; y++ {
				img.SetRGBA(y, z, v.pixel(z, y, position))
			}
		}

	case "y", "Y":
		// coronal plane: Z down, X across
		if position >= v.volume.Height {
			return nil, fmt.Errorf("position %d exceeds height %d", position, v.volume.Height)
		}
		img = image.NewRGBA(image.Rect(0, 0, v.volume.Width, v.volume.Depth))
		for z := 0; z < v.volume.Depth; z++ {
			for x := 0; x < v.volume.Width; x++ {
				img.SetRGBA(x, z, v.pixel(z, position, x))
			}
		}

	case "z", "Z":
		// axial plane
		if position >= v.volume.Depth {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, v.volume.Depth)
		}
		img = image.NewRGBA(image.Rect(0, 0, v.volume.Width, v.volume.Height))
		for y := 0; y < v.volume.Height; y++ {
			for x := 0; x < v.volume.Width; x++ {
				img.SetRGBA(x, y, v.pixel(position, y, x))
			}
		}

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	return img, nil
}

// BusiestSlice returns the position along axis with the most mask voxels and
// that count. Without mask voxels it returns the middle slice and 0.
func (v *Viewer) BusiestSlice(axis string) (int, int, error) {
	var n, axisIdx int
	switch axis {
	case "x", "X":
		n, axisIdx = v.volume.Width, 2
	case "y", "Y":
		n, axisIdx = v.volume.Height, 1
	case "z", "Z":
		n, axisIdx = v.volume.Depth, 0
	default:
		return 0, 0, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	counts := make([]int, n)
	if v.mask != nil {
		for z := 0; z < v.mask.Depth; z++ {
			for y := 0; y < v.mask.Height; y++ {
				for x := 0; x < v.mask.Width; x++ {
					if v.mask.At(z, y, x) != 0 {
						counts[[3]int{z, y, x}[axisIdx]]++
					}
				}
			}
		}
	}

	best, bestCount := n/2, 0
	for pos, c := range counts {
		if c > bestCount {
			best, bestCount = pos, c
		}
	}
	return best, bestCount, nil
}

// SaveSlice saves an extracted slice as a JPEG image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
}

// SavePreview writes the axial slice with the most nodule voxels to
// outputDir/<seriesUID>_preview.jpg and returns the path
func (v *Viewer) SavePreview(outputDir, seriesUID string) (string, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return "", err
	}

	pos, _, err := v.BusiestSlice("z")
	if err != nil {
		return "", err
	}
	img, err := v.ExtractSlice("z", pos)
	if err != nil {
		return "", err
	}

	filename := filepath.Join(outputDir, fmt.Sprintf("%s_preview.jpg", seriesUID))
	if err := v.SaveSlice(img, filename); err != nil {
		return "", err
	}
	return filename, nil
}
