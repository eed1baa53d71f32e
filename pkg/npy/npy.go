// Package npy writes training arrays in NumPy's .npy format (version 1.0,
// C order, little-endian).
package npy

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"regexp"
	"strconv"
	"strings"

	"ctnoduleprep/internal/models"
)

const (
	// DtypeFloat64 is the descriptor of little-endian float64 arrays
	DtypeFloat64 = "<f8"

	// DtypeUint8 is the descriptor of uint8 arrays
	DtypeUint8 = "|u1"

	headerAlign = 64
)

var magic = []byte("\x93NUMPY")

// ErrBadHeader is returned by ReadHeader for malformed files
var ErrBadHeader = errors.New("npy: malformed header")

// Header describes an array stored in a .npy file
type Header struct {
	Dtype   string
	Fortran bool
	Shape   []int
}

// ImageName returns the file name of a scan's normalized volume
func ImageName(seriesUID string) string {
	return seriesUID + "_image.npy"
}

// MaskName returns the file name of a scan's nodule mask
func MaskName(seriesUID string) string {
	return seriesUID + "_mask.npy"
}

func writeHeader(w io.Writer, dtype string, shape []int) error {
	dims := make([]string, len(shape))
	for i, d := range shape {
		dims[i] = strconv.Itoa(d)
	}
	tuple := strings.Join(dims, ", ")
	if len(shape) == 1 {
		tuple += ","
	}
	dict := fmt.Sprintf("{'descr': '%s', 'fortran_order': False, 'shape': (%s), }", dtype, tuple)

	// magic(6) + version(2) + header length(2) + dict + padding + '\n'
	total := len(magic) + 4 + len(dict) + 1
	pad := (headerAlign - total%headerAlign) % headerAlign
	header := dict + strings.Repeat(" ", pad) + "\n"
	if len(header) > math.MaxUint16 {
		return fmt.Errorf("npy: header too long for version 1.0")
	}

	var buf bytes.Buffer
	buf.Write(magic)
	buf.Write([]byte{1, 0})
	binary.Write(&buf, binary.LittleEndian, uint16(len(header)))
	buf.WriteString(header)
	_, err := w.Write(buf.Bytes())
	return err
}

func checkShape(shape []int, n int) error {
	want := 1
	for _, d := range shape {
		if d < 0 {
			return fmt.Errorf("npy: negative dimension in shape %v", shape)
		}
		want *= d
	}
	if want != n {
		return fmt.Errorf("npy: shape %v holds %d elements, got %d", shape, want, n)
	}
	return nil
}

// WriteFloat64 writes data with the given shape
func WriteFloat64(w io.Writer, shape []int, data []float64) error {
	if err := checkShape(shape, len(data)); err != nil {
		return err
	}
	if err := writeHeader(w, DtypeFloat64, shape); err != nil {
		return err
	}
	bw := bufio.NewWriter(w)
	var b [8]byte
	for _, v := range data {
		binary.LittleEndian.PutUint64(b[:], math.Float64bits(v))
		if _, err := bw.Write(b[:]); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// WriteUint8 writes data with the given shape
func WriteUint8(w io.Writer, shape []int, data []uint8) error {
	if err := checkShape(shape, len(data)); err != nil {
		return err
	}
	if err := writeHeader(w, DtypeUint8, shape); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// SaveVolume writes a volume as a (D, H, W) float64 array
func SaveVolume(path string, vol *models.Volume) error {
	return saveFile(path, func(w io.Writer) error {
		dims := vol.Dims()
		return WriteFloat64(w, dims[:], vol.Data)
	})
}

// SaveMask writes a mask as a (D, H, W) uint8 array
func SaveMask(path string, m *models.Mask) error {
	return saveFile(path, func(w io.Writer) error {
		dims := m.Dims()
		return WriteUint8(w, dims[:], m.Data)
	})
}

func saveFile(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating %s: %w", path, err)
	}
	if err := write(f); err != nil {
		f.Close()
		return fmt.Errorf("error writing %s: %w", path, err)
	}
	return f.Close()
}

var (
	descrRe   = regexp.MustCompile(`'descr':\s*'([^']*)'`)
	fortranRe = regexp.MustCompile(`'fortran_order':\s*(True|False)`)
	shapeRe   = regexp.MustCompile(`'shape':\s*\(([^)]*)\)`)
)

// ReadHeader parses the header of a version 1.0 file and leaves r positioned
// at the first data byte
func ReadHeader(r io.Reader) (Header, error) {
	var h Header
	prefix := make([]byte, len(magic)+4)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return h, fmt.Errorf("%w: %v", ErrBadHeader, err)
	}
	if !bytes.Equal(prefix[:len(magic)], magic) || prefix[len(magic)] != 1 {
		return h, fmt.Errorf("%w: not a version 1.0 npy file", ErrBadHeader)
	}
	n := binary.LittleEndian.Uint16(prefix[len(magic)+2:])
	dict := make([]byte, n)
	if _, err := io.ReadFull(r, dict); err != nil {
		return h, fmt.Errorf("%w: %v", ErrBadHeader, err)
	}

	m := descrRe.FindSubmatch(dict)
	if m == nil {
		return h, fmt.Errorf("%w: missing descr", ErrBadHeader)
	}
	h.Dtype = string(m[1])
	if m = fortranRe.FindSubmatch(dict); m != nil {
		h.Fortran = string(m[1]) == "True"
	}
	if m = shapeRe.FindSubmatch(dict); m == nil {
		return h, fmt.Errorf("%w: missing shape", ErrBadHeader)
	}
	for _, f := range strings.Split(string(m[1]), ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		d, err := strconv.Atoi(f)
		if err != nil {
			return h, fmt.Errorf("%w: shape %q", ErrBadHeader, m[1])
		}
		h.Shape = append(h.Shape, d)
	}
	return h, nil
}
