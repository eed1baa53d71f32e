// Package metaimage reads 3-D CT scans stored in the MetaImage format
// (.mhd header with a .raw or embedded payload).
package metaimage

import (
	"bufio"
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"ctnoduleprep/internal/models"
	"ctnoduleprep/pkg/geometry"
)

// Ext is the header file extension
const Ext = ".mhd"

// MaxVoxels bounds the DimSize product accepted before any payload is allocated
const MaxVoxels = 1 << 30

var (
	// ErrUnsupportedType is returned for element types this reader cannot decode
	ErrUnsupportedType = errors.New("metaimage: unsupported element type")

	// ErrNotVolume is returned for images that are not 3-D
	ErrNotVolume = errors.New("metaimage: image is not 3-D")

	// ErrSizeMismatch is returned when the payload length disagrees with the header
	ErrSizeMismatch = errors.New("metaimage: payload size does not match header")
)

// Header is the parsed key/value header. Vector fields are in file order (X, Y, Z).
type Header struct {
	NDims           int
	DimSize         []int
	ElementSpacing  []float64
	Offset          []float64
	ElementType     string
	BigEndian       bool
	Compressed      bool
	ElementDataFile string

	// Fields holds every raw key/value pair of the header
	Fields map[string]string
}

// Image is a decoded scan
type Image struct {
	Header Header
	Volume *models.Volume
}

// Shape returns the array shape in (Z, Y, X) order
func (h Header) Shape() models.Shape {
	return models.Shape{Depth: h.DimSize[2], Height: h.DimSize[1], Width: h.DimSize[0]}
}

// Geometry converts origin and spacing to array order
func (h Header) Geometry() (geometry.Geometry, error) {
	origin := h.Offset
	if origin == nil {
		origin = []float64{0, 0, 0}
	}
	o, err := geometry.FromXYZ(origin)
	if err != nil {
		return geometry.Geometry{}, fmt.Errorf("origin: %w", err)
	}
	spacing := h.ElementSpacing
	if spacing == nil {
		spacing = []float64{1, 1, 1}
	}
	s, err := geometry.FromXYZ(spacing)
	if err != nil {
		return geometry.Geometry{}, fmt.Errorf("spacing: %w", err)
	}
	return geometry.New(o, s), nil
}

// SeriesUID derives the scan identifier from the header file name
func SeriesUID(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

// Read loads the header at path and its voxel payload
func Read(path string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	hdr, err := ParseHeader(br)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	want, err := hdr.PayloadSize()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	var payload io.Reader
	if strings.EqualFold(hdr.ElementDataFile, "LOCAL") {
		if !hdr.Compressed {
			if err := checkLocalSize(f, br, want); err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
		}
		payload = br
	} else {
		raw, err := os.Open(filepath.Join(filepath.Dir(path), hdr.ElementDataFile))
		if err != nil {
			return nil, fmt.Errorf("error opening element data: %w", err)
		}
		defer raw.Close()
		if !hdr.Compressed {
			info, err := raw.Stat()
			if err != nil {
				return nil, fmt.Errorf("error reading element data: %w", err)
			}
			if info.Size() != want {
				return nil, fmt.Errorf("%s: %w", path, sizeMismatch(info.Size(), want))
			}
		}
		payload = bufio.NewReader(raw)
	}

	vol, err := decode(payload, hdr)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &Image{Header: hdr, Volume: vol}, nil
}

// checkLocalSize compares the bytes left in f after the header with want
func checkLocalSize(f *os.File, br *bufio.Reader, want int64) error {
	info, err := f.Stat()
	if err != nil {
		return err
	}
	pos, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	if left := info.Size() - pos + int64(br.Buffered()); left != want {
		return sizeMismatch(left, want)
	}
	return nil
}

func sizeMismatch(got, want int64) error {
	return fmt.Errorf("%w: element data is %d bytes, header needs %d", ErrSizeMismatch, got, want)
}

// ParseHeader reads "Key = Value" lines up to and including ElementDataFile,
// which by convention terminates the header
func ParseHeader(r *bufio.Reader) (Header, error) {
	hdr := Header{Fields: make(map[string]string)}
	for {
		line, err := r.ReadString('\n')
		if key, value, ok := strings.Cut(line, "="); ok {
			key, value = strings.TrimSpace(key), strings.TrimSpace(value)
			hdr.Fields[key] = value
			if perr := hdr.set(key, value); perr != nil {
				return hdr, fmt.Errorf("metaimage: %s: %w", key, perr)
			}
			if key == "ElementDataFile" {
				break
			}
		}
		if err == io.EOF {
			return hdr, errors.New("metaimage: header has no ElementDataFile")
		}
		if err != nil {
			return hdr, err
		}
	}

	if hdr.NDims != 3 || len(hdr.DimSize) != 3 {
		return hdr, fmt.Errorf("%w: NDims=%d", ErrNotVolume, hdr.NDims)
	}
	if hdr.ElementType == "" {
		return hdr, fmt.Errorf("%w: missing ElementType", ErrUnsupportedType)
	}
	return hdr, nil
}

func (h *Header) set(key, value string) error {
	var err error
	switch key {
	case "NDims":
		h.NDims, err = strconv.Atoi(value)
	case "DimSize":
		h.DimSize, err = parseInts(value)
	case "ElementSpacing":
		h.ElementSpacing, err = parseFloats(value)
	case "Offset", "Origin", "Position":
		h.Offset, err = parseFloats(value)
	case "ElementType":
		h.ElementType = value
	case "ElementByteOrderMSB", "BinaryDataByteOrderMSB":
		h.BigEndian = strings.EqualFold(value, "true")
	case "CompressedData":
		h.Compressed = strings.EqualFold(value, "true")
	case "ElementDataFile":
		h.ElementDataFile = value
	}
	return err
}

func parseInts(s string) ([]int, error) {
	fields := strings.Fields(s)
	out := make([]int, len(fields))
	for i, f := range fields {
		v, err := strconv.Atoi(f)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func parseFloats(s string) ([]float64, error) {
	fields := strings.Fields(s)
	out := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// elementSize returns the byte width of a MetaImage element type
func elementSize(t string) (int, error) {
	switch t {
	case "MET_UCHAR", "MET_CHAR":
		return 1, nil
	case "MET_SHORT", "MET_USHORT":
		return 2, nil
	case "MET_INT", "MET_UINT", "MET_FLOAT":
		return 4, nil
	case "MET_DOUBLE":
		return 8, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrUnsupportedType, t)
}

// PayloadSize returns the uncompressed payload length in bytes implied by
// DimSize and ElementType. Empty, overflowing or oversized grids are rejected.
func (h Header) PayloadSize() (int64, error) {
	size, err := elementSize(h.ElementType)
	if err != nil {
		return 0, err
	}
	if len(h.DimSize) != 3 {
		return 0, fmt.Errorf("%w: DimSize %v", ErrNotVolume, h.DimSize)
	}
	n := int64(1)
	for _, d := range h.DimSize {
		if d <= 0 || int64(d) > MaxVoxels || n*int64(d) > MaxVoxels {
			return 0, fmt.Errorf("%w: DimSize %v outside 1..%d voxels", ErrNotVolume, h.DimSize, MaxVoxels)
		}
		n *= int64(d)
	}
	return n * int64(size), nil
}

func decode(r io.Reader, hdr Header) (*models.Volume, error) {
	if _, err := hdr.PayloadSize(); err != nil {
		return nil, err
	}
	size, err := elementSize(hdr.ElementType)
	if err != nil {
		return nil, err
	}
	shape := hdr.Shape()

	if hdr.Compressed {
		zr, err := zlib.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("error opening compressed data: %w", err)
		}
		defer zr.Close()
		r = zr
	}

	n := shape.Len()
	buf := make([]byte, n*size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("%w: element data shorter than %d voxels: %v", ErrSizeMismatch, n, err)
	}
	var extra [1]byte
	if k, _ := io.ReadFull(r, extra[:]); k > 0 {
		return nil, fmt.Errorf("%w: element data longer than %d voxels", ErrSizeMismatch, n)
	}

	var order binary.ByteOrder = binary.LittleEndian
	if hdr.BigEndian {
		order = binary.BigEndian
	}

	vol := models.NewVolume(shape)
	for i := range vol.Data {
		b := buf[i*size : (i+1)*size]
		switch hdr.ElementType {
		case "MET_UCHAR":
			vol.Data[i] = float64(b[0])
		case "MET_CHAR":
			vol.Data[i] = float64(int8(b[0]))
		case "MET_SHORT":
			vol.Data[i] = float64(int16(order.Uint16(b)))
		case "MET_USHORT":
			vol.Data[i] = float64(order.Uint16(b))
		case "MET_INT":
			vol.Data[i] = float64(int32(order.Uint32(b)))
		case "MET_UINT":
			vol.Data[i] = float64(order.Uint32(b))
		case "MET_FLOAT":
			vol.Data[i] = float64(math.Float32frombits(order.Uint32(b)))
		case "MET_DOUBLE":
			vol.Data[i] = math.Float64frombits(order.Uint64(b))
		}
	}
	return vol, nil
}

// Write stores vol as MET_SHORT with a detached .raw payload next to path.
// Samples are rounded to whole HU, so it only suits raw scans such as test
// fixtures; normalized volumes would collapse to 0 and 1.
func Write(path string, vol *models.Volume, geom geometry.Geometry) error {
	rawName := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)) + ".raw"

	var hdr bytes.Buffer
	fmt.Fprintf(&hdr, "ObjectType = Image\n")
	fmt.Fprintf(&hdr, "NDims = 3\n")
	fmt.Fprintf(&hdr, "BinaryData = True\n")
	fmt.Fprintf(&hdr, "BinaryDataByteOrderMSB = False\n")
	fmt.Fprintf(&hdr, "CompressedData = False\n")
	fmt.Fprintf(&hdr, "Offset = %s\n", joinFloats(geom.Origin.ToXYZ()))
	fmt.Fprintf(&hdr, "ElementSpacing = %s\n", joinFloats(geom.Spacing.ToXYZ()))
	fmt.Fprintf(&hdr, "DimSize = %d %d %d\n", vol.Width, vol.Height, vol.Depth)
	fmt.Fprintf(&hdr, "ElementType = MET_SHORT\n")
	fmt.Fprintf(&hdr, "ElementDataFile = %s\n", rawName)
	if err := os.WriteFile(path, hdr.Bytes(), 0644); err != nil {
		return fmt.Errorf("error writing header: %w", err)
	}

	raw := make([]byte, 2*len(vol.Data))
	for i, v := range vol.Data {
		binary.LittleEndian.PutUint16(raw[2*i:], uint16(int16(math.Round(v))))
	}
	if err := os.WriteFile(filepath.Join(filepath.Dir(path), rawName), raw, 0644); err != nil {
		return fmt.Errorf("error writing element data: %w", err)
	}
	return nil
}

func joinFloats(v [3]float64) string {
	parts := make([]string, len(v))
	for i, f := range v {
		parts[i] = strconv.FormatFloat(f, 'g', -1, 64)
	}
	return strings.Join(parts, " ")
}
