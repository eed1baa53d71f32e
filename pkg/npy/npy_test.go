package npy

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ctnoduleprep/internal/models"
)

func TestWriteFloat64Layout(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFloat64(&buf, []int{1, 2, 2}, []float64{0, 0.25, 0.5, 1}))

	raw := buf.Bytes()
	require.True(t, bytes.HasPrefix(raw, []byte("\x93NUMPY\x01\x00")))
	headerLen := int(binary.LittleEndian.Uint16(raw[8:10]))
	assert.Zero(t, (10+headerLen)%64, "data must start on a 64 byte boundary")
	assert.Equal(t, byte('\n'), raw[10+headerLen-1])
	assert.Contains(t, string(raw[10:10+headerLen]), "'shape': (1, 2, 2)")

	data := raw[10+headerLen:]
	require.Len(t, data, 32)
	assert.Equal(t, 0.25, math.Float64frombits(binary.LittleEndian.Uint64(data[8:16])))
}

func TestReadHeader(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteUint8(&buf, []int{3, 1, 2}, []uint8{0, 1, 1, 0, 0, 1}))

	h, err := ReadHeader(&buf)
	require.NoError(t, err)
	assert.Equal(t, DtypeUint8, h.Dtype)
	assert.False(t, h.Fortran)
	assert.Equal(t, []int{3, 1, 2}, h.Shape)

	rest, err := io.ReadAll(&buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 1, 0, 0, 1}, rest)

	_, err = ReadHeader(bytes.NewReader([]byte("not numpy at all")))
	assert.ErrorIs(t, err, ErrBadHeader)
}

func TestOneDimensionalShape(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteUint8(&buf, []int{3}, []uint8{1, 2, 3}))
	assert.Contains(t, buf.String(), "'shape': (3,)")

	h, err := ReadHeader(&buf)
	require.NoError(t, err)
	assert.Equal(t, []int{3}, h.Shape)
}

func TestShapeMismatch(t *testing.T) {
	err := WriteFloat64(io.Discard, []int{2, 2, 2}, make([]float64, 7))
	assert.Error(t, err)
	err = WriteUint8(io.Discard, []int{-1, 2}, nil)
	assert.Error(t, err)
}

func TestSaveVolumeAndMask(t *testing.T) {
	dir := t.TempDir()
	uid := "1.3.6.1.4.1.14519"
	shape := models.Shape{Depth: 2, Height: 3, Width: 4}

	vol := models.NewVolume(shape)
	m := models.NewMask(shape)
	m.Set(1, 2, 3)
	require.NoError(t, SaveVolume(filepath.Join(dir, ImageName(uid)), vol))
	require.NoError(t, SaveMask(filepath.Join(dir, MaskName(uid)), m))

	for name, dtype := range map[string]string{ImageName(uid): DtypeFloat64, MaskName(uid): DtypeUint8} {
		f, err := os.Open(filepath.Join(dir, name))
		require.NoError(t, err)
		h, err := ReadHeader(f)
		f.Close()
		require.NoError(t, err)
		assert.Equal(t, dtype, h.Dtype, name)
		assert.Equal(t, []int{2, 3, 4}, h.Shape, name)
	}
	assert.Equal(t, "1.3.6.1.4.1.14519_image.npy", ImageName(uid))
	assert.Equal(t, "1.3.6.1.4.1.14519_mask.npy", MaskName(uid))
}
