package safetensors

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moeshift/moeshift/internal/tensor"
)

func testTensors(t *testing.T) map[string]*tensor.Tensor {
	t.Helper()
	weight, err := tensor.FromFloat32(tensor.Shape{2, 3}, []float32{1, 2, 3, 4, 5, 6})
	require.NoError(t, err)
	bias, err := tensor.FromFloat32(tensor.Shape{3}, []float32{0.1, 0.2, 0.3})
	require.NoError(t, err)
	return map[string]*tensor.Tensor{"weight": weight, "bias": bias}
}

func TestWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.safetensors")
	original := testTensors(t)

	err := Write(path, original, map[string]string{"format": "safetensors"})
	require.NoError(t, err)

	reader, err := Open(path)
	require.NoError(t, err)
	defer func() {
		_ = reader.Close()
	}()

	assert.Equal(t, []string{"bias", "weight"}, reader.Names())
	assert.Equal(t, "safetensors", reader.Metadata()["format"])
	assert.NotEmpty(t, reader.Metadata()[ChecksumMetadataKey])

	for name, want := range original {
		got, err := reader.Load(name)
		require.NoError(t, err)
		assert.True(t, got.Equal(want), "tensor %s", name)
	}
}

func TestWriteDeterministic(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "a.safetensors")
	second := filepath.Join(dir, "b.safetensors")
	tensors := testTensors(t)

	require.NoError(t, Write(first, tensors, map[string]string{"format": "safetensors"}))
	require.NoError(t, Write(second, tensors, map[string]string{"format": "safetensors"}))

	a, err := os.ReadFile(first)
	require.NoError(t, err)
	b, err := os.ReadFile(second)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestWriteRefusesEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.safetensors")
	err := Write(path, nil, nil)
	require.Error(t, err)

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestWriteLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.safetensors")
	require.NoError(t, Write(path, testTensors(t), nil))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "model.safetensors", entries[0].Name())
}

func TestOpenRejectsTruncatedHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.safetensors")

	// Declares a 100-byte header but carries only 4 bytes.
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint64(buf, 100)
	require.NoError(t, os.WriteFile(path, buf, 0o644))

	_, err := Open(path)
	var formatErr *FormatError
	require.ErrorAs(t, err, &formatErr)
}

func TestOpenRejectsMalformedJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.safetensors")

	header := []byte("{not json")
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(len(header)))
	require.NoError(t, os.WriteFile(path, append(buf, header...), 0o644))

	_, err := Open(path)
	var formatErr *FormatError
	require.ErrorAs(t, err, &formatErr)
}

func writeRawArchive(t *testing.T, header map[string]any, data []byte) string {
	t.Helper()
	headerJSON, err := json.Marshal(header)
	require.NoError(t, err)

	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(len(headerJSON)))
	buf = append(buf, headerJSON...)
	buf = append(buf, data...)

	path := filepath.Join(t.TempDir(), "raw.safetensors")
	require.NoError(t, os.WriteFile(path, buf, 0o644))
	return path
}

func TestOpenRejectsOutOfBoundsOffsets(t *testing.T) {
	path := writeRawArchive(t, map[string]any{
		"weight": TensorInfo{DType: "F32", Shape: []int{4}, DataOffsets: [2]int64{0, 16}},
	}, make([]byte, 8)) // Data section shorter than the declared region.

	_, err := Open(path)
	var formatErr *FormatError
	require.ErrorAs(t, err, &formatErr)
	assert.Equal(t, "weight", formatErr.Tensor)
}

func TestOpenRejectsOverlappingOffsets(t *testing.T) {
	path := writeRawArchive(t, map[string]any{
		"a": TensorInfo{DType: "F32", Shape: []int{4}, DataOffsets: [2]int64{0, 16}},
		"b": TensorInfo{DType: "F32", Shape: []int{4}, DataOffsets: [2]int64{8, 24}},
	}, make([]byte, 24))

	_, err := Open(path)
	var formatErr *FormatError
	require.ErrorAs(t, err, &formatErr)
}

func TestOpenRejectsShapeSizeDisagreement(t *testing.T) {
	path := writeRawArchive(t, map[string]any{
		"weight": TensorInfo{DType: "F32", Shape: []int{4}, DataOffsets: [2]int64{0, 8}},
	}, make([]byte, 8))

	_, err := Open(path)
	var formatErr *FormatError
	require.ErrorAs(t, err, &formatErr)
}

func TestLoadMissingTensor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.safetensors")
	require.NoError(t, Write(path, testTensors(t), nil))

	reader, err := Open(path)
	require.NoError(t, err)
	defer func() {
		_ = reader.Close()
	}()

	_, err = reader.Load("missing")
	var formatErr *FormatError
	require.True(t, errors.As(err, &formatErr))
	assert.Equal(t, "missing", formatErr.Tensor)
}
