package safetensors

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/goccy/go-json"

	"github.com/moeshift/moeshift/internal/tensor"
)

// Reader reads a safetensors archive.
type Reader struct {
	file       *os.File
	header     Header
	dataOffset int64
	dataSize   int64
}

// Open opens an archive and parses and validates its header.
func Open(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}

	r, err := newReader(file)
	if err != nil {
		_ = file.Close() // Best effort close on error
		return nil, err
	}
	return r, nil
}

func newReader(file *os.File) (*Reader, error) {
	stat, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat archive: %w", err)
	}

	var headerSize uint64
	if err := binary.Read(file, binary.LittleEndian, &headerSize); err != nil {
		return nil, &FormatError{Detail: fmt.Sprintf("failed to read header size: %v", err)}
	}
	if headerSize > MaxHeaderSize {
		return nil, &FormatError{Detail: fmt.Sprintf("header size %d exceeds maximum %d", headerSize, MaxHeaderSize)}
	}
	if int64(headerSize) > stat.Size()-8 {
		return nil, &FormatError{Detail: fmt.Sprintf("header size %d exceeds file size %d", headerSize, stat.Size())}
	}

	headerBytes := make([]byte, headerSize)
	if _, err := io.ReadFull(file, headerBytes); err != nil {
		return nil, &FormatError{Detail: fmt.Sprintf("truncated header: %v", err)}
	}

	var header Header
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, &FormatError{Detail: fmt.Sprintf("malformed header JSON: %v", err)}
	}

	dataOffset := int64(8 + headerSize)
	dataSize := stat.Size() - dataOffset
	if err := validateOffsets(header.Tensors, dataSize); err != nil {
		return nil, err
	}

	// Each entry's byte length must agree with its declared shape and dtype.
	for name, info := range header.Tensors {
		dt, err := tensor.ParseDataType(info.DType)
		if err != nil {
			return nil, &FormatError{Tensor: name, Detail: err.Error()}
		}
		shape := tensor.Shape(info.Shape)
		if err := shape.Validate(); err != nil {
			return nil, &FormatError{Tensor: name, Detail: fmt.Sprintf("invalid shape: %v", err)}
		}
		want := int64(shape.NumElements() * dt.Size())
		if got := info.DataOffsets[1] - info.DataOffsets[0]; got != want {
			return nil, &FormatError{
				Tensor: name,
				Detail: fmt.Sprintf("data region of %d bytes does not match shape %s dtype %s (want %d)",
					got, shape, dt, want),
			}
		}
	}

	return &Reader{
		file:       file,
		header:     header,
		dataOffset: dataOffset,
		dataSize:   dataSize,
	}, nil
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

// Metadata returns the metadata map from the header.
func (r *Reader) Metadata() map[string]string {
	return r.header.Metadata
}

// Names returns all tensor names in lexicographic order.
func (r *Reader) Names() []string {
	names := make([]string, 0, len(r.header.Tensors))
	for name := range r.header.Tensors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether a tensor with the given name exists.
func (r *Reader) Has(name string) bool {
	_, ok := r.header.Tensors[name]
	return ok
}

// Info returns the header entry for a tensor.
func (r *Reader) Info(name string) (TensorInfo, bool) {
	info, ok := r.header.Tensors[name]
	return info, ok
}

// Load materializes one tensor.
func (r *Reader) Load(name string) (*tensor.Tensor, error) {
	info, ok := r.header.Tensors[name]
	if !ok {
		return nil, &FormatError{Tensor: name, Detail: "tensor not found in archive"}
	}
	dt, err := tensor.ParseDataType(info.DType)
	if err != nil {
		return nil, &FormatError{Tensor: name, Detail: err.Error()}
	}

	start := r.dataOffset + info.DataOffsets[0]
	size := info.DataOffsets[1] - info.DataOffsets[0]
	data := make([]byte, size)
	if _, err := r.file.ReadAt(data, start); err != nil {
		return nil, fmt.Errorf("failed to read tensor %q: %w", name, err)
	}
	return tensor.New(tensor.Shape(info.Shape), dt, data)
}

// LoadAll materializes every tensor in the archive.
func (r *Reader) LoadAll() (map[string]*tensor.Tensor, error) {
	out := make(map[string]*tensor.Tensor, len(r.header.Tensors))
	for name := range r.header.Tensors {
		t, err := r.Load(name)
		if err != nil {
			return nil, err
		}
		out[name] = t
	}
	return out, nil
}
