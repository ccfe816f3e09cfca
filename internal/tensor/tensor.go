package tensor

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Tensor is an immutable n-dimensional array with an explicit shape and dtype.
// The data is stored row-major as raw little-endian bytes, matching the
// safetensors on-disk layout. Every transform in this package allocates a new
// tensor; nothing mutates in place.
type Tensor struct {
	shape Shape
	dtype DataType
	data  []byte
}

// New creates a tensor over the given raw bytes.
// The byte length must match shape.NumElements() * dtype.Size().
func New(shape Shape, dtype DataType, data []byte) (*Tensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, fmt.Errorf("invalid shape: %w", err)
	}
	want := shape.NumElements() * dtype.Size()
	if len(data) != want {
		return nil, fmt.Errorf("data size %d does not match shape %s dtype %s (want %d bytes)",
			len(data), shape, dtype, want)
	}
	return &Tensor{shape: shape.Clone(), dtype: dtype, data: data}, nil
}

// Zeros creates a tensor of the given shape and dtype filled with zero bytes.
func Zeros(shape Shape, dtype DataType) (*Tensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, fmt.Errorf("invalid shape: %w", err)
	}
	return &Tensor{
		shape: shape.Clone(),
		dtype: dtype,
		data:  make([]byte, shape.NumElements()*dtype.Size()),
	}, nil
}

// FromFloat32 creates a Float32 tensor from the given values.
func FromFloat32(shape Shape, values []float32) (*Tensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, fmt.Errorf("invalid shape: %w", err)
	}
	if len(values) != shape.NumElements() {
		return nil, fmt.Errorf("got %d values for shape %s", len(values), shape)
	}
	data := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(v))
	}
	return &Tensor{shape: shape.Clone(), dtype: Float32, data: data}, nil
}

// Ones creates a Float32 tensor of the given shape filled with 1.0.
func Ones(shape Shape) (*Tensor, error) {
	values := make([]float32, shape.NumElements())
	for i := range values {
		values[i] = 1
	}
	return FromFloat32(shape, values)
}

// Shape returns the tensor's shape. Callers must not modify it.
func (t *Tensor) Shape() Shape { return t.shape }

// DType returns the tensor's data type.
func (t *Tensor) DType() DataType { return t.dtype }

// Data returns the raw little-endian bytes. Callers must not modify them;
// tensors are immutable by convention.
func (t *Tensor) Data() []byte { return t.data }

// NumElements returns the total element count.
func (t *Tensor) NumElements() int { return t.shape.NumElements() }

// ByteSize returns the length of the data section in bytes.
func (t *Tensor) ByteSize() int { return len(t.data) }

// Dim returns the size of axis i.
func (t *Tensor) Dim(i int) int { return t.shape[i] }

// AsFloat32 decodes the data as float32 values.
// Only valid for Float32 tensors.
func (t *Tensor) AsFloat32() ([]float32, error) {
	if t.dtype != Float32 {
		return nil, fmt.Errorf("cannot decode %s tensor as float32", t.dtype)
	}
	out := make([]float32, t.NumElements())
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.data[i*4:]))
	}
	return out, nil
}

// Equal reports whether two tensors have identical shape, dtype, and bytes.
func (t *Tensor) Equal(other *Tensor) bool {
	if t.dtype != other.dtype || !t.shape.Equal(other.shape) {
		return false
	}
	if len(t.data) != len(other.data) {
		return false
	}
	for i := range t.data {
		if t.data[i] != other.data[i] {
			return false
		}
	}
	return true
}
