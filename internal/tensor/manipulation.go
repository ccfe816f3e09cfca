package tensor

import "fmt"

// blockSizes returns the row-major iteration geometry for an axis:
// the number of outer blocks before the axis and the byte width of one
// axis step (product of trailing dimensions times element size).
func blockSizes(s Shape, axis int, elemSize int) (outer, step int) {
	outer = 1
	for i := 0; i < axis; i++ {
		outer *= s[i]
	}
	step = elemSize
	for i := axis + 1; i < len(s); i++ {
		step *= s[i]
	}
	return outer, step
}

// Concat concatenates a and b along the given axis, producing a new tensor.
// All other axes and the dtype must match exactly.
func Concat(a, b *Tensor, axis int) (*Tensor, error) {
	if a.dtype != b.dtype {
		return nil, fmt.Errorf("dtype mismatch: %s vs %s", a.dtype, b.dtype)
	}
	if len(a.shape) != len(b.shape) {
		return nil, fmt.Errorf("rank mismatch: %s vs %s", a.shape, b.shape)
	}
	if axis < 0 || axis >= len(a.shape) {
		return nil, fmt.Errorf("axis %d out of range for shape %s", axis, a.shape)
	}
	for i := range a.shape {
		if i != axis && a.shape[i] != b.shape[i] {
			return nil, fmt.Errorf("shapes %s and %s differ on axis %d", a.shape, b.shape, i)
		}
	}

	outShape := a.shape.Clone()
	outShape[axis] = a.shape[axis] + b.shape[axis]

	elemSize := a.dtype.Size()
	outer, step := blockSizes(a.shape, axis, elemSize)
	blockA := a.shape[axis] * step
	blockB := b.shape[axis] * step

	data := make([]byte, outer*(blockA+blockB))
	for o := 0; o < outer; o++ {
		dst := data[o*(blockA+blockB):]
		copy(dst[:blockA], a.data[o*blockA:(o+1)*blockA])
		copy(dst[blockA:blockA+blockB], b.data[o*blockB:(o+1)*blockB])
	}
	return &Tensor{shape: outShape, dtype: a.dtype, data: data}, nil
}

// PadTo extends the given axis to target size by appending zero-valued
// entries at the trailing positions. Existing values are preserved at their
// original indices. target smaller than the current size is an error.
func PadTo(t *Tensor, axis, target int) (*Tensor, error) {
	if axis < 0 || axis >= len(t.shape) {
		return nil, fmt.Errorf("axis %d out of range for shape %s", axis, t.shape)
	}
	current := t.shape[axis]
	if target < current {
		return nil, fmt.Errorf("cannot pad axis %d of %s down to %d (padding never truncates)",
			axis, t.shape, target)
	}
	if target == current {
		return t, nil
	}

	outShape := t.shape.Clone()
	outShape[axis] = target

	elemSize := t.dtype.Size()
	outer, step := blockSizes(t.shape, axis, elemSize)
	srcBlock := current * step
	dstBlock := target * step

	data := make([]byte, outer*dstBlock)
	for o := 0; o < outer; o++ {
		copy(data[o*dstBlock:o*dstBlock+srcBlock], t.data[o*srcBlock:(o+1)*srcBlock])
		// Remainder of the block stays zero.
	}
	return &Tensor{shape: outShape, dtype: t.dtype, data: data}, nil
}

// Stack combines same-shaped tensors along a new leading axis, in the order
// given. The i-th slice of the result is bit-identical to tensors[i].
func Stack(tensors []*Tensor) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, fmt.Errorf("cannot stack zero tensors")
	}
	first := tensors[0]
	for i, t := range tensors[1:] {
		if t.dtype != first.dtype {
			return nil, fmt.Errorf("tensor %d dtype %s differs from %s", i+1, t.dtype, first.dtype)
		}
		if !t.shape.Equal(first.shape) {
			return nil, fmt.Errorf("tensor %d shape %s differs from %s", i+1, t.shape, first.shape)
		}
	}

	outShape := make(Shape, 0, len(first.shape)+1)
	outShape = append(outShape, len(tensors))
	outShape = append(outShape, first.shape...)

	block := first.ByteSize()
	data := make([]byte, len(tensors)*block)
	for i, t := range tensors {
		copy(data[i*block:(i+1)*block], t.data)
	}
	return &Tensor{shape: outShape, dtype: first.dtype, data: data}, nil
}

// SlicePrefix returns the first n entries along the given axis as a new
// tensor. No values are altered; this is a pure layout extraction.
func SlicePrefix(t *Tensor, axis, n int) (*Tensor, error) {
	if axis < 0 || axis >= len(t.shape) {
		return nil, fmt.Errorf("axis %d out of range for shape %s", axis, t.shape)
	}
	if n <= 0 || n > t.shape[axis] {
		return nil, fmt.Errorf("slice size %d out of range for axis %d of shape %s", n, axis, t.shape)
	}
	if n == t.shape[axis] {
		return t, nil
	}
	outShape := t.shape.Clone()
	outShape[axis] = n

	elemSize := t.dtype.Size()
	outer, step := blockSizes(t.shape, axis, elemSize)
	srcBlock := t.shape[axis] * step
	dstBlock := n * step

	data := make([]byte, outer*dstBlock)
	for o := 0; o < outer; o++ {
		copy(data[o*dstBlock:(o+1)*dstBlock], t.data[o*srcBlock:o*srcBlock+dstBlock])
	}
	return &Tensor{shape: outShape, dtype: t.dtype, data: data}, nil
}

// Reshape returns a view-copy of t with a new shape of identical element
// count. Bytes are copied so the result stays independent.
func Reshape(t *Tensor, shape Shape) (*Tensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, fmt.Errorf("invalid shape: %w", err)
	}
	if shape.NumElements() != t.NumElements() {
		return nil, fmt.Errorf("cannot reshape %s to %s: element count differs", t.shape, shape)
	}
	data := make([]byte, len(t.data))
	copy(data, t.data)
	return &Tensor{shape: shape.Clone(), dtype: t.dtype, data: data}, nil
}
