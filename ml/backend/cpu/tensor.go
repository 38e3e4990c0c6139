package cpu

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/d4l3k/go-bfloat16"
	"github.com/vlama/vlama/ml"
	"github.com/x448/float16"
)

// Tensor is an n-dimensional strided view over a slice. Dimension 0 is the
// innermost, so dims and strides read inside out. Strides are in elements;
// the ml.Tensor interface converts to bytes at the boundary.
type Tensor struct {
	b *Backend

	dtype   ml.DType
	rank    int
	dims    [4]int
	strides [4]int

	// exactly one backing slice is set, selected by dtype. Views share
	// the slice of the tensor they were derived from.
	f32 []float32
	u16 []uint16 // raw bits for both F16 and BF16
	i32 []int32
}

func newTensor(b *Backend, op string, dtype ml.DType, shape []int) (*Tensor, error) {
	if len(shape) == 0 || len(shape) > 4 {
		return nil, &ml.ShapeError{Op: op, Shapes: [][]int{shape}}
	}

	n := 1
	for _, dim := range shape {
		if dim <= 0 {
			return nil, &ml.ShapeError{Op: op, Shapes: [][]int{shape}}
		}
		n *= dim
	}

	size := uint64(n) * uint64(dtype.Size())
	if !b.mem.alloc(size) {
		return nil, &ml.AllocationError{
			Op:    op,
			Shape: shape,
			DType: dtype,
			Size:  size,
			Limit: b.mem.limit,
		}
	}

	t := &Tensor{b: b, dtype: dtype, rank: len(shape)}
	for i := range 4 {
		t.dims[i] = 1
	}
	copy(t.dims[:], shape)
	t.strides = contiguousStrides(t.dims)

	switch dtype {
	case ml.DTypeF32:
		t.f32 = make([]float32, n)
	case ml.DTypeF16, ml.DTypeBF16:
		t.u16 = make([]uint16, n)
	case ml.DTypeI32:
		t.i32 = make([]int32, n)
	default:
		b.mem.free(size)
		return nil, fmt.Errorf("unsupported dtype %s", dtype)
	}

	return t, nil
}

func contiguousStrides(dims [4]int) [4]int {
	var strides [4]int
	strides[0] = 1
	for i := 1; i < 4; i++ {
		strides[i] = strides[i-1] * dims[i-1]
	}
	return strides
}

func (t *Tensor) contiguous() bool {
	want := contiguousStrides(t.dims)
	for i := range 4 {
		if t.dims[i] > 1 && t.strides[i] != want[i] {
			return false
		}
	}
	return true
}

func (t *Tensor) numel() int {
	return t.dims[0] * t.dims[1] * t.dims[2] * t.dims[3]
}

func (t *Tensor) index(i0, i1, i2, i3 int) int {
	return i0*t.strides[0] + i1*t.strides[1] + i2*t.strides[2] + i3*t.strides[3]
}

// at reads one element as float32, decoding the storage dtype.
func (t *Tensor) at(i0, i1, i2, i3 int) float32 {
	idx := t.index(i0, i1, i2, i3)
	switch t.dtype {
	case ml.DTypeF32:
		return t.f32[idx]
	case ml.DTypeF16:
		return float16.Frombits(t.u16[idx]).Float32()
	case ml.DTypeBF16:
		return bfloat16.ToFloat32(bfloat16.BF16(t.u16[idx]))
	case ml.DTypeI32:
		return float32(t.i32[idx])
	default:
		panic(fmt.Errorf("unsupported dtype %s", t.dtype))
	}
}

// set writes one element, encoding into the storage dtype.
func (t *Tensor) set(i0, i1, i2, i3 int, v float32) {
	idx := t.index(i0, i1, i2, i3)
	switch t.dtype {
	case ml.DTypeF32:
		t.f32[idx] = v
	case ml.DTypeF16:
		t.u16[idx] = float16.Fromfloat32(v).Bits()
	case ml.DTypeBF16:
		t.u16[idx] = uint16(bfloat16.FromFloat32(v))
	case ml.DTypeI32:
		t.i32[idx] = int32(v)
	default:
		panic(fmt.Errorf("unsupported dtype %s", t.dtype))
	}
}

func (t *Tensor) Dim(n int) int {
	if n >= 4 {
		return 1
	}
	return t.dims[n]
}

func (t *Tensor) Stride(n int) int {
	if n >= 4 {
		return t.strides[3] * t.dims[3] * t.dtype.Size()
	}
	return t.strides[n] * t.dtype.Size()
}

func (t *Tensor) Shape() []int {
	shape := make([]int, t.rank)
	copy(shape, t.dims[:t.rank])
	return shape
}

func (t *Tensor) DType() ml.DType {
	return t.dtype
}

// Bytes encodes the elements in logical order as little endian values of
// the tensor's dtype.
func (t *Tensor) Bytes() []byte {
	out := make([]byte, 0, t.numel()*t.dtype.Size())

	t.each(func(i0, i1, i2, i3 int) {
		idx := t.index(i0, i1, i2, i3)
		switch t.dtype {
		case ml.DTypeF32:
			out = binary.LittleEndian.AppendUint32(out, math.Float32bits(t.f32[idx]))
		case ml.DTypeF16, ml.DTypeBF16:
			out = binary.LittleEndian.AppendUint16(out, t.u16[idx])
		case ml.DTypeI32:
			out = binary.LittleEndian.AppendUint32(out, uint32(t.i32[idx]))
		}
	})

	return out
}

func (t *Tensor) Floats() []float32 {
	if t.dtype == ml.DTypeF32 && t.contiguous() {
		out := make([]float32, t.numel())
		copy(out, t.f32[:t.numel()])
		return out
	}

	out := make([]float32, 0, t.numel())
	t.each(func(i0, i1, i2, i3 int) {
		out = append(out, t.at(i0, i1, i2, i3))
	})
	return out
}

func (t *Tensor) Ints() []int32 {
	if t.dtype == ml.DTypeI32 && t.contiguous() {
		out := make([]int32, t.numel())
		copy(out, t.i32[:t.numel()])
		return out
	}

	out := make([]int32, 0, t.numel())
	t.each(func(i0, i1, i2, i3 int) {
		if t.dtype == ml.DTypeI32 {
			out = append(out, t.i32[t.index(i0, i1, i2, i3)])
		} else {
			out = append(out, int32(t.at(i0, i1, i2, i3)))
		}
	})
	return out
}

// each visits every logical index, innermost dimension fastest.
func (t *Tensor) each(f func(i0, i1, i2, i3 int)) {
	for i3 := range t.dims[3] {
		for i2 := range t.dims[2] {
			for i1 := range t.dims[1] {
				for i0 := range t.dims[0] {
					f(i0, i1, i2, i3)
				}
			}
		}
	}
}

func (t *Tensor) Reshape(ctx ml.Context, shape ...int) ml.Tensor {
	if !t.contiguous() {
		panic(fmt.Errorf("reshape: tensor %v is not contiguous", t.Shape()))
	}

	n := 1
	for _, dim := range shape {
		n *= dim
	}
	if n != t.numel() {
		panic(fmt.Errorf("reshape: cannot reshape %v into %v", t.Shape(), shape))
	}

	out := &Tensor{b: t.b, dtype: t.dtype, rank: len(shape), f32: t.f32, u16: t.u16, i32: t.i32}
	for i := range 4 {
		out.dims[i] = 1
	}
	copy(out.dims[:], shape)
	out.strides = contiguousStrides(out.dims)

	return out
}

// View interprets shape as dimensions interleaved with byte strides:
// d0 [, s1, d1 [, s2, d2 [, s3, d3]]]. The view shares storage with t
// starting at the given byte offset.
func (t *Tensor) View(ctx ml.Context, offset int, shape ...int) ml.Tensor {
	elemSize := t.dtype.Size()
	if offset%elemSize != 0 {
		panic(fmt.Errorf("view: offset %d is not aligned to %s elements", offset, t.dtype))
	}

	out := &Tensor{b: t.b, dtype: t.dtype}
	for i := range 4 {
		out.dims[i] = 1
	}
	out.strides = [4]int{1, 0, 0, 0}

	switch len(shape) {
	case 1, 3, 5, 7:
		out.rank = (len(shape) + 1) / 2
		out.dims[0] = shape[0]
		for i := 1; i < out.rank; i++ {
			stride := shape[2*i-1]
			if stride%elemSize != 0 {
				panic(fmt.Errorf("view: stride %d is not aligned to %s elements", stride, t.dtype))
			}
			out.strides[i] = stride / elemSize
			out.dims[i] = shape[2*i]
		}
	default:
		panic(fmt.Errorf("view: unsupported number of arguments %d", len(shape)))
	}
	for i := out.rank; i < 4; i++ {
		out.strides[i] = out.strides[out.rank-1] * out.dims[out.rank-1]
	}

	start := offset / elemSize
	end := start + 1
	for i := range 4 {
		end += (out.dims[i] - 1) * out.strides[i]
	}

	switch t.dtype {
	case ml.DTypeF32:
		if end > len(t.f32) {
			panic(fmt.Errorf("view: %v out of range for tensor %v", out.Shape(), t.Shape()))
		}
		out.f32 = t.f32[start:]
	case ml.DTypeF16, ml.DTypeBF16:
		if end > len(t.u16) {
			panic(fmt.Errorf("view: %v out of range for tensor %v", out.Shape(), t.Shape()))
		}
		out.u16 = t.u16[start:]
	case ml.DTypeI32:
		if end > len(t.i32) {
			panic(fmt.Errorf("view: %v out of range for tensor %v", out.Shape(), t.Shape()))
		}
		out.i32 = t.i32[start:]
	}

	return out
}

// Permute rearranges dimensions without copying: dimension i of t becomes
// dimension order[i] of the result.
func (t *Tensor) Permute(ctx ml.Context, order ...int) ml.Tensor {
	if len(order) != 4 {
		panic(fmt.Errorf("permute: expected 4 axes, got %d", len(order)))
	}

	var seen [4]bool
	for _, axis := range order {
		if axis < 0 || axis >= 4 || seen[axis] {
			panic(fmt.Errorf("permute: invalid axes %v", order))
		}
		seen[axis] = true
	}

	out := &Tensor{b: t.b, dtype: t.dtype, f32: t.f32, u16: t.u16, i32: t.i32}
	for i, axis := range order {
		out.dims[axis] = t.dims[i]
		out.strides[axis] = t.strides[i]
	}

	out.rank = 1
	for i := range 4 {
		if out.dims[i] > 1 {
			out.rank = i + 1
		}
	}

	return out
}

// Contiguous materializes the tensor into fresh storage in logical order.
func (t *Tensor) Contiguous(ctx ml.Context) ml.Tensor {
	out := ctx.(*Context).alloc("contiguous", t.dtype, t.Shape())

	var n int
	t.each(func(i0, i1, i2, i3 int) {
		idx := t.index(i0, i1, i2, i3)
		switch t.dtype {
		case ml.DTypeF32:
			out.f32[n] = t.f32[idx]
		case ml.DTypeF16, ml.DTypeBF16:
			out.u16[n] = t.u16[idx]
		case ml.DTypeI32:
			out.i32[n] = t.i32[idx]
		}
		n++
	})

	return out
}
