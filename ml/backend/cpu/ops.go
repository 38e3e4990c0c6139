package cpu

import (
	"fmt"
	"math"

	"github.com/vlama/vlama/ml"
)

// unary applies f elementwise, producing a contiguous float32 tensor.
func (t *Tensor) unary(ctx ml.Context, op string, f func(float32) float32) ml.Tensor {
	out := ctx.(*Context).alloc(op, ml.DTypeF32, t.Shape())

	var n int
	t.each(func(i0, i1, i2, i3 int) {
		out.f32[n] = f(t.at(i0, i1, i2, i3))
		n++
	})

	return out
}

// binary applies f elementwise with t2 repeated across t where its
// dimensions are smaller, the same broadcast the reference engine allows.
func (t *Tensor) binary(ctx ml.Context, op string, t2 ml.Tensor, f func(a, b float32) float32) ml.Tensor {
	u := t2.(*Tensor)
	for i := range 4 {
		if t.dims[i]%u.dims[i] != 0 {
			panic(&ml.ShapeError{Op: op, Shapes: [][]int{t.Shape(), u.Shape()}})
		}
	}

	out := ctx.(*Context).alloc(op, ml.DTypeF32, t.Shape())

	var n int
	t.each(func(i0, i1, i2, i3 int) {
		out.f32[n] = f(t.at(i0, i1, i2, i3), u.at(i0%u.dims[0], i1%u.dims[1], i2%u.dims[2], i3%u.dims[3]))
		n++
	})

	return out
}

func (t *Tensor) Add(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.binary(ctx, "add", t2, func(a, b float32) float32 { return a + b })
}

func (t *Tensor) Mul(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.binary(ctx, "mul", t2, func(a, b float32) float32 { return a * b })
}

func (t *Tensor) Scale(ctx ml.Context, s float64) ml.Tensor {
	return t.unary(ctx, "scale", func(v float32) float32 { return v * float32(s) })
}

func (t *Tensor) Tanh(ctx ml.Context) ml.Tensor {
	return t.unary(ctx, "tanh", func(v float32) float32 {
		return float32(math.Tanh(float64(v)))
	})
}

func (t *Tensor) Sigmoid(ctx ml.Context) ml.Tensor {
	return t.unary(ctx, "sigmoid", sigmoid)
}

func (t *Tensor) GELU(ctx ml.Context) ml.Tensor {
	return t.unary(ctx, "gelu", func(v float32) float32 {
		// tanh approximation, the same one the reference kernels use
		return 0.5 * v * (1 + float32(math.Tanh(float64(0.797884560802865*(v+0.044715*v*v*v)))))
	})
}

func (t *Tensor) SILU(ctx ml.Context) ml.Tensor {
	return t.unary(ctx, "silu", func(v float32) float32 {
		return v * sigmoid(v)
	})
}

func sigmoid(v float32) float32 {
	return float32(1 / (1 + math.Exp(float64(-v))))
}

// Softmax normalizes along dimension 0.
func (t *Tensor) Softmax(ctx ml.Context) ml.Tensor {
	out := ctx.(*Context).alloc("softmax", ml.DTypeF32, t.Shape())

	for i3 := range t.dims[3] {
		for i2 := range t.dims[2] {
			for i1 := range t.dims[1] {
				maxv := float32(math.Inf(-1))
				for i0 := range t.dims[0] {
					maxv = max(maxv, t.at(i0, i1, i2, i3))
				}

				var sum float32
				for i0 := range t.dims[0] {
					e := float32(math.Exp(float64(t.at(i0, i1, i2, i3) - maxv)))
					out.f32[out.index(i0, i1, i2, i3)] = e
					sum += e
				}

				for i0 := range t.dims[0] {
					out.f32[out.index(i0, i1, i2, i3)] /= sum
				}
			}
		}
	}

	return out
}

// LayerNorm normalizes along dimension 0 to zero mean and unit variance,
// then applies the elementwise gain and optional bias.
func (t *Tensor) LayerNorm(ctx ml.Context, weight, bias ml.Tensor, eps float32) ml.Tensor {
	w := weight.(*Tensor)
	if w.dims[0] != t.dims[0] {
		panic(&ml.ShapeError{Op: "layer_norm", Shapes: [][]int{t.Shape(), w.Shape()}})
	}

	var b *Tensor
	if bias != nil {
		b = bias.(*Tensor)
		if b.dims[0] != t.dims[0] {
			panic(&ml.ShapeError{Op: "layer_norm", Shapes: [][]int{t.Shape(), b.Shape()}})
		}
	}

	out := ctx.(*Context).alloc("layer_norm", ml.DTypeF32, t.Shape())

	n := float32(t.dims[0])
	for i3 := range t.dims[3] {
		for i2 := range t.dims[2] {
			for i1 := range t.dims[1] {
				var mean float32
				for i0 := range t.dims[0] {
					mean += t.at(i0, i1, i2, i3)
				}
				mean /= n

				var variance float32
				for i0 := range t.dims[0] {
					d := t.at(i0, i1, i2, i3) - mean
					variance += d * d
				}
				variance /= n

				scale := 1 / float32(math.Sqrt(float64(variance+eps)))
				for i0 := range t.dims[0] {
					v := (t.at(i0, i1, i2, i3) - mean) * scale * w.at(i0, 0, 0, 0)
					if b != nil {
						v += b.at(i0, 0, 0, 0)
					}
					out.f32[out.index(i0, i1, i2, i3)] = v
				}
			}
		}
	}

	return out
}

// RMSNorm normalizes along dimension 0 by the root mean square, then
// applies the elementwise gain.
func (t *Tensor) RMSNorm(ctx ml.Context, weight ml.Tensor, eps float32) ml.Tensor {
	w := weight.(*Tensor)
	if w.dims[0] != t.dims[0] {
		panic(&ml.ShapeError{Op: "rms_norm", Shapes: [][]int{t.Shape(), w.Shape()}})
	}

	out := ctx.(*Context).alloc("rms_norm", ml.DTypeF32, t.Shape())

	n := float32(t.dims[0])
	for i3 := range t.dims[3] {
		for i2 := range t.dims[2] {
			for i1 := range t.dims[1] {
				var sumsq float32
				for i0 := range t.dims[0] {
					v := t.at(i0, i1, i2, i3)
					sumsq += v * v
				}

				scale := 1 / float32(math.Sqrt(float64(sumsq/n+eps)))
				for i0 := range t.dims[0] {
					out.f32[out.index(i0, i1, i2, i3)] = t.at(i0, i1, i2, i3) * scale * w.at(i0, 0, 0, 0)
				}
			}
		}
	}

	return out
}

// Rows gathers rows along dimension 1: out[:, j, i2, i3] = t[:, ids[j], i2, i3].
func (t *Tensor) Rows(ctx ml.Context, indices ml.Tensor) ml.Tensor {
	ids := indices.(*Tensor)
	if ids.dtype != ml.DTypeI32 {
		panic(fmt.Errorf("rows: indices must be I32, got %s", ids.dtype))
	}
	if ids.rank != 1 || t.rank < 2 {
		panic(&ml.ShapeError{Op: "rows", Shapes: [][]int{t.Shape(), ids.Shape()}})
	}

	shape := t.Shape()
	shape[1] = ids.dims[0]
	out := ctx.(*Context).alloc("rows", ml.DTypeF32, shape)

	for i3 := range t.dims[3] {
		for i2 := range t.dims[2] {
			for j := range ids.dims[0] {
				row := int(ids.i32[ids.index(j, 0, 0, 0)])
				if row < 0 || row >= t.dims[1] {
					panic(fmt.Errorf("rows: index %d out of range for %v", row, t.Shape()))
				}

				for i0 := range t.dims[0] {
					out.f32[out.index(i0, j, i2, i3)] = t.at(i0, row, i2, i3)
				}
			}
		}
	}

	return out
}

// SetRows writes rows of src into t along dimension 1 at the given
// indices, converting into t's dtype. t is modified in place.
func (t *Tensor) SetRows(ctx ml.Context, src, indices ml.Tensor) ml.Tensor {
	s := src.(*Tensor)
	ids := indices.(*Tensor)
	if ids.dtype != ml.DTypeI32 {
		panic(fmt.Errorf("set_rows: indices must be I32, got %s", ids.dtype))
	}
	if ids.rank != 1 || s.dims[0] != t.dims[0] || s.dims[1] != ids.dims[0] ||
		s.dims[2] != t.dims[2] || s.dims[3] != t.dims[3] {
		panic(&ml.ShapeError{Op: "set_rows", Shapes: [][]int{t.Shape(), s.Shape(), ids.Shape()}})
	}

	for i3 := range s.dims[3] {
		for i2 := range s.dims[2] {
			for j := range ids.dims[0] {
				row := int(ids.i32[ids.index(j, 0, 0, 0)])
				if row < 0 || row >= t.dims[1] {
					panic(fmt.Errorf("set_rows: index %d out of range for %v", row, t.Shape()))
				}

				for i0 := range s.dims[0] {
					t.set(i0, row, i2, i3, s.at(i0, j, i2, i3))
				}
			}
		}
	}

	return t
}

// Copy writes t's elements into t2 in logical order, converting dtype as
// needed. The shapes may differ as long as the element counts match.
func (t *Tensor) Copy(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	dst := t2.(*Tensor)
	if t.numel() != dst.numel() {
		panic(&ml.ShapeError{Op: "copy", Shapes: [][]int{t.Shape(), dst.Shape()}, Count: t.numel(), Want: dst.numel()})
	}

	if t.dtype == dst.dtype {
		src := make([]int, 0, t.numel())
		t.each(func(i0, i1, i2, i3 int) {
			src = append(src, t.index(i0, i1, i2, i3))
		})

		var n int
		dst.each(func(i0, i1, i2, i3 int) {
			di := dst.index(i0, i1, i2, i3)
			switch t.dtype {
			case ml.DTypeF32:
				dst.f32[di] = t.f32[src[n]]
			case ml.DTypeF16, ml.DTypeBF16:
				dst.u16[di] = t.u16[src[n]]
			case ml.DTypeI32:
				dst.i32[di] = t.i32[src[n]]
			}
			n++
		})
	} else {
		vals := t.Floats()
		var n int
		dst.each(func(i0, i1, i2, i3 int) {
			dst.set(i0, i1, i2, i3, vals[n])
			n++
		})
	}

	return t2
}

func (t *Tensor) Concat(ctx ml.Context, t2 ml.Tensor, dim int) ml.Tensor {
	u := t2.(*Tensor)
	if dim < 0 || dim >= 4 {
		panic(fmt.Errorf("concat: invalid dimension %d", dim))
	}
	if t.dtype != u.dtype {
		panic(fmt.Errorf("concat: dtype mismatch %s vs %s", t.dtype, u.dtype))
	}
	for i := range 4 {
		if i != dim && t.dims[i] != u.dims[i] {
			panic(&ml.ShapeError{Op: "concat", Shapes: [][]int{t.Shape(), u.Shape()}})
		}
	}

	rank := max(t.rank, u.rank, dim+1)
	shape := make([]int, rank)
	for i := range rank {
		shape[i] = t.dims[i]
	}
	shape[dim] = t.dims[dim] + u.dims[dim]

	out := ctx.(*Context).alloc("concat", t.dtype, shape)

	out.each(func(i0, i1, i2, i3 int) {
		i := [4]int{i0, i1, i2, i3}
		src := t
		if i[dim] >= t.dims[dim] {
			i[dim] -= t.dims[dim]
			src = u
		}

		di := out.index(i0, i1, i2, i3)
		si := src.index(i[0], i[1], i[2], i[3])
		switch out.dtype {
		case ml.DTypeF32:
			out.f32[di] = src.f32[si]
		case ml.DTypeF16, ml.DTypeBF16:
			out.u16[di] = src.u16[si]
		case ml.DTypeI32:
			out.i32[di] = src.i32[si]
		}
	})

	return out
}

// Pad grows each dimension i by shape[i] zero elements at its end.
func (t *Tensor) Pad(ctx ml.Context, shape ...int) ml.Tensor {
	if len(shape) > 4 {
		panic(&ml.ShapeError{Op: "pad", Shapes: [][]int{t.Shape(), shape}})
	}

	var pad [4]int
	copy(pad[:], shape)

	rank := t.rank
	for i, p := range pad {
		if p < 0 {
			panic(&ml.ShapeError{Op: "pad", Shapes: [][]int{t.Shape(), shape}})
		}
		if p > 0 {
			rank = max(rank, i+1)
		}
	}

	outShape := make([]int, rank)
	for i := range rank {
		outShape[i] = t.dims[i] + pad[i]
	}

	out := ctx.(*Context).alloc("pad", t.dtype, outShape)

	t.each(func(i0, i1, i2, i3 int) {
		di := out.index(i0, i1, i2, i3)
		si := t.index(i0, i1, i2, i3)
		switch t.dtype {
		case ml.DTypeF32:
			out.f32[di] = t.f32[si]
		case ml.DTypeF16, ml.DTypeBF16:
			out.u16[di] = t.u16[si]
		case ml.DTypeI32:
			out.i32[di] = t.i32[si]
		}
	})

	return out
}

func (t *Tensor) Stack(ctx ml.Context, dim int, s ...ml.Tensor) ml.Tensor {
	if len(s) > 0 {
		return t.Concat(ctx, s[0].Stack(ctx, dim, s[1:]...), dim)
	}

	return t
}

// Repeat tiles the tensor n times along dim.
func (t *Tensor) Repeat(ctx ml.Context, dim, n int) ml.Tensor {
	if dim < 0 || dim >= 4 || n < 1 {
		panic(fmt.Errorf("repeat: invalid dim %d count %d", dim, n))
	}

	rank := max(t.rank, dim+1)
	shape := make([]int, rank)
	for i := range rank {
		shape[i] = t.dims[i]
	}
	shape[dim] *= n

	out := ctx.(*Context).alloc("repeat", t.dtype, shape)

	out.each(func(i0, i1, i2, i3 int) {
		i := [4]int{i0, i1, i2, i3}
		i[dim] %= t.dims[dim]

		di := out.index(i0, i1, i2, i3)
		si := t.index(i[0], i[1], i[2], i[3])
		switch t.dtype {
		case ml.DTypeF32:
			out.f32[di] = t.f32[si]
		case ml.DTypeF16, ml.DTypeBF16:
			out.u16[di] = t.u16[si]
		case ml.DTypeI32:
			out.i32[di] = t.i32[si]
		}
	})

	return out
}
