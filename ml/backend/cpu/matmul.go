package cpu

import (
	"github.com/vlama/vlama/ml"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/blas/blas32"
)

// f32c returns the elements as a contiguous float32 slice in logical
// order, reusing the backing slice when it already has that layout.
func (t *Tensor) f32c() []float32 {
	if t.dtype == ml.DTypeF32 && t.contiguous() {
		return t.f32[:t.numel()]
	}
	return t.Floats()
}

// Mulmat contracts dimension 0:
//
//	C[i, j, i2, i3] = sum_k A[k, i, i2%a2, i3%a3] * B[k, j, i2, i3]
//
// where A is the receiver. A's trailing dimensions broadcast over B's, so
// grouped query attention reuses one K/V head for several query heads.
func (t *Tensor) Mulmat(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	a, b := t, t2.(*Tensor)

	if a.dims[0] != b.dims[0] || b.dims[2]%a.dims[2] != 0 || b.dims[3]%a.dims[3] != 0 {
		panic(&ml.ShapeError{Op: "mulmat", Shapes: [][]int{a.Shape(), b.Shape()}})
	}

	k := a.dims[0]
	n := a.dims[1]
	m := b.dims[1]

	// flatten both operands so each k-length row is one slice for the
	// dot kernel
	af := a.f32c()
	bf := b.f32c()

	rank := max(b.rank, 2)
	shape := make([]int, rank)
	shape[0] = n
	shape[1] = m
	for i := 2; i < rank; i++ {
		shape[i] = b.dims[i]
	}

	out := ctx.(*Context).alloc("mulmat", ml.DTypeF32, shape)

	threads := max(t.b.threads, 1)
	chunk := (n + threads - 1) / threads

	var g errgroup.Group
	g.SetLimit(threads)

	for i3 := range b.dims[3] {
		for i2 := range b.dims[2] {
			aoff := ((i3%a.dims[3])*a.dims[2] + i2%a.dims[2]) * n * k
			boff := (i3*b.dims[2] + i2) * m * k
			ooff := (i3*b.dims[2] + i2) * n * m

			for lo := 0; lo < n; lo += chunk {
				hi := min(lo+chunk, n)

				g.Go(func() error {
					for j := range m {
						brow := blas32.Vector{N: k, Inc: 1, Data: bf[boff+j*k : boff+(j+1)*k]}
						for i := lo; i < hi; i++ {
							arow := blas32.Vector{N: k, Inc: 1, Data: af[aoff+i*k : aoff+(i+1)*k]}
							out.f32[ooff+j*n+i] = blas32.Dot(arow, brow)
						}
					}
					return nil
				})
			}
		}
	}

	_ = g.Wait()

	return out
}
