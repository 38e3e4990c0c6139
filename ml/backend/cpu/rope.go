package cpu

import (
	"fmt"
	"math"

	"github.com/vlama/vlama/ml"
)

// RoPE applies rotary position embedding to t [headDim, heads, seq] using
// the split-half rotation, matching checkpoints that ship unpermuted
// attention weights. The first ropeDim elements of each head are rotated
// as pairs (j, j+ropeDim/2); any remainder passes through unchanged.
func (t *Tensor) RoPE(ctx ml.Context, positionIDs ml.Tensor, ropeDim int, ropeBase, ropeScale float32) ml.Tensor {
	ids := positionIDs.(*Tensor)
	if ids.dtype != ml.DTypeI32 {
		panic(fmt.Errorf("rope: positions must be I32, got %s", ids.dtype))
	}
	if ids.rank != 1 || ids.dims[0] != t.dims[2] {
		panic(&ml.ShapeError{Op: "rope", Shapes: [][]int{t.Shape(), ids.Shape()}})
	}
	if ropeDim <= 0 || ropeDim%2 != 0 || ropeDim > t.dims[0] {
		panic(fmt.Errorf("rope: invalid rotation dim %d for head dim %d", ropeDim, t.dims[0]))
	}

	out := ctx.(*Context).alloc("rope", ml.DTypeF32, t.Shape())

	half := ropeDim / 2
	for i3 := range t.dims[3] {
		for s := range t.dims[2] {
			pos := float64(ids.i32[ids.index(s, 0, 0, 0)]) * float64(ropeScale)

			for h := range t.dims[1] {
				for j := range half {
					theta := pos * math.Pow(float64(ropeBase), -2*float64(j)/float64(ropeDim))
					sin, cos := math.Sincos(theta)

					a := t.at(j, h, s, i3)
					b := t.at(j+half, h, s, i3)

					out.f32[out.index(j, h, s, i3)] = a*float32(cos) - b*float32(sin)
					out.f32[out.index(j+half, h, s, i3)] = a*float32(sin) + b*float32(cos)
				}

				for j := ropeDim; j < t.dims[0]; j++ {
					out.f32[out.index(j, h, s, i3)] = t.at(j, h, s, i3)
				}
			}
		}
	}

	return out
}
