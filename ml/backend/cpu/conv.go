package cpu

import (
	"github.com/vlama/vlama/ml"
	"golang.org/x/sync/errgroup"
)

// Conv2D convolves input [W, H, C, N] with the receiver acting as the
// kernel [KW, KH, C, OC], producing [OW, OH, OC, N]. s is stride, p
// padding and d dilation, each given for dimension 0 then 1.
func (t *Tensor) Conv2D(ctx ml.Context, input ml.Tensor, s0, s1, p0, p1, d0, d1 int) ml.Tensor {
	x := input.(*Tensor)

	if t.dims[2] != x.dims[2] {
		panic(&ml.ShapeError{Op: "conv2d", Shapes: [][]int{t.Shape(), x.Shape()}})
	}

	iw, ih, channels, batch := x.dims[0], x.dims[1], x.dims[2], x.dims[3]
	kw, kh, oc := t.dims[0], t.dims[1], t.dims[3]

	ow := (iw+2*p0-d0*(kw-1)-1)/s0 + 1
	oh := (ih+2*p1-d1*(kh-1)-1)/s1 + 1
	if ow <= 0 || oh <= 0 {
		panic(&ml.ShapeError{Op: "conv2d", Shapes: [][]int{t.Shape(), x.Shape()}})
	}

	xf := x.f32c()
	wf := t.f32c()

	out := ctx.(*Context).alloc("conv2d", ml.DTypeF32, []int{ow, oh, oc, batch})

	var g errgroup.Group
	g.SetLimit(max(t.b.threads, 1))

	for n := range batch {
		for o := range oc {
			g.Go(func() error {
				for y := range oh {
					for x := range ow {
						var sum float32
						for c := range channels {
							for ky := range kh {
								sy := y*s1 - p1 + ky*d1
								if sy < 0 || sy >= ih {
									continue
								}
								for kx := range kw {
									sx := x*s0 - p0 + kx*d0
									if sx < 0 || sx >= iw {
										continue
									}

									sum += xf[sx+sy*iw+(c+n*channels)*iw*ih] *
										wf[kx+ky*kw+(c+o*channels)*kw*kh]
								}
							}
						}
						out.f32[x+y*ow+(o+n*oc)*ow*oh] = sum
					}
				}
				return nil
			})
		}
	}

	_ = g.Wait()

	return out
}
