package cpu

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/vlama/vlama/ml"
)

func near(tb testing.TB, want, have []float32, tol float64) {
	tb.Helper()

	if len(want) != len(have) {
		tb.Fatalf("length mismatch: want %d, have %d", len(want), len(have))
	}
	for i := range want {
		if math.Abs(float64(want[i]-have[i])) > tol {
			tb.Errorf("element %d: want %v, have %v", i, want[i], have[i])
		}
	}
}

func TestAdd(t *testing.T) {
	ctx := testContext(t)

	cases := []struct {
		name   string
		a      []float32
		aShape []int
		b      []float32
		bShape []int
		want   []float32
	}{
		{
			name:   "same shape",
			a:      []float32{1, 2, 3, 4},
			aShape: []int{2, 2},
			b:      []float32{10, 20, 30, 40},
			bShape: []int{2, 2},
			want:   []float32{11, 22, 33, 44},
		},
		{
			name:   "broadcast rows",
			a:      []float32{1, 2, 3, 4, 5, 6},
			aShape: []int{3, 2},
			b:      []float32{10, 20, 30},
			bShape: []int{3, 1},
			want:   []float32{11, 22, 33, 14, 25, 36},
		},
		{
			name:   "broadcast outer dim",
			a:      []float32{1, 2, 3, 4, 5, 6, 7, 8},
			aShape: []int{2, 2, 2},
			b:      []float32{1, 10, 100, 1000},
			bShape: []int{2, 2, 1},
			want:   []float32{2, 12, 103, 1004, 6, 16, 107, 1008},
		},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			a := fromFloats(t, ctx, tt.a, tt.aShape...)
			b := fromFloats(t, ctx, tt.b, tt.bShape...)

			if diff := cmp.Diff(tt.want, a.Add(ctx, b).Floats()); diff != "" {
				t.Errorf("result mismatch (-want +have):\n%s", diff)
			}
		})
	}
}

func TestAddShapeError(t *testing.T) {
	ctx := testContext(t)
	a := fromFloats(t, ctx, []float32{1, 2, 3}, 3)
	b := fromFloats(t, ctx, []float32{1, 2}, 2)

	defer func() {
		r := recover()
		if _, ok := r.(*ml.ShapeError); !ok {
			t.Errorf("recovered %v; want ShapeError", r)
		}
	}()

	a.Add(ctx, b)
}

func TestMulScale(t *testing.T) {
	ctx := testContext(t)

	a := fromFloats(t, ctx, []float32{1, 2, 3, 4}, 4)
	b := fromFloats(t, ctx, []float32{2, 0.5, -1, 10}, 4)

	if diff := cmp.Diff([]float32{2, 1, -3, 40}, a.Mul(ctx, b).Floats()); diff != "" {
		t.Errorf("mul mismatch (-want +have):\n%s", diff)
	}
	if diff := cmp.Diff([]float32{0.5, 1, 1.5, 2}, a.Scale(ctx, 0.5).Floats()); diff != "" {
		t.Errorf("scale mismatch (-want +have):\n%s", diff)
	}
}

func TestSoftmax(t *testing.T) {
	ctx := testContext(t)

	logits := fromFloats(t, ctx, []float32{1, 2, 3, 2, 2, 2}, 3, 2)
	probs := logits.Softmax(ctx).Floats()

	near(t, []float32{0.09003057, 0.24472847, 0.66524096, 1.0 / 3, 1.0 / 3, 1.0 / 3}, probs, 1e-6)

	// softmax normalizes each row independently
	for row := 0; row < 2; row++ {
		var sum float32
		for i := 0; i < 3; i++ {
			sum += probs[row*3+i]
		}
		if math.Abs(float64(sum-1)) > 1e-6 {
			t.Errorf("row %d sums to %v; want 1", row, sum)
		}
	}
}

func TestSoftmaxLargeLogits(t *testing.T) {
	ctx := testContext(t)

	// naive exp would overflow without max subtraction
	probs := fromFloats(t, ctx, []float32{1000, 1001, 1002}, 3).Softmax(ctx).Floats()
	near(t, []float32{0.09003057, 0.24472847, 0.66524096}, probs, 1e-6)
}

func TestLayerNorm(t *testing.T) {
	ctx := testContext(t)

	x := fromFloats(t, ctx, []float32{1, 2, 3, 4}, 4)
	w := fromFloats(t, ctx, []float32{1, 1, 1, 1}, 4)
	b := fromFloats(t, ctx, []float32{0, 0, 0, 0}, 4)

	out := x.LayerNorm(ctx, w, b, 1e-5).Floats()
	near(t, []float32{-1.3416355, -0.44721183, 0.44721183, 1.3416355}, out, 1e-4)

	// weight scales, bias shifts
	w2 := fromFloats(t, ctx, []float32{2, 2, 2, 2}, 4)
	b2 := fromFloats(t, ctx, []float32{1, 1, 1, 1}, 4)
	out2 := x.LayerNorm(ctx, w2, b2, 1e-5).Floats()
	for i := range out {
		want := out[i]*2 + 1
		if math.Abs(float64(want-out2[i])) > 1e-4 {
			t.Errorf("element %d: want %v, have %v", i, want, out2[i])
		}
	}
}

func TestRMSNorm(t *testing.T) {
	ctx := testContext(t)

	x := fromFloats(t, ctx, []float32{3, 4}, 2)
	w := fromFloats(t, ctx, []float32{2, 2}, 2)

	// rms of [3 4] is sqrt(12.5)
	out := x.RMSNorm(ctx, w, 1e-6).Floats()
	near(t, []float32{1.6970563, 2.2627417}, out, 1e-4)
}

func TestActivations(t *testing.T) {
	ctx := testContext(t)
	x := fromFloats(t, ctx, []float32{-2, -1, 0, 1, 2}, 5)

	cases := []struct {
		name string
		have []float32
		want []float32
	}{
		{"tanh", x.Tanh(ctx).Floats(), []float32{-0.9640276, -0.7615942, 0, 0.7615942, 0.9640276}},
		{"sigmoid", x.Sigmoid(ctx).Floats(), []float32{0.11920292, 0.26894143, 0.5, 0.7310586, 0.8807971}},
		{"gelu", x.GELU(ctx).Floats(), []float32{-0.04540229, -0.15880796, 0, 0.841192, 1.9545977}},
		{"silu", x.SILU(ctx).Floats(), []float32{-0.23840584, -0.26894143, 0, 0.7310586, 1.7615942}},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			near(t, tt.want, tt.have, 1e-5)
		})
	}
}

func TestMulmat(t *testing.T) {
	ctx := testContext(t)

	// weight [k=2, n=3] times input [k=2, m=2]
	a := fromFloats(t, ctx, []float32{1, 2, 3, 4, 5, 6}, 2, 3)
	b := fromFloats(t, ctx, []float32{1, 0, 0, 1}, 2, 2)

	out := a.Mulmat(ctx, b)
	if diff := cmp.Diff([]int{3, 2}, out.Shape()); diff != "" {
		t.Errorf("shape mismatch (-want +have):\n%s", diff)
	}
	if diff := cmp.Diff([]float32{1, 3, 5, 2, 4, 6}, out.Floats()); diff != "" {
		t.Errorf("data mismatch (-want +have):\n%s", diff)
	}
}

func TestMulmatBroadcast(t *testing.T) {
	ctx := testContext(t)

	// one shared projection applied across two heads
	a := fromFloats(t, ctx, []float32{1, 0, 0, 1}, 2, 2, 1)
	b := fromFloats(t, ctx, []float32{1, 2, 3, 4}, 2, 1, 2)

	out := a.Mulmat(ctx, b)
	if diff := cmp.Diff([]int{2, 1, 2}, out.Shape()); diff != "" {
		t.Errorf("shape mismatch (-want +have):\n%s", diff)
	}
	if diff := cmp.Diff([]float32{1, 2, 3, 4}, out.Floats()); diff != "" {
		t.Errorf("data mismatch (-want +have):\n%s", diff)
	}
}

func TestMulmatShapeError(t *testing.T) {
	ctx := testContext(t)
	a := fromFloats(t, ctx, []float32{1, 2, 3, 4, 5, 6}, 3, 2)
	b := fromFloats(t, ctx, []float32{1, 2, 3, 4}, 2, 2)

	defer func() {
		r := recover()
		if _, ok := r.(*ml.ShapeError); !ok {
			t.Errorf("recovered %v; want ShapeError", r)
		}
	}()

	a.Mulmat(ctx, b)
}

func TestRows(t *testing.T) {
	ctx := testContext(t)

	table := fromFloats(t, ctx, []float32{1, 2, 3, 4, 5, 6}, 2, 3)
	ids := fromInts(t, ctx, []int32{2, 0}, 2)

	out := table.Rows(ctx, ids)
	if diff := cmp.Diff([]int{2, 2}, out.Shape()); diff != "" {
		t.Errorf("shape mismatch (-want +have):\n%s", diff)
	}
	if diff := cmp.Diff([]float32{5, 6, 1, 2}, out.Floats()); diff != "" {
		t.Errorf("data mismatch (-want +have):\n%s", diff)
	}
}

func TestRowsOutOfRange(t *testing.T) {
	ctx := testContext(t)
	table := fromFloats(t, ctx, []float32{1, 2, 3, 4}, 2, 2)
	ids := fromInts(t, ctx, []int32{5}, 1)

	defer func() {
		if recover() == nil {
			t.Error("row index past end of table: want panic")
		}
	}()

	table.Rows(ctx, ids)
}

func TestSetRows(t *testing.T) {
	ctx := testContext(t)

	dst := ctx.Zeros(ml.DTypeF16, 2, 3)
	src := fromFloats(t, ctx, []float32{1.5, 2.5, 3.5, 4.5}, 2, 2)
	ids := fromInts(t, ctx, []int32{2, 0}, 2)

	ctx.Forward(dst.SetRows(ctx, src, ids))

	if dst.DType() != ml.DTypeF16 {
		t.Errorf("dtype = %s; want F16", dst.DType())
	}
	if diff := cmp.Diff([]float32{3.5, 4.5, 0, 0, 1.5, 2.5}, dst.Floats()); diff != "" {
		t.Errorf("data mismatch (-want +have):\n%s", diff)
	}
}

func TestCopyConverts(t *testing.T) {
	ctx := testContext(t)

	src := fromFloats(t, ctx, []float32{0.5, 1.5, -2, 3}, 4)
	dst := ctx.Zeros(ml.DTypeF16, 4)

	src.Copy(ctx, dst)

	if diff := cmp.Diff([]float32{0.5, 1.5, -2, 3}, dst.Floats()); diff != "" {
		t.Errorf("half precision round trip (-want +have):\n%s", diff)
	}
}

func TestConcat(t *testing.T) {
	ctx := testContext(t)

	cases := []struct {
		name           string
		a, b           []float32
		aShape, bShape []int
		dim            int
		wantShape      []int
		want           []float32
	}{
		{
			name: "dim0", dim: 0,
			a: []float32{1, 2}, aShape: []int{2},
			b: []float32{3, 4, 5}, bShape: []int{3},
			wantShape: []int{5}, want: []float32{1, 2, 3, 4, 5},
		},
		{
			name: "dim1", dim: 1,
			a: []float32{1, 2, 3, 4}, aShape: []int{2, 2},
			b: []float32{5, 6}, bShape: []int{2, 1},
			wantShape: []int{2, 3}, want: []float32{1, 2, 3, 4, 5, 6},
		},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			a := fromFloats(t, ctx, tt.a, tt.aShape...)
			b := fromFloats(t, ctx, tt.b, tt.bShape...)

			out := a.Concat(ctx, b, tt.dim)
			if diff := cmp.Diff(tt.wantShape, out.Shape()); diff != "" {
				t.Errorf("shape mismatch (-want +have):\n%s", diff)
			}
			if diff := cmp.Diff(tt.want, out.Floats()); diff != "" {
				t.Errorf("data mismatch (-want +have):\n%s", diff)
			}
		})
	}
}

func TestStack(t *testing.T) {
	ctx := testContext(t)

	a := fromFloats(t, ctx, []float32{1, 2}, 2)
	b := fromFloats(t, ctx, []float32{3, 4}, 2)
	c := fromFloats(t, ctx, []float32{5, 6}, 2)

	out := a.Stack(ctx, 1, b, c)
	if diff := cmp.Diff([]int{2, 3}, out.Shape()); diff != "" {
		t.Errorf("shape mismatch (-want +have):\n%s", diff)
	}
	if diff := cmp.Diff([]float32{1, 2, 3, 4, 5, 6}, out.Floats()); diff != "" {
		t.Errorf("data mismatch (-want +have):\n%s", diff)
	}
}

func TestPad(t *testing.T) {
	ctx := testContext(t)

	out := fromFloats(t, ctx, []float32{1, 2, 3, 4}, 2, 2).Pad(ctx, 1, 1)
	if diff := cmp.Diff([]int{3, 3}, out.Shape()); diff != "" {
		t.Errorf("shape mismatch (-want +have):\n%s", diff)
	}
	if diff := cmp.Diff([]float32{1, 2, 0, 3, 4, 0, 0, 0, 0}, out.Floats()); diff != "" {
		t.Errorf("data mismatch (-want +have):\n%s", diff)
	}
}

func TestRepeat(t *testing.T) {
	ctx := testContext(t)
	x := fromFloats(t, ctx, []float32{1, 2}, 2)

	out := x.Repeat(ctx, 0, 3)
	if diff := cmp.Diff([]float32{1, 2, 1, 2, 1, 2}, out.Floats()); diff != "" {
		t.Errorf("repeat dim0 (-want +have):\n%s", diff)
	}

	out = x.Repeat(ctx, 1, 2)
	if diff := cmp.Diff([]int{2, 2}, out.Shape()); diff != "" {
		t.Errorf("repeat dim1 shape (-want +have):\n%s", diff)
	}
	if diff := cmp.Diff([]float32{1, 2, 1, 2}, out.Floats()); diff != "" {
		t.Errorf("repeat dim1 (-want +have):\n%s", diff)
	}
}

func TestConv2D(t *testing.T) {
	ctx := testContext(t)

	input := fromFloats(t, ctx, []float32{1, 2, 3, 4, 5, 6, 7, 8, 9}, 3, 3, 1, 1)
	kernel := fromFloats(t, ctx, []float32{1, 0, 0, 1}, 2, 2, 1, 1)

	out := kernel.Conv2D(ctx, input, 1, 1, 0, 0, 1, 1)
	if diff := cmp.Diff([]int{2, 2, 1, 1}, out.Shape()); diff != "" {
		t.Errorf("shape mismatch (-want +have):\n%s", diff)
	}
	if diff := cmp.Diff([]float32{6, 8, 12, 14}, out.Floats()); diff != "" {
		t.Errorf("data mismatch (-want +have):\n%s", diff)
	}
}

func TestConv2DPatches(t *testing.T) {
	ctx := testContext(t)

	// stride equal to the kernel size tiles the image into patches,
	// the same layout a vision tower's patch embedding uses
	var pixels []float32
	for i := 1; i <= 16; i++ {
		pixels = append(pixels, float32(i))
	}
	input := fromFloats(t, ctx, pixels, 4, 4, 1, 1)
	kernel := fromFloats(t, ctx, []float32{0.25, 0.25, 0.25, 0.25}, 2, 2, 1, 1)

	out := kernel.Conv2D(ctx, input, 2, 2, 0, 0, 1, 1)
	if diff := cmp.Diff([]float32{3.5, 5.5, 11.5, 13.5}, out.Floats()); diff != "" {
		t.Errorf("patch means (-want +have):\n%s", diff)
	}
}

func TestRoPE(t *testing.T) {
	ctx := testContext(t)

	x := fromFloats(t, ctx, []float32{1, 2, 3, 4}, 4, 1, 1)

	t.Run("position zero is identity", func(t *testing.T) {
		pos := fromInts(t, ctx, []int32{0}, 1)
		out := x.RoPE(ctx, pos, 4, 10000, 1)
		near(t, []float32{1, 2, 3, 4}, out.Floats(), 1e-6)
	})

	t.Run("rotates split halves", func(t *testing.T) {
		pos := fromInts(t, ctx, []int32{1}, 1)
		out := x.RoPE(ctx, pos, 4, 10000, 1)

		sin1, cos1 := math.Sin(1), math.Cos(1)
		sin2, cos2 := math.Sin(0.01), math.Cos(0.01)
		want := []float32{
			float32(1*cos1 - 3*sin1),
			float32(2*cos2 - 4*sin2),
			float32(1*sin1 + 3*cos1),
			float32(2*sin2 + 4*cos2),
		}
		near(t, want, out.Floats(), 1e-5)
	})

	t.Run("norm is preserved", func(t *testing.T) {
		pos := fromInts(t, ctx, []int32{17}, 1)
		out := x.RoPE(ctx, pos, 4, 10000, 1).Floats()

		var want, have float64
		for i, v := range x.Floats() {
			want += float64(v * v)
			have += float64(out[i] * out[i])
		}
		if math.Abs(want-have) > 1e-4 {
			t.Errorf("norm changed: want %v, have %v", want, have)
		}
	})
}

func TestRoPEScale(t *testing.T) {
	ctx := testContext(t)

	x := fromFloats(t, ctx, []float32{1, 2, 3, 4}, 4, 1, 1)

	// halving the frequency scale at position 2 matches position 1 unscaled
	pos1 := fromInts(t, ctx, []int32{1}, 1)
	pos2 := fromInts(t, ctx, []int32{2}, 1)

	want := x.RoPE(ctx, pos1, 4, 10000, 1).Floats()
	have := x.RoPE(ctx, pos2, 4, 10000, 0.5).Floats()
	near(t, want, have, 1e-6)
}
