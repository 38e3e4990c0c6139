package cpu

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/vlama/vlama/ml"
)

func testContext(tb testing.TB) *Context {
	tb.Helper()

	b := &Backend{threads: 2, mem: &memory{}}
	ctx := b.NewContext().(*Context)
	tb.Cleanup(ctx.Close)

	return ctx
}

func fromFloats(tb testing.TB, ctx *Context, s []float32, shape ...int) ml.Tensor {
	tb.Helper()

	t, err := ctx.FromFloatSlice(s, shape...)
	if err != nil {
		tb.Fatal(err)
	}
	return t
}

func fromInts(tb testing.TB, ctx *Context, s []int32, shape ...int) ml.Tensor {
	tb.Helper()

	t, err := ctx.FromIntSlice(s, shape...)
	if err != nil {
		tb.Fatal(err)
	}
	return t
}

func TestFromSlice(t *testing.T) {
	ctx := testContext(t)

	tensor := fromFloats(t, ctx, []float32{1, 2, 3, 4, 5, 6}, 2, 3)

	if diff := cmp.Diff([]int{2, 3}, tensor.Shape()); diff != "" {
		t.Errorf("shape mismatch (-want +have):\n%s", diff)
	}
	if tensor.DType() != ml.DTypeF32 {
		t.Errorf("dtype = %s; want F32", tensor.DType())
	}
	if diff := cmp.Diff([]float32{1, 2, 3, 4, 5, 6}, tensor.Floats()); diff != "" {
		t.Errorf("data mismatch (-want +have):\n%s", diff)
	}

	ids := fromInts(t, ctx, []int32{3, 1, 2}, 3)
	if diff := cmp.Diff([]int32{3, 1, 2}, ids.Ints()); diff != "" {
		t.Errorf("int data mismatch (-want +have):\n%s", diff)
	}
}

func TestFromSliceShapeError(t *testing.T) {
	ctx := testContext(t)

	_, err := ctx.FromFloatSlice([]float32{1, 2, 3}, 2, 2)

	var shapeErr *ml.ShapeError
	if !errors.As(err, &shapeErr) {
		t.Fatalf("have %v; want ShapeError", err)
	}
	if shapeErr.Count != 3 || shapeErr.Want != 4 {
		t.Errorf("ShapeError counts = %d/%d; want 3/4", shapeErr.Count, shapeErr.Want)
	}
}

func TestAllocationLimit(t *testing.T) {
	b := &Backend{threads: 1, mem: &memory{limit: 8}}
	ctx := b.NewContext().(*Context)
	defer ctx.Close()

	// 2 float32s fit the 8 byte limit
	small := ctx.Zeros(ml.DTypeF32, 2)
	if small == nil {
		t.Fatal("small allocation failed")
	}

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("large allocation: want AllocationError panic")
		}

		var allocErr *ml.AllocationError
		if err, ok := r.(error); !ok || !errors.As(err, &allocErr) {
			t.Fatalf("recovered %v; want AllocationError", r)
		}
		if allocErr.Limit != 8 {
			t.Errorf("AllocationError limit = %d; want 8", allocErr.Limit)
		}
	}()

	ctx.Zeros(ml.DTypeF32, 1024)
}

func TestContextCloseReleasesMemory(t *testing.T) {
	b := &Backend{threads: 1, mem: &memory{limit: 64}}

	for range 4 {
		ctx := b.NewContext().(*Context)
		fromFloats(t, ctx, make([]float32, 16), 16)
		ctx.Close()
	}

	if used := b.mem.allocated(); used != 0 {
		t.Errorf("allocated after close = %d; want 0", used)
	}
}

func TestStride(t *testing.T) {
	ctx := testContext(t)

	tensor := fromFloats(t, ctx, make([]float32, 24), 2, 3, 4)

	for i, want := range []int{4, 8, 24, 96} {
		if tensor.Stride(i) != want {
			t.Errorf("Stride(%d) = %d; want %d", i, tensor.Stride(i), want)
		}
	}
	for i, want := range []int{2, 3, 4, 1} {
		if tensor.Dim(i) != want {
			t.Errorf("Dim(%d) = %d; want %d", i, tensor.Dim(i), want)
		}
	}
}

func TestReshape(t *testing.T) {
	ctx := testContext(t)

	tensor := fromFloats(t, ctx, []float32{1, 2, 3, 4, 5, 6}, 6)
	reshaped := tensor.Reshape(ctx, 2, 3)

	if diff := cmp.Diff([]int{2, 3}, reshaped.Shape()); diff != "" {
		t.Errorf("shape mismatch (-want +have):\n%s", diff)
	}
	if diff := cmp.Diff([]float32{1, 2, 3, 4, 5, 6}, reshaped.Floats()); diff != "" {
		t.Errorf("data mismatch (-want +have):\n%s", diff)
	}

	// storage is shared, not copied
	reshaped.(*Tensor).f32[0] = 9
	if tensor.Floats()[0] != 9 {
		t.Error("reshape copied storage; want shared")
	}
}

func TestReshapeInvalid(t *testing.T) {
	ctx := testContext(t)
	tensor := fromFloats(t, ctx, []float32{1, 2, 3, 4, 5, 6}, 6)

	defer func() {
		if recover() == nil {
			t.Error("reshape to wrong element count: want panic")
		}
	}()

	tensor.Reshape(ctx, 4, 2)
}

func TestPermute(t *testing.T) {
	ctx := testContext(t)

	tensor := fromFloats(t, ctx, []float32{1, 2, 3, 4, 5, 6}, 2, 3)
	transposed := tensor.Permute(ctx, 1, 0, 2, 3)

	if diff := cmp.Diff([]int{3, 2}, transposed.Shape()); diff != "" {
		t.Errorf("shape mismatch (-want +have):\n%s", diff)
	}
	if diff := cmp.Diff([]float32{1, 3, 5, 2, 4, 6}, transposed.Floats()); diff != "" {
		t.Errorf("data mismatch (-want +have):\n%s", diff)
	}

	// a permuted tensor is a view; materializing restores contiguity
	cont := transposed.Contiguous(ctx)
	if !cont.(*Tensor).contiguous() {
		t.Error("contiguous result is not contiguous")
	}
	if diff := cmp.Diff([]float32{1, 3, 5, 2, 4, 6}, cont.Floats()); diff != "" {
		t.Errorf("contiguous data mismatch (-want +have):\n%s", diff)
	}
}

func TestReshapeNonContiguous(t *testing.T) {
	ctx := testContext(t)
	tensor := fromFloats(t, ctx, []float32{1, 2, 3, 4, 5, 6}, 2, 3)

	defer func() {
		if recover() == nil {
			t.Error("reshape of permuted tensor: want panic")
		}
	}()

	tensor.Permute(ctx, 1, 0, 2, 3).Reshape(ctx, 6)
}

func TestView(t *testing.T) {
	ctx := testContext(t)

	tensor := fromFloats(t, ctx, []float32{1, 2, 3, 4, 5, 6}, 2, 3)

	cases := []struct {
		name      string
		offset    int
		shape     []int
		wantShape []int
		want      []float32
	}{
		{"flat prefix", 0, []int{4}, []int{4}, []float32{1, 2, 3, 4}},
		{"flat offset", 8, []int{3}, []int{3}, []float32{3, 4, 5}},
		{"leading columns", 0, []int{2, 8, 2}, []int{2, 2}, []float32{1, 2, 3, 4}},
		{"trailing columns", 8, []int{2, 8, 2}, []int{2, 2}, []float32{3, 4, 5, 6}},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			view := tensor.View(ctx, tt.offset, tt.shape...)

			if diff := cmp.Diff(tt.wantShape, view.Shape()); diff != "" {
				t.Errorf("shape mismatch (-want +have):\n%s", diff)
			}
			if diff := cmp.Diff(tt.want, view.Floats()); diff != "" {
				t.Errorf("data mismatch (-want +have):\n%s", diff)
			}
		})
	}
}

func TestViewSharesStorage(t *testing.T) {
	ctx := testContext(t)

	tensor := fromFloats(t, ctx, []float32{1, 2, 3, 4}, 4)
	view := tensor.View(ctx, 8, 2)

	fromFloats(t, ctx, []float32{8, 9}, 2).Copy(ctx, view)

	if diff := cmp.Diff([]float32{1, 2, 8, 9}, tensor.Floats()); diff != "" {
		t.Errorf("base after write through view (-want +have):\n%s", diff)
	}
}

func TestViewOutOfRange(t *testing.T) {
	ctx := testContext(t)
	tensor := fromFloats(t, ctx, []float32{1, 2, 3, 4}, 4)

	defer func() {
		if recover() == nil {
			t.Error("view past end of storage: want panic")
		}
	}()

	tensor.View(ctx, 8, 4)
}

func TestArange(t *testing.T) {
	ctx := testContext(t)

	positions := ctx.Arange(0, 5, 1, ml.DTypeI32)
	if diff := cmp.Diff([]int32{0, 1, 2, 3, 4}, positions.Ints()); diff != "" {
		t.Errorf("arange mismatch (-want +have):\n%s", diff)
	}
}
