package cpu

import (
	"github.com/vlama/vlama/ml"
)

// Context tracks the tensors allocated through it so their memory
// accounting can be released together on Close. Operations compute
// eagerly, so Forward and Compute have nothing to do.
type Context struct {
	b *Backend

	// bytes accounted against the backend's memory tracker
	allocated uint64
}

// alloc creates a tensor for an op result. Allocation problems surface as
// panics here: shape mistakes are programming errors and memory exhaustion
// is recovered at the session boundary.
func (c *Context) alloc(op string, dtype ml.DType, shape []int) *Tensor {
	t, err := newTensor(c.b, op, dtype, shape)
	if err != nil {
		panic(err)
	}

	c.allocated += uint64(t.numel()) * uint64(dtype.Size())
	return t
}

func (c *Context) Empty(dtype ml.DType, shape ...int) ml.Tensor {
	return c.alloc("empty", dtype, shape)
}

func (c *Context) Zeros(dtype ml.DType, shape ...int) ml.Tensor {
	return c.alloc("zeros", dtype, shape)
}

func (c *Context) FromFloatSlice(s []float32, shape ...int) (ml.Tensor, error) {
	n := 1
	for _, dim := range shape {
		n *= dim
	}
	if len(s) != n {
		return nil, &ml.ShapeError{Op: "from_float_slice", Shapes: [][]int{shape}, Count: len(s), Want: n}
	}

	t, err := newTensor(c.b, "from_float_slice", ml.DTypeF32, shape)
	if err != nil {
		return nil, err
	}

	c.allocated += uint64(t.numel()) * uint64(ml.DTypeF32.Size())
	copy(t.f32, s)
	return t, nil
}

func (c *Context) FromIntSlice(s []int32, shape ...int) (ml.Tensor, error) {
	n := 1
	for _, dim := range shape {
		n *= dim
	}
	if len(s) != n {
		return nil, &ml.ShapeError{Op: "from_int_slice", Shapes: [][]int{shape}, Count: len(s), Want: n}
	}

	t, err := newTensor(c.b, "from_int_slice", ml.DTypeI32, shape)
	if err != nil {
		return nil, err
	}

	c.allocated += uint64(t.numel()) * uint64(ml.DTypeI32.Size())
	copy(t.i32, s)
	return t, nil
}

func (c *Context) Arange(start, stop, step float32, dtype ml.DType) ml.Tensor {
	var values []float32
	for v := start; v < stop; v += step {
		values = append(values, v)
	}

	t := c.alloc("arange", dtype, []int{len(values)})
	for i, v := range values {
		t.set(i, 0, 0, 0, v)
	}

	return t
}

func (c *Context) Forward(...ml.Tensor) ml.Context {
	return c
}

func (c *Context) Compute(...ml.Tensor) {}

func (c *Context) Input() ml.Context {
	return c
}

func (c *Context) Layer(int) ml.Context {
	return c
}

func (c *Context) Close() {
	c.b.mem.free(c.allocated)
	c.allocated = 0
}
