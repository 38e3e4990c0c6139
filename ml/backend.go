package ml

import (
	"fmt"
	"strings"
)

// Config reads model configuration. Keys are dotted paths into the model's
// configuration file, e.g. "text_config.hidden_size".
type Config interface {
	Architecture() string

	Has(name string) bool
	String(name string, defaultValue ...string) string
	Uint(name string, defaultValue ...uint32) uint32
	Float(name string, defaultValue ...float32) float32
	Bool(name string, defaultValue ...bool) bool

	Strings(name string, defaultValue ...[]string) []string
	Ints(name string, defaultValue ...[]int32) []int32
	Floats(name string, defaultValue ...[]float32) []float32
}

// DeviceID identifies the device a backend places its tensors on.
type DeviceID struct {
	// Name is a human readable device identifier, e.g. "cpu".
	Name string

	// Library is the compute library backing the device.
	Library string
}

// Backend owns a loaded model: its configuration, its weights and the
// device they live on. Weights are read-only once the backend is built and
// may be shared by any number of concurrent readers.
type Backend interface {
	Config() Config
	Device() DeviceID

	// Get returns a weight tensor by name, or nil if the model has no
	// tensor with that name.
	Get(name string) Tensor

	NewContext() Context
	NewContextSize(size int) Context
}

// BackendParams controls how a backend is constructed.
type BackendParams struct {
	// NumThreads is the number of worker goroutines compute may fan out
	// over. Zero selects the number of CPUs.
	NumThreads int

	// MaxMemory bounds the total bytes of tensor data the backend may
	// hold live at once, weights included. Zero means unbounded.
	// Exceeding the bound surfaces an AllocationError.
	MaxMemory uint64

	// Progress, if set, is called with values in [0, 1] as weights load.
	Progress func(float32)
}

var backends = make(map[string]func(modelPath string, params BackendParams) (Backend, error))

func RegisterBackend(name string, f func(string, BackendParams) (Backend, error)) {
	if _, ok := backends[name]; ok {
		panic("backend: backend already registered")
	}

	backends[name] = f
}

func NewBackend(modelPath string, params BackendParams) (Backend, error) {
	if backend, ok := backends["cpu"]; ok {
		return backend(modelPath, params)
	}

	return nil, fmt.Errorf("no suitable backend found")
}

// Context is an allocation scope for tensors. Tensors created through a
// Context are released together by Close. A Context is not safe for
// concurrent use.
type Context interface {
	Empty(dtype DType, shape ...int) Tensor
	Zeros(dtype DType, shape ...int) Tensor
	FromFloatSlice(s []float32, shape ...int) (Tensor, error)
	FromIntSlice(s []int32, shape ...int) (Tensor, error)

	// Arange creates a 1D tensor with values within an interval (start, stop]
	// increased by step.
	Arange(start, stop, step float32, dtype DType) Tensor

	// Forward marks output tensors of the current computation.
	Forward(...Tensor) Context

	// Compute finalizes the marked outputs so their data may be read.
	Compute(...Tensor)

	// Input returns a context appropriate for per-batch inputs such as
	// token ids, positions and masks.
	Input() Context

	// Layer returns a context appropriate for long lived per-layer data
	// such as cache storage.
	Layer(int) Context

	Close()
}

type Tensor interface {
	Dim(n int) int

	// Stride returns the distance in bytes between successive elements
	// along dimension n.
	Stride(n int) int

	Shape() []int
	DType() DType

	Bytes() []byte
	Floats() []float32
	Ints() []int32

	Add(ctx Context, t2 Tensor) Tensor
	Mul(ctx Context, t2 Tensor) Tensor
	Mulmat(ctx Context, t2 Tensor) Tensor

	Softmax(ctx Context) Tensor
	LayerNorm(ctx Context, weight, bias Tensor, eps float32) Tensor
	RMSNorm(ctx Context, weight Tensor, eps float32) Tensor
	Scale(ctx Context, s float64) Tensor

	// Conv2D convolves input with the receiver acting as the kernel.
	Conv2D(ctx Context, input Tensor, s0, s1, p0, p1, d0, d1 int) Tensor

	RoPE(ctx Context, positionIDs Tensor, ropeDim int, ropeBase, ropeScale float32) Tensor

	Tanh(ctx Context) Tensor
	Sigmoid(ctx Context) Tensor
	GELU(ctx Context) Tensor
	SILU(ctx Context) Tensor

	Reshape(ctx Context, shape ...int) Tensor

	// View creates a window into the tensor starting at a byte offset.
	// shape is the view's dimensions interleaved with byte strides:
	// d0 [, s1, d1 [, s2, d2 [, s3, d3]]].
	View(ctx Context, offset int, shape ...int) Tensor

	Permute(ctx Context, shape ...int) Tensor
	Contiguous(ctx Context) Tensor

	// Pad grows the tensor by shape[i] zero filled elements at the end of
	// each dimension i.
	Pad(ctx Context, shape ...int) Tensor

	// Stack joins tensors of identical shape along a new or existing
	// dimension dim.
	Stack(ctx Context, dim int, s ...Tensor) Tensor

	// Repeat tiles the tensor n times along dimension dim.
	Repeat(ctx Context, dim, n int) Tensor

	Concat(ctx Context, t2 Tensor, dim int) Tensor
	Rows(ctx Context, indices Tensor) Tensor
	SetRows(ctx Context, src, indices Tensor) Tensor
	Copy(ctx Context, t2 Tensor) Tensor
}

type DType int

const (
	DTypeOther DType = iota
	DTypeF32
	DTypeF16
	DTypeBF16
	DTypeI32
)

func (t DType) String() string {
	switch t {
	case DTypeF32:
		return "F32"
	case DTypeF16:
		return "F16"
	case DTypeBF16:
		return "BF16"
	case DTypeI32:
		return "I32"
	default:
		return "Other"
	}
}

// Size returns the width of one element in bytes, or 0 for DTypeOther.
func (t DType) Size() int {
	switch t {
	case DTypeF32, DTypeI32:
		return 4
	case DTypeF16, DTypeBF16:
		return 2
	default:
		return 0
	}
}

func formatShape(shape []int) string {
	b := make([]string, len(shape))
	for i, d := range shape {
		b[i] = fmt.Sprintf("%d", d)
	}
	return "[" + strings.Join(b, ", ") + "]"
}
