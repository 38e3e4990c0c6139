// Package cpu implements a pure Go ml.Backend. Tensors hold their data in
// regular slices and every operation computes eagerly, so Forward and
// Compute are no-ops. Weights are decoded from safetensors shards, or
// from a torch checkpoint when a directory ships no safetensors, into
// float32 at load time.
package cpu

import (
	"errors"
	"log/slog"
	"os"
	"runtime"
	"slices"
	"sync"

	"github.com/vlama/vlama/fs"
	"github.com/vlama/vlama/fs/safetensors"
	"github.com/vlama/vlama/fs/torch"
	"github.com/vlama/vlama/ml"
)

func init() {
	ml.RegisterBackend("cpu", New)
}

type Backend struct {
	config  *fs.Config
	weights map[string]*Tensor

	// threads bounds the fan out of matmul and convolution workers
	threads int

	mem *memory
}

func New(modelPath string, params ml.BackendParams) (ml.Backend, error) {
	config, err := fs.Load(modelPath)
	if err != nil {
		return nil, err
	}

	weights, total, err := openWeights(modelPath)
	if err != nil {
		return nil, err
	}

	threads := params.NumThreads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}

	b := &Backend{
		config:  config,
		weights: make(map[string]*Tensor),
		threads: threads,
		mem:     &memory{limit: params.MaxMemory},
	}

	var done uint64
	for _, t := range weights {
		tensor, err := b.loadTensor(t)
		if err != nil {
			return nil, err
		}
		b.weights[t.Name()] = tensor

		done += uint64(t.Size())
		if params.Progress != nil {
			params.Progress(float32(done) / float32(total))
		}
	}

	slog.Info("loaded model weights",
		"architecture", config.Architecture(),
		"tensors", len(b.weights),
		"threads", threads,
		"memory", b.mem.allocated())

	return b, nil
}

// weightTensor is the reading surface shared by the safetensors and
// torch checkpoint formats.
type weightTensor interface {
	Name() string
	DType() string
	Shape() []int
	Size() int64
	Floats() ([]float32, error)
	Ints() ([]int32, error)
}

// openWeights reads the model's weight shards, preferring safetensors
// and falling back to a torch checkpoint when none are present.
func openWeights(dir string) ([]weightTensor, uint64, error) {
	st, err := safetensors.Open(dir)
	if err == nil {
		ts := st.Tensors()
		weights := make([]weightTensor, len(ts))
		for i, t := range ts {
			weights[i] = t
		}
		return weights, st.TotalBytes(), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, 0, err
	}

	pt, perr := torch.Open(dir)
	if perr != nil {
		if errors.Is(perr, os.ErrNotExist) {
			// neither format present; report the primary one
			return nil, 0, err
		}
		return nil, 0, perr
	}

	slog.Info("no safetensors shards, reading torch checkpoint", "dir", dir)

	ts := pt.Tensors()
	weights := make([]weightTensor, len(ts))
	for i, t := range ts {
		weights[i] = t
	}
	return weights, pt.TotalBytes(), nil
}

// loadTensor decodes one checkpoint tensor. Dimensions are stored
// outermost first on disk and reversed here so that dimension 0 is the
// innermost, matching the backend's layout. Floating point weights are
// widened to float32, integer buffers kept as int32.
func (b *Backend) loadTensor(t weightTensor) (*Tensor, error) {
	shape := slices.Clone(t.Shape())
	slices.Reverse(shape)

	switch t.DType() {
	case "I32", "I64":
		i32s, err := t.Ints()
		if err != nil {
			return nil, err
		}

		tensor, err := newTensor(b, "load", ml.DTypeI32, shape)
		if err != nil {
			return nil, err
		}
		copy(tensor.i32, i32s)
		return tensor, nil
	default:
		f32s, err := t.Floats()
		if err != nil {
			return nil, err
		}

		tensor, err := newTensor(b, "load", ml.DTypeF32, shape)
		if err != nil {
			return nil, err
		}
		copy(tensor.f32, f32s)
		return tensor, nil
	}
}

func (b *Backend) Config() ml.Config {
	return b.config
}

func (b *Backend) Device() ml.DeviceID {
	return ml.DeviceID{Name: "cpu", Library: "cpu"}
}

func (b *Backend) Get(name string) ml.Tensor {
	if t, ok := b.weights[name]; ok {
		return t
	}
	return nil
}

func (b *Backend) NewContext() ml.Context {
	return &Context{b: b}
}

func (b *Backend) NewContextSize(int) ml.Context {
	// context size hints graph node counts on graph based backends;
	// an eager backend allocates as it goes
	return &Context{b: b}
}

// memory tracks live tensor bytes across all contexts of a backend so a
// configured limit can be enforced.
type memory struct {
	mu    sync.Mutex
	used  uint64
	limit uint64
}

func (m *memory) alloc(n uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.limit > 0 && m.used+n > m.limit {
		return false
	}

	m.used += n
	return true
}

func (m *memory) free(n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.used -= n
}

func (m *memory) allocated() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used
}
