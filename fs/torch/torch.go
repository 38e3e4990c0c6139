// Package torch reads model weights from PyTorch checkpoints, the zip
// archives produced by torch.save holding a pickled state dict of named
// tensors. It is the fallback source for model directories that ship
// pytorch_model shards instead of safetensors.
package torch

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"slices"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
)

// Model indexes the tensors of every checkpoint shard in a model
// directory. Unlike safetensors, pickle offers no lazy access: opening
// decodes all storages into memory.
type Model struct {
	tensors map[string]*Tensor
}

func Open(dir string) (*Model, error) {
	var files []string
	for _, pattern := range []string{"consolidated*.pth", "pytorch_model*.bin", "pytorch_model*.pth"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, err
		}
		if len(matches) > 0 {
			files = matches
			break
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no torch checkpoint files in %s: %w", dir, fs.ErrNotExist)
	}
	slices.Sort(files)

	m := &Model{tensors: make(map[string]*Tensor)}
	for _, path := range files {
		if err := m.parse(path); err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
	}

	return m, nil
}

func (m *Model) parse(path string) error {
	raw, err := pytorch.Load(path)
	if err != nil {
		return err
	}

	dict, ok := raw.(*types.Dict)
	if !ok {
		return fmt.Errorf("unexpected checkpoint layout %T", raw)
	}

	for _, k := range dict.Keys() {
		name, ok := k.(string)
		if !ok {
			return fmt.Errorf("unexpected tensor key %T", k)
		}

		t, ok := dict.MustGet(k).(*pytorch.Tensor)
		if !ok {
			// metadata entries such as _metadata
			continue
		}

		switch t.Source.(type) {
		case *pytorch.FloatStorage, *pytorch.HalfStorage, *pytorch.BFloat16Storage:
		default:
			// integer buffers (position caches and the like) carry no
			// weights the loader binds
			continue
		}

		if _, ok := m.tensors[name]; ok {
			return fmt.Errorf("duplicate tensor name %q", name)
		}

		m.tensors[name] = &Tensor{name: name, t: t}
	}

	return nil
}

// Tensors returns every tensor sorted by name.
func (m *Model) Tensors() []*Tensor {
	names := make([]string, 0, len(m.tensors))
	for name := range m.tensors {
		names = append(names, name)
	}
	slices.Sort(names)

	tensors := make([]*Tensor, len(names))
	for i, name := range names {
		tensors[i] = m.tensors[name]
	}

	return tensors
}

func (m *Model) Tensor(name string) (*Tensor, bool) {
	t, ok := m.tensors[name]
	return t, ok
}

// TotalBytes is the decoded size of all tensor data, used for load
// progress reporting.
func (m *Model) TotalBytes() (n uint64) {
	for _, t := range m.tensors {
		n += uint64(t.Size())
	}
	return n
}

type Tensor struct {
	name string
	t    *pytorch.Tensor
}

func (t *Tensor) Name() string {
	return t.name
}

// DType reports the storage element type using safetensors naming.
func (t *Tensor) DType() string {
	switch t.t.Source.(type) {
	case *pytorch.FloatStorage:
		return "F32"
	case *pytorch.HalfStorage:
		return "F16"
	case *pytorch.BFloat16Storage:
		return "BF16"
	default:
		return fmt.Sprintf("%T", t.t.Source)
	}
}

// Shape returns the dimensions as stored, outermost first. Scalars
// report a single unit dimension.
func (t *Tensor) Shape() []int {
	if len(t.t.Size) == 0 {
		return []int{1}
	}
	return slices.Clone(t.t.Size)
}

func (t *Tensor) Elements() int {
	n := 1
	for _, dim := range t.Shape() {
		n *= dim
	}
	return n
}

// Size is the number of bytes the decoded data occupies, sized by the
// storage element width.
func (t *Tensor) Size() int64 {
	width := 4
	switch t.t.Source.(type) {
	case *pytorch.HalfStorage, *pytorch.BFloat16Storage:
		width = 2
	}
	return int64(t.Elements() * width)
}

// contiguous reports whether the tensor's strides describe a dense
// row-major view over its storage. Pickled state dicts are saved
// contiguous; anything else would need a gather to materialize.
func (t *Tensor) contiguous() bool {
	stride := 1
	for i := len(t.t.Size) - 1; i >= 0; i-- {
		if t.t.Size[i] != 1 && t.t.Stride[i] != stride {
			return false
		}
		stride *= t.t.Size[i]
	}
	return true
}

// Floats returns the tensor data as float32s. Half precision storages
// are widened during unpickling.
func (t *Tensor) Floats() ([]float32, error) {
	if !t.contiguous() {
		return nil, fmt.Errorf("%s: non-contiguous tensor (shape %v stride %v)", t.name, t.t.Size, t.t.Stride)
	}

	var data []float32
	switch s := t.t.Source.(type) {
	case *pytorch.FloatStorage:
		data = s.Data
	case *pytorch.HalfStorage:
		data = s.Data
	case *pytorch.BFloat16Storage:
		data = s.Data
	default:
		return nil, fmt.Errorf("%s: unsupported storage type %T", t.name, s)
	}

	n := t.Elements()
	if t.t.StorageOffset+n > len(data) {
		return nil, fmt.Errorf("%s: storage holds %d elements, want %d at offset %d", t.name, len(data), n, t.t.StorageOffset)
	}

	return data[t.t.StorageOffset : t.t.StorageOffset+n], nil
}

// Ints exists for interface parity with the safetensors reader. Integer
// storages are dropped at parse, so an indexed tensor never decodes as
// integers.
func (t *Tensor) Ints() ([]int32, error) {
	return nil, fmt.Errorf("%s: unsupported storage type %T", t.name, t.t.Source)
}
