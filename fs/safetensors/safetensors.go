// Package safetensors reads and writes model weights in the safetensors
// format: an 8 byte little endian header length, a JSON header mapping
// tensor names to dtype, shape and data offsets, then raw tensor data.
package safetensors

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

type tensorMetadata struct {
	Type    string   `json:"dtype"`
	Shape   []uint64 `json:"shape"`
	Offsets []int64  `json:"data_offsets"`
}

// Model indexes the tensors of every safetensors shard in a model
// directory. Tensor data is read lazily.
type Model struct {
	tensors map[string]*Tensor
}

func Open(dir string) (*Model, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.safetensors"))
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("no safetensors files in %s: %w", dir, fs.ErrNotExist)
	}

	m := &Model{tensors: make(map[string]*Tensor)}
	for _, path := range matches {
		if err := m.parse(path); err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
	}

	return m, nil
}

func (m *Model) parse(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var n int64
	if err := binary.Read(f, binary.LittleEndian, &n); err != nil {
		return err
	}

	b := bytes.NewBuffer(make([]byte, 0, n))
	if _, err := io.CopyN(b, f, n); err != nil {
		return err
	}

	var headers map[string]tensorMetadata
	if err := json.NewDecoder(b).Decode(&headers); err != nil {
		return err
	}

	for _, name := range slices.Sorted(maps.Keys(headers)) {
		meta := headers[name]
		if meta.Type == "" {
			// the __metadata__ entry
			continue
		}

		if _, ok := m.tensors[name]; ok {
			return fmt.Errorf("duplicate tensor name %q", name)
		}

		// scalars are stored with an empty shape
		shape := make([]int, max(len(meta.Shape), 1))
		for i := range shape {
			shape[i] = 1
		}
		for i, dim := range meta.Shape {
			shape[i] = int(dim)
		}

		m.tensors[name] = &Tensor{
			name:   name,
			dtype:  meta.Type,
			shape:  shape,
			path:   path,
			offset: 8 + n + meta.Offsets[0],
			size:   meta.Offsets[1] - meta.Offsets[0],
		}
	}

	return nil
}

// Tensors returns every tensor sorted by name.
func (m *Model) Tensors() []*Tensor {
	names := slices.Sorted(maps.Keys(m.tensors))

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

// TotalBytes is the on disk size of all tensor data, used for load
// progress reporting.
func (m *Model) TotalBytes() (n uint64) {
	for _, t := range m.tensors {
		n += uint64(t.size)
	}
	return n
}

type Tensor struct {
	name   string
	dtype  string
	shape  []int
	path   string
	offset int64
	size   int64
}

func (t *Tensor) Name() string {
	return t.name
}

func (t *Tensor) DType() string {
	return t.dtype
}

// Shape returns the dimensions as stored, outermost first.
func (t *Tensor) Shape() []int {
	return t.shape
}

func (t *Tensor) Elements() int {
	n := 1
	for _, dim := range t.shape {
		n *= dim
	}
	return n
}

// Size is the number of bytes of tensor data on disk.
func (t *Tensor) Size() int64 {
	return t.size
}

func (t *Tensor) bytes() ([]byte, error) {
	f, err := os.Open(t.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data := make([]byte, t.size)
	if _, err := f.ReadAt(data, t.offset); err != nil {
		return nil, err
	}

	return data, nil
}

// Floats reads and decodes the tensor data as float32s.
func (t *Tensor) Floats() ([]float32, error) {
	data, err := t.bytes()
	if err != nil {
		return nil, err
	}

	switch t.dtype {
	case "F32":
		f32s := make([]float32, len(data)/4)
		if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, f32s); err != nil {
			return nil, err
		}
		return f32s, nil
	case "F16":
		u16s := make([]uint16, len(data)/2)
		if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, u16s); err != nil {
			return nil, err
		}

		f32s := make([]float32, len(u16s))
		for i := range u16s {
			f32s[i] = float16.Frombits(u16s[i]).Float32()
		}
		return f32s, nil
	case "BF16":
		return bfloat16.DecodeFloat32(data), nil
	case "F64":
		f64s := make([]float64, len(data)/8)
		if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, f64s); err != nil {
			return nil, err
		}

		f32s := make([]float32, len(f64s))
		for i := range f64s {
			f32s[i] = float32(f64s[i])
		}
		return f32s, nil
	default:
		return nil, fmt.Errorf("%s: unsupported data type %s", t.name, t.dtype)
	}
}

// Ints reads and decodes the tensor data as int32s.
func (t *Tensor) Ints() ([]int32, error) {
	data, err := t.bytes()
	if err != nil {
		return nil, err
	}

	switch t.dtype {
	case "I32":
		i32s := make([]int32, len(data)/4)
		if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, i32s); err != nil {
			return nil, err
		}
		return i32s, nil
	case "I64":
		i64s := make([]int64, len(data)/8)
		if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, i64s); err != nil {
			return nil, err
		}

		i32s := make([]int32, len(i64s))
		for i := range i64s {
			i32s[i] = int32(i64s[i])
		}
		return i32s, nil
	default:
		return nil, fmt.Errorf("%s: unsupported data type %s", t.name, t.dtype)
	}
}
