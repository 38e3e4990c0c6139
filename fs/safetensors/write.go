package safetensors

import (
	"cmp"
	"encoding/binary"
	"encoding/json"
	"io"
	"slices"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// TensorData is one tensor to be serialized by Write. Data holds the raw
// little endian bytes for the declared dtype.
type TensorData struct {
	Name  string
	DType string
	Shape []int
	Data  []byte
}

// Write serializes tensors as a single safetensors file. Tensors are
// written in name order so output is deterministic.
func Write(w io.Writer, tensors []TensorData, metadata map[string]string) error {
	tensors = slices.Clone(tensors)
	slices.SortFunc(tensors, func(a, b TensorData) int {
		return cmp.Compare(a.Name, b.Name)
	})

	// the header is JSON with guaranteed key order: __metadata__ first,
	// then tensors in the order their data is laid out
	headers := orderedmap.New[string, any]()
	if len(metadata) > 0 {
		headers.Set("__metadata__", metadata)
	}

	var offset int64
	for _, t := range tensors {
		shape := make([]uint64, len(t.Shape))
		for i, dim := range t.Shape {
			shape[i] = uint64(dim)
		}

		headers.Set(t.Name, tensorMetadata{
			Type:    t.DType,
			Shape:   shape,
			Offsets: []int64{offset, offset + int64(len(t.Data))},
		})
		offset += int64(len(t.Data))
	}

	header, err := json.Marshal(headers)
	if err != nil {
		return err
	}

	if err := binary.Write(w, binary.LittleEndian, uint64(len(header))); err != nil {
		return err
	}
	if _, err := w.Write(header); err != nil {
		return err
	}

	for _, t := range tensors {
		if _, err := w.Write(t.Data); err != nil {
			return err
		}
	}

	return nil
}
