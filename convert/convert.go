// Package convert rewrites model checkpoints into the layout the server
// loads: a directory holding config.json, tokenizer.json and a single
// model.safetensors file.
//
// Two source families are recognized. Hugging Face style directories,
// marked by a config.json, pass through with their tensor names intact,
// whether the weights arrive as safetensors shards or torch checkpoints.
// Original llama checkpoints, marked by a params.json, are renamed to the
// transformers layout, their attention weights reordered for split half
// rope, and a config.json is synthesized from params.json and the tensor
// shapes.
package convert

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"

	"github.com/x448/float16"

	"github.com/vlama/vlama/fs/safetensors"
	"github.com/vlama/vlama/fs/torch"
)

// Progress reports conversion progress as tensor bytes are processed.
type Progress func(n, total int64)

// Convert reads the checkpoint directory src and writes it to dst in the
// layout the server loads. fn may be nil.
func Convert(src, dst string, fn Progress) error {
	if _, err := os.Stat(filepath.Join(src, "config.json")); err == nil {
		return convertHF(src, dst, fn)
	}

	if _, err := os.Stat(filepath.Join(src, "params.json")); err == nil {
		return convertMeta(src, dst, fn)
	}

	return fmt.Errorf("%s is not a model directory: no config.json or params.json", src)
}

// weightTensor is the reading surface shared by the safetensors and torch
// checkpoint formats.
type weightTensor interface {
	Name() string
	DType() string
	Shape() []int
	Size() int64
	Floats() ([]float32, error)
}

// openTensors reads the weights in dir, preferring safetensors shards and
// falling back to a torch checkpoint.
func openTensors(dir string) ([]weightTensor, error) {
	sm, err := safetensors.Open(dir)
	if err == nil {
		var ts []weightTensor
		for _, t := range sm.Tensors() {
			ts = append(ts, t)
		}
		return ts, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	tm, terr := torch.Open(dir)
	if terr != nil {
		if errors.Is(terr, fs.ErrNotExist) {
			// neither format present; report the primary one
			return nil, err
		}
		return nil, terr
	}

	var ts []weightTensor
	for _, t := range tm.Tensors() {
		ts = append(ts, t)
	}
	return ts, nil
}

func convertHF(src, dst string, fn Progress) error {
	ts, err := openTensors(src)
	if err != nil {
		return err
	}

	var total int64
	for _, t := range ts {
		total += t.Size()
	}

	var done int64
	out := make([]safetensors.TensorData, 0, len(ts))
	for _, t := range ts {
		f32s, err := t.Floats()
		if err != nil {
			return fmt.Errorf("%s: %w", t.Name(), err)
		}

		dtype, data := encodeFloats(t.DType(), f32s)
		out = append(out, safetensors.TensorData{
			Name:  t.Name(),
			DType: dtype,
			Shape: t.Shape(),
			Data:  data,
		})

		done += t.Size()
		if fn != nil {
			fn(done, total)
		}
	}

	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}

	for _, name := range []string{"config.json", "tokenizer.json"} {
		if err := copyFile(filepath.Join(src, name), filepath.Join(dst, name)); err != nil {
			return fmt.Errorf("copy %s: %w", name, err)
		}
	}

	return writeModel(dst, out)
}

// encodeFloats serializes values as the little endian bytes of dtype.
// Types with no direct encoding are widened or narrowed to F32.
func encodeFloats(dtype string, f32s []float32) (string, []byte) {
	switch dtype {
	case "F16":
		data := make([]byte, 2*len(f32s))
		for i, f := range f32s {
			binary.LittleEndian.PutUint16(data[2*i:], float16.Fromfloat32(f).Bits())
		}
		return "F16", data
	case "BF16":
		data := make([]byte, 2*len(f32s))
		for i, f := range f32s {
			binary.LittleEndian.PutUint16(data[2*i:], uint16(math.Float32bits(f)>>16))
		}
		return "BF16", data
	default:
		data := make([]byte, 4*len(f32s))
		for i, f := range f32s {
			binary.LittleEndian.PutUint32(data[4*i:], math.Float32bits(f))
		}
		return "F32", data
	}
}

func writeModel(dst string, tensors []safetensors.TensorData) error {
	f, err := os.Create(filepath.Join(dst, "model.safetensors"))
	if err != nil {
		return err
	}

	if err := safetensors.Write(f, tensors, map[string]string{"format": "pt"}); err != nil {
		f.Close()
		return err
	}

	return f.Close()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}

	return out.Close()
}
