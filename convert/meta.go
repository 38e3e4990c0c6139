package convert

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/pdevine/tensor"
	"github.com/pdevine/tensor/native"

	"github.com/vlama/vlama/fs/safetensors"
	"github.com/vlama/vlama/fs/torch"
)

// metaParams is the subset of params.json the conversion reads. vocab_size
// is -1 in some releases and is then derived from the embedding shape.
type metaParams struct {
	Dim        int     `json:"dim"`
	NumHeads   int     `json:"n_heads"`
	NumKVHeads int     `json:"n_kv_heads"`
	NumLayers  int     `json:"n_layers"`
	NormEps    float64 `json:"norm_eps"`
	RopeTheta  float64 `json:"rope_theta"`
	VocabSize  int     `json:"vocab_size"`
}

func convertMeta(src, dst string, fn Progress) error {
	bts, err := os.ReadFile(filepath.Join(src, "params.json"))
	if err != nil {
		return err
	}

	var params metaParams
	if err := json.Unmarshal(bts, &params); err != nil {
		return fmt.Errorf("parse params.json: %w", err)
	}

	matches, err := filepath.Glob(filepath.Join(src, "consolidated*.pth"))
	if err != nil {
		return err
	}
	if len(matches) > 1 {
		return fmt.Errorf("%d consolidated shards in %s: merge tensor parallel checkpoints before converting", len(matches), src)
	}

	if _, err := os.Stat(filepath.Join(src, "tokenizer.json")); err != nil {
		return fmt.Errorf("no tokenizer.json in %s: the sentencepiece tokenizer.model is not readable here, place a converted tokenizer.json next to the checkpoint", src)
	}

	m, err := torch.Open(src)
	if err != nil {
		return err
	}

	var total int64
	for _, t := range m.Tensors() {
		if t.Name() == "rope.freqs" {
			continue
		}
		total += t.Size()
	}

	var done int64
	var out []safetensors.TensorData
	shapes := make(map[string][]int)
	for _, t := range m.Tensors() {
		if t.Name() == "rope.freqs" {
			continue
		}

		name := metaName(t.Name())
		f32s, err := t.Floats()
		if err != nil {
			return fmt.Errorf("%s: %w", t.Name(), err)
		}

		switch {
		case strings.HasSuffix(name, "q_proj.weight"):
			f32s, err = permute(f32s, t.Shape(), params.NumHeads)
		case strings.HasSuffix(name, "k_proj.weight"):
			f32s, err = permute(f32s, t.Shape(), cmp.Or(params.NumKVHeads, params.NumHeads))
		}
		if err != nil {
			return fmt.Errorf("%s: %w", t.Name(), err)
		}

		dtype, data := encodeFloats(t.DType(), f32s)
		out = append(out, safetensors.TensorData{
			Name:  name,
			DType: dtype,
			Shape: t.Shape(),
			Data:  data,
		})
		shapes[name] = t.Shape()

		done += t.Size()
		if fn != nil {
			fn(done, total)
		}
	}

	config, err := metaConfig(params, shapes)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}

	if err := os.WriteFile(filepath.Join(dst, "config.json"), config, 0o644); err != nil {
		return err
	}

	if err := copyFile(filepath.Join(src, "tokenizer.json"), filepath.Join(dst, "tokenizer.json")); err != nil {
		return fmt.Errorf("copy tokenizer.json: %w", err)
	}

	return writeModel(dst, out)
}

// metaReplacer maps original llama checkpoint names onto the transformers
// layout. The scanner consumes attention_norm and ffn_norm whole, so the
// bare norm.weight pattern only matches the top level norm.
var metaReplacer = strings.NewReplacer(
	"attention_norm", "input_layernorm",
	"attention.wq", "self_attn.q_proj",
	"attention.wk", "self_attn.k_proj",
	"attention.wv", "self_attn.v_proj",
	"attention.wo", "self_attn.o_proj",
	"feed_forward.w1", "mlp.gate_proj",
	"feed_forward.w2", "mlp.down_proj",
	"feed_forward.w3", "mlp.up_proj",
	"ffn_norm", "post_attention_layernorm",
	"tok_embeddings", "model.embed_tokens",
	"output.weight", "lm_head.weight",
	"norm.weight", "model.norm.weight",
	"layers.", "model.layers.",
)

func metaName(name string) string {
	return "language_model." + metaReplacer.Replace(name)
}

// permute reorders the rows of an attention weight from the interleaved
// pair layout of the original checkpoints to the split half layout rope
// applies: per head, rows [r0 i0 r1 i1 ...] become [r0 r1 ... i0 i1 ...].
func permute(data []float32, shape []int, heads int) ([]float32, error) {
	if len(shape) != 2 || heads <= 0 || shape[0]%(2*heads) != 0 {
		return nil, fmt.Errorf("cannot permute shape %v for %d heads", shape, heads)
	}

	n := tensor.New(tensor.WithShape(shape...), tensor.WithBacking(slices.Clone(data)))
	if err := n.Reshape(heads, shape[0]/heads/2, 2, shape[1]); err != nil {
		return nil, err
	}

	if err := n.T(0, 2, 1, 3); err != nil {
		return nil, err
	}

	if err := n.Reshape(shape...); err != nil {
		return nil, err
	}

	ts, err := native.SelectF32(n, 1)
	if err != nil {
		return nil, err
	}

	f32s := make([]float32, 0, len(data))
	for _, t := range ts {
		f32s = append(f32s, t...)
	}

	return f32s, nil
}

// metaConfig synthesizes config.json for a converted checkpoint from
// params.json and the tensor shapes. The result loads through the llava
// architecture with no vision tower, so the model runs text only.
func metaConfig(params metaParams, shapes map[string][]int) ([]byte, error) {
	embed, ok := shapes["language_model.model.embed_tokens.weight"]
	if !ok || len(embed) != 2 {
		return nil, errors.New("checkpoint has no tok_embeddings.weight")
	}

	gate, ok := shapes["language_model.model.layers.0.mlp.gate_proj.weight"]
	if !ok || len(gate) != 2 {
		return nil, errors.New("checkpoint has no layers.0.feed_forward.w1.weight")
	}

	vocab := params.VocabSize
	if vocab <= 0 {
		vocab = embed[0]
	}

	config := map[string]any{
		"model_type": "llava",
		// sentencepiece llama convention
		"bos_token_id": 1,
		"eos_token_id": 2,
		"text_config": map[string]any{
			"hidden_size":         params.Dim,
			"intermediate_size":   gate[0],
			"num_attention_heads": params.NumHeads,
			"num_hidden_layers":   params.NumLayers,
			"num_key_value_heads": cmp.Or(params.NumKVHeads, params.NumHeads),
			"rms_norm_eps":        params.NormEps,
			"rope_theta":          cmp.Or(params.RopeTheta, 10000.0),
			"vocab_size":          vocab,
		},
	}

	return json.MarshalIndent(config, "", "  ")
}
