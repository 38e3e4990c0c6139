package convert

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestMetaName(t *testing.T) {
	cases := map[string]string{
		"tok_embeddings.weight":           "language_model.model.embed_tokens.weight",
		"norm.weight":                     "language_model.model.norm.weight",
		"output.weight":                   "language_model.lm_head.weight",
		"layers.0.attention.wq.weight":    "language_model.model.layers.0.self_attn.q_proj.weight",
		"layers.0.attention.wk.weight":    "language_model.model.layers.0.self_attn.k_proj.weight",
		"layers.0.attention.wv.weight":    "language_model.model.layers.0.self_attn.v_proj.weight",
		"layers.0.attention.wo.weight":    "language_model.model.layers.0.self_attn.o_proj.weight",
		"layers.31.attention_norm.weight": "language_model.model.layers.31.input_layernorm.weight",
		"layers.31.ffn_norm.weight":       "language_model.model.layers.31.post_attention_layernorm.weight",
		"layers.2.feed_forward.w1.weight": "language_model.model.layers.2.mlp.gate_proj.weight",
		"layers.2.feed_forward.w2.weight": "language_model.model.layers.2.mlp.down_proj.weight",
		"layers.2.feed_forward.w3.weight": "language_model.model.layers.2.mlp.up_proj.weight",
	}

	for name, want := range cases {
		if got := metaName(name); got != want {
			t.Errorf("metaName(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestPermute(t *testing.T) {
	cases := []struct {
		name  string
		shape []int
		heads int
		data  []float32
		want  []float32
	}{
		{
			// two heads of dim 4: pairs (0,1) (2,3) regroup as halves
			name:  "two heads",
			shape: []int{8, 1},
			heads: 2,
			data:  []float32{0, 1, 2, 3, 4, 5, 6, 7},
			want:  []float32{0, 2, 1, 3, 4, 6, 5, 7},
		},
		{
			// one head of dim 6, two columns per row
			name:  "wide rows",
			shape: []int{6, 2},
			heads: 1,
			data:  []float32{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11},
			want:  []float32{0, 1, 4, 5, 8, 9, 2, 3, 6, 7, 10, 11},
		},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			in := append([]float32(nil), tt.data...)
			got, err := permute(in, tt.shape, tt.heads)
			if err != nil {
				t.Fatal(err)
			}

			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("permuted data mismatch (-want +got):\n%s", diff)
			}

			if diff := cmp.Diff(tt.data, in); diff != "" {
				t.Errorf("input modified in place (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPermuteBadShape(t *testing.T) {
	if _, err := permute(make([]float32, 6), []int{6}, 2); err == nil {
		t.Error("expected error for 1d shape")
	}

	if _, err := permute(make([]float32, 12), []int{6, 2}, 4); err == nil {
		t.Error("expected error for rows not divisible by 2*heads")
	}
}

func TestMetaConfig(t *testing.T) {
	params := metaParams{Dim: 8, NumHeads: 2, NumLayers: 1, NormEps: 1e-6, VocabSize: -1}
	shapes := map[string][]int{
		"language_model.model.embed_tokens.weight":           {32, 8},
		"language_model.model.layers.0.mlp.gate_proj.weight": {22, 8},
	}

	bts, err := metaConfig(params, shapes)
	if err != nil {
		t.Fatal(err)
	}

	var got map[string]any
	if err := json.Unmarshal(bts, &got); err != nil {
		t.Fatal(err)
	}

	want := map[string]any{
		"model_type":   "llava",
		"bos_token_id": 1.0,
		"eos_token_id": 2.0,
		"text_config": map[string]any{
			"hidden_size":         8.0,
			"intermediate_size":   22.0,
			"num_attention_heads": 2.0,
			"num_hidden_layers":   1.0,
			"num_key_value_heads": 2.0,
			"rms_norm_eps":        1e-6,
			"rope_theta":          10000.0,
			"vocab_size":          32.0,
		},
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestMetaConfigMissingTensors(t *testing.T) {
	_, err := metaConfig(metaParams{Dim: 8, NumHeads: 2}, map[string][]int{})
	if err == nil || !strings.Contains(err.Error(), "tok_embeddings") {
		t.Errorf("expected missing embedding error, got %v", err)
	}
}
