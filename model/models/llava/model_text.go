package llava

import (
	"math"

	"github.com/vlama/vlama/kvcache"
	"github.com/vlama/vlama/ml"
	"github.com/vlama/vlama/ml/nn"
	"github.com/vlama/vlama/model/input"
)

type TextOptions struct {
	hiddenSize, numHeads, numKVHeads int
	eps, ropeBase, ropeScale         float32
	ropeDim                          int
}

type SelfAttention struct {
	Query  *nn.Linear `st:"q_proj"`
	Key    *nn.Linear `st:"k_proj"`
	Value  *nn.Linear `st:"v_proj"`
	Output *nn.Linear `st:"o_proj"`
}

func (sa *SelfAttention) Forward(ctx ml.Context, hiddenState, positionIDs ml.Tensor, cache kvcache.Cache, opts *TextOptions) ml.Tensor {
	seqLength := hiddenState.Dim(1)
	headDim := opts.hiddenSize / opts.numHeads

	q := sa.Query.Forward(ctx, hiddenState)
	q = q.Reshape(ctx, headDim, opts.numHeads, seqLength)
	q = q.RoPE(ctx, positionIDs, opts.ropeDim, opts.ropeBase, opts.ropeScale)

	k := sa.Key.Forward(ctx, hiddenState)
	k = k.Reshape(ctx, headDim, opts.numKVHeads, seqLength)
	k = k.RoPE(ctx, positionIDs, opts.ropeDim, opts.ropeBase, opts.ropeScale)

	v := sa.Value.Forward(ctx, hiddenState)
	v = v.Reshape(ctx, headDim, opts.numKVHeads, seqLength)

	kqv := nn.Attention(ctx, q, k, v, 1.0/math.Sqrt(float64(headDim)), cache)
	kqv = kqv.Reshape(ctx, kqv.Dim(0)*kqv.Dim(1), seqLength)

	return sa.Output.Forward(ctx, kqv)
}

type MLP struct {
	Gate *nn.Linear `st:"gate_proj"`
	Up   *nn.Linear `st:"up_proj"`
	Down *nn.Linear `st:"down_proj"`
}

func (mlp *MLP) Forward(ctx ml.Context, hiddenState ml.Tensor, opts *TextOptions) ml.Tensor {
	hiddenState = mlp.Gate.Forward(ctx, hiddenState).SILU(ctx).Mul(ctx, mlp.Up.Forward(ctx, hiddenState))
	return mlp.Down.Forward(ctx, hiddenState)
}

type Layer struct {
	AttentionNorm *nn.RMSNorm    `st:"input_layernorm"`
	SelfAttention *SelfAttention `st:"self_attn"`

	MLPNorm *nn.RMSNorm `st:"post_attention_layernorm"`
	MLP     *MLP        `st:"mlp"`
}

func (l *Layer) Forward(ctx ml.Context, hiddenState, positionIDs, outputs ml.Tensor, cache kvcache.Cache, opts *TextOptions) ml.Tensor {
	residual := hiddenState

	hiddenState = l.AttentionNorm.Forward(ctx, hiddenState, opts.eps)
	hiddenState = l.SelfAttention.Forward(ctx, hiddenState, positionIDs, cache, opts)

	// In the final layer (outputs != nil), prune to just the token
	// positions logits are needed for.
	if outputs != nil {
		hiddenState = hiddenState.Rows(ctx, outputs)
		residual = residual.Rows(ctx, outputs)
	}

	hiddenState = hiddenState.Add(ctx, residual)
	residual = hiddenState

	hiddenState = l.MLPNorm.Forward(ctx, hiddenState, opts.eps)
	hiddenState = l.MLP.Forward(ctx, hiddenState, opts)
	return hiddenState.Add(ctx, residual)
}

type TextModel struct {
	TokenEmbedding *nn.Embedding `st:"model.embed_tokens"`
	Layers         []Layer       `st:"model.layers"`
	OutputNorm     *nn.RMSNorm   `st:"model.norm"`
	Output         *nn.Linear    `st:"lm_head,alt:model.embed_tokens"`

	*TextOptions
}

func (m *TextModel) Forward(ctx ml.Context, positions, outputs ml.Tensor, batch input.Batch, cache kvcache.Cache) ml.Tensor {
	hiddenState := m.TokenEmbedding.Forward(ctx, batch.Inputs)

	// image embeddings overwrite their placeholder token embeddings
	for _, image := range batch.Multimodal {
		imageFeature := image.Multimodal.(ml.Tensor)
		ctx.Forward(imageFeature.Copy(ctx, hiddenState.View(ctx, image.Index*hiddenState.Stride(1), imageFeature.Dim(0)*imageFeature.Dim(1))))
	}

	for i, layer := range m.Layers {
		cache.SetLayer(i)

		var lastLayerOutputs ml.Tensor
		if i == len(m.Layers)-1 {
			lastLayerOutputs = outputs
		}

		hiddenState = layer.Forward(ctx, hiddenState, positions, lastLayerOutputs, cache, m.TextOptions)
	}

	hiddenState = m.OutputNorm.Forward(ctx, hiddenState, m.eps)
	return m.Output.Forward(ctx, hiddenState)
}

func newTextModel(c ml.Config) *TextModel {
	hiddenSize := int(c.Uint("text_config.hidden_size", 4096))
	numHeads := int(c.Uint("text_config.num_attention_heads", 32))

	return &TextModel{
		Layers: make([]Layer, c.Uint("text_config.num_hidden_layers", 32)),
		TextOptions: &TextOptions{
			hiddenSize: hiddenSize,
			numHeads:   numHeads,
			numKVHeads: int(c.Uint("text_config.num_key_value_heads", uint32(numHeads))),
			eps:        c.Float("text_config.rms_norm_eps", 1e-5),
			ropeBase:   c.Float("text_config.rope_theta", 10000),
			ropeScale:  1,
			ropeDim:    hiddenSize / numHeads,
		},
	}
}
