package llava

import (
	"math"

	"github.com/vlama/vlama/ml"
	"github.com/vlama/vlama/ml/nn"
	"github.com/vlama/vlama/model"
)

var batchSize int = 1

// activate applies a hidden activation selected by name. The vision tower
// ships with quick_gelu, the projector with plain gelu.
func activate(ctx ml.Context, t ml.Tensor, activation string) ml.Tensor {
	switch activation {
	case "quick_gelu":
		return t.Mul(ctx, t.Scale(ctx, 1.702).Sigmoid(ctx))
	default:
		return t.GELU(ctx)
	}
}

type VisionSelfAttention struct {
	Query  *nn.Linear `st:"q_proj"`
	Key    *nn.Linear `st:"k_proj"`
	Value  *nn.Linear `st:"v_proj"`
	Output *nn.Linear `st:"out_proj"`
}

func (sa *VisionSelfAttention) Forward(ctx ml.Context, hiddenState ml.Tensor, opts *VisionOptions) ml.Tensor {
	headDim := opts.hiddenSize / opts.numHeads

	query := sa.Query.Forward(ctx, hiddenState)
	key := sa.Key.Forward(ctx, hiddenState)
	value := sa.Value.Forward(ctx, hiddenState)

	query = query.Reshape(ctx, headDim, opts.numHeads, query.Dim(1), batchSize)
	key = key.Reshape(ctx, headDim, opts.numHeads, key.Dim(1), batchSize)
	value = value.Reshape(ctx, headDim, opts.numHeads, value.Dim(1), batchSize)

	attention := nn.Attention(ctx, query, key, value, 1./math.Sqrt(float64(headDim)), nil)
	attention = attention.Reshape(ctx, opts.hiddenSize, attention.Dim(2), batchSize)

	return sa.Output.Forward(ctx, attention)
}

type VisionMLP struct {
	FC1 *nn.Linear `st:"fc1"`
	FC2 *nn.Linear `st:"fc2"`
}

func (mlp *VisionMLP) Forward(ctx ml.Context, hiddenState ml.Tensor, opts *VisionOptions) ml.Tensor {
	hiddenState = activate(ctx, mlp.FC1.Forward(ctx, hiddenState), opts.activation)
	return mlp.FC2.Forward(ctx, hiddenState)
}

type VisionEncoderLayer struct {
	LayerNorm1    *nn.LayerNorm        `st:"layer_norm1"`
	SelfAttention *VisionSelfAttention `st:"self_attn"`

	LayerNorm2 *nn.LayerNorm `st:"layer_norm2"`
	MLP        *VisionMLP    `st:"mlp"`
}

func (e *VisionEncoderLayer) Forward(ctx ml.Context, hiddenState ml.Tensor, opts *VisionOptions) ml.Tensor {
	residual := hiddenState

	// self attention
	hiddenState = e.LayerNorm1.Forward(ctx, hiddenState, opts.eps)
	hiddenState = e.SelfAttention.Forward(ctx, hiddenState, opts)
	hiddenState = hiddenState.Add(ctx, residual)
	residual = hiddenState

	// feed forward
	hiddenState = e.LayerNorm2.Forward(ctx, hiddenState, opts.eps)
	hiddenState = e.MLP.Forward(ctx, hiddenState, opts)
	return hiddenState.Add(ctx, residual)
}

type VisionOptions struct {
	hiddenSize, numHeads int
	imageSize, patchSize int
	eps                  float32

	// featureLayer selects which encoder layer's output feeds the
	// projector. Negative values count back from the final layer, with
	// -1 the last; the layers beyond it never run.
	featureLayer int

	// selectStrategy is "default" (drop the class embedding) or "full"
	// (keep all positions).
	selectStrategy string

	activation string
}

type VisionModel struct {
	PatchEmbedding    *nn.Conv2D    `st:"embeddings.patch_embedding"`
	ClassEmbedding    ml.Tensor     `st:"embeddings.class_embedding"`
	PositionEmbedding *nn.Embedding `st:"embeddings.position_embedding"`

	// the released checkpoints misspell this tensor's name
	PreLayerNorm  *nn.LayerNorm `st:"pre_layrnorm,alt:pre_layernorm"`
	PostLayerNorm *nn.LayerNorm `st:"post_layernorm"`

	Layers []VisionEncoderLayer `st:"encoder.layers"`

	*VisionOptions
}

func (m *VisionModel) Forward(ctx ml.Context, pixelValues ml.Tensor) (ml.Tensor, error) {
	if pixelValues.Dim(0) != m.imageSize || pixelValues.Dim(1) != m.imageSize || pixelValues.Dim(2) != 3 {
		return nil, &model.InputShapeError{
			Op:   "pixel_values",
			Got:  pixelValues.Shape(),
			Want: []int{m.imageSize, m.imageSize, 3},
		}
	}

	numPatches := (m.imageSize / m.patchSize) * (m.imageSize / m.patchSize)

	hiddenState := m.PatchEmbedding.Forward(ctx, pixelValues, m.patchSize, m.patchSize, 0, 0, 1, 1)
	hiddenState = hiddenState.Reshape(ctx, numPatches, m.hiddenSize)
	hiddenState = hiddenState.Permute(ctx, 1, 0, 2, 3).Contiguous(ctx)

	hiddenState = m.ClassEmbedding.Concat(ctx, hiddenState, 1)

	positionIDs := ctx.Arange(0, float32(hiddenState.Dim(1)), 1, ml.DTypeI32)
	hiddenState = hiddenState.Add(ctx, m.PositionEmbedding.Forward(ctx, positionIDs))

	hiddenState = m.PreLayerNorm.Forward(ctx, hiddenState, m.eps)

	numLayers := m.featureLayer
	if numLayers < 0 {
		numLayers += len(m.Layers) + 1
	}

	for _, layer := range m.Layers[:numLayers] {
		hiddenState = layer.Forward(ctx, hiddenState, m.VisionOptions)
	}

	if m.selectStrategy != "full" {
		// drop the class embedding at position 0
		hiddenState = hiddenState.View(ctx, hiddenState.Stride(1),
			hiddenState.Dim(0), hiddenState.Stride(1), hiddenState.Dim(1)-1)
	}

	return hiddenState, nil
}

func newVisionModel(c ml.Config) *VisionModel {
	return &VisionModel{
		Layers: make([]VisionEncoderLayer, c.Uint("vision_config.num_hidden_layers")),
		VisionOptions: &VisionOptions{
			hiddenSize: int(c.Uint("vision_config.hidden_size", 1024)),
			numHeads:   int(c.Uint("vision_config.num_attention_heads", 16)),

			imageSize: int(c.Uint("vision_config.image_size", 336)),
			patchSize: int(c.Uint("vision_config.patch_size", 14)),

			eps: c.Float("vision_config.layer_norm_eps", 1e-5),

			featureLayer:   int(c.Float("vision_feature_layer", -2)),
			selectStrategy: c.String("vision_feature_select_strategy", "default"),

			activation: c.String("vision_config.hidden_act", "quick_gelu"),
		},
	}
}
