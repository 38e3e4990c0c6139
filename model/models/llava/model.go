package llava

import (
	"bytes"
	"image"

	"github.com/vlama/vlama/kvcache"
	"github.com/vlama/vlama/ml"
	"github.com/vlama/vlama/ml/nn"
	"github.com/vlama/vlama/model"
	"github.com/vlama/vlama/model/imageproc"
	"github.com/vlama/vlama/model/input"
)

type Model struct {
	model.Base
	model.BytePairEncoding

	*VisionModel         `st:"vision_tower.vision_model"`
	*TextModel           `st:"language_model"`
	*MultiModalProjector `st:"multi_modal_projector"`

	ImageProcessor

	imageToken int32
	mode       model.PlaceholderMode
}

// Implement MultimodalProcessor interface
var _ model.MultimodalProcessor = (*Model)(nil)

func New(c ml.Config) (model.Model, error) {
	m := Model{
		BytePairEncoding: model.NewBytePairEncoding(
			&model.Vocabulary{
				Values: c.Strings("tokenizer.tokens"),
				Types:  c.Ints("tokenizer.token_type"),
				Merges: c.Strings("tokenizer.merges"),
				BOS:    c.Ints("bos_token_id", c.Ints("text_config.bos_token_id", []int32{1})),
				EOS:    c.Ints("eos_token_id", c.Ints("text_config.eos_token_id", []int32{2})),
				AddBOS: c.Bool("add_bos_token", true),
				AddEOS: c.Bool("add_eos_token", false),
			},
			c.Strings("tokenizer.pretokenizers")...,
		),
		VisionModel:         newVisionModel(c),
		TextModel:           newTextModel(c),
		MultiModalProjector: newMultiModalProjector(c),
		ImageProcessor:      newImageProcessor(c),
		imageToken:          int32(c.Uint("image_token_index", 32000)),
		mode:                model.PlaceholderPerImage,
	}

	if c.String("image_placeholder") == "patch" {
		m.mode = model.PlaceholderPerPatch
	}

	m.Cache = kvcache.NewCausalCache()

	return &m, nil
}

type MultiModalProjector struct {
	Linear1 *nn.Linear `st:"linear_1"`
	Linear2 *nn.Linear `st:"linear_2"`

	activation string
}

func (p *MultiModalProjector) Forward(ctx ml.Context, visionOutputs ml.Tensor) ml.Tensor {
	visionOutputs = p.Linear1.Forward(ctx, visionOutputs)
	visionOutputs = activate(ctx, visionOutputs, p.activation)
	return p.Linear2.Forward(ctx, visionOutputs)
}

func newMultiModalProjector(c ml.Config) *MultiModalProjector {
	return &MultiModalProjector{
		activation: c.String("projector_hidden_act", "gelu"),
	}
}

type ImageProcessor struct {
	imageSize, numChannels int
}

func newImageProcessor(c ml.Config) ImageProcessor {
	return ImageProcessor{
		imageSize:   int(c.Uint("vision_config.image_size", 336)),
		numChannels: 3,
	}
}

func (p ImageProcessor) ProcessImage(img image.Image) []float32 {
	img = imageproc.Composite(img)
	img = imageproc.Resize(img, image.Point{X: p.imageSize, Y: p.imageSize}, imageproc.ResizeBilinear)
	return imageproc.Normalize(img, imageproc.ClipDefaultMean, imageproc.ClipDefaultSTD, true, true)
}

func (m *Model) EncodeMultimodal(ctx ml.Context, multimodalData []byte) (any, error) {
	if len(m.VisionModel.Layers) == 0 {
		return nil, model.ErrNoVisionModel
	}

	img, _, err := image.Decode(bytes.NewReader(multimodalData))
	if err != nil {
		return nil, err
	}

	f32s := m.ImageProcessor.ProcessImage(img)

	pixelValues, err := ctx.Input().FromFloatSlice(f32s,
		m.ImageProcessor.imageSize,
		m.ImageProcessor.imageSize,
		m.ImageProcessor.numChannels,
	)
	if err != nil {
		return nil, err
	}

	visionOutputs, err := m.VisionModel.Forward(ctx, pixelValues)
	if err != nil {
		return nil, err
	}

	return m.MultiModalProjector.Forward(ctx, visionOutputs), nil
}

func (m *Model) PostTokenize(inputs []input.Input) ([]input.Input, error) {
	var images []ml.Tensor
	tokens := make([]input.Input, 0, len(inputs))

	for _, inp := range inputs {
		if inp.Multimodal == nil {
			tokens = append(tokens, inp)
		} else {
			images = append(images, inp.Multimodal.(ml.Tensor))
		}
	}

	return model.Splice(tokens, images, m.imageToken, m.mode)
}

func (m *Model) Forward(ctx ml.Context, batch input.Batch) (ml.Tensor, error) {
	positions, err := ctx.Input().FromIntSlice(batch.Positions, len(batch.Positions))
	if err != nil {
		return nil, err
	}

	// all but the last prompt batch carry no output indices
	var outputs ml.Tensor
	if len(batch.Outputs) > 0 {
		outputs, err = ctx.Input().FromIntSlice(batch.Outputs, len(batch.Outputs))
		if err != nil {
			return nil, err
		}
	}

	return m.TextModel.Forward(ctx, positions, outputs, batch, m.Cache), nil
}

func init() {
	model.Register("llava", New)
}
