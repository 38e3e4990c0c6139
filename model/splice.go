package model

import (
	"github.com/vlama/vlama/ml"
	"github.com/vlama/vlama/model/input"
)

// PlaceholderMode selects how image placeholder tokens in a prompt map to
// image embeddings.
type PlaceholderMode int

const (
	// PlaceholderPerImage expects exactly one placeholder token per image.
	// Each placeholder expands to the image's full embedding span.
	PlaceholderPerImage PlaceholderMode = iota

	// PlaceholderPerPatch expects one placeholder token per embedding
	// vector, substituted one to one.
	PlaceholderPerPatch
)

// Splice marries image embeddings to the placeholder tokens in a token
// stream. Each image's embedding tensor is attached to the first token of
// its placeholder span; the remainder of the span keeps the placeholder
// token so the stream's length matches the embedding count. During Forward
// the embedding columns overlay the positions following the attachment, so
// a span is expected to be contiguous.
//
// Images pair with placeholders in encountered order. Text around the
// placeholders is preserved untouched.
func Splice(inputs []input.Input, images []ml.Tensor, placeholder int32, mode PlaceholderMode) ([]input.Input, error) {
	if len(inputs) == 0 {
		return nil, &EmptyInputError{What: "token sequence"}
	}

	var placeholders int
	for _, inp := range inputs {
		if inp.Token == placeholder {
			placeholders++
		}
	}

	var total int
	for _, image := range images {
		n := image.Dim(1)
		if n == 0 {
			return nil, &EmptyInputError{What: "image embedding sequence"}
		}
		total += n
	}

	want := len(images)
	if mode == PlaceholderPerPatch {
		want = total
	}
	if placeholders != want {
		return nil, &PlaceholderMismatchError{Placeholders: placeholders, Images: len(images), Mode: mode}
	}

	out := make([]input.Input, 0, len(inputs)-placeholders+total)

	var image, remaining int
	for _, inp := range inputs {
		if inp.Token != placeholder {
			out = append(out, inp)
			continue
		}

		switch mode {
		case PlaceholderPerImage:
			out = append(out, input.Input{Token: placeholder, Multimodal: images[image]})
			for range images[image].Dim(1) - 1 {
				out = append(out, input.Input{Token: placeholder})
			}
			image++
		case PlaceholderPerPatch:
			if remaining == 0 {
				out = append(out, input.Input{Token: placeholder, Multimodal: images[image]})
				remaining = images[image].Dim(1) - 1
				image++
			} else {
				out = append(out, input.Input{Token: placeholder})
				remaining--
			}
		}
	}

	return out, nil
}
