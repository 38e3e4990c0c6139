// Package sample selects tokens from model logits, either greedily or by
// seeded multinomial sampling after a chain of logit transforms.
package sample

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
)

// token represents information about a single token during sampling
type token struct {
	id    int32   // The token's unique identifier
	value float32 // The raw logit or probability from the model
}

// InvalidSamplingConfigError reports a sampling parameter outside its
// valid range.
type InvalidSamplingConfigError struct {
	Parameter string
	Value     float64
	Reason    string
}

func (e *InvalidSamplingConfigError) Error() string {
	return fmt.Sprintf("invalid %s %v: %s", e.Parameter, e.Value, e.Reason)
}

type Sampler struct {
	rng         *rand.Rand
	topK        int
	topP        float32
	minP        float32
	temperature float32
}

// NewSampler validates the sampling parameters and builds a sampler.
// Temperature 0 selects greedy decoding; seed -1 leaves the draw
// unseeded. Zero values for topK, topP and minP disable the respective
// filter.
func NewSampler(temperature float32, topK int, topP, minP float32, seed int) (Sampler, error) {
	if temperature < 0 {
		return Sampler{}, &InvalidSamplingConfigError{Parameter: "temperature", Value: float64(temperature), Reason: "must not be negative"}
	}
	if temperature > 2 {
		return Sampler{}, &InvalidSamplingConfigError{Parameter: "temperature", Value: float64(temperature), Reason: "must not exceed 2"}
	}
	if topK < 0 {
		return Sampler{}, &InvalidSamplingConfigError{Parameter: "top_k", Value: float64(topK), Reason: "must not be negative"}
	}
	if topP < 0 || topP >= 1 {
		return Sampler{}, &InvalidSamplingConfigError{Parameter: "top_p", Value: float64(topP), Reason: "must be in [0, 1)"}
	}
	if minP < 0 || minP >= 1 {
		return Sampler{}, &InvalidSamplingConfigError{Parameter: "min_p", Value: float64(minP), Reason: "must be in [0, 1)"}
	}

	var rng *rand.Rand
	if seed != -1 {
		// PCG requires two parameters: sequence and stream
		// Use original seed for sequence
		sequence := uint64(seed)
		// Use golden ratio hash to generate statistically independent seeds
		rng = rand.New(rand.NewPCG(sequence, sequence^0x9E3779B9))
	}

	return Sampler{
		rng:         rng,
		topK:        topK,
		topP:        topP,
		minP:        minP,
		temperature: temperature,
	}, nil
}

func (s *Sampler) Sample(logits []float32) (int32, error) {
	if len(logits) == 0 {
		return -1, errors.New("sample: no logits provided to sample")
	}

	tokens := make([]token, len(logits))
	for i := range logits {
		tokens[i].id = int32(i)
		tokens[i].value = logits[i]
	}

	t, err := s.sample(tokens)
	if err != nil {
		return -1, err
	}

	return t.id, nil
}

// greedy returns the highest probability token from the tokens
func greedy(tokens []token) token {
	max := tokens[0]
	for i := 1; i < len(tokens); i++ {
		if tokens[i].value > max.value {
			max = tokens[i]
		}
	}

	return max
}

// sample returns the highest probability token from the tokens
// given sampler parameters. It also has side effects of modifying the tokens
func (s *Sampler) sample(tokens []token) (token, error) {
	if s.temperature == 0 {
		return greedy(tokens), nil
	}

	// topK also sorts the tokens in descending order of logits
	tokens = topK(tokens, s.topK)

	// scale and normalize the tokens in place
	tokens = temperature(tokens, s.temperature)
	tokens = softmax(tokens)

	tokens = topP(tokens, s.topP)
	tokens = minP(tokens, s.minP)

	var r float32
	if s.rng != nil {
		r = s.rng.Float32()
	} else {
		r = rand.Float32()
	}

	// Calculate cumulative sum of probabilities
	var sum float32
	for i := range tokens {
		sum += tokens[i].value
		tokens[i].value = sum
	}
	r *= tokens[len(tokens)-1].value

	idx, _ := slices.BinarySearchFunc(tokens, r, func(token token, target float32) int {
		if token.value < target {
			return -1
		}
		return 1
	})

	if math.IsNaN(float64(sum)) {
		return token{}, errors.New("sample: logits sum to NaN, check model output")
	}
	return tokens[idx], nil
}
