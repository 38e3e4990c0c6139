package sample

import (
	"math"
	"math/rand/v2"
	"slices"
	"testing"
)

func tokensFrom(values ...float32) []token {
	ts := make([]token, len(values))
	for i, v := range values {
		ts[i] = token{id: int32(i), value: v}
	}

	return ts
}

func ids(ts []token) []int32 {
	out := make([]int32, len(ts))
	for i, t := range ts {
		out[i] = t.id
	}

	return out
}

func wantValues(t *testing.T, got []token, want ...float32) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d tokens, want %d", len(got), len(want))
	}

	for i := range want {
		if math.Abs(float64(got[i].value-want[i])) > 1e-6 {
			t.Errorf("token %d: value %f, want %f", i, got[i].value, want[i])
		}
	}
}

func TestTemperature(t *testing.T) {
	wantValues(t, temperature(tokensFrom(1, 4, -2, 0), 0.5), 2, 8, -4, 0)
	wantValues(t, temperature(tokensFrom(1, 4, -2, 0), 1), 1, 4, -2, 0)

	// zero clamps rather than dividing by zero
	wantValues(t, temperature(tokensFrom(1, 4, -2, 0), 0), 1e7, 4e7, -2e7, 0)
}

func TestSoftmax(t *testing.T) {
	wantValues(t, softmax(tokensFrom(1, -2, 3, 0)), 0.113550, 0.005653, 0.839024, 0.041773)

	cases := map[string][]float32{
		"single":    {1},
		"identical": {0.9, 0.9, 0.9},
		"large":     {1000, 2000, 3000},
		"tiny":      {1e-6, 2e-6, 3e-6},
		"negative":  {-1, -2, -3},
		"spread":    {-100, 0, 100},
	}

	for name, logits := range cases {
		t.Run(name, func(t *testing.T) {
			var sum float32
			for _, tok := range softmax(tokensFrom(logits...)) {
				if tok.value < 0 || tok.value > 1 {
					t.Errorf("probability %f outside [0, 1]", tok.value)
				}
				sum += tok.value
			}

			if math.Abs(float64(sum-1)) > 1e-6 {
				t.Errorf("probabilities sum to %f, want 1", sum)
			}
		})
	}
}

func TestTopK(t *testing.T) {
	logits := []float32{0.02, 0.14, 0.07, 0.41, 0.33, 0.25}

	got := topK(tokensFrom(logits...), 3)
	wantValues(t, got, 0.41, 0.33, 0.25)
	if want := []int32{3, 4, 5}; !slices.Equal(ids(got), want) {
		t.Errorf("topK(3) kept %v, want %v", ids(got), want)
	}

	// k at or past the vocabulary keeps everything, sorted
	for _, k := range []int{10, 6, 0, -1} {
		wantValues(t, topK(tokensFrom(logits...), k), 0.41, 0.33, 0.25, 0.14, 0.07, 0.02)
	}

	// ties survive the heap path
	wantValues(t, topK(tokensFrom(0.5, 0.5, 0.1, 0.5), 3), 0.5, 0.5, 0.5)
}

func TestTopP(t *testing.T) {
	tokens := topK(softmax(tokensFrom(-3, -2, -1, 0, 1, 2, 4)), -1)

	// cumulative probability crosses 0.95 on the third token
	got := topP(tokens, 0.95)
	if want := []int32{6, 5, 4}; !slices.Equal(ids(got), want) {
		t.Errorf("topP(0.95) kept %v, want %v", ids(got), want)
	}

	// out of range thresholds keep everything
	for _, p := range []float32{0, 1} {
		if got := topP(tokens, p); len(got) != len(tokens) {
			t.Errorf("topP(%f) kept %d tokens, want %d", p, len(got), len(tokens))
		}
	}
}

func TestMinP(t *testing.T) {
	tokens := softmax(tokensFrom(-3, -2, -1, 0, 1, 2, 4, 3))

	// input order survives, only the threshold filters
	got := minP(tokens, 0.2)
	if want := []int32{6, 7}; !slices.Equal(ids(got), want) {
		t.Errorf("minP(0.2) kept %v, want %v", ids(got), want)
	}

	if got := minP(softmax(tokensFrom(1, 2, 3)), 0); len(got) != 3 {
		t.Errorf("minP(0) kept %d tokens, want 3", len(got))
	}
}

func BenchmarkTransforms(b *testing.B) {
	tokens := make([]token, 1<<16)
	for i := range tokens {
		tokens[i] = token{id: int32(i), value: rand.Float32()}
	}

	scratch := make([]token, len(tokens))

	benches := []struct {
		name string
		fn   func([]token) []token
	}{
		{"temperature", func(ts []token) []token { return temperature(ts, 0.5) }},
		{"softmax", softmax},
		{"topK", func(ts []token) []token { return topK(ts, 10) }},
		{"topKAll", func(ts []token) []token { return topK(ts, -1) }},
		{"topP", func(ts []token) []token { return topP(ts, 0.9) }},
		{"minP", func(ts []token) []token { return minP(ts, 0.2) }},
	}

	for _, bb := range benches {
		b.Run(bb.name, func(b *testing.B) {
			for b.Loop() {
				copy(scratch, tokens)
				bb.fn(scratch)
			}
		})
	}
}
