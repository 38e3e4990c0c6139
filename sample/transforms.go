package sample

import (
	"cmp"
	"container/heap"
	"math"
	"slices"
)

// tokenHeap keeps the k largest tokens seen so far as a min-heap, so the
// smallest of the kept tokens is always at the root.
type tokenHeap []token

func (h tokenHeap) Len() int           { return len(h) }
func (h tokenHeap) Less(i, j int) bool { return h[i].value < h[j].value }
func (h tokenHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *tokenHeap) Push(x any) {
	*h = append(*h, x.(token))
}

func (h *tokenHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// temperature scales the logits in place
func temperature(ts []token, temp float32) []token {
	// clamp to avoid division by zero
	temp = max(temp, 1e-7)
	for i := range ts {
		ts[i].value /= temp
	}

	return ts
}

// softmax normalizes the logits into probabilities in place
func softmax(ts []token) []token {
	// subtracting max logit to avoid under/overflow
	maxLogit := float32(math.Inf(-1))
	for _, t := range ts {
		if t.value > maxLogit {
			maxLogit = t.value
		}
	}

	var sum float32
	for i := range ts {
		ts[i].value = float32(math.Exp(float64(ts[i].value - maxLogit)))
		sum += ts[i].value
	}

	for i := range ts {
		ts[i].value /= sum
	}

	return ts
}

// topK limits the tokens considered to the k highest logits. The returned
// tokens are sorted in descending order of logits. k <= 0 keeps all tokens.
func topK(ts []token, k int) []token {
	if k <= 0 || k >= len(ts) {
		slices.SortFunc(ts, func(a, b token) int {
			return cmp.Compare(b.value, a.value)
		})
		return ts
	}

	h := make(tokenHeap, k)
	copy(h, ts[:k])
	heap.Init(&h)

	for i := k; i < len(ts); i++ {
		if ts[i].value > h[0].value {
			h[0] = ts[i]
			heap.Fix(&h, 0)
		}
	}

	// The heap pops its smallest token first, so fill the result back to front
	result := make([]token, len(h))
	for i := k - 1; i >= 0; i-- {
		result[i] = heap.Pop(&h).(token)
	}

	return result
}

// topP limits tokens to the smallest prefix whose cumulative probability
// exceeds p. Tokens must already be sorted in descending order of
// probability. p <= 0 or p >= 1 keeps all tokens.
func topP(ts []token, p float32) []token {
	if p <= 0 || p >= 1 {
		return ts
	}

	var sum float32
	for i, t := range ts {
		sum += t.value
		if sum > p {
			return ts[:i+1]
		}
	}

	return ts
}

// minP discards tokens whose probability falls below p times the largest
// probability. p <= 0 keeps all tokens.
func minP(ts []token, p float32) []token {
	if len(ts) == 0 || p <= 0 {
		return ts
	}

	maxProb := float32(math.Inf(-1))
	for _, t := range ts {
		if t.value > maxProb {
			maxProb = t.value
		}
	}

	threshold := maxProb * p

	valid := ts[:0]
	for i, t := range ts {
		if t.value >= threshold {
			valid = append(valid, ts[i])
		}
	}

	return valid
}
