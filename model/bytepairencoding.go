package model

import (
	"cmp"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dlclark/regexp2"
	heap "github.com/emirpasic/gods/v2/trees/binaryheap"

	"github.com/vlama/vlama/logutil"
)

// TextProcessor converts between text and token ids.
type TextProcessor interface {
	Encode(string) ([]int32, error)
	Decode([]int32) (string, error)
	Is(int32, Special) bool
}

type BytePairEncoding struct {
	vocab   *Vocabulary
	regexps []*regexp2.Regexp
}

var _ TextProcessor = (*BytePairEncoding)(nil)

func NewBytePairEncoding(vocab *Vocabulary, pretokenizers ...string) BytePairEncoding {
	if len(pretokenizers) == 0 {
		// default byte-level pretokenizer, e.g.
		// https://github.com/huggingface/tokenizers/blob/main/tokenizers/src/pre_tokenizers/byte_level.rs#L44
		pretokenizers = []string{`'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+(?!\S)|\s+`}
	}

	regexps := make([]*regexp2.Regexp, len(pretokenizers))
	for i, p := range pretokenizers {
		regexps[i] = regexp2.MustCompile(p, regexp2.RE2)
	}

	return BytePairEncoding{vocab: vocab, regexps: regexps}
}

func (bpe BytePairEncoding) Vocabulary() *Vocabulary {
	return bpe.vocab
}

func (bpe BytePairEncoding) Is(id int32, special Special) bool {
	return bpe.vocab.Is(id, special)
}

// byteEncoder maps a raw byte onto the printable rune a byte-level
// vocabulary spells it with. Control bytes and the DEL to NBSP range
// shift into Latin Extended, soft hyphen gets its own slot.
func byteEncoder(b byte) rune {
	r := rune(b)
	switch {
	case r == 0x00ad:
		r = 0x0143
	case r <= 0x0020:
		r += 0x0100
	case r >= 0x007f && r <= 0x00a0:
		r += 0x00a2
	}

	return r
}

// byteDecoder inverts byteEncoder. The mapped NULL reports ok false
// so callers can drop it.
func byteDecoder(r rune) (byte, bool) {
	switch {
	case r == 0x0100:
		return 0, false
	case r == 0x0143:
		return 0x00ad, true
	case r > 0x0100 && r <= 0x0120:
		return byte(r - 0x0100), true
	case r > 0x0120 && r <= 0x0142:
		return byte(r - 0x00a2), true
	}

	return byte(r), true
}

// split runs the pretokenizer patterns in order, carving every part
// into its matches and the unmatched gaps between them.
func (bpe BytePairEncoding) split(s string) []string {
	parts := []string{s}
	for _, re := range bpe.regexps {
		next := make([]string, 0, len(parts))
		for _, part := range parts {
			next = append(next, splitPattern(re, part)...)
		}

		parts = next
	}

	return parts
}

func splitPattern(re *regexp2.Regexp, s string) []string {
	r := []rune(s)

	var out []string
	var offset int
	for m, _ := re.FindRunesMatch(r); m != nil; m, _ = re.FindNextMatch(m) {
		if m.Index > offset {
			out = append(out, string(r[offset:m.Index]))
		}

		out = append(out, m.String())
		offset = m.Index + m.Length
	}

	if offset < len(r) {
		out = append(out, string(r[offset:]))
	}

	return out
}

// fragment is a piece of the input, carrying ids once tokenized.
type fragment struct {
	value string
	ids   []int32
}

// splitSpecial carves every untokenized fragment around the literal
// special token so it never reaches byte pair merging.
func splitSpecial(fragments []fragment, special string, id int32) []fragment {
	out := make([]fragment, 0, len(fragments))
	for _, frag := range fragments {
		if len(frag.ids) > 0 {
			out = append(out, frag)
			continue
		}

		rest := frag.value
		for {
			i := strings.Index(rest, special)
			if i < 0 {
				if rest != "" {
					out = append(out, fragment{value: rest})
				}
				break
			}

			if i > 0 {
				out = append(out, fragment{value: rest[:i]})
			}

			out = append(out, fragment{value: special, ids: []int32{id}})
			rest = rest[i+len(special):]
		}
	}

	return out
}

func (bpe BytePairEncoding) Encode(s string) ([]int32, error) {
	fragments := []fragment{{value: s}}
	for _, special := range bpe.vocab.SpecialVocabulary() {
		fragments = splitSpecial(fragments, special, bpe.vocab.Encode(special))
	}

	var ids []int32
	for _, frag := range fragments {
		if len(frag.ids) > 0 {
			ids = append(ids, frag.ids...)
			continue
		}

		for _, part := range bpe.split(frag.value) {
			ids = append(ids, bpe.encodePart(part)...)
		}
	}

	ids = bpe.vocab.addSpecials(ids)

	logutil.Trace("encoded", "string", s, "ids", ids)
	return ids, nil
}

// node is one entry in the doubly linked list of active symbols.
// Merging folds the right symbol into the left and leaves an empty
// tombstone behind.
type node struct {
	prev, next int
	runes      []rune
}

// pair is a mergeable neighbor pair and its rank in the merge table.
type pair struct {
	left, right int
	rank        int
	value       string
}

// encodePart byte encodes one pretokenized piece and merges neighbor
// pairs lowest rank first until no pair is in the merge table.
func (bpe BytePairEncoding) encodePart(part string) []int32 {
	var sb strings.Builder
	for _, b := range []byte(part) {
		sb.WriteRune(byteEncoder(b))
	}

	// the whole piece may already be a token
	if id := bpe.vocab.Encode(sb.String()); id >= 0 {
		return []int32{id}
	}

	runes := []rune(sb.String())
	nodes := make([]node, len(runes))
	for i := range runes {
		nodes[i] = node{prev: i - 1, next: i + 1, runes: []rune{runes[i]}}
	}

	candidate := func(left, right int) *pair {
		if left < 0 || right >= len(nodes) {
			return nil
		}

		a, b := string(nodes[left].runes), string(nodes[right].runes)
		rank := bpe.vocab.Merge(a, b)
		if rank < 0 {
			return nil
		}

		return &pair{left: left, right: right, rank: rank, value: a + b}
	}

	pairs := heap.NewWith(func(i, j *pair) int {
		return cmp.Compare(i.rank, j.rank)
	})
	for i := range len(nodes) - 1 {
		if p := candidate(i, i+1); p != nil {
			pairs.Push(p)
		}
	}

	for !pairs.Empty() {
		top, _ := pairs.Pop()

		// merged nodes leave stale entries behind in the heap
		left, right := nodes[top.left], nodes[top.right]
		if len(left.runes) == 0 || len(right.runes) == 0 ||
			string(left.runes)+string(right.runes) != top.value {
			continue
		}

		if id := bpe.vocab.Encode(top.value); id < 0 {
			continue
		}

		nodes[top.left].runes = append(left.runes, right.runes...)
		nodes[top.right].runes = nil
		nodes[top.left].next = right.next
		if right.next < len(nodes) {
			nodes[right.next].prev = top.left
		}

		if p := candidate(nodes[top.left].prev, top.left); p != nil {
			pairs.Push(p)
		}
		if p := candidate(top.left, nodes[top.left].next); p != nil {
			pairs.Push(p)
		}
	}

	var ids []int32
	for _, n := range nodes {
		if len(n.runes) > 0 {
			if id := bpe.vocab.Encode(string(n.runes)); id >= 0 {
				ids = append(ids, id)
			}
		}
	}

	return ids
}

type lazyIdsString struct {
	ids []int32
}

func (l lazyIdsString) LogValue() slog.Value {
	return slog.AnyValue(fmt.Sprint(l.ids))
}

func (bpe BytePairEncoding) Decode(ids []int32) (string, error) {
	var sb strings.Builder
	for _, id := range ids {
		if id < 0 || int(id) >= len(bpe.vocab.Values) {
			return "", fmt.Errorf("token id %d out of vocabulary range %d", id, len(bpe.vocab.Values))
		}

		for _, r := range bpe.vocab.Decode(id) {
			b, ok := byteDecoder(r)
			if !ok {
				continue
			}

			// tokens spell raw bytes, so writing the utf8 encoding of
			// the rune would mangle anything past ascii
			sb.WriteByte(b)
		}
	}

	logutil.Trace("decoded", "string", sb.String(), "from", lazyIdsString{ids: ids})
	return sb.String(), nil
}
