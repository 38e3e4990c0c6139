package model

import (
	"log/slog"
	"slices"
	"sync"
)

// Special selects a class of sentinel token.
type Special int32

const (
	SpecialBOS Special = iota
	SpecialEOS
)

// Token type values stored in tokenizer configurations. Added tokens
// marked special parse as control, everything else as normal.
const (
	TokenNormal      int32 = 1
	TokenControl     int32 = 3
	TokenUserDefined int32 = 4
)

// Vocabulary maps between token strings and ids. Lookup indexes are
// built lazily on first use and shared by every session, so methods
// must stay safe for concurrent readers.
type Vocabulary struct {
	Values []string
	Types  []int32
	Merges []string

	BOS, EOS       []int32
	AddBOS, AddEOS bool

	once    sync.Once
	ids     map[string]int32
	ranks   map[string]int32
	special []string
}

func (v *Vocabulary) index() {
	v.once.Do(func() {
		v.ids = make(map[string]int32, len(v.Values))
		for i, value := range v.Values {
			v.ids[value] = int32(i)
			if v.Types[i] == TokenControl || v.Types[i] == TokenUserDefined {
				v.special = append(v.special, value)
			}
		}

		v.ranks = make(map[string]int32, len(v.Merges))
		for i, merge := range v.Merges {
			v.ranks[merge] = int32(i)
		}
	})
}

// Encode returns the id of the exact token s, or -1 when s is not in
// the vocabulary.
func (v *Vocabulary) Encode(s string) int32 {
	v.index()
	if id, ok := v.ids[s]; ok {
		return id
	}

	return -1
}

// Decode returns the token string for id. Ids outside the vocabulary
// decode to the empty string.
func (v *Vocabulary) Decode(id int32) string {
	if id < 0 || int(id) >= len(v.Values) {
		return ""
	}

	return v.Values[id]
}

// Merge returns the rank of the pair in the merge table, or -1 when
// the pair never merges.
func (v *Vocabulary) Merge(left, right string) int {
	v.index()
	if rank, ok := v.ranks[left+" "+right]; ok {
		return int(rank)
	}

	return -1
}

// SpecialVocabulary lists the tokens that bypass byte pair splitting.
func (v *Vocabulary) SpecialVocabulary() []string {
	v.index()
	return v.special
}

// Is reports whether id belongs to the given sentinel class.
func (v *Vocabulary) Is(id int32, special Special) bool {
	switch special {
	case SpecialBOS:
		return slices.Contains(v.BOS, id)
	case SpecialEOS:
		return slices.Contains(v.EOS, id)
	}

	return false
}

// addSpecials wraps ids with the sentinels the tokenizer
// configuration asks for.
func (v *Vocabulary) addSpecials(ids []int32) []int32 {
	if v.AddBOS && len(v.BOS) > 0 {
		if len(ids) > 0 && slices.Contains(v.BOS, ids[0]) {
			slog.Warn("prompt already begins with a bos token", "id", ids[0])
		}

		ids = append([]int32{v.BOS[0]}, ids...)
	}

	if v.AddEOS && len(v.EOS) > 0 {
		if len(ids) > 0 && slices.Contains(v.EOS, ids[len(ids)-1]) {
			slog.Warn("prompt already ends with an eos token", "id", ids[len(ids)-1])
		}

		ids = append(ids, v.EOS[0])
	}

	return ids
}
