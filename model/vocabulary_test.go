package model

import (
	"slices"
	"testing"
)

func TestVocabulary_SpecialVocabulary(t *testing.T) {
	vocab := &Vocabulary{
		Values: []string{"<|startoftext|>", "<|endoftext|>", "<|tool_call_start|>", "<|tool_call_end|>", "hi"},
		Types:  []int32{TokenControl, TokenControl, TokenUserDefined, TokenUserDefined, TokenNormal},
	}

	specialVocab := vocab.SpecialVocabulary()

	if len(specialVocab) != 4 {
		t.Errorf("expected 4 special tokens, got %d", len(specialVocab))
	}
}

func TestVocabulary_AddSpecials(t *testing.T) {
	cases := []struct {
		name           string
		addBOS, addEOS bool
		ids            []int32
		want           []int32
	}{
		{"neither", false, false, []int32{5, 6}, []int32{5, 6}},
		{"bos", true, false, []int32{5, 6}, []int32{0, 5, 6}},
		{"eos", false, true, []int32{5, 6}, []int32{5, 6, 1}},
		{"both", true, true, []int32{5, 6}, []int32{0, 5, 6, 1}},
		{"empty", true, true, nil, []int32{0, 1}},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			vocab := &Vocabulary{
				BOS:    []int32{0},
				EOS:    []int32{1},
				AddBOS: tt.addBOS,
				AddEOS: tt.addEOS,
			}

			if got := vocab.addSpecials(tt.ids); !slices.Equal(got, tt.want) {
				t.Errorf("addSpecials(%v) = %v; want %v", tt.ids, got, tt.want)
			}
		})
	}
}

func TestVocabulary_Merge(t *testing.T) {
	vocab := &Vocabulary{
		Merges: []string{"t o", "to d"},
	}

	if rank := vocab.Merge("t", "o"); rank != 0 {
		t.Errorf("Merge(t, o) = %d; want 0", rank)
	}
	if rank := vocab.Merge("to", "d"); rank != 1 {
		t.Errorf("Merge(to, d) = %d; want 1", rank)
	}
	if rank := vocab.Merge("d", "t"); rank != -1 {
		t.Errorf("Merge(d, t) = %d; want -1", rank)
	}
}
