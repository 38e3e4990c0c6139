package fs

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Config holds a model's configuration as a flat key space. Nested objects
// from config.json are addressed by dotted path, e.g.
// "text_config.hidden_size". Tokenizer data parsed from tokenizer.json is
// exposed under the "tokenizer." prefix.
type Config struct {
	values map[string]any
}

// Load reads config.json, tokenizer.json and, when present,
// generation_config.json from a model directory.
func Load(dir string) (*Config, error) {
	c := &Config{values: make(map[string]any)}

	config, err := readJSON(filepath.Join(dir, "config.json"))
	if err != nil {
		return nil, fmt.Errorf("load model config: %w", err)
	}
	c.flatten("", config)

	if err := c.loadTokenizer(filepath.Join(dir, "tokenizer.json")); err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}

	// generation defaults override config.json where both name a key
	generation, err := readJSON(filepath.Join(dir, "generation_config.json"))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load generation config: %w", err)
	}
	c.flatten("", generation)

	return c, nil
}

func readJSON(path string) (map[string]any, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var values map[string]any
	if err := json.NewDecoder(f).Decode(&values); err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}

	return values, nil
}

func (c *Config) flatten(prefix string, values map[string]any) {
	for key, value := range values {
		if prefix != "" {
			key = prefix + "." + key
		}

		switch value := value.(type) {
		case map[string]any:
			c.flatten(key, value)
		default:
			c.values[key] = value
		}
	}
}

type tokenizer struct {
	AddedTokens []struct {
		ID      int32  `json:"id"`
		Content string `json:"content"`
		Special bool   `json:"special"`
	} `json:"added_tokens"`
	PreTokenizer json.RawMessage `json:"pre_tokenizer"`
	Model        struct {
		Type   string           `json:"type"`
		Vocab  map[string]int32 `json:"vocab"`
		Merges json.RawMessage  `json:"merges"`
	} `json:"model"`
}

const (
	TokenTypeNormal  = int32(1)
	TokenTypeControl = int32(3)
)

func (c *Config) loadTokenizer(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var t tokenizer
	if err := json.NewDecoder(f).Decode(&t); err != nil {
		return fmt.Errorf("%s: %w", filepath.Base(path), err)
	}

	maxID := int32(-1)
	for _, id := range t.Model.Vocab {
		maxID = max(maxID, id)
	}
	for _, added := range t.AddedTokens {
		maxID = max(maxID, added.ID)
	}

	tokens := make([]string, maxID+1)
	types := make([]int32, maxID+1)
	for token, id := range t.Model.Vocab {
		tokens[id] = token
		types[id] = TokenTypeNormal
	}
	for _, added := range t.AddedTokens {
		tokens[added.ID] = added.Content
		types[added.ID] = TokenTypeNormal
		if added.Special {
			types[added.ID] = TokenTypeControl
		}
	}

	merges, err := parseMerges(t.Model.Merges)
	if err != nil {
		return err
	}

	c.values["tokenizer.model"] = t.Model.Type
	c.values["tokenizer.tokens"] = tokens
	c.values["tokenizer.token_type"] = types
	c.values["tokenizer.merges"] = merges
	c.values["tokenizer.pretokenizers"] = parsePretokenizers(t.PreTokenizer)

	return nil
}

// parseMerges accepts both historical merge encodings: a list of
// space separated pair strings and a list of two element lists.
func parseMerges(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var strs []string
	if err := json.Unmarshal(raw, &strs); err == nil {
		return strs, nil
	}

	var pairs [][]string
	if err := json.Unmarshal(raw, &pairs); err != nil {
		return nil, fmt.Errorf("unknown merge encoding: %w", err)
	}

	merges := make([]string, len(pairs))
	for i, pair := range pairs {
		if len(pair) != 2 {
			return nil, fmt.Errorf("invalid merge pair: %q", pair)
		}
		merges[i] = pair[0] + " " + pair[1]
	}

	return merges, nil
}

// parsePretokenizers collects the split regexes from a pre_tokenizer
// definition, which is either a single pretokenizer object or a Sequence
// of them. Non-regex pretokenizers such as ByteLevel contribute nothing;
// the tokenizer falls back to its default pattern when none are found.
func parsePretokenizers(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}

	var p struct {
		Type          string            `json:"type"`
		Pretokenizers []json.RawMessage `json:"pretokenizers"`
		Pattern       struct {
			Regex string `json:"Regex"`
		} `json:"pattern"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil
	}

	var regexes []string
	if p.Pattern.Regex != "" {
		regexes = append(regexes, p.Pattern.Regex)
	}

	for _, sub := range p.Pretokenizers {
		regexes = append(regexes, parsePretokenizers(sub)...)
	}

	return regexes
}

func (c *Config) Architecture() string {
	return c.String("model_type", "unknown")
}

func (c *Config) Has(name string) bool {
	_, ok := c.values[name]
	return ok
}

func (c *Config) String(name string, defaultValue ...string) string {
	if v, ok := c.values[name].(string); ok {
		return v
	}
	if len(defaultValue) > 0 {
		return defaultValue[0]
	}
	return ""
}

func (c *Config) Uint(name string, defaultValue ...uint32) uint32 {
	if v, ok := c.number(name); ok {
		return uint32(v)
	}
	if len(defaultValue) > 0 {
		return defaultValue[0]
	}
	return 0
}

func (c *Config) Float(name string, defaultValue ...float32) float32 {
	if v, ok := c.number(name); ok {
		return float32(v)
	}
	if len(defaultValue) > 0 {
		return defaultValue[0]
	}
	return 0
}

func (c *Config) Bool(name string, defaultValue ...bool) bool {
	if v, ok := c.values[name].(bool); ok {
		return v
	}
	if len(defaultValue) > 0 {
		return defaultValue[0]
	}
	return false
}

func (c *Config) number(name string) (float64, bool) {
	switch v := c.values[name].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case uint32:
		return float64(v), true
	default:
		return 0, false
	}
}

func (c *Config) Strings(name string, defaultValue ...[]string) []string {
	switch v := c.values[name].(type) {
	case []string:
		return v
	case []any:
		strs := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				strs = append(strs, s)
			}
		}
		if len(strs) == len(v) {
			return strs
		}
	}
	if len(defaultValue) > 0 {
		return defaultValue[0]
	}
	return nil
}

func (c *Config) Ints(name string, defaultValue ...[]int32) []int32 {
	switch v := c.values[name].(type) {
	case []int32:
		return v
	case float64:
		// a scalar where a list is allowed, e.g. a single eos id
		return []int32{int32(v)}
	case []any:
		ints := make([]int32, 0, len(v))
		for _, e := range v {
			if f, ok := e.(float64); ok {
				ints = append(ints, int32(f))
			}
		}
		if len(ints) == len(v) {
			return ints
		}
	}
	if len(defaultValue) > 0 {
		return defaultValue[0]
	}
	return nil
}

func (c *Config) Floats(name string, defaultValue ...[]float32) []float32 {
	switch v := c.values[name].(type) {
	case []float32:
		return v
	case []any:
		floats := make([]float32, 0, len(v))
		for _, e := range v {
			if f, ok := e.(float64); ok {
				floats = append(floats, float32(f))
			}
		}
		if len(floats) == len(v) {
			return floats
		}
	}
	if len(defaultValue) > 0 {
		return defaultValue[0]
	}
	return nil
}
