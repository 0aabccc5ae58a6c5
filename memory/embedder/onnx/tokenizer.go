package onnx

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Tokenizer is a WordPiece tokenizer loaded from a tokenizer.json
// vocabulary. It implements the subset of tokenization the embedding
// models here need: lowercasing, punctuation stripping, longest-prefix
// subword matching and [CLS]/[SEP] framing.
type Tokenizer struct {
	vocab map[string]int
	cls   int64
	sep   int64
	unk   int64
}

// Fallback ids used when the vocabulary does not name its special
// tokens; these are the conventional BERT positions.
const (
	fallbackUnk = 100
	fallbackCls = 101
	fallbackSep = 102
)

// LoadTokenizer reads a tokenizer.json file.
func LoadTokenizer(path string) (*Tokenizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tokenizer: %w", err)
	}

	var parsed struct {
		Model struct {
			Vocab map[string]int `json:"vocab"`
		} `json:"model"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parse tokenizer: %w", err)
	}
	if len(parsed.Model.Vocab) == 0 {
		return nil, fmt.Errorf("tokenizer at %s has an empty vocabulary", path)
	}

	t := &Tokenizer{
		vocab: parsed.Model.Vocab,
		unk:   fallbackUnk,
		cls:   fallbackCls,
		sep:   fallbackSep,
	}
	if id, ok := parsed.Model.Vocab["[UNK]"]; ok {
		t.unk = int64(id)
	}
	if id, ok := parsed.Model.Vocab["[CLS]"]; ok {
		t.cls = int64(id)
	}
	if id, ok := parsed.Model.Vocab["[SEP]"]; ok {
		t.sep = int64(id)
	}
	return t, nil
}

// Encode tokenizes text into fixed-length input ids and an attention
// mask, framed with [CLS]/[SEP] and truncated to maxLen.
func (t *Tokenizer) Encode(text string, maxLen int) (inputIDs, attentionMask []int64) {
	tokens := t.tokenize(text)
	if len(tokens) > maxLen-2 {
		tokens = tokens[:maxLen-2]
	}

	inputIDs = make([]int64, maxLen)
	attentionMask = make([]int64, maxLen)

	inputIDs[0] = t.cls
	attentionMask[0] = 1
	for i, tok := range tokens {
		inputIDs[i+1] = tok
		attentionMask[i+1] = 1
	}
	inputIDs[len(tokens)+1] = t.sep
	attentionMask[len(tokens)+1] = 1
	return inputIDs, attentionMask
}

func (t *Tokenizer) tokenize(text string) []int64 {
	var tokens []int64
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, ".,!?;:\"'()[]")
		if word == "" {
			continue
		}
		if id, ok := t.vocab[word]; ok {
			tokens = append(tokens, int64(id))
			continue
		}
		tokens = append(tokens, t.wordPiece(word)...)
	}
	return tokens
}

// wordPiece splits an out-of-vocabulary word into the longest matching
// subwords, using the "##" continuation convention.
func (t *Tokenizer) wordPiece(word string) []int64 {
	var pieces []int64
	start := 0
	for start < len(word) {
		end := len(word)
		matched := false
		for end > start {
			sub := word[start:end]
			if start > 0 {
				sub = "##" + sub
			}
			if id, ok := t.vocab[sub]; ok {
				pieces = append(pieces, int64(id))
				start = end
				matched = true
				break
			}
			end--
		}
		if !matched {
			pieces = append(pieces, t.unk)
			start++
		}
	}
	return pieces
}
