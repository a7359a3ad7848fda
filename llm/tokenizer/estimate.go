// Package tokenizer estimates token usage for backends whose provider
// response omits a usage block. It is intentionally narrow: a single
// EstimateUsage entry point rather than the teacher's full pluggable
// Tokenizer interface/registry, since the RLM backends only ever need a
// best-effort ModelUsageSummary, never encode/decode round trips.
package tokenizer

import (
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"github.com/rlmrun/rlm/types"
)

// modelEncoding maps a model name (or prefix) to its tiktoken encoding.
// Unknown models fall back to the character-count estimator below.
var modelEncoding = map[string]string{
	"gpt-4o":        "o200k_base",
	"gpt-4o-mini":   "o200k_base",
	"gpt-4-turbo":   "cl100k_base",
	"gpt-4":         "cl100k_base",
	"gpt-3.5-turbo": "cl100k_base",
	"claude":        "cl100k_base", // closest published approximation; Anthropic ships no public BPE
}

var (
	encodersMu sync.Mutex
	encoders   = map[string]*tiktoken.Tiktoken{}
)

func encodingFor(model string) string {
	if enc, ok := modelEncoding[model]; ok {
		return enc
	}
	for prefix, enc := range modelEncoding {
		if strings.HasPrefix(model, prefix) {
			return enc
		}
	}
	return ""
}

func encoderFor(encoding string) *tiktoken.Tiktoken {
	encodersMu.Lock()
	defer encodersMu.Unlock()
	if enc, ok := encoders[encoding]; ok {
		return enc
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		encoders[encoding] = nil
		return nil
	}
	encoders[encoding] = enc
	return enc
}

// countTokens returns a token count for text under model's tokenizer,
// preferring a real tiktoken-go encoding and falling back to the CJK/ASCII
// character heuristic when the model's BPE isn't known or fails to load.
func countTokens(model, text string) int {
	if text == "" {
		return 0
	}
	if encoding := encodingFor(model); encoding != "" {
		if enc := encoderFor(encoding); enc != nil {
			return len(enc.Encode(text, nil, nil))
		}
	}
	return estimateByChars(text)
}

// estimateByChars approximates token count from rune composition: CJK
// characters run roughly 1.5 chars/token, everything else roughly 4.
func estimateByChars(text string) int {
	total := utf8.RuneCountInString(text)
	cjk := 0
	for _, r := range text {
		if isCJK(r) {
			cjk++
		}
	}
	estimated := int(float64(cjk)/1.5 + float64(total-cjk)/4.0)
	if estimated == 0 {
		estimated = 1
	}
	return estimated
}

func isCJK(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) ||
		(r >= 0x3400 && r <= 0x4DBF) ||
		(r >= 0x20000 && r <= 0x2A6DF) ||
		(r >= 0xF900 && r <= 0xFAFF) ||
		(r >= 0x3000 && r <= 0x303F) ||
		(r >= 0xFF00 && r <= 0xFFEF)
}

// EstimateUsage produces a best-effort ModelUsageSummary for a single
// completion call whose provider response carried no usage block. promptText
// is the flattened request (system + messages); responseText is the model's
// reply text.
func EstimateUsage(model, promptText, responseText string) types.ModelUsageSummary {
	return types.ModelUsageSummary{
		Calls:        1,
		InputTokens:  countTokens(model, promptText),
		OutputTokens: countTokens(model, responseText),
	}
}
