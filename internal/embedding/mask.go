package embedding

import (
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog/log"
)

// Placeholder replaces every templated variable before embedding.
const Placeholder = "{{VAR}}"

// Input limits for the embedding model.
const (
	MaxInputTokens = 8191
	MaxInputRunes  = 8000
)

// variablePattern matches {{name}}, ${name}, {name}, <<name>> and [[name]].
// Alternation is leftmost-first, so "{{name}}" is consumed whole before the
// single-brace form is tried.
var variablePattern = regexp.MustCompile(`\{\{[^{}]*\}\}|\$\{[^{}]*\}|\{[^{}\n]*\}|<<[^<>\n]*>>|\[\[[^\[\]\n]*\]\]`)

var whitespace = regexp.MustCompile(`\s+`)

// Mask replaces bracketed or templated variable-like substrings with
// Placeholder, so prompts that differ only in variable values embed alike.
// Mask is idempotent.
func Mask(text string) string {
	return variablePattern.ReplaceAllString(text, Placeholder)
}

// Preprocess normalizes whitespace and truncates text to the model input limit.
func Preprocess(text string) string {
	text = strings.TrimSpace(whitespace.ReplaceAllString(text, " "))
	return truncateInput(text)
}

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

func cl100k() *tiktoken.Tiktoken {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			log.Warn().Err(err).Msg("embedding: tokenizer unavailable, truncating by characters")
			return
		}
		encoding = enc
	})
	return encoding
}

// truncateInput keeps text within MaxInputTokens. Short inputs cannot exceed the
// token limit and skip tokenization entirely.
func truncateInput(text string) string {
	if utf8.RuneCountInString(text) <= MaxInputRunes {
		return text
	}
	if enc := cl100k(); enc != nil {
		tokens := enc.Encode(text, nil, nil)
		if len(tokens) <= MaxInputTokens {
			return text
		}
		return enc.Decode(tokens[:MaxInputTokens])
	}
	runes := []rune(text)
	return string(runes[:MaxInputRunes])
}
