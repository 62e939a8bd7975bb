package chunker

import (
	"regexp"
	"strings"

	"ragserver/internal/textsplitters"
)

// wordTokenizer estimates tokens as words and standalone punctuation marks,
// a closer approximation to a BPE tokenizer's token count than raw
// whitespace splitting (a single "don't." is 2 tokens, "don't" and ".",
// not one). No
// ecosystem BPE tokenizer compatible with every pluggable chat/embedding
// model appears anywhere in the retrieval pack, so this heuristic is the
// grounded, stdlib-only stand-in named in DESIGN.md; it satisfies
// textsplitters.Tokenizer so every splitter strategy can measure chunk size
// in "tokens" per the chunker's contract.
type wordTokenizer struct{}

var tokenRe = regexp.MustCompile(`[A-Za-z0-9]+(?:'[A-Za-z]+)?|[^\sA-Za-z0-9]`)

func (wordTokenizer) Tokenize(text string) []string {
	return tokenRe.FindAllString(text, -1)
}

func (wordTokenizer) Detokenize(tokens []string) string {
	var sb strings.Builder
	for i, t := range tokens {
		if i > 0 {
			if len(t) == 1 && strings.ContainsAny(t, ".,!?;:)]}") {
				// fallthrough: no space before closing punctuation
			} else {
				sb.WriteByte(' ')
			}
		}
		sb.WriteString(t)
	}
	return sb.String()
}

var sharedTokenizer textsplitters.Tokenizer = wordTokenizer{}

// CountTokens returns the chunker's token-count estimate for text, the same
// measure every splitter strategy enforces chunk_size against.
func CountTokens(text string) int {
	return len(sharedTokenizer.Tokenize(text))
}
