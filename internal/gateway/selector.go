package gateway

import (
	"strings"
	"unicode/utf8"

	"github.com/nulpointcorp/inference-gateway/internal/catalog"
)

// complexityKeywords are the technical terms whose presence pushes a prompt
// toward a more capable model. Matching is a case-insensitive substring test;
// each keyword counts once per message content it appears in.
var complexityKeywords = []string{
	"function", "class", "import", "def", "api", "database", "algorithm",
}

// Token-count and complexity thresholds for the selection decision table.
const (
	topTierTokens = 4000
	topTierScore  = 2
	midTierTokens = 2000
)

// estimateTokens approximates the prompt size as total content characters
// divided by 4 (integer division). Characters are Unicode code points, not
// bytes, so multi-byte text does not inflate the estimate. Shared by the
// validator's budget check and the selector.
func estimateTokens(msgs []Message) int {
	total := 0
	for _, m := range msgs {
		total += utf8.RuneCountInString(m.Content)
	}
	return total / 4
}

// complexityScore counts technical keyword occurrences across all message
// contents. Within one content string a keyword counts at most once; the same
// keyword in two messages counts twice.
func complexityScore(msgs []Message) int {
	score := 0
	for _, m := range msgs {
		content := strings.ToLower(m.Content)
		for _, kw := range complexityKeywords {
			if strings.Contains(content, kw) {
				score++
			}
		}
	}
	return score
}

// SelectModel resolves the requested model to a concrete catalog id.
//
// A concrete request passes through unchanged (the validator has already
// confirmed it exists). For "auto", the decision table runs top to bottom and
// the first matching row wins:
//
//	tokens > 4000 OR score > 2 → top tier     (long/complex prompts)
//	tokens > 2000 OR score > 0 → mid tier     (capability/cost balance)
//	otherwise                  → economy tier (short, simple prompts)
//
// Pure function: no I/O, no randomness. Backend URL resolution is a separate
// lookup done at dispatch time.
func SelectModel(requested string, msgs []Message, cat *catalog.Catalog) string {
	if requested != "" && requested != ModelAuto {
		return requested
	}

	tokens := estimateTokens(msgs)
	score := complexityScore(msgs)

	switch {
	case tokens > topTierTokens || score > topTierScore:
		return cat.TopTier().ID
	case tokens > midTierTokens || score > 0:
		return cat.MidTier().ID
	default:
		return cat.Economy().ID
	}
}
