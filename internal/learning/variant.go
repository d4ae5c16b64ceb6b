package learning

import (
	"regexp"
	"strings"
)

// variantPlaceholder is returned for empty input so callers comparing two
// candidates never see a degenerate empty string.
const variantPlaceholder = "(no text)"

// contractionPairs is the ordered expansion table. Longer forms come first so
// e.g. "can't've" style chains never leave a dangling suffix.
var contractionPairs = []struct{ from, to string }{
	{"won't", "will not"},
	{"can't", "cannot"},
	{"shan't", "shall not"},
	{"n't", " not"},
	{"'ll", " will"},
	{"'re", " are"},
	{"'ve", " have"},
	{"'d", " would"},
	{"I'm", "I am"},
	{"i'm", "i am"},
	{"it's", "it is"},
	{"It's", "It is"},
	{"let's", "let us"},
	{"Let's", "Let us"},
}

// fillerWords are stripped as whole words, case-insensitively, in order.
var fillerWords = []string{
	"um", "uh", "erm", "like", "you know", "basically", "actually", "literally",
}

var (
	fillerPatterns = compileFillerPatterns()
	multiSpace     = regexp.MustCompile(`\s{2,}`)
)

func compileFillerPatterns() []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(fillerWords))
	for _, w := range fillerWords {
		// Whole-word match with optional trailing comma.
		out = append(out, regexp.MustCompile(`(?i)\b`+regexp.QuoteMeta(w)+`\b,?`))
	}
	return out
}

// GenerateVariant produces a second candidate text from base. It is pure and
// deterministic, and its result always differs from base.
//
// Three rules are tried in order: expand contractions, strip filler words,
// and finally append a marker suffix so even a no-op input yields a distinct
// string.
func GenerateVariant(base string) string {
	if strings.TrimSpace(base) == "" {
		return variantPlaceholder
	}

	if expanded := expandContractions(base); expanded != base {
		return expanded
	}

	if stripped := stripFillers(base); stripped != base && stripped != "" {
		return stripped
	}

	return base + " (refined)"
}

func expandContractions(text string) string {
	out := text
	for _, pair := range contractionPairs {
		out = strings.ReplaceAll(out, pair.from, pair.to)
	}
	return out
}

func stripFillers(text string) string {
	out := text
	for _, re := range fillerPatterns {
		out = re.ReplaceAllString(out, "")
	}
	out = multiSpace.ReplaceAllString(out, " ")
	return strings.TrimSpace(out)
}
