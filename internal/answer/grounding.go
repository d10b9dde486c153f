package answer

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/jdkato/prose/v2"
	"go.uber.org/zap"

	"github.com/talentgraph/backend/pkg/logger"
)

// Grounding is the result of attributing every answer sentence to the chunks
// that support it. Sentences with no supporting chunk are dropped from Text
// rather than served.
type Grounding struct {
	Text            string
	SupportedChunks []int
	DroppedClaims   int
}

// DefaultMinSupport is the minimum token-overlap ratio for a sentence to count
// as supported when it carries no valid explicit citation.
const DefaultMinSupport = 0.3

var citationPattern = regexp.MustCompile(`\[(\d+)\]`)

// Ground verifies a synthesized answer against the chunks it was generated
// from. A sentence is supported if it cites a valid chunk or if its content
// tokens overlap some chunk above minSupport. Unsupported sentences are
// omitted, never rewritten.
func Ground(text string, chunks []string, minSupport float64) *Grounding {
	if minSupport <= 0 {
		minSupport = DefaultMinSupport
	}

	sentences := splitSentences(text)
	chunkTokens := make([]map[string]bool, len(chunks))
	for i, chunk := range chunks {
		chunkTokens[i] = tokenize(chunk)
	}

	var kept []string
	supportSet := make(map[int]bool)
	dropped := 0

	for _, sentence := range sentences {
		supporters := supportingChunks(sentence, chunkTokens, minSupport)
		if len(supporters) == 0 {
			dropped++
			continue
		}
		kept = append(kept, sentence)
		for _, idx := range supporters {
			supportSet[idx] = true
		}
	}

	supported := make([]int, 0, len(supportSet))
	for idx := range supportSet {
		supported = append(supported, idx)
	}
	sort.Ints(supported)

	if dropped > 0 {
		logger.Debug("Unsupported claims dropped from answer",
			zap.Int("dropped", dropped),
			zap.Int("kept", len(kept)),
		)
	}

	return &Grounding{
		Text:            strings.Join(kept, " "),
		SupportedChunks: supported,
		DroppedClaims:   dropped,
	}
}

func supportingChunks(sentence string, chunkTokens []map[string]bool, minSupport float64) []int {
	var supporters []int

	// Explicit [N] citations are 1-based per the generation prompt.
	for _, match := range citationPattern.FindAllStringSubmatch(sentence, -1) {
		n, err := strconv.Atoi(match[1])
		if err == nil && n >= 1 && n <= len(chunkTokens) {
			supporters = append(supporters, n-1)
		}
	}
	if len(supporters) > 0 {
		return supporters
	}

	tokens := tokenize(citationPattern.ReplaceAllString(sentence, ""))
	if len(tokens) == 0 {
		return nil
	}

	for i, chunk := range chunkTokens {
		overlap := 0
		for tok := range tokens {
			if chunk[tok] {
				overlap++
			}
		}
		if float64(overlap)/float64(len(tokens)) >= minSupport {
			supporters = append(supporters, i)
		}
	}

	return supporters
}

// splitSentences uses prose segmentation, falling back to naive period
// splitting when the tokenizer rejects the input.
func splitSentences(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	doc, err := prose.NewDocument(text, prose.WithExtraction(false), prose.WithTagging(false))
	if err == nil {
		var out []string
		for _, s := range doc.Sentences() {
			if t := strings.TrimSpace(s.Text); t != "" {
				out = append(out, t)
			}
		}
		if len(out) > 0 {
			return out
		}
	}

	var out []string
	for _, s := range strings.Split(text, ".") {
		if t := strings.TrimSpace(s); t != "" {
			out = append(out, t+".")
		}
	}
	return out
}

var stopwords = map[string]bool{
	"the": true, "and": true, "has": true, "have": true, "with": true,
	"for": true, "their": true, "this": true, "that": true, "who": true,
	"are": true, "was": true, "were": true, "they": true,
}

func tokenize(s string) map[string]bool {
	tokens := make(map[string]bool)
	for _, word := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9') && r != '-' && r != '+' && r != '#'
	}) {
		if len(word) < 3 || stopwords[word] {
			continue
		}
		tokens[word] = true
	}
	return tokens
}
