package retrieval

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	contextEncoding     *tiktoken.Tiktoken
	contextEncodingOnce sync.Once
)

// countTokens measures text with the cl100k_base encoding, falling back
// to a bytes/4 estimate if the encoding cannot be loaded.
func countTokens(text string) int {
	contextEncodingOnce.Do(func() {
		encoding, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			contextEncoding = encoding
		}
	})
	if contextEncoding != nil {
		return len(contextEncoding.Encode(text, nil, nil))
	}
	return len(text) / 4
}

// FormatContext renders ranked results as one context string trimmed to
// the token budget. Results are emitted in rank order until the budget
// is exhausted; a result never appears truncated mid-entry.
func FormatContext(results []Result, maxTokens int) string {
	if len(results) == 0 {
		return ""
	}
	if maxTokens <= 0 {
		maxTokens = 2000
	}

	var b strings.Builder
	b.WriteString("Relevant conversation history:\n")
	budget := maxTokens - countTokens(b.String())

	for i, result := range results {
		entry := fmt.Sprintf("\n[%d] (%s, score %.2f) %s\n",
			i+1, result.Role, result.FinalScore, strings.TrimSpace(result.Content))

		cost := countTokens(entry)
		if cost > budget {
			break
		}
		b.WriteString(entry)
		budget -= cost
	}
	return strings.TrimRight(b.String(), "\n")
}
