package orchestrator

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var encoders = struct {
	mu    sync.Mutex
	byKey map[string]*tiktoken.Tiktoken
}{byKey: make(map[string]*tiktoken.Tiktoken)}

// encoderFor resolves and caches one encoder per model name. A nil entry
// is cached too, so a model whose encoding cannot be loaded is not retried
// on every hop.
func encoderFor(model string) *tiktoken.Tiktoken {
	encoders.mu.Lock()
	defer encoders.mu.Unlock()

	if enc, ok := encoders.byKey[model]; ok {
		return enc
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			enc = nil
		}
	}
	encoders.byKey[model] = enc
	return enc
}

// countTokens estimates the token count of text for the given model.
// Overridable in tests. tiktoken's model table does not cover every
// provider, so unknown models fall through to cl100k_base, and a broken
// encoder falls back to a bytes/4 heuristic rather than failing the turn.
var countTokens = func(model, text string) int {
	if enc := encoderFor(model); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return len(text) / 4
}

// estimatePromptTokens sums the token estimate of every piece of text the
// provider will see this hop.
func estimatePromptTokens(model, system string, messages []string) int {
	total := countTokens(model, system)
	for _, m := range messages {
		total += countTokens(model, m)
	}
	return total
}
