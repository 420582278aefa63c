// Package tokencount estimates token usage for vision-model calls whose
// responses omit usage metadata. It uses tiktoken-go; Gemini does not
// publish its tokenizer, so cl100k_base is the approximation and a
// 4-chars-per-token estimate is the last resort.
package tokencount

import (
	"strings"
	"sync"

	"log/slog"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// Counter is a thread-safe token counter with a per-model encoding cache.
type Counter struct {
	mu        sync.RWMutex
	encodings map[string]*tiktoken.Tiktoken
}

// NewCounter constructs an empty Counter.
func NewCounter() *Counter {
	return &Counter{encodings: make(map[string]*tiktoken.Tiktoken)}
}

func (c *Counter) encodingFor(model string) (*tiktoken.Tiktoken, error) {
	normalized := normalizeModelName(model)

	c.mu.RLock()
	enc, ok := c.encodings[normalized]
	c.mu.RUnlock()
	if ok {
		return enc, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok := c.encodings[normalized]; ok {
		return enc, nil
	}
	enc, err := tiktoken.EncodingForModel(normalized)
	if err != nil {
		slog.Debug("falling back to cl100k_base encoding",
			slog.String("model", model),
			slog.Any("error", err))
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, err
		}
	}
	c.encodings[normalized] = enc
	return enc, nil
}

// normalizeModelName maps provider model ids onto tiktoken-known names.
func normalizeModelName(model string) string {
	model = strings.ToLower(model)
	if i := strings.LastIndex(model, "/"); i >= 0 {
		model = model[i+1:]
	}
	switch {
	case strings.Contains(model, "gpt-4"):
		return "gpt-4"
	case strings.Contains(model, "gpt-3.5"):
		return "gpt-3.5-turbo"
	default:
		// Gemini and everything else approximate with the GPT-4 encoding.
		return "gpt-4"
	}
}

// CountTokens counts the tokens of text under the given model's encoding.
func (c *Counter) CountTokens(text, model string) (int, error) {
	enc, err := c.encodingFor(model)
	if err != nil {
		return 0, err
	}
	return len(enc.Encode(text, nil, nil)), nil
}

// EstimateTotal approximates prompt plus completion tokens for one call.
// Encoder failures degrade to the rough 4-characters-per-token estimate
// rather than reporting zero usage.
func (c *Counter) EstimateTotal(prompt, completion, model string) int {
	promptTokens, err := c.CountTokens(prompt, model)
	if err != nil {
		slog.Warn("token count failed, using size estimate",
			slog.String("model", model),
			slog.Any("error", err))
		promptTokens = len(prompt) / 4
	}
	completionTokens, err := c.CountTokens(completion, model)
	if err != nil {
		completionTokens = len(completion) / 4
	}
	return promptTokens + completionTokens
}
