// Package tokens provides tiktoken-based token counting. Provider responses
// normally carry exact usage numbers; the counter fills in estimates when a
// response lacks them.
package tokens

import (
	"fmt"

	"github.com/tiktoken-go/tokenizer"
)

// Counter provides token counting for a model family.
type Counter struct {
	codec tokenizer.Codec
}

// NewCounter creates a token counter for the given model name. Every model
// family the executor supports approximates well with the GPT-4 encoding,
// so unknown models fall back to it rather than failing.
func NewCounter(model string) (*Counter, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer codec for model %s: %w", model, err)
	}
	return &Counter{codec: codec}, nil
}

// Count returns the number of tokens in text. When the codec is unavailable
// it estimates with the 4-characters-per-token heuristic.
func (c *Counter) Count(text string) int {
	if c == nil || c.codec == nil {
		return len(text) / 4
	}
	count, err := c.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return count
}

// CountAll returns the total token count across several texts.
func (c *Counter) CountAll(texts ...string) int {
	total := 0
	for _, t := range texts {
		total += c.Count(t)
	}
	return total
}

// Estimate counts tokens without a Counter instance, using the GPT-4
// encoding with the heuristic fallback.
func Estimate(text string) int {
	counter, err := NewCounter("gpt-4")
	if err != nil {
		return len(text) / 4
	}
	return counter.Count(text)
}
