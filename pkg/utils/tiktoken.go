// Package utils provides tiktoken-based token counting utilities.
package utils

import (
	"fmt"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// TokenCounter estimates token counts for prompts and responses.
type TokenCounter struct {
	codec tokenizer.Codec
}

// NewTokenCounter creates a new token counter for the specified model.
// Every provider's model is approximated with the GPT-4 encoding.
func NewTokenCounter(model string) (*TokenCounter, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer codec for model %s: %w", model, err)
	}

	return &TokenCounter{codec: codec}, nil
}

// CountTokens returns the number of tokens in the given text.
func (tc *TokenCounter) CountTokens(text string) int {
	if tc == nil || tc.codec == nil {
		// 4 chars ≈ 1 token
		return len(text) / 4
	}

	count, err := tc.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}

	return count
}

var (
	defaultCounter     *TokenCounter //nolint:gochecknoglobals // codec load is expensive
	defaultCounterOnce sync.Once     //nolint:gochecknoglobals
)

// CountTokensSimple counts tokens with a shared GPT-4 encoding counter.
func CountTokensSimple(text string) int {
	defaultCounterOnce.Do(func() {
		defaultCounter, _ = NewTokenCounter("gpt-4")
	})
	return defaultCounter.CountTokens(text)
}
