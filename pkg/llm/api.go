// Package llm provides the LLM client interface, middleware chaining and the
// prompt invoker the pipeline calls.
package llm

import (
	"context"
	"fmt"
)

// CompletionRole represents the role of a message in a conversation.
type CompletionRole string

const (
	// RoleSystem indicates a system message that provides instructions or context.
	RoleSystem CompletionRole = "system"
	// RoleUser indicates a message from the human user.
	RoleUser CompletionRole = "user"
	// RoleAssistant indicates a message from the AI assistant.
	RoleAssistant CompletionRole = "assistant"
)

const (
	// DefaultMaxTokens bounds a single stage response.
	DefaultMaxTokens = 8192

	// TemperatureDefault is the default temperature for generation stages.
	TemperatureDefault = 0.3
)

// CompletionMessage represents a message in a completion request.
type CompletionMessage struct {
	Role    CompletionRole
	Content string
}

// CompletionRequest represents a request to generate a completion.
type CompletionRequest struct {
	Messages    []CompletionMessage
	MaxTokens   int
	Temperature float32
}

// CompletionResponse represents a response from a completion request.
type CompletionResponse struct {
	Content    string // Main response text
	StopReason string // Why the response stopped, as reported by the provider
}

// LLMClient defines the interface for language model interactions.
type LLMClient interface { //nolint:revive // LLM prefix reads better at call sites
	// Complete generates a completion synchronously.
	Complete(ctx context.Context, in CompletionRequest) (CompletionResponse, error)

	// GetModelName returns the model name for this LLM client.
	GetModelName() string
}

// NewCompletionRequest creates a new completion request with default values.
func NewCompletionRequest(messages []CompletionMessage) CompletionRequest {
	return CompletionRequest{
		Messages:    messages,
		MaxTokens:   DefaultMaxTokens,
		Temperature: TemperatureDefault,
	}
}

// NewSystemMessage creates a new system message.
func NewSystemMessage(content string) CompletionMessage {
	return CompletionMessage{
		Role:    RoleSystem,
		Content: content,
	}
}

// NewUserMessage creates a new user message.
func NewUserMessage(content string) CompletionMessage {
	return CompletionMessage{
		Role:    RoleUser,
		Content: content,
	}
}

// SplitSystem separates system messages from the conversation. Providers that
// take the system prompt as a separate parameter use it.
func SplitSystem(messages []CompletionMessage) (system string, rest []CompletionMessage) {
	for i := range messages {
		if messages[i].Role == RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += messages[i].Content
			continue
		}
		rest = append(rest, messages[i])
	}
	return system, rest
}

// LLMConfig represents configuration for an LLM client.
type LLMConfig struct { //nolint:revive // Keep name aligned with LLMClient
	Provider    string
	APIKey      string
	ModelName   string
	BaseURL     string
	MaxTokens   int
	Temperature float32
}

// Validate validates the LLM configuration. Ollama runs locally and needs no key.
func (c *LLMConfig) Validate() error {
	if c.APIKey == "" && c.Provider != "ollama" {
		return fmt.Errorf("API key cannot be empty")
	}
	if c.ModelName == "" {
		return fmt.Errorf("model name cannot be empty")
	}
	if c.MaxTokens <= 0 {
		return fmt.Errorf("max tokens must be positive")
	}
	if c.Temperature < 0.0 || c.Temperature > 2.0 {
		return fmt.Errorf("temperature must be between 0.0 and 2.0")
	}
	return nil
}
