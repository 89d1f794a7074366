// Package google provides the Google Gemini client for the llm interface.
package google

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/genai"

	"roomaker/pkg/llm"
	"roomaker/pkg/llmerrors"
)

// Provider is the provider name used in configuration and error classification.
const Provider = "google"

// DefaultModel is used when the configuration names no model.
const DefaultModel = "gemini-2.5-pro"

// GeminiClient wraps the Google GenAI client to implement llm.LLMClient.
type GeminiClient struct {
	apiKey string
	model  string

	once    sync.Once
	client  *genai.Client
	initErr error
}

// NewGeminiClientWithModel creates a raw Gemini client. The SDK client needs a
// context, so it is created on the first Complete call.
func NewGeminiClientWithModel(apiKey, model string) llm.LLMClient {
	if model == "" {
		model = DefaultModel
	}
	return &GeminiClient{apiKey: apiKey, model: model}
}

// Complete implements llm.LLMClient.
//
//nolint:gocritic // CompletionRequest passed by value to match the interface
func (g *GeminiClient) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	g.once.Do(func() {
		g.client, g.initErr = genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  g.apiKey,
			Backend: genai.BackendGeminiAPI,
		})
	})
	if g.initErr != nil {
		return llm.CompletionResponse{}, llmerrors.Classify(Provider, fmt.Errorf("failed to create Gemini client: %w", g.initErr))
	}

	contents, systemInstruction, err := convertMessages(in.Messages)
	if err != nil {
		return llm.CompletionResponse{}, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeBadPrompt, err, "message conversion error")
	}

	temperature := in.Temperature
	config := &genai.GenerateContentConfig{
		Temperature:     &temperature,
		MaxOutputTokens: int32(in.MaxTokens), //nolint:gosec // bounded by config validation
	}
	if systemInstruction != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: systemInstruction}},
		}
	}

	result, err := g.client.Models.GenerateContent(ctx, g.model, contents, config)
	if err != nil {
		return llm.CompletionResponse{}, llmerrors.Classify(Provider, fmt.Errorf("Gemini API call failed: %w", err))
	}
	if result == nil {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "empty response from Gemini API")
	}

	return llm.CompletionResponse{
		Content:    result.Text(),
		StopReason: stopReason(result),
	}, nil
}

// GetModelName returns the model name for this client.
func (g *GeminiClient) GetModelName() string {
	return g.model
}

// convertMessages converts the conversation to Gemini contents. System messages
// become the system instruction.
func convertMessages(messages []llm.CompletionMessage) ([]*genai.Content, string, error) {
	system, rest := llm.SplitSystem(messages)
	if len(rest) == 0 {
		return nil, "", fmt.Errorf("message list cannot be empty")
	}

	contents := make([]*genai.Content, 0, len(rest))
	for i := range rest {
		msg := &rest[i]

		var role string
		switch msg.Role {
		case llm.RoleUser:
			role = "user"
		case llm.RoleAssistant:
			role = "model"
		default:
			return nil, "", fmt.Errorf("unsupported message role: %s", msg.Role)
		}

		if msg.Content == "" {
			continue
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: msg.Content}},
		})
	}

	return contents, system, nil
}

func stopReason(result *genai.GenerateContentResponse) string {
	if len(result.Candidates) == 0 || result.Candidates[0] == nil {
		return "unknown"
	}
	switch result.Candidates[0].FinishReason {
	case genai.FinishReasonStop, "":
		return "end_turn"
	case genai.FinishReasonMaxTokens:
		return "max_tokens"
	default:
		return string(result.Candidates[0].FinishReason)
	}
}
