// Package anthropic provides the Anthropic Claude client for the llm interface.
package anthropic

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"roomaker/pkg/llm"
	"roomaker/pkg/llmerrors"
)

// Provider is the provider name used in configuration and error classification.
const Provider = "anthropic"

// DefaultModel is used when the configuration names no model.
const DefaultModel = "claude-sonnet-4-5"

// ClaudeClient wraps the Anthropic API client to implement llm.LLMClient.
type ClaudeClient struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewClaudeClientWithModel creates a raw Claude client; middleware is applied by the factory.
func NewClaudeClientWithModel(apiKey, model string, opts ...option.RequestOption) llm.LLMClient {
	if model == "" {
		model = DefaultModel
	}
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &ClaudeClient{
		client: anthropic.NewClient(opts...),
		model:  anthropic.Model(model),
	}
}

// Complete implements llm.LLMClient.
//
//nolint:gocritic // CompletionRequest passed by value to match the interface
func (c *ClaudeClient) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	system, conversation := llm.SplitSystem(in.Messages)
	messages, err := alternate(conversation)
	if err != nil {
		return llm.CompletionResponse{}, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeBadPrompt, err, "message alternation error")
	}

	params := anthropic.MessageNewParams{
		Model:       c.model,
		Messages:    toMessageParams(messages),
		MaxTokens:   int64(in.MaxTokens),
		Temperature: anthropic.Float(float64(in.Temperature)),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return llm.CompletionResponse{}, llmerrors.Classify(Provider, err)
	}
	if resp == nil || len(resp.Content) == 0 {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "received empty or nil response from Claude API")
	}

	var text strings.Builder
	for i := range resp.Content {
		block := &resp.Content[i]
		if block.Type == "text" {
			text.WriteString(block.AsText().Text)
		}
	}

	return llm.CompletionResponse{
		Content:    text.String(),
		StopReason: string(resp.StopReason),
	}, nil
}

// GetModelName returns the model name for this client.
func (c *ClaudeClient) GetModelName() string {
	return string(c.model)
}

// alternate merges consecutive messages of the same role. The API requires a
// conversation that starts with the user and alternates from there.
func alternate(messages []llm.CompletionMessage) ([]llm.CompletionMessage, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("message list cannot be empty")
	}

	out := make([]llm.CompletionMessage, 0, len(messages))
	for _, msg := range messages {
		if msg.Role != llm.RoleUser && msg.Role != llm.RoleAssistant {
			return nil, fmt.Errorf("unsupported message role: %s", msg.Role)
		}
		if n := len(out); n > 0 && out[n-1].Role == msg.Role {
			out[n-1].Content += "\n\n" + msg.Content
			continue
		}
		out = append(out, msg)
	}

	if out[0].Role != llm.RoleUser {
		return nil, fmt.Errorf("conversation must start with a user message, got %s", out[0].Role)
	}
	return out, nil
}

func toMessageParams(messages []llm.CompletionMessage) []anthropic.MessageParam {
	params := make([]anthropic.MessageParam, 0, len(messages))
	for i := range messages {
		params = append(params, anthropic.MessageParam{
			Role:    anthropic.MessageParamRole(messages[i].Role),
			Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(messages[i].Content)},
		})
	}
	return params
}
