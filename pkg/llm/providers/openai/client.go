// Package openai provides the OpenAI client for the llm interface, built on the
// official SDK's Responses API.
package openai

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"

	"roomaker/pkg/llm"
	"roomaker/pkg/llmerrors"
)

// Provider is the provider name used in configuration and error classification.
const Provider = "openai"

// DefaultModel is used when the configuration names no model.
const DefaultModel = "gpt-5"

// OfficialClient wraps the official OpenAI Go client to implement llm.LLMClient.
type OfficialClient struct {
	client openai.Client
	model  string
}

// NewOfficialClientWithModel creates a raw OpenAI client. A non-empty baseURL
// points it at a compatible endpoint.
func NewOfficialClientWithModel(apiKey, model, baseURL string) llm.LLMClient {
	if model == "" {
		model = DefaultModel
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OfficialClient{
		client: openai.NewClient(opts...),
		model:  model,
	}
}

// Complete implements llm.LLMClient.
//
//nolint:gocritic // CompletionRequest passed by value to match the interface
func (o *OfficialClient) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	input := flatten(in.Messages)
	if input == "" {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, "message list cannot be empty")
	}

	params := responses.ResponseNewParams{
		Model:           o.model,
		MaxOutputTokens: openai.Int(int64(in.MaxTokens)),
		Input:           responses.ResponseNewParamsInputUnion{OfString: openai.String(input)},
	}

	resp, err := o.client.Responses.New(ctx, params)
	if err != nil {
		return llm.CompletionResponse{}, llmerrors.Classify(Provider, fmt.Errorf("OpenAI Responses API failed: %w", err))
	}
	if resp == nil {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "received nil response from OpenAI API")
	}

	return llm.CompletionResponse{
		Content:    resp.OutputText(),
		StopReason: string(resp.Status),
	}, nil
}

// GetModelName returns the model name for this client.
func (o *OfficialClient) GetModelName() string {
	return o.model
}

// flatten combines the conversation into the single input string the
// Responses API accepts.
func flatten(messages []llm.CompletionMessage) string {
	var b strings.Builder
	for i := range messages {
		msg := &messages[i]
		switch msg.Role {
		case llm.RoleSystem:
			fmt.Fprintf(&b, "System: %s\n\n", msg.Content)
		case llm.RoleAssistant:
			fmt.Fprintf(&b, "Assistant: %s\n\n", msg.Content)
		default:
			b.WriteString(msg.Content)
		}
	}
	return b.String()
}
