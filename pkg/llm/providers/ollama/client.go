// Package ollama provides the Ollama client for the llm interface, for models
// served locally.
package ollama

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/ollama/ollama/api"

	"roomaker/pkg/llm"
	"roomaker/pkg/llmerrors"
)

// Provider is the provider name used in configuration and error classification.
const Provider = "ollama"

// DefaultHostURL is the local Ollama server address.
const DefaultHostURL = "http://localhost:11434"

// Client wraps the Ollama API client to implement llm.LLMClient.
type Client struct {
	client  *api.Client
	model   string
	hostURL string
}

// NewOllamaClientWithModel creates a raw Ollama client. An unparsable or empty
// hostURL falls back to DefaultHostURL.
func NewOllamaClientWithModel(hostURL, model string) llm.LLMClient {
	if hostURL == "" {
		hostURL = DefaultHostURL
	}
	parsedURL, err := url.Parse(hostURL)
	if err != nil {
		hostURL = DefaultHostURL
		parsedURL, _ = url.Parse(DefaultHostURL)
	}

	return &Client{
		client:  api.NewClient(parsedURL, http.DefaultClient),
		model:   model,
		hostURL: hostURL,
	}
}

// Complete implements llm.LLMClient.
//
//nolint:gocritic // CompletionRequest passed by value to match the interface
func (o *Client) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	messages, err := convertMessages(in.Messages)
	if err != nil {
		return llm.CompletionResponse{}, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeBadPrompt, err, "message conversion error")
	}

	stream := false
	req := &api.ChatRequest{
		Model:    o.model,
		Messages: messages,
		Stream:   &stream,
		Options: map[string]any{
			"temperature": in.Temperature,
			"num_predict": in.MaxTokens,
		},
	}

	var response api.ChatResponse
	err = o.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		response = resp
		return nil
	})
	if err != nil {
		return llm.CompletionResponse{}, llmerrors.Classify(Provider, fmt.Errorf("ollama chat at %s failed: %w", o.hostURL, err))
	}

	return llm.CompletionResponse{
		Content:    response.Message.Content,
		StopReason: stopReason(&response),
	}, nil
}

// GetModelName returns the model name for this client.
func (o *Client) GetModelName() string {
	return o.model
}

func convertMessages(messages []llm.CompletionMessage) ([]api.Message, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("message list cannot be empty")
	}

	result := make([]api.Message, 0, len(messages))
	for i := range messages {
		result = append(result, api.Message{
			Role:    string(messages[i].Role),
			Content: messages[i].Content,
		})
	}
	return result, nil
}

func stopReason(resp *api.ChatResponse) string {
	if !resp.Done {
		return "incomplete"
	}
	switch resp.DoneReason {
	case "stop", "":
		return "end_turn"
	case "length":
		return "max_tokens"
	default:
		return resp.DoneReason
	}
}
