package llm

import (
	"context"
	"strings"

	"roomaker/pkg/cancel"
	"roomaker/pkg/llmerrors"
	"roomaker/pkg/logx"
)

// Invoker turns a single prompt into a completion. It is the only place the
// pipeline touches an LLMClient.
type Invoker struct {
	client      LLMClient
	system      string
	maxTokens   int
	temperature float32
}

// InvokerOption configures an Invoker.
type InvokerOption func(*Invoker)

// WithSystemPrompt prepends a system message to every request.
func WithSystemPrompt(system string) InvokerOption {
	return func(i *Invoker) { i.system = system }
}

// WithMaxTokens overrides the response token limit.
func WithMaxTokens(n int) InvokerOption {
	return func(i *Invoker) {
		if n > 0 {
			i.maxTokens = n
		}
	}
}

// WithTemperature overrides the sampling temperature.
func WithTemperature(t float32) InvokerOption {
	return func(i *Invoker) { i.temperature = t }
}

// NewInvoker wraps client.
func NewInvoker(client LLMClient, opts ...InvokerOption) *Invoker {
	inv := &Invoker{
		client:      client,
		maxTokens:   DefaultMaxTokens,
		temperature: TemperatureDefault,
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

// ModelName returns the model behind the invoker.
func (i *Invoker) ModelName() string {
	return i.client.GetModelName()
}

// Invoke sends prompt and returns the response text. The token is checked
// before the call and again after it returns; a cancelled token wins over any
// result. An all-whitespace response is an empty_response error.
func (i *Invoker) Invoke(ctx context.Context, prompt string, token *cancel.Token) (string, error) {
	if err := token.Check(ctx); err != nil {
		return "", err
	}

	var messages []CompletionMessage
	if i.system != "" {
		messages = append(messages, NewSystemMessage(i.system))
	}
	messages = append(messages, NewUserMessage(prompt))

	req := NewCompletionRequest(messages)
	req.MaxTokens = i.maxTokens
	req.Temperature = i.temperature

	logx.Debug(ctx, "llm", "invoke stage=%s model=%s prompt=%s",
		StageFromContext(ctx), i.client.GetModelName(), llmerrors.SanitizePrompt(prompt, 400))

	resp, err := i.client.Complete(ctx, req)

	if cerr := token.Check(ctx); cerr != nil {
		return "", cerr
	}
	if err != nil {
		return "", err //nolint:wrapcheck // classified errors pass through
	}
	if strings.TrimSpace(resp.Content) == "" {
		return "", llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "response contained only whitespace")
	}
	return resp.Content, nil
}
