package llm

import (
	"context"
	"testing"
)

type stubClient struct {
	content string
	model   string
}

func (s *stubClient) Complete(_ context.Context, _ CompletionRequest) (CompletionResponse, error) {
	return CompletionResponse{Content: s.content}, nil
}

func (s *stubClient) GetModelName() string { return s.model }

func tagging(tag string) Middleware {
	return func(next LLMClient) LLMClient {
		return WrapClient(
			func(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
				resp, err := next.Complete(ctx, req)
				resp.Content = tag + "(" + resp.Content + ")"
				return resp, err
			},
			next.GetModelName,
		)
	}
}

func TestWrapClient(t *testing.T) {
	completeCalled := false
	client := WrapClient(
		func(_ context.Context, _ CompletionRequest) (CompletionResponse, error) {
			completeCalled = true
			return CompletionResponse{Content: "wrapped"}, nil
		},
		func() string { return "wrapped-model" },
	)

	resp, err := client.Complete(context.Background(), NewCompletionRequest([]CompletionMessage{NewUserMessage("test")}))
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if !completeCalled {
		t.Error("Complete function was not called")
	}
	if resp.Content != "wrapped" {
		t.Errorf("expected 'wrapped', got %q", resp.Content)
	}
	if client.GetModelName() != "wrapped-model" {
		t.Errorf("expected 'wrapped-model', got %q", client.GetModelName())
	}
}

func TestChainOrder(t *testing.T) {
	client := Chain(&stubClient{content: "base", model: "m"}, tagging("outer"), tagging("inner"))

	resp, err := client.Complete(context.Background(), CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "outer(inner(base))" {
		t.Errorf("unexpected chain order: %q", resp.Content)
	}
	if client.GetModelName() != "m" {
		t.Errorf("model name not delegated: %q", client.GetModelName())
	}
}

func TestChainSkipsNil(t *testing.T) {
	client := Chain(&stubClient{content: "base"}, nil, tagging("only"), nil)
	resp, _ := client.Complete(context.Background(), CompletionRequest{})
	if resp.Content != "only(base)" {
		t.Errorf("unexpected content: %q", resp.Content)
	}
}

func TestChainNoMiddleware(t *testing.T) {
	base := &stubClient{content: "base"}
	if Chain(base) != LLMClient(base) {
		t.Error("expected base client back when no middleware is given")
	}
}

func TestSplitSystem(t *testing.T) {
	system, rest := SplitSystem([]CompletionMessage{
		NewSystemMessage("a"),
		NewUserMessage("hi"),
		NewSystemMessage("b"),
	})
	if system != "a\n\nb" {
		t.Errorf("unexpected system prompt %q", system)
	}
	if len(rest) != 1 || rest[0].Content != "hi" {
		t.Errorf("unexpected rest %+v", rest)
	}
}

func TestStageFromContext(t *testing.T) {
	if got := StageFromContext(context.Background()); got != "unknown" {
		t.Errorf("expected unknown, got %q", got)
	}
	if got := StageFromContext(WithStage(context.Background(), "analysis")); got != "analysis" {
		t.Errorf("expected analysis, got %q", got)
	}
}

func TestLLMConfigValidate(t *testing.T) {
	valid := LLMConfig{Provider: "anthropic", APIKey: "k", ModelName: "m", MaxTokens: 10, Temperature: 0.3}
	if err := valid.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	local := LLMConfig{Provider: "ollama", ModelName: "llama3", MaxTokens: 10}
	if err := local.Validate(); err != nil {
		t.Errorf("ollama should not need a key: %v", err)
	}

	bad := []LLMConfig{
		{Provider: "openai", ModelName: "m", MaxTokens: 10},
		{Provider: "openai", APIKey: "k", MaxTokens: 10},
		{Provider: "openai", APIKey: "k", ModelName: "m"},
		{Provider: "openai", APIKey: "k", ModelName: "m", MaxTokens: 10, Temperature: 3},
	}
	for i := range bad {
		if err := bad[i].Validate(); err == nil {
			t.Errorf("case %d: expected error", i)
		}
	}
}
