package timeout

import (
	"context"
	"errors"
	"testing"
	"time"

	"roomaker/pkg/llm"
)

func slowClient() llm.LLMClient {
	return llm.WrapClient(
		func(ctx context.Context, _ llm.CompletionRequest) (llm.CompletionResponse, error) {
			select {
			case <-ctx.Done():
				return llm.CompletionResponse{}, ctx.Err()
			case <-time.After(time.Second):
				return llm.CompletionResponse{Content: "slow"}, nil
			}
		},
		func() string { return "slow-model" },
	)
}

func TestMiddlewareTimesOut(t *testing.T) {
	client := Middleware(10 * time.Millisecond)(slowClient())

	_, err := client.Complete(context.Background(), llm.CompletionRequest{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if client.GetModelName() != "slow-model" {
		t.Errorf("model name not delegated")
	}
}

func TestMiddlewareDisabled(t *testing.T) {
	base := slowClient()
	if Middleware(0)(base) == nil {
		t.Fatal("expected client")
	}
}
