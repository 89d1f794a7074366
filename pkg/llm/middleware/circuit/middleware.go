package circuit

import (
	"context"

	"roomaker/pkg/llm"
)

// Middleware rejects calls with an *Error while the breaker is open and feeds
// every other result back into it.
func Middleware(breaker *Breaker) llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				if err := breaker.Allow(); err != nil {
					return llm.CompletionResponse{}, err
				}

				resp, err := next.Complete(ctx, req)
				breaker.Record(err)
				return resp, err //nolint:wrapcheck // Middleware should pass through errors unchanged
			},
			next.GetModelName,
		)
	}
}
