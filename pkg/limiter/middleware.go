package limiter

import (
	"context"
	"fmt"

	"roomaker/pkg/llm"
	"roomaker/pkg/logx"
	"roomaker/pkg/utils"
)

// Middleware holds each request until the limiter admits it. The prompt's
// estimated token count is charged against the bucket.
func (l *Limiter) Middleware() llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		if !l.Enabled() {
			return next
		}
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				tokens := promptTokens(req)
				release, err := l.Acquire(ctx, tokens)
				if err != nil {
					return llm.CompletionResponse{}, fmt.Errorf("waiting for rate limiter: %w", err)
				}
				defer release()

				left, inFlight := l.Status()
				logx.Debug(ctx, "limiter", "admitted %s (%d tokens): %d tokens left this minute, %d in flight",
					llm.StageFromContext(ctx), tokens, left, inFlight)
				return next.Complete(ctx, req)
			},
			next.GetModelName,
		)
	}
}

func promptTokens(req llm.CompletionRequest) int {
	total := 0
	for i := range req.Messages {
		total += utils.CountTokensSimple(req.Messages[i].Content)
	}
	return total
}
