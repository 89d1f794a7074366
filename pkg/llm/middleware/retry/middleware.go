package retry

import (
	"context"
	"fmt"
	"time"

	"roomaker/pkg/llm"
	"roomaker/pkg/llmerrors"
	"roomaker/pkg/logx"
)

// Middleware returns a middleware function that wraps an LLM client with retry logic.
// Exhausting every attempt on a retryable error yields a service_unavailable error.
func Middleware(policy *Policy, onRetry func(model string, err error)) llm.Middleware {
	logger := logx.NewLogger("retry")
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				var lastErr error

				for attempt := 1; attempt <= policy.Config.MaxAttempts; attempt++ {
					if attempt > 1 {
						delay := policy.CalculateDelay(attempt)
						logger.Warn("retrying %s (attempt %d/%d) in %v: %v",
							llm.StageFromContext(ctx), attempt, policy.Config.MaxAttempts, delay, lastErr)
						if onRetry != nil {
							onRetry(next.GetModelName(), lastErr)
						}
						if delay > 0 {
							timer := time.NewTimer(delay)
							select {
							case <-ctx.Done():
								timer.Stop()
								return llm.CompletionResponse{}, fmt.Errorf("retry cancelled: %w", ctx.Err())
							case <-timer.C:
							}
						}
					}

					resp, err := next.Complete(ctx, req)
					if err == nil {
						return resp, nil
					}
					lastErr = err

					if !policy.ShouldRetry(err) || ctx.Err() != nil {
						return llm.CompletionResponse{}, err //nolint:wrapcheck // pass through unchanged
					}
				}

				return llm.CompletionResponse{}, llmerrors.NewServiceUnavailableError(lastErr, policy.Config.MaxAttempts)
			},
			next.GetModelName,
		)
	}
}
