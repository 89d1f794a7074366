// Package metrics provides metrics middleware for LLM clients.
package metrics

import (
	"context"
	"errors"
	"strings"
	"time"

	"roomaker/pkg/llm"
	"roomaker/pkg/llm/middleware/circuit"
	"roomaker/pkg/llmerrors"
	"roomaker/pkg/logx"
	"roomaker/pkg/metrics"
	"roomaker/pkg/utils"
)

const (
	statusSuccess = "success"
	statusError   = "error"
)

// UsageExtractor estimates token usage from a request and response.
type UsageExtractor func(req llm.CompletionRequest, resp llm.CompletionResponse) (promptTokens, completionTokens int)

// DefaultUsageExtractor counts tokens with tiktoken.
func DefaultUsageExtractor(req llm.CompletionRequest, resp llm.CompletionResponse) (promptTokens, completionTokens int) {
	var prompt strings.Builder
	for i := range req.Messages {
		prompt.WriteString(req.Messages[i].Content)
		prompt.WriteByte('\n')
	}
	return utils.CountTokensSimple(prompt.String()), utils.CountTokensSimple(resp.Content)
}

// Middleware returns a middleware function that records latency, token usage and
// error types for every request. The stage label comes from the request context.
func Middleware(recorder metrics.Recorder, usageExtractor UsageExtractor, logger *logx.Logger) llm.Middleware {
	if usageExtractor == nil {
		usageExtractor = DefaultUsageExtractor
	}

	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				start := time.Now()
				model := next.GetModelName()
				stage := llm.StageFromContext(ctx)

				resp, err := next.Complete(ctx, req)
				duration := time.Since(start)

				var promptTokens, completionTokens int
				if err == nil {
					promptTokens, completionTokens = usageExtractor(req, resp)
				}

				recorder.ObserveRequest(model, stage, promptTokens, completionTokens, err == nil, ErrorType(err), duration)

				if logger != nil {
					status := statusSuccess
					if err != nil {
						status = statusError
					}
					logger.Info("LLM request: model=%s stage=%s tokens=%d+%d=%d status=%s duration=%dms",
						model, stage, promptTokens, completionTokens, promptTokens+completionTokens, status, duration.Milliseconds())
				}

				return resp, err //nolint:wrapcheck // Middleware should pass through errors unchanged
			},
			next.GetModelName,
		)
	}
}

// ErrorType classifies errors for metrics labeling.
func ErrorType(err error) string {
	if err == nil {
		return ""
	}

	var circuitErr *circuit.Error
	switch {
	case errors.As(err, &circuitErr):
		return "circuit_breaker"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	}

	var llmErr *llmerrors.Error
	if errors.As(err, &llmErr) {
		return llmErr.Type.String()
	}
	return "unknown"
}
