// Package validation provides response validation middleware for LLM clients.
package validation

import (
	"context"
	"strings"

	"roomaker/pkg/llm"
	"roomaker/pkg/llmerrors"
	"roomaker/pkg/logx"
)

// GuidanceMessage is appended to the request when the first response is empty.
const GuidanceMessage = "Your previous response was empty. Respond with the requested content only."

// EmptyResponseMiddleware returns a middleware that rejects blank completions.
//
// For empty responses:
// - First occurrence: adds a guidance message to the request and retries immediately
// - Second occurrence: returns ErrorTypeEmptyResponse so outer retry can back off.
func EmptyResponseMiddleware() llm.Middleware {
	logger := logx.NewLogger("empty-response-validator")
	const maxEmptyAttempts = 2

	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				for attempt := 1; attempt <= maxEmptyAttempts; attempt++ {
					resp, err := next.Complete(ctx, req)
					if err != nil && !llmerrors.Is(err, llmerrors.ErrorTypeEmptyResponse) {
						return resp, err //nolint:wrapcheck // pass through unchanged
					}
					if err == nil && strings.TrimSpace(resp.Content) != "" {
						return resp, nil
					}

					logger.Warn("empty response from %s during %s (attempt %d/%d)",
						next.GetModelName(), llm.StageFromContext(ctx), attempt, maxEmptyAttempts)

					if attempt < maxEmptyAttempts {
						guided := req
						guided.Messages = append(append([]llm.CompletionMessage(nil), req.Messages...),
							llm.NewUserMessage(GuidanceMessage))
						req = guided
					}
				}

				return llm.CompletionResponse{}, llmerrors.NewError(
					llmerrors.ErrorTypeEmptyResponse,
					"received empty response after guidance",
				)
			},
			next.GetModelName,
		)
	}
}
