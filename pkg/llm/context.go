package llm

import "context"

type stageKey struct{}

// WithStage tags ctx with the pipeline stage issuing the call. Metrics and
// logging middleware read it back for labels.
func WithStage(ctx context.Context, stage string) context.Context {
	return context.WithValue(ctx, stageKey{}, stage)
}

// StageFromContext returns the stage set by WithStage, or "unknown".
func StageFromContext(ctx context.Context) string {
	if stage, ok := ctx.Value(stageKey{}).(string); ok && stage != "" {
		return stage
	}
	return "unknown"
}
