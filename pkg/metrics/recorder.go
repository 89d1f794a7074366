// Package metrics records LLM call and pipeline stage metrics.
package metrics

import "time"

// Stage outcome labels.
const (
	OutcomeOK        = "ok"
	OutcomeRefined   = "refined"
	OutcomeReplaced  = "replaced"
	OutcomeFallback  = "fallback"
	OutcomeAbsent    = "absent"
	OutcomeSkipped   = "skipped"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// Recorder defines the interface for recording LLM and stage metrics.
type Recorder interface {
	// ObserveRequest records metrics for a completed LLM request.
	ObserveRequest(
		model, stage string,
		promptTokens, completionTokens int,
		success bool,
		errorType string,
		duration time.Duration,
	)

	// ObserveRetry counts one retry of a failed request.
	ObserveRetry(model, errorType string)

	// ObserveCache counts a response cache lookup ("hit", "store_hit" or "miss").
	ObserveCache(result string)

	// ObserveStage records how a pipeline stage ended and how long it took.
	ObserveStage(stage, outcome string, duration time.Duration)
}

// NoopRecorder implements Recorder with no-op behavior for when metrics are disabled.
type NoopRecorder struct{}

// Nop returns a no-op metrics recorder that discards all metrics.
func Nop() Recorder {
	return &NoopRecorder{}
}

// ObserveRequest does nothing in the no-op recorder.
func (n *NoopRecorder) ObserveRequest(_, _ string, _, _ int, _ bool, _ string, _ time.Duration) {}

// ObserveRetry does nothing in the no-op recorder.
func (n *NoopRecorder) ObserveRetry(_, _ string) {}

// ObserveCache does nothing in the no-op recorder.
func (n *NoopRecorder) ObserveCache(_ string) {}

// ObserveStage does nothing in the no-op recorder.
func (n *NoopRecorder) ObserveStage(_, _ string, _ time.Duration) {}
