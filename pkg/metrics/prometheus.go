package metrics

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"
)

// PrometheusRecorder implements the Recorder interface using Prometheus metrics
// registered on a private registry, so each run reports only its own numbers.
type PrometheusRecorder struct {
	registry        *prometheus.Registry
	requestsTotal   *prometheus.CounterVec
	tokensTotal     *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	retriesTotal    *prometheus.CounterVec
	cacheTotal      *prometheus.CounterVec
	stagesTotal     *prometheus.CounterVec
	stageDuration   *prometheus.HistogramVec
}

// NewPrometheusRecorder creates a new Prometheus-based metrics recorder.
func NewPrometheusRecorder() *PrometheusRecorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &PrometheusRecorder{
		registry: reg,
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roomaker_llm_requests_total",
				Help: "Total number of LLM requests by model, stage and status",
			},
			[]string{"model", "stage", "status", "error_type"},
		),
		tokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roomaker_llm_tokens_total",
				Help: "Estimated tokens used in LLM requests",
			},
			[]string{"model", "stage", "type"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "roomaker_llm_request_duration_seconds",
				Help:    "Duration of LLM requests in seconds",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 160},
			},
			[]string{"model", "stage"},
		),
		retriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roomaker_llm_retries_total",
				Help: "Total number of LLM request retries",
			},
			[]string{"model", "error_type"},
		),
		cacheTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roomaker_llm_cache_lookups_total",
				Help: "Response cache lookups by result",
			},
			[]string{"result"},
		),
		stagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "roomaker_stage_outcomes_total",
				Help: "Pipeline stage completions by outcome",
			},
			[]string{"stage", "outcome"},
		),
		stageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "roomaker_stage_duration_seconds",
				Help:    "Duration of pipeline stages in seconds",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"stage"},
		),
	}
}

// Registry exposes the private registry.
func (p *PrometheusRecorder) Registry() *prometheus.Registry {
	return p.registry
}

// ObserveRequest records metrics for a completed LLM request.
func (p *PrometheusRecorder) ObserveRequest(
	model, stage string,
	promptTokens, completionTokens int,
	success bool,
	errorType string,
	duration time.Duration,
) {
	status := "success"
	if !success {
		status = "error"
	}

	p.requestsTotal.WithLabelValues(model, stage, status, errorType).Inc()

	if success {
		p.tokensTotal.WithLabelValues(model, stage, "prompt").Add(float64(promptTokens))
		p.tokensTotal.WithLabelValues(model, stage, "completion").Add(float64(completionTokens))
	}

	p.requestDuration.WithLabelValues(model, stage).Observe(duration.Seconds())
}

// ObserveRetry counts one retry.
func (p *PrometheusRecorder) ObserveRetry(model, errorType string) {
	p.retriesTotal.WithLabelValues(model, errorType).Inc()
}

// ObserveCache counts a cache lookup.
func (p *PrometheusRecorder) ObserveCache(result string) {
	p.cacheTotal.WithLabelValues(result).Inc()
}

// ObserveStage records a stage outcome.
func (p *PrometheusRecorder) ObserveStage(stage, outcome string, duration time.Duration) {
	p.stagesTotal.WithLabelValues(stage, outcome).Inc()
	p.stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// WriteText writes every gathered metric family in the Prometheus text format.
func (p *PrometheusRecorder) WriteText(w io.Writer) error {
	families, err := p.registry.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("failed to encode metric %s: %w", mf.GetName(), err)
		}
	}
	return nil
}

// WriteFile writes the text exposition to path, creating parent directories.
func (p *PrometheusRecorder) WriteFile(path string) error {
	var buf bytes.Buffer
	if err := p.WriteText(&buf); err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create metrics directory: %w", err)
		}
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write metrics file: %w", err)
	}
	return nil
}

// Summary aggregates a run's LLM usage.
type Summary struct {
	Requests         int64 `json:"requests"`
	Failures         int64 `json:"failures"`
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Summary totals the request and token counters across all labels.
func (p *PrometheusRecorder) Summary() (Summary, error) {
	families, err := p.registry.Gather()
	if err != nil {
		return Summary{}, fmt.Errorf("failed to gather metrics: %w", err)
	}

	var s Summary
	for _, mf := range families {
		switch mf.GetName() {
		case "roomaker_llm_requests_total":
			for _, m := range mf.GetMetric() {
				n := int64(m.GetCounter().GetValue())
				s.Requests += n
				for _, l := range m.GetLabel() {
					if l.GetName() == "status" && l.GetValue() == "error" {
						s.Failures += n
					}
				}
			}
		case "roomaker_llm_tokens_total":
			for _, m := range mf.GetMetric() {
				n := int64(m.GetCounter().GetValue())
				for _, l := range m.GetLabel() {
					if l.GetName() != "type" {
						continue
					}
					switch l.GetValue() {
					case "prompt":
						s.PromptTokens += n
					case "completion":
						s.CompletionTokens += n
					}
				}
			}
		}
	}
	s.TotalTokens = s.PromptTokens + s.CompletionTokens
	return s, nil
}
