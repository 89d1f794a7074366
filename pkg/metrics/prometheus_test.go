package metrics

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveRequest(t *testing.T) {
	rec := NewPrometheusRecorder()
	rec.ObserveRequest("claude", "analysis", 100, 40, true, "", time.Second)
	rec.ObserveRequest("claude", "analysis", 0, 0, false, "transient", time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(rec.requestsTotal.WithLabelValues("claude", "analysis", "success", "")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.requestsTotal.WithLabelValues("claude", "analysis", "error", "transient")))
	assert.Equal(t, 100.0, testutil.ToFloat64(rec.tokensTotal.WithLabelValues("claude", "analysis", "prompt")))
	assert.Equal(t, 40.0, testutil.ToFloat64(rec.tokensTotal.WithLabelValues("claude", "analysis", "completion")))
}

func TestObserveStageAndCache(t *testing.T) {
	rec := NewPrometheusRecorder()
	rec.ObserveStage("modes", OutcomeFallback, 2*time.Second)
	rec.ObserveCache("hit")
	rec.ObserveCache("hit")
	rec.ObserveRetry("claude", "rate_limit")

	assert.Equal(t, 1.0, testutil.ToFloat64(rec.stagesTotal.WithLabelValues("modes", OutcomeFallback)))
	assert.Equal(t, 2.0, testutil.ToFloat64(rec.cacheTotal.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.retriesTotal.WithLabelValues("claude", "rate_limit")))
}

func TestSummary(t *testing.T) {
	rec := NewPrometheusRecorder()
	rec.ObserveRequest("m", "analysis", 10, 5, true, "", time.Millisecond)
	rec.ObserveRequest("m", "structure", 20, 7, true, "", time.Millisecond)
	rec.ObserveRequest("m", "rules", 0, 0, false, "auth", time.Millisecond)

	s, err := rec.Summary()
	require.NoError(t, err)
	assert.Equal(t, Summary{Requests: 3, Failures: 1, PromptTokens: 30, CompletionTokens: 12, TotalTokens: 42}, s)
}

func TestWriteTextAndFile(t *testing.T) {
	rec := NewPrometheusRecorder()
	rec.ObserveStage("analysis", OutcomeOK, time.Second)

	var buf bytes.Buffer
	require.NoError(t, rec.WriteText(&buf))
	assert.Contains(t, buf.String(), `roomaker_stage_outcomes_total{outcome="ok",stage="analysis"} 1`)

	path := filepath.Join(t.TempDir(), "out", "metrics.prom")
	require.NoError(t, rec.WriteFile(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "# TYPE roomaker_stage_outcomes_total counter"))
}

func TestRecordersAreIsolated(t *testing.T) {
	a := NewPrometheusRecorder()
	b := NewPrometheusRecorder()
	a.ObserveCache("miss")

	assert.Equal(t, 1.0, testutil.ToFloat64(a.cacheTotal.WithLabelValues("miss")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.cacheTotal.WithLabelValues("miss")))
}

func TestNopSatisfiesRecorder(t *testing.T) {
	var r Recorder = Nop()
	r.ObserveRequest("m", "s", 1, 1, true, "", time.Second)
	r.ObserveStage("s", OutcomeOK, time.Second)
}
