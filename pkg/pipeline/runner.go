package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"roomaker/pkg/cancel"
	"roomaker/pkg/extract"
	"roomaker/pkg/llm"
	"roomaker/pkg/logx"
	"roomaker/pkg/metrics"
	"roomaker/pkg/templates"
)

type vars = map[string]any

// FallbackPolicy decides what a branch produces when generation and its single
// refinement both fail.
type FallbackPolicy int

const (
	// FallbackDrop leaves the artifact out of the map.
	FallbackDrop FallbackPolicy = iota
	// FallbackSynthesize substitutes deterministic content.
	FallbackSynthesize
)

// Validator accepts normalized LLM text and returns the content to keep, or an
// error describing the violated requirement.
type Validator func(text string) (string, error)

// ArtifactTask describes one generate, validate, refine branch.
type ArtifactTask struct {
	Stage      string
	Name       string // artifact destination
	Primary    templates.TemplateID
	Vars       map[string]any
	Valid      Validator
	Refinement templates.TemplateID
	// RefineVars builds the refinement variables from the unnormalized raw
	// response and the validation problem.
	RefineVars func(raw string, problem error) map[string]any
	Policy     FallbackPolicy
	Synthesize func() string
}

// BranchResult is the uniform outcome of an ArtifactTask.
type BranchResult struct {
	Stage    string `json:"stage"`
	Name     string `json:"name"`
	Content  string `json:"-"`
	Present  bool   `json:"present"`
	Fallback bool   `json:"fallback"`
	Refined  bool   `json:"refined"`
	Reason   string `json:"reason,omitempty"`
}

// run is the state of one Engine.Run call.
type run struct {
	engine   *Engine
	token    *cancel.Token
	progress func(stage, message string)
}

// checkpoint returns a cancellation error once the token is set or ctx is done.
func (r *run) checkpoint(ctx context.Context) error {
	return r.token.Check(ctx) //nolint:wrapcheck // ErrCancelled is the contract
}

// invoke calls the model for stage. Cancellation observed before or after the
// call wins over the call's own result, and a blank response is a failure.
func (r *run) invoke(ctx context.Context, stage, prompt string) (string, error) {
	if err := r.checkpoint(ctx); err != nil {
		return "", err
	}

	logx.Debug(ctx, "pipeline", "stage %s: invoking model (%d chars)", stage, len(prompt))
	out, err := r.engine.invoker.Invoke(llm.WithStage(ctx, stage), prompt, r.token)

	if cerr := r.checkpoint(ctx); cerr != nil {
		return "", cerr
	}
	if err != nil {
		return "", err //nolint:wrapcheck // classified by the invoker
	}
	if strings.TrimSpace(out) == "" {
		return "", errors.New("model returned an empty response")
	}
	return out, nil
}

// render renders a template and never fails: a render error is logged and a
// degraded prompt built from the variables is returned instead.
func (r *run) render(id templates.TemplateID, v map[string]any) string {
	out, err := r.engine.renderer.Render(id, v)
	if err == nil {
		return out
	}
	r.engine.logger.Warn("template %s failed to render, using degraded prompt: %v", id, err)
	return degradedPrompt(id, v)
}

func degradedPrompt(id templates.TemplateID, v map[string]any) string {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", strings.ReplaceAll(string(id), "_", " "))
	for _, k := range keys {
		switch val := v[k].(type) {
		case []string:
			fmt.Fprintf(&b, "\n## %s\n\n%s\n", k, strings.Join(val, "\n"))
		default:
			fmt.Fprintf(&b, "\n## %s\n\n%v\n", k, val)
		}
	}
	return b.String()
}

func (r *run) observe(stage, outcome string, started time.Time) {
	if r.engine.observer != nil {
		r.engine.observer.ObserveStage(stage, outcome, time.Since(started))
	}
}

// runStage executes one ArtifactTask. The returned error is only ever a
// cancellation; every other failure is folded into the BranchResult.
func (r *run) runStage(ctx context.Context, task *ArtifactTask) (BranchResult, error) {
	started := time.Now()
	result := BranchResult{Stage: task.Stage, Name: task.Name}

	if err := r.checkpoint(ctx); err != nil {
		r.observe(task.Stage, metrics.OutcomeCancelled, started)
		return result, err
	}
	r.progress(task.Stage, "Generating "+task.Name)

	raw, err := r.invoke(ctx, task.Stage, r.render(task.Primary, task.Vars))
	if err != nil {
		if cancel.IsCancelled(err) {
			r.observe(task.Stage, metrics.OutcomeCancelled, started)
			return result, err
		}
		r.engine.logger.Warn("%s: generation failed: %v", task.Stage, err)
		return r.fallback(task, result, fmt.Sprintf("generation failed: %v", err), started), nil
	}

	content, problem := task.Valid(extract.Normalize(raw))
	if problem == nil {
		result.Content, result.Present = content, true
		r.observe(task.Stage, metrics.OutcomeOK, started)
		r.progress(task.Stage, task.Name+" ready")
		return result, nil
	}

	r.engine.logger.Info("%s: output rejected (%v), requesting refinement", task.Stage, problem)
	r.progress(task.Stage, "Refining "+task.Name)

	refinedRaw, err := r.invoke(ctx, task.Stage, r.render(task.Refinement, task.RefineVars(raw, problem)))
	if err != nil {
		if cancel.IsCancelled(err) {
			r.observe(task.Stage, metrics.OutcomeCancelled, started)
			return result, err
		}
		r.engine.logger.Warn("%s: refinement failed: %v", task.Stage, err)
		return r.fallback(task, result, fmt.Sprintf("refinement failed: %v", err), started), nil
	}

	content, problem = task.Valid(extract.Normalize(refinedRaw))
	if problem != nil {
		r.engine.logger.Warn("%s: refined output still invalid: %v", task.Stage, problem)
		return r.fallback(task, result, fmt.Sprintf("invalid after refinement: %v", problem), started), nil
	}

	result.Content, result.Present, result.Refined = content, true, true
	r.observe(task.Stage, metrics.OutcomeRefined, started)
	r.progress(task.Stage, task.Name+" ready after refinement")
	return result, nil
}

func (r *run) fallback(task *ArtifactTask, result BranchResult, reason string, started time.Time) BranchResult {
	result.Reason = reason
	if task.Policy == FallbackSynthesize && task.Synthesize != nil {
		result.Content, result.Present, result.Fallback = task.Synthesize(), true, true
		r.observe(task.Stage, metrics.OutcomeFallback, started)
		r.progress(task.Stage, "Using fallback "+task.Name)
		return result
	}
	r.observe(task.Stage, metrics.OutcomeAbsent, started)
	r.progress(task.Stage, task.Name+" omitted: "+reason)
	return result
}

// okOrReplace asks the model to judge current. A reply of "OK" keeps it, any
// other reply replaces it. A failed call keeps current and reports
// OutcomeFailed; only cancellation is returned as an error.
func (r *run) okOrReplace(ctx context.Context, stage string, id templates.TemplateID, v map[string]any, current string) (string, string, error) {
	reply, err := r.invoke(ctx, stage, r.render(id, v))
	if err != nil {
		if cancel.IsCancelled(err) {
			return current, metrics.OutcomeCancelled, err
		}
		r.engine.logger.Warn("%s: validation call failed, keeping unvalidated output: %v", stage, err)
		return current, metrics.OutcomeFailed, nil
	}
	if extract.IsOK(reply) {
		return current, metrics.OutcomeOK, nil
	}
	r.progress(stage, "Validator replaced the "+stage+" output")
	return strings.TrimSpace(reply), metrics.OutcomeReplaced, nil
}

// headerValidator accepts text whose first line is header and, when markers
// are given, which contains each of them.
func headerValidator(header string, markers ...string) Validator {
	return func(text string) (string, error) {
		if !strings.HasPrefix(text, header) {
			return "", fmt.Errorf("content must start with %q", header)
		}
		for _, m := range markers {
			if !strings.Contains(text, m) {
				return "", fmt.Errorf("content must contain a %q line", m)
			}
		}
		return text, nil
	}
}

func nonEmptyValidator(text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", errors.New("content is empty")
	}
	return text, nil
}
