package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"roomaker/pkg/artifacts"
	"roomaker/pkg/cancel"
	"roomaker/pkg/extract"
	"roomaker/pkg/metrics"
	"roomaker/pkg/modes"
	"roomaker/pkg/plan"
	"roomaker/pkg/templates"
)

// assemblePlan is stage 6 followed by the conditional review of stage 6.5.
// The plan artifact is always produced.
func (r *run) assemblePlan(ctx context.Context, res *Result, modeSet *modes.Set) error {
	started := time.Now()
	if err := r.checkpoint(ctx); err != nil {
		return err
	}
	r.progress(StagePlan, "Assembling execution plan")

	planText, outcome, err := r.draftPlan(ctx, res)
	if err != nil {
		r.observe(StagePlan, metrics.OutcomeCancelled, started)
		return err
	}
	if planText == "" {
		planText = plan.Fallback(res.ConciseCommand, res.DelegateSlugs)
		res.PlanFallback = true
		outcome = metrics.OutcomeFallback
		r.progress(StagePlan, "Using fallback execution plan")
	}
	r.observe(StagePlan, outcome, started)

	planText, err = r.reviewPlan(ctx, res, modeSet, planText)
	if err != nil {
		return err
	}

	res.Artifacts.Set(artifacts.Plan, planText)
	return nil
}

// draftPlan returns a plan that passed validation, or "" when the pipeline
// should fall back.
func (r *run) draftPlan(ctx context.Context, res *Result) (string, string, error) {
	base := vars{
		"Command":   res.ConciseCommand,
		"Structure": res.StructureDocument,
		"Slugs":     res.DelegateSlugs,
	}

	raw, err := r.invoke(ctx, StagePlan, r.render(templates.PlanTemplate, base))
	if err != nil {
		if cancel.IsCancelled(err) {
			return "", "", err
		}
		r.engine.logger.Warn("plan generation failed: %v", err)
		return "", "", nil
	}

	draft := extract.Normalize(raw)
	issues := plan.Validate(draft)
	if len(issues) == 0 {
		return draft, metrics.OutcomeOK, nil
	}

	r.engine.logger.Info("plan draft has %d issue(s): %s", len(issues), strings.Join(issues, "; "))
	r.progress(StagePlan, fmt.Sprintf("Refining plan (%d issues)", len(issues)))

	refineVars := vars{"Raw": raw, "Issues": issues}
	for k, v := range base {
		refineVars[k] = v
	}

	refinedRaw, err := r.invoke(ctx, StagePlan, r.render(templates.PlanRefinementTemplate, refineVars))
	if err != nil {
		if cancel.IsCancelled(err) {
			return "", "", err
		}
		r.engine.logger.Warn("plan refinement failed: %v", err)
		return "", "", nil
	}

	refined := extract.Normalize(refinedRaw)
	if !r.engine.strictness.AcceptRefined(refined) {
		r.engine.logger.Warn("refined plan rejected (strictness %s)", r.engine.strictness)
		return "", "", nil
	}
	return refined, metrics.OutcomeRefined, nil
}

// reviewPlan is stage 6.5. It runs only for a validated plan built on a
// generated (not synthesized) mode set.
func (r *run) reviewPlan(ctx context.Context, res *Result, modeSet *modes.Set, planText string) (string, error) {
	started := time.Now()
	if err := r.checkpoint(ctx); err != nil {
		return "", err
	}

	modesJSON, haveModes := res.Artifacts.Get(artifacts.Modes)
	if res.PlanFallback || res.ModesFallback || !haveModes || modeSet == nil {
		r.engine.logger.Info("skipping plan review (plan fallback=%t, modes fallback=%t)", res.PlanFallback, res.ModesFallback)
		r.progress(StagePlanReview, "Plan review skipped")
		r.observe(StagePlanReview, metrics.OutcomeSkipped, started)
		return planText, nil
	}

	r.progress(StagePlanReview, "Reviewing plan against modes")
	reviewed, outcome, err := r.okOrReplace(ctx, StagePlanReview, templates.PlanReviewTemplate,
		vars{"Plan": planText, "Modes": modesJSON, "Structure": res.StructureDocument}, planText)
	r.observe(StagePlanReview, outcome, started)
	if err != nil {
		return "", err
	}

	res.PlanReviewed = outcome != metrics.OutcomeFailed
	return reviewed, nil
}
