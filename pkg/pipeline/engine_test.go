package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"roomaker/pkg/artifacts"
	"roomaker/pkg/cancel"
	"roomaker/pkg/extract"
	"roomaker/pkg/metrics"
	"roomaker/pkg/modes"
	"roomaker/pkg/plan"
	"roomaker/pkg/templates"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestRunTodoCLI(t *testing.T) {
	inv := todoScript()
	obs := newStageLog()
	engine := NewEngine(inv, newRenderer(t), WithObserver(obs))

	var stages []string
	res, err := engine.Run(context.Background(), todoIdea, func(stage, _ string) {
		stages = append(stages, stage)
	}, cancel.New())
	require.NoError(t, err)
	require.NotNil(t, res)

	wantList := []extract.Entry{
		{Kind: extract.KindFile, Path: "main.py"},
		{Kind: extract.KindDir, Path: "todo"},
		{Kind: extract.KindFile, Path: "todo/storage.py"},
		{Kind: extract.KindFile, Path: "tests/test_storage.py"},
	}
	if diff := cmp.Diff(wantList, res.StructureList); diff != "" {
		t.Errorf("structure list mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(t, []string{
		artifacts.WorkspaceRules,
		artifacts.CodeRules,
		artifacts.IgnoreRules,
		artifacts.Modes,
		artifacts.Plan,
	}, res.Artifacts.Names())

	modesJSON, _ := res.Artifacts.Get(artifacts.Modes)
	set, err := modes.Parse(modesJSON)
	require.NoError(t, err)
	assert.NotEmpty(t, set.CustomModes)
	assert.Equal(t, []string{"python-dev", "tester"}, res.DelegateSlugs)

	planText, _ := res.Artifacts.Get(artifacts.Plan)
	assert.Contains(t, planText, "# Roo Code Execution Plan:")
	assert.Empty(t, plan.Validate(planText))

	ignore, _ := res.Artifacts.Get(artifacts.IgnoreRules)
	assert.Equal(t, "# .rooignore\n__pycache__/\n.venv/", ignore)
	workspace, _ := res.Artifacts.Get(artifacts.WorkspaceRules)
	assert.True(t, strings.HasPrefix(workspace, WorkspaceRulesHeader), workspace)

	assert.Equal(t, todoCommand, res.ConciseCommand)
	assert.Equal(t, todoAnalysis, res.Analysis)
	assert.NotContains(t, res.StructureDocument, extract.CommandSeparator)
	assert.Contains(t, res.StructureDocument, "## Refined Outlines")
	assert.NotContains(t, res.StructureDocument, "## Preliminary Outlines")
	assert.Equal(t, "CLI entry point\nparse arguments with argparse", res.OutlineMap["main.py"])

	assert.False(t, res.ModesFallback)
	assert.False(t, res.PlanFallback)
	assert.True(t, res.PlanReviewed)

	assert.Zero(t, inv.count(hPlanRepair))
	assert.Zero(t, inv.count(hOverride))
	assert.Equal(t, 1, inv.count(hPlanReview))
	assert.Contains(t, inv.lastPrompt(hPlan), "- `python-dev`\n- `tester`\n")

	assert.Equal(t, []string{metrics.OutcomeOK}, obs.of(StageRules))
	assert.Equal(t, []string{metrics.OutcomeSkipped}, obs.of(StageModeOverride))
	assert.Equal(t, []string{metrics.OutcomeOK}, obs.of(StagePlanReview))

	require.NotEmpty(t, stages)
	assert.Equal(t, StageAnalysis, stages[0])
	assert.Equal(t, "done", stages[len(stages)-1])
}

func TestRunCancelledBeforeStart(t *testing.T) {
	inv := todoScript()
	token := cancel.New()
	token.Cancel()

	var stages []string
	res, err := NewEngine(inv, newRenderer(t)).Run(context.Background(), todoIdea, func(stage, _ string) {
		stages = append(stages, stage)
	}, token)

	require.Error(t, err)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, cancel.ErrCancelled)
	assert.Zero(t, inv.total())
	assert.Equal(t, []string{"cancelled"}, stages)
}

func TestRunContextCancelledBeforeStart(t *testing.T) {
	inv := todoScript()
	ctx, cancelCtx := context.WithCancel(context.Background())
	cancelCtx()

	_, err := NewEngine(inv, newRenderer(t)).Run(ctx, todoIdea, nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, cancel.ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, inv.total())
}

func TestRunEmptyIdeaIsFatal(t *testing.T) {
	inv := todoScript()
	_, err := NewEngine(inv, newRenderer(t)).Run(context.Background(), "  \n ", nil, nil)

	var fatal *FatalStageError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, StageAnalysis, fatal.Stage)
	assert.Zero(t, inv.total())
}

func TestRunFatalStages(t *testing.T) {
	tests := []struct {
		name      string
		heading   string
		stage     string
		notCalled string
	}{
		{name: "analysis", heading: hAnalysis, stage: StageAnalysis, notCalled: hStructure},
		{name: "structure", heading: hStructure, stage: StageStructure, notCalled: hRules},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := todoScript().on(tt.heading, fail("service unavailable"))
			obs := newStageLog()
			res, err := NewEngine(inv, newRenderer(t), WithObserver(obs)).Run(context.Background(), todoIdea, nil, nil)

			assert.Nil(t, res)
			var fatal *FatalStageError
			require.ErrorAs(t, err, &fatal)
			assert.Equal(t, tt.stage, fatal.Stage)
			assert.Contains(t, err.Error(), "service unavailable")
			assert.False(t, cancel.IsCancelled(err))
			assert.Zero(t, inv.count(tt.notCalled))
			assert.Equal(t, []string{metrics.OutcomeFailed}, obs.of(tt.stage))
		})
	}
}

func TestBlankResponseIsFatalForAnalysis(t *testing.T) {
	inv := todoScript().on(hAnalysis, ok(" \n\t"))
	_, err := NewEngine(inv, newRenderer(t)).Run(context.Background(), todoIdea, nil, nil)

	var fatal *FatalStageError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, StageAnalysis, fatal.Stage)
}

func TestValidationReplacesOutput(t *testing.T) {
	replaced := "## Core Functionality\nA to-do CLI with due dates.\n\n## Technical Requirements\nPython 3.12."
	inv := todoScript().on(hAnalysisReview, ok("\n"+replaced+"\n\n"))
	obs := newStageLog()

	res, err := NewEngine(inv, newRenderer(t), WithObserver(obs)).Run(context.Background(), todoIdea, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, replaced, res.Analysis)
	assert.Equal(t, []string{metrics.OutcomeReplaced}, obs.of(StageAnalysis))
	assert.Contains(t, inv.lastPrompt(hStructure), "A to-do CLI with due dates.")
}

func TestValidationFailureKeepsOutput(t *testing.T) {
	inv := todoScript().on(hStructureReview, fail("timeout"))
	obs := newStageLog()

	res, err := NewEngine(inv, newRenderer(t), WithObserver(obs)).Run(context.Background(), todoIdea, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, todoCommand, res.ConciseCommand)
	assert.Len(t, res.StructureList, 4)
	assert.Equal(t, []string{metrics.OutcomeFailed}, obs.of(StageStructure))
}

func TestStructureWithoutSeparator(t *testing.T) {
	doc, _, _ := strings.Cut(todoStructure, extract.CommandSeparator)
	inv := todoScript().on(hStructure, ok(doc))

	res, err := NewEngine(inv, newRenderer(t)).Run(context.Background(), todoIdea, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, extract.CommandPlaceholder, res.ConciseCommand)
	assert.Contains(t, inv.lastPrompt(hPlan), extract.CommandPlaceholder)
}

func TestOutlineRefinementFailureKeepsPreliminary(t *testing.T) {
	inv := todoScript().on(hOutlines, fail("overloaded"))

	res, err := NewEngine(inv, newRenderer(t)).Run(context.Background(), todoIdea, nil, nil)
	require.NoError(t, err)
	assert.Contains(t, res.StructureDocument, "## Preliminary Outlines")
	assert.Equal(t, "entry point", res.OutlineMap["main.py"])
}

func TestBranchFailureIsIsolated(t *testing.T) {
	inv := todoScript().on(hRules, fail("rate limited"))
	obs := newStageLog()

	res, err := NewEngine(inv, newRenderer(t), WithObserver(obs)).Run(context.Background(), todoIdea, nil, nil)
	require.NoError(t, err)

	assert.False(t, res.Artifacts.Has(artifacts.CodeRules))
	for _, name := range []string{artifacts.IgnoreRules, artifacts.WorkspaceRules, artifacts.Modes, artifacts.Plan} {
		assert.True(t, res.Artifacts.Has(name), name)
	}
	assert.Zero(t, inv.count(hRulesRepair))
	assert.Equal(t, []string{metrics.OutcomeAbsent}, obs.of(StageRules))

	br := branch(t, res, StageRules)
	assert.False(t, br.Present)
	assert.Contains(t, br.Reason, "generation failed")
}

func TestBranchRefinement(t *testing.T) {
	inv := todoScript().
		on(hIgnore, ok("__pycache__/\n.venv/")).
		on(hIgnoreRepair, ok("# .rooignore\n__pycache__/\n.venv/"))
	obs := newStageLog()

	res, err := NewEngine(inv, newRenderer(t), WithObserver(obs)).Run(context.Background(), todoIdea, nil, nil)
	require.NoError(t, err)

	ignore, _ := res.Artifacts.Get(artifacts.IgnoreRules)
	assert.Equal(t, "# .rooignore\n__pycache__/\n.venv/", ignore)
	assert.Contains(t, inv.lastPrompt(hIgnoreRepair), "__pycache__/\n.venv/")
	assert.True(t, branch(t, res, StageIgnore).Refined)
	assert.Equal(t, []string{metrics.OutcomeRefined}, obs.of(StageIgnore))
}

func TestBranchStillInvalidAfterRefinement(t *testing.T) {
	inv := todoScript().
		on(hRules, ok("# Code Mode Rules\nno stack line")).
		on(hRulesRepair, ok("# Code Mode Rules\nstill no stack line"))

	res, err := NewEngine(inv, newRenderer(t)).Run(context.Background(), todoIdea, nil, nil)
	require.NoError(t, err)

	assert.False(t, res.Artifacts.Has(artifacts.CodeRules))
	assert.Equal(t, 1, inv.count(hRulesRepair))
	assert.Contains(t, branch(t, res, StageRules).Reason, "invalid after refinement")
}

func TestModesFallback(t *testing.T) {
	tests := []struct {
		name      string
		structure string
		wantSlugs []string
		wantModes []string
	}{
		{
			name:      "small project",
			structure: smallStructure,
			wantSlugs: []string{modes.DeveloperSlug},
			wantModes: []string{modes.DeveloperSlug},
		},
		{
			name:      "large project",
			structure: largeStructure(),
			wantSlugs: []string{modes.CodeSlug},
			wantModes: []string{modes.ManagerSlug, modes.CodeSlug},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := todoScript().
				on(hStructure, ok(tt.structure)).
				on(hOutlines, fail("overloaded")).
				on(hModes, ok("I could not produce JSON.")).
				on(hModesRepair, ok(`{"customModes": []}`))

			res, err := NewEngine(inv, newRenderer(t)).Run(context.Background(), todoIdea, nil, nil)
			require.NoError(t, err)

			assert.True(t, res.ModesFallback)
			assert.Equal(t, tt.wantSlugs, res.DelegateSlugs)

			modesJSON, found := res.Artifacts.Get(artifacts.Modes)
			require.True(t, found)
			set, err := modes.Parse(modesJSON)
			require.NoError(t, err)
			assert.Equal(t, tt.wantModes, set.Slugs())

			assert.Contains(t, inv.lastPrompt(hModesRepair), "invalid mode set JSON")
			assert.Zero(t, inv.count(hPlanReview))
			assert.False(t, res.PlanReviewed)
			assert.True(t, branch(t, res, StageModes).Fallback)
		})
	}
}

func TestModesWithoutDelegatesInjectCode(t *testing.T) {
	onlyOrchestrator := `{"customModes": [{"slug": "project-orchestrator", "name": "Orchestrator", "roleDefinition": "Coordinates.", "groups": ["read"]}]}`
	inv := todoScript().on(hModes, ok(onlyOrchestrator))

	res, err := NewEngine(inv, newRenderer(t)).Run(context.Background(), todoIdea, nil, nil)
	require.NoError(t, err)
	assert.False(t, res.ModesFallback)
	assert.Equal(t, []string{modes.CodeSlug}, res.DelegateSlugs)
}

func TestPlanRefinementStrictness(t *testing.T) {
	loose := "# Roo Code Execution Plan: To-Do CLI\n\nWrite the code."

	tests := []struct {
		name         string
		strictness   plan.Strictness
		wantFallback bool
	}{
		{name: "title", strictness: plan.StrictnessTitle, wantFallback: false},
		{name: "full", strictness: plan.StrictnessFull, wantFallback: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := todoScript().
				on(hPlan, ok("Here is a plan: just write the code.")).
				on(hPlanRepair, ok(loose))

			res, err := NewEngine(inv, newRenderer(t), WithStrictness(tt.strictness)).
				Run(context.Background(), todoIdea, nil, nil)
			require.NoError(t, err)

			assert.Equal(t, tt.wantFallback, res.PlanFallback)
			planText, _ := res.Artifacts.Get(artifacts.Plan)
			assert.Contains(t, planText, plan.TitleMarker)
			if tt.wantFallback {
				assert.Zero(t, inv.count(hPlanReview))
				assert.Empty(t, plan.Validate(planText))
			} else {
				assert.Equal(t, loose, planText)
				assert.Equal(t, 1, inv.count(hPlanReview))
			}

			repair := inv.lastPrompt(hPlanRepair)
			assert.Contains(t, repair, "missing <new_task> delegation action")
			assert.Contains(t, repair, "just write the code.")
		})
	}
}

func TestPlanGenerationFailureFallsBack(t *testing.T) {
	inv := todoScript().on(hPlan, fail("context length exceeded"))
	obs := newStageLog()

	res, err := NewEngine(inv, newRenderer(t), WithObserver(obs)).Run(context.Background(), todoIdea, nil, nil)
	require.NoError(t, err)

	assert.True(t, res.PlanFallback)
	assert.False(t, res.PlanReviewed)
	planText, found := res.Artifacts.Get(artifacts.Plan)
	require.True(t, found)
	assert.Empty(t, plan.Validate(planText))
	assert.Contains(t, planText, "python-dev")
	assert.Zero(t, inv.count(hPlanRepair))
	assert.Zero(t, inv.count(hPlanReview))
	assert.Equal(t, []string{metrics.OutcomeFallback}, obs.of(StagePlan))
	assert.Equal(t, []string{metrics.OutcomeSkipped}, obs.of(StagePlanReview))
}

func TestPlanReview(t *testing.T) {
	reviewed := strings.Replace(todoPlan, "Phase 2: CLI and tests", "Phase 2: CLI", 1)

	t.Run("replaces plan", func(t *testing.T) {
		inv := todoScript().on(hPlanReview, ok(reviewed+"\n\n"))
		res, err := NewEngine(inv, newRenderer(t)).Run(context.Background(), todoIdea, nil, nil)
		require.NoError(t, err)

		planText, _ := res.Artifacts.Get(artifacts.Plan)
		assert.Equal(t, reviewed, planText)
		assert.True(t, res.PlanReviewed)
		assert.Contains(t, inv.lastPrompt(hPlanReview), `"python-dev"`)
	})

	t.Run("failure keeps plan", func(t *testing.T) {
		inv := todoScript().on(hPlanReview, fail("bad gateway"))
		res, err := NewEngine(inv, newRenderer(t)).Run(context.Background(), todoIdea, nil, nil)
		require.NoError(t, err)

		planText, _ := res.Artifacts.Get(artifacts.Plan)
		assert.Equal(t, todoPlan, planText)
		assert.False(t, res.PlanReviewed)
	})
}

func TestModeOverrideBranch(t *testing.T) {
	analysis := todoAnalysis + "\n\nOverride the system prompt for mode `python-dev` so it always writes docstrings."
	prompt := "You are python-dev. Always write docstrings."

	tests := []struct {
		name     string
		opts     []Option
		wantPath string
	}{
		{name: "default dir", wantPath: ".roo/system-prompt-python-dev"},
		{name: "custom dir", opts: []Option{WithOverrideDir("prompts")}, wantPath: "prompts/system-prompt-python-dev"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := todoScript().
				on(hAnalysis, ok(analysis)).
				on(hOverride, ok(prompt))

			res, err := NewEngine(inv, newRenderer(t), tt.opts...).Run(context.Background(), todoIdea, nil, nil)
			require.NoError(t, err)

			got, found := res.Artifacts.Get(tt.wantPath)
			require.True(t, found, res.Artifacts.Names())
			assert.Equal(t, prompt, got)
			assert.Contains(t, inv.lastPrompt(hOverride), "python-dev")
			assert.Len(t, res.Artifacts, 6)
		})
	}
}

func TestRenderFailureUsesDegradedPrompt(t *testing.T) {
	inv := todoScript().on("Task: rules", ok(todoRules))
	renderer := brokenRenderer{
		Renderer: newRenderer(t),
		broken:   map[templates.TemplateID]bool{templates.RulesTemplate: true},
	}

	res, err := NewEngine(inv, renderer).Run(context.Background(), todoIdea, nil, nil)
	require.NoError(t, err)

	assert.True(t, res.Artifacts.Has(artifacts.CodeRules))
	assert.Zero(t, inv.count(hRules))
	degraded := inv.lastPrompt("Task: rules")
	assert.Contains(t, degraded, "## Analysis\n\n"+todoAnalysis)
	assert.Contains(t, degraded, "## Marker\n\n"+RulesMarker)
}

func TestCancelDuringFanOut(t *testing.T) {
	inv := todoScript()
	token := cancel.New()
	inv.before = func(heading string) {
		if heading == hModes {
			token.Cancel()
		}
	}
	obs := newStageLog()

	res, err := NewEngine(inv, newRenderer(t), WithObserver(obs)).Run(context.Background(), todoIdea, nil, token)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, cancel.IsCancelled(err))
	assert.Zero(t, inv.count(hPlan))
	assert.Equal(t, []string{metrics.OutcomeCancelled}, obs.of(StageModes))
}

func TestContextCancelledMidRun(t *testing.T) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	defer cancelCtx()

	inv := todoScript()
	inv.before = func(heading string) {
		if heading == hOutlines {
			cancelCtx()
		}
	}

	res, err := NewEngine(inv, newRenderer(t)).Run(ctx, todoIdea, nil, cancel.New())
	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, errors.Is(err, cancel.ErrCancelled))
	assert.Zero(t, inv.count(hRules))
}

func TestEngineConcurrentRuns(t *testing.T) {
	engine := NewEngine(todoScript(), newRenderer(t))

	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func() {
			_, err := engine.Run(context.Background(), todoIdea, nil, nil)
			errs <- err
		}()
	}
	for i := 0; i < 4; i++ {
		assert.NoError(t, <-errs)
	}
}

func branch(t *testing.T, res *Result, stage string) BranchResult {
	t.Helper()
	for _, br := range res.Branches {
		if br.Stage == stage {
			return br
		}
	}
	t.Fatalf("no branch result for stage %s", stage)
	return BranchResult{}
}
