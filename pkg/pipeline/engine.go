package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"roomaker/pkg/artifacts"
	"roomaker/pkg/cancel"
	"roomaker/pkg/extract"
	"roomaker/pkg/logx"
	"roomaker/pkg/metrics"
	"roomaker/pkg/modes"
	"roomaker/pkg/plan"
	"roomaker/pkg/templates"
)

// Engine runs the artifact pipeline. It is safe for concurrent runs.
type Engine struct {
	invoker     Invoker
	renderer    Renderer
	observer    StageObserver
	strictness  plan.Strictness
	overrideDir string
	logger      *logx.Logger
}

// Option customizes an Engine.
type Option func(*Engine)

// WithObserver records stage outcomes and durations.
func WithObserver(o StageObserver) Option {
	return func(e *Engine) { e.observer = o }
}

// WithStrictness sets the post-refinement plan check.
func WithStrictness(s plan.Strictness) Option {
	return func(e *Engine) { e.strictness = s }
}

// WithOverrideDir sets the directory of system-prompt-<slug> artifacts.
func WithOverrideDir(dir string) Option {
	return func(e *Engine) { e.overrideDir = dir }
}

// WithLogger replaces the engine logger.
func WithLogger(l *logx.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates an engine over the given model invoker and template renderer.
func NewEngine(invoker Invoker, renderer Renderer, opts ...Option) *Engine {
	e := &Engine{
		invoker:     invoker,
		renderer:    renderer,
		strictness:  plan.StrictnessTitle,
		overrideDir: artifacts.DefaultOverrideDir,
		logger:      logx.NewLogger("pipeline"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes every stage for idea. It returns a *FatalStageError when the
// idea could not be analyzed or structured, and an error wrapping
// cancel.ErrCancelled when the token is set or ctx is done. All other stage
// failures only degrade the result.
func (e *Engine) Run(ctx context.Context, idea string, onProgress ProgressFunc, token *cancel.Token) (*Result, error) {
	var mu sync.Mutex
	r := &run{
		engine: e,
		token:  token,
		progress: func(stage, message string) {
			if onProgress == nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			onProgress(stage, message)
		},
	}

	res, err := r.execute(ctx, strings.TrimSpace(idea))
	if err != nil {
		if cancel.IsCancelled(err) {
			e.logger.Info("run cancelled")
			r.progress("cancelled", "Run cancelled")
			if !errors.Is(err, cancel.ErrCancelled) {
				err = fmt.Errorf("%w: %w", cancel.ErrCancelled, err)
			}
			return nil, err
		}
		return nil, err
	}
	return res, nil
}

func (r *run) execute(ctx context.Context, idea string) (*Result, error) {
	if err := r.checkpoint(ctx); err != nil {
		return nil, err
	}
	if idea == "" {
		return nil, &FatalStageError{Stage: StageAnalysis, Err: errors.New("project idea is empty")}
	}

	analysis, err := r.analyze(ctx, idea)
	if err != nil {
		return nil, err
	}

	structure, command, err := r.structure(ctx, idea, analysis)
	if err != nil {
		return nil, err
	}

	structure, err = r.refineOutlines(ctx, analysis, structure)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Artifacts:         artifacts.Map{},
		Analysis:          analysis,
		StructureDocument: structure,
		ConciseCommand:    command,
	}

	modeSet, err := r.generateArtifacts(ctx, res)
	if err != nil {
		return nil, err
	}

	if err := r.assemblePlan(ctx, res, modeSet); err != nil {
		return nil, err
	}

	res.StructureList, _ = extract.StructureList(structure)
	if res.StructureList == nil {
		res.StructureList = []extract.Entry{}
	}
	res.OutlineMap, _ = extract.OutlineMap(structure)
	if res.OutlineMap == nil {
		res.OutlineMap = map[string]string{}
	}

	r.progress("done", fmt.Sprintf("Produced %d artifacts", len(res.Artifacts)))
	return res, nil
}

// analyze is stage 1. A failed analysis call is fatal; a failed validation
// call keeps the unvalidated analysis.
func (r *run) analyze(ctx context.Context, idea string) (string, error) {
	started := time.Now()
	if err := r.checkpoint(ctx); err != nil {
		return "", err
	}
	r.progress(StageAnalysis, "Analyzing project idea")

	out, err := r.invoke(ctx, StageAnalysis, r.render(templates.AnalysisTemplate, vars{"Idea": idea}))
	if err != nil {
		return "", r.stageFailed(StageAnalysis, err, started)
	}
	analysis := strings.TrimSpace(out)

	r.progress(StageAnalysis, "Validating analysis")
	analysis, outcome, err := r.okOrReplace(ctx, StageAnalysis, templates.AnalysisValidationTemplate,
		vars{"Idea": idea, "Analysis": analysis}, analysis)
	r.observe(StageAnalysis, outcome, started)
	if err != nil {
		return "", err
	}
	return analysis, nil
}

// structure is stage 2. It returns the structure document and the concise
// command, both non-empty.
func (r *run) structure(ctx context.Context, idea, analysis string) (string, string, error) {
	started := time.Now()
	if err := r.checkpoint(ctx); err != nil {
		return "", "", err
	}
	r.progress(StageStructure, "Designing project structure")

	doc, err := r.invoke(ctx, StageStructure, r.render(templates.StructureTemplate,
		vars{"Idea": idea, "Analysis": analysis, "Separator": extract.CommandSeparator}))
	if err != nil {
		return "", "", r.stageFailed(StageStructure, err, started)
	}
	doc = strings.TrimSpace(doc)

	r.progress(StageStructure, "Validating structure")
	doc, outcome, err := r.okOrReplace(ctx, StageStructure, templates.StructureValidationTemplate,
		vars{"Idea": idea, "Analysis": analysis, "Document": doc, "Separator": extract.CommandSeparator}, doc)
	r.observe(StageStructure, outcome, started)
	if err != nil {
		return "", "", err
	}

	structure, command := extract.SplitCommand(doc)
	if structure == extract.StructurePlaceholder || command == extract.CommandPlaceholder {
		r.engine.logger.Warn("structuring output was incomplete, placeholders substituted")
	}

	return structure, command, nil
}

// refineOutlines is stage 3. Any failure returns the document unchanged.
func (r *run) refineOutlines(ctx context.Context, analysis, structure string) (string, error) {
	started := time.Now()
	if err := r.checkpoint(ctx); err != nil {
		return "", err
	}
	r.progress(StageOutlines, "Refining file outlines")

	var preliminary string
	if sec, ok := extract.FindOutlineSection(structure); ok {
		preliminary = strings.TrimSpace(sec.Text)
	}

	out, err := r.invoke(ctx, StageOutlines, r.render(templates.OutlineRefinementTemplate,
		vars{"Analysis": analysis, "Structure": structure, "Outlines": preliminary}))
	if err != nil {
		if cancel.IsCancelled(err) {
			r.observe(StageOutlines, metrics.OutcomeCancelled, started)
			return "", err
		}
		r.engine.logger.Warn("outline refinement failed, keeping preliminary outlines: %v", err)
		r.observe(StageOutlines, metrics.OutcomeFailed, started)
		return structure, nil
	}

	refined := extract.Normalize(out)
	if refined == "" {
		r.observe(StageOutlines, metrics.OutcomeFailed, started)
		return structure, nil
	}

	r.observe(StageOutlines, metrics.OutcomeOK, started)
	return extract.SpliceOutlines(structure, refined), nil
}

func (r *run) stageFailed(stage string, err error, started time.Time) error {
	if cancel.IsCancelled(err) {
		r.observe(stage, metrics.OutcomeCancelled, started)
		return err
	}
	r.observe(stage, metrics.OutcomeFailed, started)
	r.engine.logger.Error("%s failed: %v", stage, err)
	return &FatalStageError{Stage: stage, Err: err}
}

// generateArtifacts runs the five independent branches concurrently and
// returns the mode set plan assembly delegates to. Siblings never interrupt
// each other; the join waits for all of them.
func (r *run) generateArtifacts(ctx context.Context, res *Result) (*modes.Set, error) {
	if err := r.checkpoint(ctx); err != nil {
		return nil, err
	}

	tasks := r.artifactTasks(res)
	results := make([]BranchResult, len(tasks))

	var g errgroup.Group
	for i, task := range tasks {
		g.Go(func() error {
			br, err := r.runStage(ctx, task)
			results[i] = br
			return err
		})
	}
	err := g.Wait()

	if cerr := r.checkpoint(ctx); cerr != nil {
		return nil, cerr
	}
	if err != nil {
		return nil, err
	}

	if _, triggered := r.overrideTarget(res); !triggered {
		results = append(results, BranchResult{Stage: StageModeOverride, Reason: "no override requested"})
		r.observe(StageModeOverride, metrics.OutcomeSkipped, time.Now())
	}

	var modeSet *modes.Set
	for _, br := range results {
		if br.Present {
			res.Artifacts.Set(br.Name, br.Content)
		}
		if br.Stage == StageModes {
			res.ModesFallback = br.Fallback
			modeSet = r.modeSetFrom(br, res)
		}
	}
	res.Branches = results
	return modeSet, nil
}

// modeSetFrom recovers the validated mode set from the modes branch and fills
// in the delegate slugs.
func (r *run) modeSetFrom(br BranchResult, res *Result) *modes.Set {
	if !br.Fallback {
		if set, err := modes.Parse(br.Content); err == nil {
			slugs, injected := modes.DelegateSlugs(set)
			if injected {
				r.engine.logger.Warn("no delegate modes generated, delegating to %q", modes.CodeSlug)
			}
			res.DelegateSlugs = slugs
			return set
		}
	}

	set, slugs := modes.Fallback(res.StructureDocument)
	res.DelegateSlugs = slugs
	return set
}
