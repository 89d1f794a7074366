// Package pipeline turns a project idea into Roo Code planning artifacts by
// running a fixed sequence of LLM stages. Stages 1-3 run serially, the artifact
// branches 4.x/5 fan out concurrently, and plan assembly and review run last.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"roomaker/pkg/artifacts"
	"roomaker/pkg/cancel"
	"roomaker/pkg/extract"
	"roomaker/pkg/templates"
)

// Stage names used for progress, logging and metrics.
const (
	StageAnalysis       = "analysis"
	StageStructure      = "structure"
	StageOutlines       = "outlines"
	StageRules          = "rules"
	StageIgnore         = "rooignore"
	StageWorkspaceRules = "workspace_rules"
	StageModeOverride   = "mode_override"
	StageModes          = "modes"
	StagePlan           = "plan"
	StagePlanReview     = "plan_review"
)

// Invoker sends one prompt to the language model.
type Invoker interface {
	Invoke(ctx context.Context, prompt string, token *cancel.Token) (string, error)
}

// Renderer renders a prompt template.
type Renderer interface {
	Render(id templates.TemplateID, vars map[string]any) (string, error)
}

// ProgressFunc receives a (stage, message) pair at every stage transition.
// Calls are serialized by the engine.
type ProgressFunc func(stage, message string)

// StageObserver records how each stage ended. metrics.Recorder satisfies it.
type StageObserver interface {
	ObserveStage(stage, outcome string, duration time.Duration)
}

// FatalStageError aborts a run. Only analysis and structuring raise it.
type FatalStageError struct {
	Stage string
	Err   error
}

func (e *FatalStageError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *FatalStageError) Unwrap() error {
	return e.Err
}

// Result is the outcome of a completed run.
type Result struct {
	Artifacts         artifacts.Map     `json:"artifacts"`
	StructureList     []extract.Entry   `json:"structureList"`
	OutlineMap        map[string]string `json:"outlineMap"`
	Analysis          string            `json:"analysis"`
	StructureDocument string            `json:"structureDocument"`
	ConciseCommand    string            `json:"conciseCommand"`
	DelegateSlugs     []string          `json:"delegateSlugs"`
	ModesFallback     bool              `json:"modesFallback"`
	PlanFallback      bool              `json:"planFallback"`
	PlanReviewed      bool              `json:"planReviewed"`
	Branches          []BranchResult    `json:"branches"`
}
