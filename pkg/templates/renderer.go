// Package templates provides the prompt templates for every pipeline stage.
package templates

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/template"
)

//go:embed *.tpl.md
var templateFS embed.FS

// TemplateID names a prompt template. The file backing it is "<id>.tpl.md".
type TemplateID string

const (
	// AnalysisTemplate asks for the requirements analysis of a project idea.
	AnalysisTemplate TemplateID = "analysis"
	// AnalysisValidationTemplate judges an analysis against the required sections.
	AnalysisValidationTemplate TemplateID = "analysis_validation"
	// StructureTemplate asks for the structure document and concise command.
	StructureTemplate TemplateID = "structure"
	// StructureValidationTemplate judges a structure document.
	StructureValidationTemplate TemplateID = "structure_validation"
	// OutlineRefinementTemplate refines the preliminary file outlines.
	OutlineRefinementTemplate TemplateID = "outline_refinement"

	RulesTemplate                    TemplateID = "rules"
	RulesRefinementTemplate          TemplateID = "rules_refinement"
	IgnoreTemplate                   TemplateID = "rooignore"
	IgnoreRefinementTemplate         TemplateID = "rooignore_refinement"
	WorkspaceRulesTemplate           TemplateID = "workspace_rules"
	WorkspaceRulesRefinementTemplate TemplateID = "workspace_rules_refinement"
	ModeOverrideTemplate             TemplateID = "mode_override"
	ModeOverrideRefinementTemplate   TemplateID = "mode_override_refinement"
	ModesTemplate                    TemplateID = "modes"
	ModesRefinementTemplate          TemplateID = "modes_refinement"

	// PlanTemplate drafts the execution plan.
	PlanTemplate TemplateID = "plan"
	// PlanRefinementTemplate repairs a plan given the list of violated rules.
	PlanRefinementTemplate TemplateID = "plan_refinement"
	// PlanReviewTemplate cross-checks a plan against the mode set.
	PlanReviewTemplate TemplateID = "plan_review"
)

// All lists every template the pipeline renders.
var All = []TemplateID{
	AnalysisTemplate,
	AnalysisValidationTemplate,
	StructureTemplate,
	StructureValidationTemplate,
	OutlineRefinementTemplate,
	RulesTemplate,
	RulesRefinementTemplate,
	IgnoreTemplate,
	IgnoreRefinementTemplate,
	WorkspaceRulesTemplate,
	WorkspaceRulesRefinementTemplate,
	ModeOverrideTemplate,
	ModeOverrideRefinementTemplate,
	ModesTemplate,
	ModesRefinementTemplate,
	PlanTemplate,
	PlanRefinementTemplate,
	PlanReviewTemplate,
}

// FileName returns the template file backing id.
func (id TemplateID) FileName() string {
	return string(id) + ".tpl.md"
}

// Source tells where a loaded template came from.
type Source string

const (
	SourceEmbedded Source = "embedded"
	SourceOverride Source = "override"
)

// Renderer renders prompt templates with map variables.
type Renderer struct {
	templates map[TemplateID]*template.Template
	sources   map[TemplateID]Source
}

var funcs = template.FuncMap{
	"join":     strings.Join,
	"contains": strings.Contains,
	"trim":     strings.TrimSpace,
}

// NewRenderer loads the embedded templates. When overrideDir is non-empty, any
// "<id>.tpl.md" file found there replaces the embedded template of the same id.
func NewRenderer(overrideDir string) (*Renderer, error) {
	r := &Renderer{
		templates: make(map[TemplateID]*template.Template, len(All)),
		sources:   make(map[TemplateID]Source, len(All)),
	}

	for _, id := range All {
		content, source, err := load(id, overrideDir)
		if err != nil {
			return nil, err
		}

		tmpl, err := template.New(string(id)).Funcs(funcs).Option("missingkey=error").Parse(content)
		if err != nil {
			return nil, fmt.Errorf("failed to parse template %s (%s): %w", id, source, err)
		}
		r.templates[id] = tmpl
		r.sources[id] = source
	}

	return r, nil
}

func load(id TemplateID, overrideDir string) (string, Source, error) {
	if overrideDir != "" {
		content, err := os.ReadFile(filepath.Join(overrideDir, id.FileName()))
		switch {
		case err == nil:
			return string(content), SourceOverride, nil
		case !errors.Is(err, fs.ErrNotExist):
			return "", "", fmt.Errorf("failed to read template override %s: %w", id, err)
		}
	}

	content, err := templateFS.ReadFile(id.FileName())
	if err != nil {
		return "", "", fmt.Errorf("failed to read template %s: %w", id, err)
	}
	return string(content), SourceEmbedded, nil
}

// Render renders the specified template with the given variables. A variable
// the template references but vars lacks is an error.
func (r *Renderer) Render(id TemplateID, vars map[string]any) (string, error) {
	tmpl, exists := r.templates[id]
	if !exists {
		return "", fmt.Errorf("template %s not found", id)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("failed to render template %s: %w", id, err)
	}

	return buf.String(), nil
}

// Info describes a loaded template.
type Info struct {
	ID     TemplateID
	Source Source
}

// Available returns every loaded template sorted by id.
func (r *Renderer) Available() []Info {
	out := make([]Info, 0, len(r.templates))
	for id := range r.templates {
		out = append(out, Info{ID: id, Source: r.sources[id]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
