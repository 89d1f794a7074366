package pipeline

import (
	"roomaker/pkg/artifacts"
	"roomaker/pkg/extract"
	"roomaker/pkg/modes"
	"roomaker/pkg/templates"
)

// Required first lines and marker of the generated rule files.
const (
	RulesHeader          = "# Code Mode Rules"
	RulesMarker          = "Primary Tech Stack"
	IgnoreHeader         = "# .rooignore"
	WorkspaceRulesHeader = "# Workspace Rules"
)

// overrideTarget scans the analysis and structure document for an explicit
// request to override a mode's system prompt.
func (r *run) overrideTarget(res *Result) (string, bool) {
	return extract.OverrideTarget(res.Analysis + "\n" + res.StructureDocument)
}

// artifactTasks builds the branches of stages 4.x and 5. The mode override
// branch is only included when the analysis asks for one.
func (r *run) artifactTasks(res *Result) []*ArtifactTask {
	analysis, structure := res.Analysis, res.StructureDocument

	tasks := []*ArtifactTask{
		{
			Stage:      StageRules,
			Name:       artifacts.CodeRules,
			Primary:    templates.RulesTemplate,
			Vars:       vars{"Analysis": analysis, "Structure": structure, "Header": RulesHeader, "Marker": RulesMarker},
			Valid:      headerValidator(RulesHeader, RulesMarker),
			Refinement: templates.RulesRefinementTemplate,
			RefineVars: func(raw string, _ error) map[string]any {
				return vars{"Analysis": analysis, "Structure": structure, "Header": RulesHeader, "Marker": RulesMarker, "Raw": raw}
			},
		},
		{
			Stage:      StageIgnore,
			Name:       artifacts.IgnoreRules,
			Primary:    templates.IgnoreTemplate,
			Vars:       vars{"Structure": structure, "Header": IgnoreHeader},
			Valid:      headerValidator(IgnoreHeader),
			Refinement: templates.IgnoreRefinementTemplate,
			RefineVars: func(raw string, _ error) map[string]any {
				return vars{"Structure": structure, "Header": IgnoreHeader, "Raw": raw}
			},
		},
		{
			Stage:      StageWorkspaceRules,
			Name:       artifacts.WorkspaceRules,
			Primary:    templates.WorkspaceRulesTemplate,
			Vars:       vars{"Analysis": analysis, "Structure": structure, "Header": WorkspaceRulesHeader},
			Valid:      headerValidator(WorkspaceRulesHeader),
			Refinement: templates.WorkspaceRulesRefinementTemplate,
			RefineVars: func(raw string, _ error) map[string]any {
				return vars{"Analysis": analysis, "Header": WorkspaceRulesHeader, "Raw": raw}
			},
		},
		{
			Stage:      StageModes,
			Name:       artifacts.Modes,
			Primary:    templates.ModesTemplate,
			Vars:       vars{"Analysis": analysis, "Structure": structure},
			Valid:      validModeSet,
			Refinement: templates.ModesRefinementTemplate,
			RefineVars: func(raw string, problem error) map[string]any {
				return vars{"Structure": structure, "Raw": raw, "Problem": problem.Error()}
			},
			Policy:     FallbackSynthesize,
			Synthesize: func() string { return fallbackModesJSON(structure) },
		},
	}

	if slug, ok := r.overrideTarget(res); ok {
		r.engine.logger.Info("analysis requests a system prompt override for mode %q", slug)
		tasks = append(tasks, &ArtifactTask{
			Stage:      StageModeOverride,
			Name:       artifacts.OverridePath(r.engine.overrideDir, slug),
			Primary:    templates.ModeOverrideTemplate,
			Vars:       vars{"Analysis": analysis, "Structure": structure, "Slug": slug},
			Valid:      nonEmptyValidator,
			Refinement: templates.ModeOverrideRefinementTemplate,
			RefineVars: func(raw string, _ error) map[string]any {
				return vars{"Analysis": analysis, "Slug": slug, "Raw": raw}
			},
		})
	}

	return tasks
}

// validModeSet parses the mode set and re-serializes the validated schema, so
// later stages never see the raw model output.
func validModeSet(text string) (string, error) {
	set, err := modes.Parse(text)
	if err != nil {
		return "", err //nolint:wrapcheck // message goes to the refinement prompt
	}
	return set.JSON()
}

func fallbackModesJSON(structure string) string {
	set, _ := modes.Fallback(structure)
	out, _ := set.JSON()
	return out
}
