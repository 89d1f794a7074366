package pipeline

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomaker/pkg/cancel"
	"roomaker/pkg/modes"
	"roomaker/pkg/templates"
)

func TestHeaderValidator(t *testing.T) {
	valid := headerValidator(RulesHeader, RulesMarker)

	tests := []struct {
		name    string
		text    string
		wantErr string
	}{
		{name: "valid", text: "# Code Mode Rules\nPrimary Tech Stack: Go"},
		{name: "missing header", text: "Rules\nPrimary Tech Stack: Go", wantErr: `start with "# Code Mode Rules"`},
		{name: "header not first", text: "intro\n# Code Mode Rules\nPrimary Tech Stack: Go", wantErr: "start with"},
		{name: "missing marker", text: "# Code Mode Rules\n- be nice", wantErr: `"Primary Tech Stack"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := valid(tt.text)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if got != tt.text {
					t.Errorf("content changed: got %q", got)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want it to mention %s", err, tt.wantErr)
			}
		})
	}
}

func TestNonEmptyValidator(t *testing.T) {
	if _, err := nonEmptyValidator(" \n "); err == nil {
		t.Error("blank text should be rejected")
	}
	if got, err := nonEmptyValidator("prompt"); err != nil || got != "prompt" {
		t.Errorf("nonEmptyValidator(prompt) = %q, %v", got, err)
	}
}

func TestValidModeSetReserializes(t *testing.T) {
	out, err := validModeSet(`{"customModes": [{"slug": "Bad Slug"}, {"slug": "dev", "name": "Dev", "roleDefinition": "Codes.", "groups": ["read"]}], "extra": 1}`)
	require.NoError(t, err)

	assert.NotContains(t, out, "Bad Slug")
	assert.NotContains(t, out, "extra")
	set, err := modes.Parse(out)
	require.NoError(t, err)
	assert.Equal(t, []string{"dev"}, set.Slugs())

	_, err = validModeSet(`{"customModes": [{"slug": "Bad Slug"}]}`)
	assert.ErrorIs(t, err, modes.ErrNoModes)
}

func TestFallbackModesJSON(t *testing.T) {
	set, err := modes.Parse(fallbackModesJSON("## Project Structure\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{modes.DeveloperSlug}, set.Slugs())
}

func TestDegradedPrompt(t *testing.T) {
	out := degradedPrompt(templates.PlanRefinementTemplate, map[string]any{
		"Raw":    "draft",
		"Issues": []string{"missing title", "missing phase"},
		"Count":  3,
	})

	assert.True(t, strings.HasPrefix(out, "Task: plan refinement\n"), out)
	assert.Contains(t, out, "## Issues\n\nmissing title\nmissing phase\n")
	assert.Contains(t, out, "## Count\n\n3\n")
	assert.Less(t, strings.Index(out, "## Count"), strings.Index(out, "## Raw"))
}

func TestRunStageFallbackPolicies(t *testing.T) {
	inv := newScriptedInvoker().
		on(hWorkspace, ok("no header")).
		on(hWorkspaceRepair, fail("overloaded"))
	engine := NewEngine(inv, newRenderer(t))
	r := &run{engine: engine, token: cancel.New(), progress: func(string, string) {}}

	task := &ArtifactTask{
		Stage:      StageWorkspaceRules,
		Name:       ".clinerules",
		Primary:    templates.WorkspaceRulesTemplate,
		Vars:       vars{"Analysis": "a", "Structure": "s", "Header": WorkspaceRulesHeader},
		Valid:      headerValidator(WorkspaceRulesHeader),
		Refinement: templates.WorkspaceRulesRefinementTemplate,
		RefineVars: func(raw string, _ error) map[string]any {
			return vars{"Analysis": "a", "Header": WorkspaceRulesHeader, "Raw": raw}
		},
	}

	br, err := r.runStage(t.Context(), task)
	require.NoError(t, err)
	assert.False(t, br.Present)
	assert.Contains(t, br.Reason, "refinement failed")

	task.Policy = FallbackSynthesize
	task.Synthesize = func() string { return "# Workspace Rules\n" }
	br, err = r.runStage(t.Context(), task)
	require.NoError(t, err)
	assert.True(t, br.Present)
	assert.True(t, br.Fallback)
	assert.Equal(t, "# Workspace Rules\n", br.Content)
}

func TestRunStageCancelled(t *testing.T) {
	token := cancel.New()
	inv := newScriptedInvoker().on(hIgnore, ok("# .rooignore\n"))
	inv.before = func(string) { token.Cancel() }
	r := &run{engine: NewEngine(inv, newRenderer(t)), token: token, progress: func(string, string) {}}

	br, err := r.runStage(t.Context(), &ArtifactTask{
		Stage:   StageIgnore,
		Name:    ".rooignore",
		Primary: templates.IgnoreTemplate,
		Vars:    vars{"Structure": "s", "Header": IgnoreHeader},
		Valid:   headerValidator(IgnoreHeader),
	})
	assert.True(t, errors.Is(err, cancel.ErrCancelled))
	assert.False(t, br.Present)
}

func TestFatalStageErrorUnwraps(t *testing.T) {
	cause := errors.New("auth failed")
	err := error(&FatalStageError{Stage: StageStructure, Err: cause})

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "stage structure failed: auth failed", err.Error())
}
