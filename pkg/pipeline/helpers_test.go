package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"roomaker/pkg/cancel"
	"roomaker/pkg/templates"
)

// First lines of the rendered prompt templates.
const (
	hAnalysis        = "# Project Analysis"
	hAnalysisReview  = "# Analysis Review"
	hStructure       = "# Project Structure"
	hStructureReview = "# Structure Review"
	hOutlines        = "# Outline Refinement"
	hRules           = "# Coding Rules"
	hRulesRepair     = "# Coding Rules Repair"
	hIgnore          = "# Ignore Rules"
	hIgnoreRepair    = "# Ignore Rules Repair"
	hWorkspace       = "# Workspace Rules"
	hWorkspaceRepair = "# Workspace Rules Repair"
	hOverride        = "# System Prompt Override"
	hOverrideRepair  = "# System Prompt Override (retry)"
	hModes           = "# Custom Modes"
	hModesRepair     = "# Custom Modes Repair"
	hPlan            = "# Execution Plan"
	hPlanRepair      = "# Execution Plan Repair"
	hPlanReview      = "# Execution Plan Review"
)

type reply struct {
	text string
	err  error
}

func ok(text string) reply { return reply{text: text} }

func fail(msg string) reply { return reply{err: errors.New(msg)} }

// scriptedInvoker answers prompts by the first line of the rendered template.
// Each heading serves its replies in order and repeats the last one.
type scriptedInvoker struct {
	mu      sync.Mutex
	script  map[string][]reply
	served  map[string]int
	calls   []string
	prompts map[string][]string
	before  func(heading string)
}

func newScriptedInvoker() *scriptedInvoker {
	return &scriptedInvoker{
		script:  map[string][]reply{},
		served:  map[string]int{},
		prompts: map[string][]string{},
	}
}

func (s *scriptedInvoker) on(heading string, replies ...reply) *scriptedInvoker {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script[heading] = replies
	return s
}

func (s *scriptedInvoker) Invoke(ctx context.Context, prompt string, token *cancel.Token) (string, error) {
	heading, _, _ := strings.Cut(prompt, "\n")

	s.mu.Lock()
	s.calls = append(s.calls, heading)
	s.prompts[heading] = append(s.prompts[heading], prompt)
	hook := s.before
	rep := reply{err: fmt.Errorf("unscripted prompt %q", heading)}
	if replies := s.script[heading]; len(replies) > 0 {
		i := s.served[heading]
		if i >= len(replies) {
			i = len(replies) - 1
		}
		rep = replies[i]
		s.served[heading]++
	}
	s.mu.Unlock()

	if hook != nil {
		hook(heading)
	}
	if err := token.Check(ctx); err != nil {
		return "", err
	}
	return rep.text, rep.err
}

func (s *scriptedInvoker) count(heading string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.prompts[heading])
}

func (s *scriptedInvoker) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *scriptedInvoker) lastPrompt(heading string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.prompts[heading]
	if len(p) == 0 {
		return ""
	}
	return p[len(p)-1]
}

// stageLog records stage outcomes.
type stageLog struct {
	mu       sync.Mutex
	outcomes map[string][]string
}

func newStageLog() *stageLog {
	return &stageLog{outcomes: map[string][]string{}}
}

func (l *stageLog) ObserveStage(stage, outcome string, _ time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.outcomes[stage] = append(l.outcomes[stage], outcome)
}

func (l *stageLog) of(stage string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.outcomes[stage]...)
}

// brokenRenderer fails for the listed templates and delegates the rest.
type brokenRenderer struct {
	Renderer
	broken map[templates.TemplateID]bool
}

func (b brokenRenderer) Render(id templates.TemplateID, v map[string]any) (string, error) {
	if b.broken[id] {
		return "", fmt.Errorf("template %s is broken", id)
	}
	return b.Renderer.Render(id, v)
}

func newRenderer(t *testing.T) *templates.Renderer {
	t.Helper()
	r, err := templates.NewRenderer("")
	require.NoError(t, err)
	return r
}

const todoIdea = "A simple to-do list CLI in Python"

const todoAnalysis = `## Core Functionality
A command-line to-do list written in Python 3. Users add, list and complete tasks.

## Technical Requirements
Python 3.12, argparse for parsing, tasks persisted to a JSON file.

## Constraints
No third-party runtime dependencies.`

const todoCommand = "Build a Python to-do CLI with add, list and done commands backed by a JSON file."

const todoStructure = "## Overview\n" +
	"A single-package Python CLI that stores tasks in a JSON file.\n\n" +
	"## Project Structure\n\n" +
	"```json\n" +
	"[\n" +
	"  {\"type\": \"file\", \"path\": \"./main.py\"},\n" +
	"  {\"type\": \"dir\", \"path\": \"todo/\"},\n" +
	"  {\"type\": \"file\", \"path\": \"todo/storage.py\"},\n" +
	"  {\"type\": \"file\", \"path\": \"tests/test_storage.py\"}\n" +
	"]\n" +
	"```\n\n" +
	"## Preliminary Outlines\n\n" +
	"- `main.py`: entry point\n" +
	"- `todo/storage.py`: persistence\n\n" +
	"---CONCISE_COMMAND---\n" +
	todoCommand

const todoOutlines = "## Refined Outlines\n\n" +
	"- `main.py`: CLI entry point\n" +
	"    parse arguments with argparse\n" +
	"- `todo/storage.py`: JSON persistence\n" +
	"    load and save tasks"

const todoRules = `# Code Mode Rules

Primary Tech Stack: Python 3.12, argparse, pytest

- Type-annotate every public function.
- Keep storage access inside todo/storage.py.`

const todoIgnore = "```\n# .rooignore\n__pycache__/\n.venv/\n```"

const todoWorkspace = "Here is the content:\n# Workspace Rules\n- Run pytest before completing a task."

const todoModes = `{
  "customModes": [
    {"slug": "project-orchestrator", "name": "Orchestrator", "roleDefinition": "Coordinates work.", "groups": ["read"]},
    {"slug": "python-dev", "name": "Python Developer", "roleDefinition": "Writes the Python code.", "groups": ["read", "edit", "command"]},
    {"slug": "tester", "name": "Tester", "roleDefinition": "Writes pytest suites.", "groups": ["read", ["edit", {"fileRegex": "^tests/"}]]}
  ]
}`

const todoPlan = `# Roo Code Execution Plan: Python To-Do CLI

## Concise Goal
Build a Python to-do CLI with add, list and done commands backed by a JSON file.

## Steps

1. <switch_mode><mode_slug>project-orchestrator</mode_slug><reason>Coordinate the build</reason></switch_mode>

## Phase 1: Storage

2. <new_task><mode>python-dev</mode><message>{"task": "Implement todo/storage.py", "files": ["todo/storage.py"]}</message></new_task>

## Phase 2: CLI and tests

3. <new_task><mode>python-dev</mode><message>{"task": "Implement main.py"}</message></new_task>
4. <new_task><mode>tester</mode><message>{"task": "Write tests/test_storage.py"}</message></new_task>`

// todoScript answers every stage of a successful run.
func todoScript() *scriptedInvoker {
	return newScriptedInvoker().
		on(hAnalysis, ok(todoAnalysis)).
		on(hAnalysisReview, ok("OK")).
		on(hStructure, ok(todoStructure)).
		on(hStructureReview, ok(" ok \n")).
		on(hOutlines, ok(todoOutlines)).
		on(hRules, ok(todoRules)).
		on(hIgnore, ok(todoIgnore)).
		on(hWorkspace, ok(todoWorkspace)).
		on(hModes, ok(todoModes)).
		on(hPlan, ok(todoPlan)).
		on(hPlanReview, ok("OK"))
}

// largeStructure returns a structure response of at least twenty lines.
func largeStructure() string {
	var b strings.Builder
	b.WriteString("## Project Structure\n\n```json\n[\n")
	for i := 0; i < 24; i++ {
		sep := ","
		if i == 23 {
			sep = ""
		}
		fmt.Fprintf(&b, "  {\"type\": \"file\", \"path\": \"pkg/module_%02d.py\"}%s\n", i, sep)
	}
	b.WriteString("]\n```\n\n---CONCISE_COMMAND---\nBuild the modules.")
	return b.String()
}

const smallStructure = "## Project Structure\n\n```json\n[{\"type\": \"file\", \"path\": \"main.py\"}]\n```\n\n---CONCISE_COMMAND---\nBuild main.py."
