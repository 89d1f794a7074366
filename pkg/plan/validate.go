// Package plan validates Roo Code execution plans and synthesizes a
// deterministic plan when generation fails.
package plan

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Markers every execution plan carries.
const (
	TitleMarker       = "# Roo Code Execution Plan:"
	ConciseGoalMarker = "Concise Goal"
	DelegationTag     = "<new_task>"
)

var (
	firstStepPattern  = regexp.MustCompile(`(?m)^[ \t]*1\.[ \t]`)
	nextStepPattern   = regexp.MustCompile(`(?m)^[ \t]*\d+\.[ \t]`)
	switchModePattern = regexp.MustCompile(`(?s)<switch_mode>.*?<mode_slug>\s*([a-z0-9]+(?:-[a-z0-9]+)*)\s*</mode_slug>`)
	phasePattern      = regexp.MustCompile(`(?im)^#{2,4}[ \t]*Phase[ \t]+\d+`)
	newTaskPattern    = regexp.MustCompile(`(?s)<new_task>(.*?)</new_task>`)
	messagePattern    = regexp.MustCompile(`(?s)<message>(.*?)</message>`)
	jsonFencePattern  = regexp.MustCompile("(?s)```(?:json)?[ \\t]*\\n(.*?)\\n[ \\t]*```")
)

// Validate checks a plan against every structural rule and returns the
// violated rules as human-readable issues. An empty result means the plan is
// valid.
func Validate(text string) []string {
	var issues []string

	if !strings.Contains(text, TitleMarker) {
		issues = append(issues, fmt.Sprintf("missing title line starting with %q", TitleMarker))
	}
	if !strings.Contains(text, ConciseGoalMarker) {
		issues = append(issues, fmt.Sprintf("missing %q section", ConciseGoalMarker))
	}
	if issue := checkFirstStep(text); issue != "" {
		issues = append(issues, issue)
	}
	if !phasePattern.MatchString(text) {
		issues = append(issues, "missing phase heading such as \"## Phase 1\"")
	}
	if !strings.Contains(text, DelegationTag) {
		issues = append(issues, "missing <new_task> delegation action")
	}
	issues = append(issues, checkPayloads(text)...)

	return issues
}

func checkFirstStep(text string) string {
	loc := firstStepPattern.FindStringIndex(text)
	if loc == nil {
		return "missing first numbered step \"1.\""
	}
	step := text[loc[0]:]
	if next := nextStepPattern.FindStringIndex(step[loc[1]-loc[0]:]); next != nil {
		step = step[:loc[1]-loc[0]+next[0]]
	}
	if !switchModePattern.MatchString(step) {
		return "first step must be a <switch_mode> action with a lowercase-hyphenated <mode_slug>"
	}
	return ""
}

func checkPayloads(text string) []string {
	var issues []string
	for i, task := range newTaskPattern.FindAllStringSubmatch(text, -1) {
		msg := messagePattern.FindStringSubmatch(task[1])
		if msg == nil {
			continue
		}
		payload, ok := jsonPayload(msg[1])
		if !ok {
			continue
		}
		var v any
		if err := json.Unmarshal([]byte(payload), &v); err != nil {
			issues = append(issues, fmt.Sprintf("delegation %d: message JSON does not parse: %v", i+1, err))
		}
	}
	return issues
}

// jsonPayload returns the JSON text embedded in a delegation message, either a
// fenced block or the outermost braces.
func jsonPayload(message string) (string, bool) {
	if m := jsonFencePattern.FindStringSubmatch(message); m != nil {
		return strings.TrimSpace(m[1]), true
	}
	start := strings.Index(message, "{")
	end := strings.LastIndex(message, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return message[start : end+1], true
}
