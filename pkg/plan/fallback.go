package plan

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DefaultSlug is used when no delegate slug fits a role.
const DefaultSlug = "code"

var coordinatorHints = []string{"manager", "orchestrator", "lead"}

// TaskPayload is the JSON message carried by a delegation step.
type TaskPayload struct {
	Goal                 string   `json:"goal"`
	ContextSummary       string   `json:"contextSummary"`
	DetailedInstructions []string `json:"detailedInstructions"`
	ToolNotes            string   `json:"toolNotes"`
	CompletionCriteria   []string `json:"completionCriteria"`
}

func isCoordinator(slug string) bool {
	for _, hint := range coordinatorHints {
		if strings.Contains(slug, hint) {
			return true
		}
	}
	return false
}

// Roles picks the coordinating and implementing slugs for a fallback plan.
func Roles(delegates []string) (coordinator, implementer string) {
	coordinator, implementer = DefaultSlug, DefaultSlug
	foundCoordinator, foundImplementer := false, false
	for _, slug := range delegates {
		switch {
		case isCoordinator(slug):
			if !foundCoordinator {
				coordinator, foundCoordinator = slug, true
			}
		case !foundImplementer:
			implementer, foundImplementer = slug, true
		}
	}
	return coordinator, implementer
}

// Fallback builds a two-step plan that passes Validate: switch to the
// coordinator, then delegate one implementation task phrased from command.
func Fallback(command string, delegates []string) string {
	command = strings.TrimSpace(command)
	if command == "" {
		command = "Implement the project described in the analysis and structure documents."
	}
	coordinator, implementer := Roles(delegates)

	payload := TaskPayload{
		Goal:           command,
		ContextSummary: "The project analysis and structure documents describe the requirements, file layout and outlines.",
		DetailedInstructions: []string{
			"Read the structure document and create the listed directories and files.",
			"Implement each file following its outline.",
			"Follow the project rules in .clinerules and .clinerules-code.",
		},
		ToolNotes: "Use the edit tools to create files and the command tool to run tests.",
		CompletionCriteria: []string{
			"Every file from the structure document exists and is implemented.",
			"The project builds and its tests pass.",
		},
	}
	body, _ := json.MarshalIndent(payload, "", "  ")

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n\n", TitleMarker, planTitle(command))
	fmt.Fprintf(&b, "## %s\n\n%s\n\n", ConciseGoalMarker, command)
	b.WriteString("## Phase 1: Implementation\n\n")
	fmt.Fprintf(&b, "1. Switch to the `%s` mode to coordinate the work.\n", coordinator)
	fmt.Fprintf(&b, "<switch_mode>\n<mode_slug>%s</mode_slug>\n<reason>Coordinate the implementation of the project.</reason>\n</switch_mode>\n\n", coordinator)
	fmt.Fprintf(&b, "2. Delegate the implementation to the `%s` mode.\n", implementer)
	fmt.Fprintf(&b, "<new_task>\n<mode>%s</mode>\n<message>\n%s\n</message>\n</new_task>\n", implementer, body)
	return b.String()
}

// planTitle is the first sentence of command, capped at 80 characters.
func planTitle(command string) string {
	title := command
	if i := strings.IndexAny(title, ".\n"); i > 0 {
		title = title[:i]
	}
	title = strings.TrimSpace(title)
	if r := []rune(title); len(r) > 80 {
		title = strings.TrimSpace(string(r[:80])) + "..."
	}
	return title
}
