package modes

import "strings"

// smallProjectLines is the structure document size below which a single flat
// developer mode is synthesized.
const smallProjectLines = 20

// Fallback synthesizes a deterministic mode set from the structure document and
// returns it with its delegate slugs.
func Fallback(structureDoc string) (*Set, []string) {
	if countLines(structureDoc) < smallProjectLines {
		return &Set{CustomModes: []Mode{developerMode()}}, []string{DeveloperSlug}
	}
	return &Set{CustomModes: []Mode{managerMode(), codeMode()}}, []string{CodeSlug}
}

func countLines(text string) int {
	text = strings.TrimRight(text, "\n")
	if text == "" {
		return 0
	}
	return strings.Count(text, "\n") + 1
}

func groups(names ...string) []Group {
	out := make([]Group, len(names))
	for i, n := range names {
		out[i] = Group{Name: n}
	}
	return out
}

func developerMode() Mode {
	return Mode{
		Slug:               DeveloperSlug,
		Name:               "Developer",
		RoleDefinition:     "You are a full-stack developer responsible for implementing this small project end to end.",
		Groups:             groups(CapRead, CapEdit, CapCommand, CapCompletion),
		CustomInstructions: "Follow the project rules in .clinerules. Keep changes small and verify each step before completing.",
	}
}

func managerMode() Mode {
	return Mode{
		Slug:               ManagerSlug,
		Name:               "Project Manager",
		RoleDefinition:     "You coordinate the project: break work into tasks, delegate them to implementation modes and track completion.",
		Groups:             groups(CapRead, CapDelegate, CapSwitch),
		CustomInstructions: "Never edit files yourself. Delegate every implementation task with clear completion criteria.",
	}
}

func codeMode() Mode {
	return Mode{
		Slug:               CodeSlug,
		Name:               "Code",
		RoleDefinition:     "You are a software engineer implementing the tasks delegated to you.",
		Groups:             groups(CapRead, CapEdit, CapCommand, CapCompletion),
		CustomInstructions: "Follow .clinerules-code. Report completion with a short summary of what changed.",
	}
}
