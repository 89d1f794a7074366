package extract

import (
	"regexp"
	"strings"
)

// CommandSeparator is the line the structuring stage puts between the structure
// document and the one-paragraph concise command.
const CommandSeparator = "---CONCISE_COMMAND---"

// Placeholders substituted when a half of the structuring output is empty.
const (
	StructurePlaceholder = "# Project Structure\n\n_Structure generation returned no usable content._"
	CommandPlaceholder   = "Implement the project described in the analysis and structure documents."
)

var overrideTrigger = regexp.MustCompile("(?i)override\\s+(?:the\\s+)?system\\s+prompt\\s+for\\s+(?:the\\s+)?(?:mode\\s+)?[\"'`]?([a-z0-9]+(?:-[a-z0-9]+)*)[\"'`]?")

// SplitCommand splits a structuring response on the last CommandSeparator.
// Empty halves are replaced by placeholders, so both results are non-empty.
func SplitCommand(doc string) (structure, command string) {
	if idx := strings.LastIndex(doc, CommandSeparator); idx >= 0 {
		structure = strings.TrimSpace(doc[:idx])
		command = strings.TrimSpace(doc[idx+len(CommandSeparator):])
	} else {
		structure = strings.TrimSpace(doc)
	}
	if structure == "" {
		structure = StructurePlaceholder
	}
	if command == "" {
		command = CommandPlaceholder
	}
	return structure, command
}

// OverrideTarget finds an explicit "override system prompt for mode X" request
// and returns the lowercase mode slug X.
func OverrideTarget(text string) (string, bool) {
	m := overrideTrigger.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	slug := strings.ToLower(m[1])
	if slug == "mode" {
		return "", false
	}
	return slug, true
}
