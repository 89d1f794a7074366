package plan

import (
	"fmt"
	"strings"
)

// Strictness selects how a refined plan is re-checked.
type Strictness string

const (
	// StrictnessTitle accepts a refined plan that contains the title marker.
	StrictnessTitle Strictness = "title"
	// StrictnessFull re-applies every rule from Validate.
	StrictnessFull Strictness = "full"
)

// ParseStrictness maps a config value to a Strictness. Empty means title.
func ParseStrictness(s string) (Strictness, error) {
	switch Strictness(strings.ToLower(strings.TrimSpace(s))) {
	case "", StrictnessTitle:
		return StrictnessTitle, nil
	case StrictnessFull:
		return StrictnessFull, nil
	default:
		return "", fmt.Errorf("unknown plan strictness %q (want %q or %q)", s, StrictnessTitle, StrictnessFull)
	}
}

// AcceptRefined reports whether a refined plan passes the post-refinement check.
func (s Strictness) AcceptRefined(text string) bool {
	if s == StrictnessFull {
		return len(Validate(text)) == 0
	}
	return strings.Contains(text, TitleMarker)
}
