// Package modes defines the Roo Code custom mode set (.roomodes) and the rules
// for choosing which modes a plan may delegate to.
package modes

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Reserved and default slugs.
const (
	OrchestratorSlug = "project-orchestrator" // coordination only, never a delegate
	CodeSlug         = "code"
	DeveloperSlug    = "developer"
	ManagerSlug      = "project-manager"
)

// Capability tokens used in mode groups.
const (
	CapRead       = "read"
	CapEdit       = "edit"
	CapCommand    = "command"
	CapCompletion = "completion"
	CapDelegate   = "delegate"
	CapSwitch     = "switch"
)

var (
	slugPattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

	ErrNoModes = errors.New("customModes is missing or empty")
)

// Group is one capability entry. Roo accepts either a bare token ("read") or a
// [token, options] pair; Options keeps the second element verbatim.
type Group struct {
	Name    string
	Options json.RawMessage
}

func (g Group) MarshalJSON() ([]byte, error) {
	if len(g.Options) == 0 {
		return json.Marshal(g.Name)
	}
	return json.Marshal([]any{g.Name, g.Options})
}

func (g *Group) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		*g = Group{Name: name}
		return nil
	}
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil || len(pair) == 0 {
		return fmt.Errorf("group must be a string or [name, options]: %s", string(data))
	}
	if err := json.Unmarshal(pair[0], &name); err != nil {
		return fmt.Errorf("group name must be a string: %w", err)
	}
	g.Name = name
	g.Options = nil
	if len(pair) > 1 {
		g.Options = pair[1]
	}
	return nil
}

// Mode is a single custom mode definition.
type Mode struct {
	Slug               string  `json:"slug"`
	Name               string  `json:"name"`
	RoleDefinition     string  `json:"roleDefinition"`
	Groups             []Group `json:"groups"`
	CustomInstructions string  `json:"customInstructions,omitempty"`
}

// Set is the .roomodes document.
type Set struct {
	CustomModes []Mode `json:"customModes"`
}

// Parse decodes and validates a mode set. Modes with an invalid slug are dropped,
// duplicate slugs keep the first definition, and a set left with no modes is an
// error.
func Parse(raw string) (*Set, error) {
	var set Set
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &set); err != nil {
		return nil, fmt.Errorf("invalid mode set JSON: %w", err)
	}

	seen := make(map[string]bool, len(set.CustomModes))
	valid := set.CustomModes[:0]
	for _, m := range set.CustomModes {
		m.Slug = strings.TrimSpace(m.Slug)
		if !slugPattern.MatchString(m.Slug) || seen[m.Slug] {
			continue
		}
		seen[m.Slug] = true
		valid = append(valid, m)
	}
	set.CustomModes = valid

	if len(set.CustomModes) == 0 {
		return nil, ErrNoModes
	}
	return &set, nil
}

// Slugs returns the mode slugs in definition order.
func (s *Set) Slugs() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.CustomModes))
	for i := range s.CustomModes {
		out = append(out, s.CustomModes[i].Slug)
	}
	return out
}

// Has reports whether the set defines slug.
func (s *Set) Has(slug string) bool {
	for _, existing := range s.Slugs() {
		if existing == slug {
			return true
		}
	}
	return false
}

// JSON renders the set as indented JSON.
func (s *Set) JSON() (string, error) {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal mode set: %w", err)
	}
	return string(data), nil
}

// DelegateSlugs returns the slugs a plan may delegate to: every slug except the
// reserved orchestrator. When nothing is left, "code" is added so plan assembly
// always has a target. The second result reports whether "code" was injected
// without being defined in the set.
func DelegateSlugs(s *Set) (slugs []string, injected bool) {
	for _, slug := range s.Slugs() {
		if slug == OrchestratorSlug {
			continue
		}
		slugs = append(slugs, slug)
	}
	if len(slugs) == 0 {
		slugs = append(slugs, CodeSlug)
		injected = !s.Has(CodeSlug)
	}
	return slugs, injected
}
