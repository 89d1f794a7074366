// Package artifacts names the files a pipeline run produces and holds them in
// a map keyed by destination path.
package artifacts

import (
	"path"
	"sort"
)

// Artifact destination names.
const (
	CodeRules      = ".clinerules-code"
	IgnoreRules    = ".rooignore"
	WorkspaceRules = ".clinerules"
	Modes          = ".roomodes"
	Plan           = "roo-plan.md"

	DefaultOverrideDir = ".roo"
)

// OverridePath is the destination of a system prompt override for slug.
func OverridePath(dir, slug string) string {
	if dir == "" {
		dir = DefaultOverrideDir
	}
	return path.Join(dir, "system-prompt-"+slug)
}

// Map holds produced artifacts. A missing key means the artifact was not
// produced; an empty value is a produced, empty artifact.
type Map map[string]string

// Set stores content under name.
func (m Map) Set(name, content string) {
	m[name] = content
}

// Get returns the artifact and whether it was produced.
func (m Map) Get(name string) (string, bool) {
	content, ok := m[name]
	return content, ok
}

// Has reports whether name was produced.
func (m Map) Has(name string) bool {
	_, ok := m[name]
	return ok
}

// Names returns the produced artifact names in sorted order.
func (m Map) Names() []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
