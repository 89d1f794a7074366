package extract

import (
	"encoding/json"
	"regexp"
	"strings"
)

// EntryKind distinguishes directories from files in a structure list.
type EntryKind string

const (
	KindDir  EntryKind = "dir"
	KindFile EntryKind = "file"
)

// Entry is one path of the proposed project structure.
type Entry struct {
	Kind EntryKind `json:"type"`
	Path string    `json:"path"`
}

// structureHeading matches a level 2/3 heading mentioning the project structure.
var structureHeading = regexp.MustCompile(`(?im)^#{2,3}[ \t]+[^\n]*structure[^\n]*$`)

// rawEntry accepts both "type" and "kind" keys from model output.
type rawEntry struct {
	Type string `json:"type"`
	Kind string `json:"kind"`
	Path string `json:"path"`
	Name string `json:"name"`
}

// StructureList extracts the JSON structure list from a structure document.
// The first JSON block after a structure heading is preferred; otherwise the
// first fenced block in the document that parses as a list is used.
func StructureList(doc string) ([]Entry, bool) {
	blocks := fencedBlocks(doc)
	if len(blocks) == 0 {
		return nil, false
	}

	if loc := structureHeading.FindStringIndex(doc); loc != nil {
		for _, b := range blocks {
			if b.start < loc[1] {
				continue
			}
			if entries, ok := parseStructureJSON(b.body); ok {
				return entries, true
			}
			break
		}
	}

	for _, b := range blocks {
		if b.lang != "" && b.lang != "json" {
			continue
		}
		if entries, ok := parseStructureJSON(b.body); ok && len(entries) > 0 {
			return entries, true
		}
	}
	return nil, false
}

func parseStructureJSON(body string) ([]Entry, bool) {
	body = strings.TrimSpace(body)
	var raw []rawEntry
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		var wrapped struct {
			Structure []rawEntry `json:"structure"`
		}
		if err := json.Unmarshal([]byte(body), &wrapped); err != nil || wrapped.Structure == nil {
			return nil, false
		}
		raw = wrapped.Structure
	}

	entries := make([]Entry, 0, len(raw))
	for _, r := range raw {
		path := r.Path
		if path == "" {
			path = r.Name
		}
		kind := r.Type
		if kind == "" {
			kind = r.Kind
		}
		if e, ok := NormalizeEntry(kind, path); ok {
			entries = append(entries, e)
		}
	}
	return entries, true
}

// NormalizeEntry canonicalizes a raw kind/path pair. Entries with an unknown kind
// or an empty path are rejected.
func NormalizeEntry(kind, path string) (Entry, bool) {
	var k EntryKind
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "dir", "directory", "folder":
		k = KindDir
	case "file":
		k = KindFile
	default:
		return Entry{}, false
	}

	p := NormalizePath(path)
	if p == "" {
		return Entry{}, false
	}
	if k == KindFile && p == "gitignore" {
		p = ".gitignore"
	}
	return Entry{Kind: k, Path: p}, true
}

// NormalizePath converts separators to "/", strips leading "./" and trailing "/".
func NormalizePath(path string) string {
	p := strings.TrimSpace(path)
	p = strings.ReplaceAll(p, `\`, "/")
	for strings.HasPrefix(p, "./") {
		p = strings.TrimPrefix(p, "./")
	}
	p = strings.TrimRight(p, "/")
	return strings.TrimSpace(p)
}

// FormatStructure renders entries in the document shape StructureList reads.
func FormatStructure(entries []Entry) string {
	if entries == nil {
		entries = []Entry{}
	}
	data, _ := json.MarshalIndent(entries, "", "  ")
	return "## Project Structure\n\n```json\n" + string(data) + "\n```\n"
}
