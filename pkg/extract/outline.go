package extract

import (
	"regexp"
	"strings"
)

var (
	outlineHeading = regexp.MustCompile(`(?im)^#{2,3}[ \t]+[^\n]*outline[^\n]*$`)
	anyHeading     = regexp.MustCompile(`(?m)^#{1,6}[ \t]`)
	outlineMarker  = regexp.MustCompile("^([ \\t]*)[-*+][ \\t]+`([^`]+)`[ \\t]*:?[ \\t]*(.*)$")
)

// Section is a located span of a document, including its heading line.
type Section struct {
	Start, End int
	Text       string
}

// FindOutlineSection locates the outlines section (level 2 or 3 heading containing
// "outline"), ending at the next heading or the end of the document. Lines inside
// fenced code blocks, such as "# comment" in pseudocode, are not headings.
func FindOutlineSection(doc string) (Section, bool) {
	blocks := fencedBlocks(doc)
	loc := firstOutside(outlineHeading, doc, 0, blocks)
	if loc == nil {
		return Section{}, false
	}
	end := len(doc)
	if next := firstOutside(anyHeading, doc, loc[1], blocks); next != nil {
		end = next[0]
	}
	return Section{Start: loc[0], End: end, Text: doc[loc[0]:end]}, true
}

// firstOutside returns the first match of re in doc at or after from that does
// not start inside one of blocks. Offsets are relative to doc.
func firstOutside(re *regexp.Regexp, doc string, from int, blocks []fencedBlock) []int {
	for _, m := range re.FindAllStringIndex(doc[from:], -1) {
		start := from + m[0]
		if !insideBlock(start, blocks) {
			return []int{start, from + m[1]}
		}
	}
	return nil
}

func insideBlock(pos int, blocks []fencedBlock) bool {
	for _, b := range blocks {
		if pos >= b.start && pos < b.end {
			return true
		}
	}
	return false
}

// SpliceOutlines puts a refined outlines section into doc. An existing outlines
// section is replaced in place; otherwise the section goes right after the last
// fenced code block, or at the end when the document has none.
func SpliceOutlines(doc, refined string) string {
	refined = strings.TrimSpace(refined)
	if refined == "" {
		return doc
	}

	if sec, ok := FindOutlineSection(doc); ok {
		before := doc[:sec.Start]
		after := strings.TrimLeft(doc[sec.End:], "\r\n")
		if after == "" {
			return before + refined + "\n"
		}
		return before + refined + "\n\n" + after
	}

	if blocks := fencedBlocks(doc); len(blocks) > 0 {
		at := blocks[len(blocks)-1].end
		before := strings.TrimRight(doc[:at], "\r\n")
		after := strings.TrimLeft(doc[at:], "\r\n")
		if after == "" {
			return before + "\n\n" + refined + "\n"
		}
		return before + "\n\n" + refined + "\n\n" + after
	}

	return strings.TrimRight(doc, "\r\n") + "\n\n" + refined + "\n"
}

// OutlineMap maps each backtick-quoted list marker ("- `src/main.py`:") to the
// outline text beneath it. The outlines section is scanned when present, the
// whole document otherwise. Repeated keys keep the last outline.
func OutlineMap(doc string) (map[string]string, bool) {
	scope := doc
	if sec, ok := FindOutlineSection(doc); ok {
		scope = sec.Text
	}

	out := map[string]string{}
	var (
		key     string
		head    string
		indent  int
		body    []string
		inFence bool
	)
	flush := func() {
		if key != "" {
			text := dedent(body)
			switch {
			case head != "" && text != "":
				text = head + "\n" + text
			case head != "":
				text = head
			}
			out[key] = text
		}
		key, head, body = "", "", nil
	}

	for _, line := range strings.Split(scope, "\n") {
		line = strings.TrimRight(line, "\r")
		if fenceLine.MatchString(line) {
			inFence = !inFence
		}
		if !inFence {
			if anyHeading.MatchString(line) {
				flush()
				continue
			}
			if m := outlineMarker.FindStringSubmatch(line); m != nil {
				depth := indentWidth(m[1])
				if key == "" || depth <= indent {
					flush()
					key = strings.TrimSpace(m[2])
					head = strings.TrimSpace(m[3])
					indent = depth
					continue
				}
			}
		}
		if key != "" {
			body = append(body, line)
		}
	}
	flush()

	return out, len(out) > 0
}

func indentWidth(prefix string) int {
	return len(strings.ReplaceAll(prefix, "\t", "    "))
}

// dedent removes the common leading indentation and surrounding blank lines.
func dedent(lines []string) string {
	for len(lines) > 0 && strings.TrimSpace(lines[0]) == "" {
		lines = lines[1:]
	}
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	common := -1
	for _, l := range lines {
		if strings.TrimSpace(l) == "" {
			continue
		}
		w := len(l) - len(strings.TrimLeft(l, " \t"))
		if common < 0 || w < common {
			common = w
		}
	}
	if common <= 0 {
		return strings.Join(lines, "\n")
	}
	out := make([]string, len(lines))
	for i, l := range lines {
		if len(l) >= common {
			out[i] = l[common:]
		} else {
			out[i] = strings.TrimLeft(l, " \t")
		}
	}
	return strings.Join(out, "\n")
}
