// Package extract pulls structured payloads out of free-form LLM markdown.
//
// Every extractor treats its input as untrusted text. A missing section yields an
// empty result and ok=false; extractors never return errors.
package extract

import (
	"regexp"
	"strings"
)

var (
	// "Here is the content:", "Sure! Here's the updated file:", ...
	preamblePattern = regexp.MustCompile(`(?i)^\s*(?:(?:sure|certainly|okay|ok|of course|absolutely)[,!.]?\s*)?here(?:'s| is| are)\b[^\n]*:\s*$`)
	fenceLine       = regexp.MustCompile("^\\s*```")
)

// Normalize strips a conversational preamble line and a single fenced code block
// wrapping the whole response, then trims surrounding whitespace.
func Normalize(raw string) string {
	text := strings.TrimSpace(raw)
	text = StripPreamble(text)
	text = StripCodeFence(text)
	text = StripPreamble(text)
	return strings.TrimSpace(text)
}

// StripPreamble drops the first line when it is a "here is the content:" style lead-in.
func StripPreamble(text string) string {
	trimmed := strings.TrimLeft(text, " \t\r\n")
	first, rest, found := strings.Cut(trimmed, "\n")
	if !preamblePattern.MatchString(first) {
		return text
	}
	if !found {
		return ""
	}
	return strings.TrimLeft(rest, "\r\n")
}

// StripCodeFence removes a fenced block that wraps the entire text. Text whose
// first and last lines are not the only fence lines is returned unchanged.
func StripCodeFence(text string) string {
	trimmed := strings.TrimSpace(text)
	lines := strings.Split(trimmed, "\n")
	if len(lines) < 2 {
		return text
	}
	if !fenceLine.MatchString(lines[0]) || strings.TrimSpace(lines[len(lines)-1]) != "```" {
		return text
	}
	for _, line := range lines[1 : len(lines)-1] {
		if fenceLine.MatchString(line) {
			return text
		}
	}
	return strings.Join(lines[1:len(lines)-1], "\n")
}

// IsOK reports whether a validation response is the literal "OK" verdict.
func IsOK(response string) bool {
	return strings.EqualFold(strings.TrimSpace(response), "OK")
}

// fencedBlock is a fenced code block located by line offsets.
type fencedBlock struct {
	lang       string
	body       string
	start, end int // byte offsets; end is just past the closing fence line
}

// fencedBlocks returns the fenced code blocks of text in order. An unterminated
// trailing fence is ignored.
func fencedBlocks(text string) []fencedBlock {
	var (
		blocks  []fencedBlock
		open    = -1
		lang    string
		bodyBeg int
		offset  int
	)
	for _, line := range strings.SplitAfter(text, "\n") {
		lineStart := offset
		offset += len(line)
		if !fenceLine.MatchString(line) {
			continue
		}
		if open < 0 {
			open = lineStart
			lang = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "`"))
			bodyBeg = offset
			continue
		}
		blocks = append(blocks, fencedBlock{
			lang:  strings.ToLower(lang),
			body:  strings.TrimRight(text[bodyBeg:lineStart], "\r\n"),
			start: open,
			end:   offset,
		})
		open = -1
	}
	return blocks
}
