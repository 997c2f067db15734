package oracle

import "strings"

// Sanitize strips the decoration language models wrap around JSON: markdown
// code fences, leading prose, trailing junk after the closing bracket. It
// never fails; best effort only, the JSON decoder has the final word.
func Sanitize(raw string) string {
	s := strings.TrimSpace(raw)
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		// drop a language tag like ```json
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			first := strings.TrimSpace(s[:nl])
			if first != "" && !strings.ContainsAny(first, "{[") {
				s = s[nl+1:]
			}
		}
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
	}
	s = strings.TrimSpace(s)
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return s
	}
	open := s[start]
	var close byte = '}'
	if open == '[' {
		close = ']'
	}
	end := strings.LastIndexByte(s, close)
	if end <= start {
		return s[start:]
	}
	return s[start : end+1]
}
