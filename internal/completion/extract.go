package completion

import (
	"strings"
)

// ExtractCode returns the body of the first fenced code block in text. A
// block left open by a truncated answer runs to the end of text. Text with no
// fence is returned trimmed.
func ExtractCode(text string) string {
	start := strings.Index(text, "```")
	if start < 0 {
		return strings.TrimSpace(text)
	}
	body := text[start+3:]
	// Drop the info string (```cpp, ```c++).
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		body = body[nl+1:]
	} else {
		return ""
	}
	if end := strings.Index(body, "```"); end >= 0 {
		body = body[:end]
	}
	return strings.TrimSpace(body)
}

// Usable reports whether code looks like a test file: non-empty and
// containing at least one of markers. No markers means any non-empty text.
func Usable(code string, markers []string) bool {
	if strings.TrimSpace(code) == "" {
		return false
	}
	if len(markers) == 0 {
		return true
	}
	for _, m := range markers {
		if strings.Contains(code, m) {
			return true
		}
	}
	return false
}
