package build

import (
	"regexp"
	"strconv"
	"strings"
)

// Finding is one compiler or linker message.
type Finding struct {
	File     string `json:"file,omitempty"`
	Line     int    `json:"line,omitempty"`
	Column   int    `json:"column,omitempty"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// Location renders the finding's position as file:line, or "" when unknown.
func (f Finding) Location() string {
	if f.File == "" {
		return ""
	}
	if f.Line == 0 {
		return f.File
	}
	return f.File + ":" + strconv.Itoa(f.Line)
}

// Parser converts raw build output into findings.
type Parser interface {
	Parse(output string) []Finding
}

// gcc/clang output format: src/foo.cc:42:5: error: 'bar' was not declared in this scope
var compilerLineRe = regexp.MustCompile(`^(.+?):(\d+):(?:(\d+):)?\s+(fatal error|error|warning):\s+(.+)$`)

// CompilerParser parses gcc and clang diagnostics.
type CompilerParser struct{}

func (p *CompilerParser) Parse(output string) []Finding {
	var out []Finding
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		m := compilerLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		lineNum, _ := strconv.Atoi(m[2])
		col, _ := strconv.Atoi(m[3])
		sev := m[4]
		if sev == "fatal error" {
			sev = "error"
		}
		out = append(out, Finding{
			File:     m[1],
			Line:     lineNum,
			Column:   col,
			Severity: sev,
			Message:  m[5],
		})
	}
	return out
}

// ld output formats:
//
//	/usr/bin/ld: foo.o: in function `main': foo.cc:(.text+0x1d): undefined reference to `bar()'
//	ld: error: undefined symbol: bar()
//	collect2: error: ld returned 1 exit status
//	Undefined symbols for architecture arm64:
var (
	linkerLineRe      = regexp.MustCompile(`^(?:\S*/)?(?:ld|ld\.lld|ld64\.lld|collect2)(?::\s+(?:error:\s+)?|\s+)(.+)$`)
	undefinedRefRe    = regexp.MustCompile("undefined reference to [`'](.+?)'")
	undefinedSymRe    = regexp.MustCompile(`undefined symbol:\s+(.+)$`)
	darwinUndefinedRe = regexp.MustCompile(`^Undefined symbols for architecture`)
)

// LinkerParser parses GNU ld, lld and Darwin ld failures.
type LinkerParser struct{}

func (p *LinkerParser) Parse(output string) []Finding {
	var out []Finding
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if darwinUndefinedRe.MatchString(line) {
			out = append(out, Finding{Severity: "error", Message: "link: " + line})
			continue
		}
		if m := undefinedRefRe.FindStringSubmatch(line); m != nil {
			out = append(out, Finding{Severity: "error", Message: "link: undefined reference to " + m[1]})
			continue
		}
		m := linkerLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		msg := m[1]
		if strings.Contains(msg, "in function") && strings.HasSuffix(msg, ":") {
			continue // context line; the reference follows
		}
		if sm := undefinedSymRe.FindStringSubmatch(msg); sm != nil {
			msg = "undefined reference to " + sm[1]
		}
		out = append(out, Finding{Severity: "error", Message: "link: " + msg})
	}
	return out
}

// firstError returns the first error finding from the compiler, then the
// linker, parsers.
func firstError(output string) (Finding, bool) {
	for _, p := range []Parser{&CompilerParser{}, &LinkerParser{}} {
		for _, f := range p.Parse(output) {
			if f.Severity == "error" {
				return f, true
			}
		}
	}
	return Finding{}, false
}
