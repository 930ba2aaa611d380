package build

import (
	"regexp"
	"strings"

	"github.com/lucasnoah/testfactory/internal/candidate"
)

// Message patterns per failure kind, checked against the first error
// finding when there is one and against the whole text otherwise. The
// timeout pattern only applies to output without compiler findings.
var (
	timeoutRe        = regexp.MustCompile(`(?i)\btimed out\b|\btimeout after\b`)
	missingIncludeRe = regexp.MustCompile(`(?i)no such file or directory|file not found|cannot open include file|cannot find include file`)
	linkRe           = regexp.MustCompile("(?i)^link:|undefined reference to|undefined symbol|ld returned|undefined symbols for architecture|multiple definition of|duplicate symbol|cannot find -l")
	undefinedRe      = regexp.MustCompile(`(?i)was not declared in this scope|use of undeclared identifier|has no member named|no member named|does not name a type|unknown type name|is not a member of|no matching function for call|not declared`)
	syntaxRe         = regexp.MustCompile(`(?i)\bexpected\b|syntax error|stray '|missing terminating|unterminated|expected unqualified-id|extraneous closing brace`)
	digitsRe         = regexp.MustCompile(`[0-9]+`)
	spaceRe          = regexp.MustCompile(`\s+`)
)

// Classify maps build diagnostic text to a FailureKind. It is pure: the same
// text always yields the same kind.
func Classify(text string) candidate.FailureKind {
	if strings.TrimSpace(text) == "" {
		return candidate.FailureUnknown
	}
	if f, ok := firstError(text); ok {
		if k := classifyMessage(f.Message); k != candidate.FailureUnknown {
			return k
		}
		return classifyMessage(text)
	}
	if timeoutRe.MatchString(text) {
		return candidate.FailureTimeout
	}
	return classifyMessage(text)
}

func classifyMessage(msg string) candidate.FailureKind {
	switch {
	case missingIncludeRe.MatchString(msg):
		return candidate.FailureMissingInclude
	case linkRe.MatchString(msg):
		return candidate.FailureLinkError
	case undefinedRe.MatchString(msg):
		return candidate.FailureUndefinedSymbol
	case syntaxRe.MatchString(msg):
		return candidate.FailureSyntaxError
	default:
		return candidate.FailureUnknown
	}
}

// Signature identifies a diagnostic for progress tracking: the kind, the
// first error location and the first error message with digits stripped.
// Two failures with equal signatures are treated as the same failure.
func Signature(kind candidate.FailureKind, text string) string {
	loc, msg := "", ""
	if f, ok := firstError(text); ok {
		loc = f.Location()
		msg = f.Message
	} else {
		msg = firstErrorLine(text)
	}
	return string(kind) + "|" + loc + "|" + normalize(msg)
}

func normalize(s string) string {
	s = digitsRe.ReplaceAllString(s, "")
	s = spaceRe.ReplaceAllString(s, " ")
	return strings.ToLower(strings.TrimSpace(s))
}

func firstErrorLine(text string) string {
	var firstNonEmpty string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if firstNonEmpty == "" {
			firstNonEmpty = line
		}
		if strings.Contains(strings.ToLower(line), "error") {
			return line
		}
	}
	return firstNonEmpty
}

// Diagnose classifies raw build output into a Diagnostic. Kind, signature
// and location come from the full output. A timed-out build is always
// FailureTimeout. Text keeps the last maxBytes of output, led by the first
// error line when the cut dropped it.
func Diagnose(output string, exitCode int, timedOut bool, maxBytes int) *candidate.Diagnostic {
	kind := Classify(output)
	if timedOut {
		kind = candidate.FailureTimeout
	}
	d := &candidate.Diagnostic{
		Kind:      kind,
		Signature: Signature(kind, output),
		Text:      Tail(output, maxBytes),
		ExitCode:  exitCode,
	}
	if f, ok := firstError(output); ok {
		d.Location = f.Location()
		if line := findingLine(output, f); line != "" && !strings.Contains(d.Text, line) {
			d.Text = line + "\n" + d.Text
		}
	}
	return d
}

// findingLine returns the output line f was parsed from.
func findingLine(output string, f Finding) string {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if strings.Contains(line, f.Message) && strings.HasPrefix(line, f.File) {
			return line
		}
	}
	return ""
}
