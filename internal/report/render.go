package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"
)

// Format selects how a report is written.
type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
)

// ParseFormat accepts table, json or yaml. Empty means table.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case "", FormatTable:
		return FormatTable, nil
	case FormatJSON, FormatYAML:
		return f, nil
	default:
		return "", fmt.Errorf("unknown report format %q (want table, json or yaml)", s)
	}
}

// Write renders r to w in the given format.
func Write(w io.Writer, r Report, f Format) error {
	switch f {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(r); err != nil {
			return err
		}
		return enc.Close()
	case FormatTable, "":
		_, err := io.WriteString(w, Table(r))
		return err
	default:
		return fmt.Errorf("unknown report format %q", f)
	}
}

var (
	colorOK    = lipgloss.Color("#2CD7C7")
	colorWarn  = lipgloss.Color("#F4D03F")
	colorError = lipgloss.Color("#E74C3C")
	colorMuted = lipgloss.Color("#5C7A84")

	titleStyle  = lipgloss.NewStyle().Bold(true)
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(colorMuted)
	mutedStyle  = lipgloss.NewStyle().Foreground(colorMuted)
	boxStyle    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(colorMuted).Padding(0, 1)

	outcomeStyles = map[string]lipgloss.Style{
		"succeeded": lipgloss.NewStyle().Foreground(colorOK),
		"exhausted": lipgloss.NewStyle().Foreground(colorWarn),
		"aborted":   lipgloss.NewStyle().Foreground(colorError),
	}
)

// column widths for the unit table
const (
	unitWidth    = 40
	outcomeWidth = 11
	numWidth     = 9
	detailWidth  = 44
)

// Table renders r as a terminal summary followed by a per-unit table.
func Table(r Report) string {
	var b strings.Builder

	title := "testfactory report"
	if r.RunID != "" {
		title += "  " + mutedStyle.Render(r.RunID)
	}
	summary := []string{
		titleStyle.Render(title),
		fmt.Sprintf("%s %d   %s %d   %s %d   total %d",
			outcomeStyles["succeeded"].Render("succeeded"), r.Succeeded,
			outcomeStyles["exhausted"].Render("exhausted"), r.Exhausted,
			outcomeStyles["aborted"].Render("aborted"), r.Aborted,
			r.Total),
	}
	if r.Resumed > 0 {
		summary = append(summary, mutedStyle.Render(fmt.Sprintf("%d reused from earlier runs", r.Resumed)))
	}
	if len(r.AbortReasons) > 0 {
		summary = append(summary, "abort reasons: "+formatCounts(r.AbortReasons))
	}
	if len(r.FailureKinds) > 0 {
		summary = append(summary, "failure kinds: "+formatCounts(r.FailureKinds))
	}
	summary = append(summary, fmt.Sprintf("repair cycles %d, progress guard firings %d", r.RepairCycles, r.GuardFirings))
	if r.Coverage != nil {
		summary = append(summary, fmt.Sprintf("coverage %.1f%% (%d/%d lines, %d units)",
			r.Coverage.Percent, r.Coverage.LinesHit, r.Coverage.LinesFound, r.Coverage.Units))
	}
	b.WriteString(boxStyle.Render(strings.Join(summary, "\n")))
	b.WriteString("\n")

	if len(r.Units) == 0 {
		return b.String()
	}

	b.WriteString(row(
		headerStyle.Render(pad("UNIT", unitWidth)),
		headerStyle.Render(pad("OUTCOME", outcomeWidth)),
		headerStyle.Render(pad("ATTEMPTS", numWidth)),
		headerStyle.Render(pad("REPAIRS", numWidth)),
		headerStyle.Render("DETAIL"),
	))
	for _, u := range r.Units {
		style, ok := outcomeStyles[u.Outcome]
		if !ok {
			style = lipgloss.NewStyle()
		}
		b.WriteString(row(
			pad(truncate(u.Unit, unitWidth), unitWidth),
			style.Render(pad(u.Outcome, outcomeWidth)),
			pad(fmt.Sprint(u.Attempts), numWidth),
			pad(fmt.Sprint(u.RepairCycles), numWidth),
			truncate(detail(u), detailWidth),
		))
	}
	return b.String()
}

func row(cols ...string) string {
	return strings.Join(cols, " ") + "\n"
}

func detail(u Unit) string {
	switch {
	case u.Outcome == "succeeded" && u.CoveragePercent != nil:
		s := fmt.Sprintf("%.1f%% coverage", *u.CoveragePercent)
		if u.Resumed {
			s += " (reused)"
		}
		return s
	case u.Outcome == "succeeded" && u.CoverageError != "":
		return "coverage failed: " + u.CoverageError
	case u.Outcome == "succeeded":
		return ""
	}
	parts := []string{}
	if u.Reason != "" {
		parts = append(parts, u.Reason)
	}
	if u.FailureKind != "" {
		kind := u.FailureKind
		if u.Location != "" {
			kind += " at " + u.Location
		}
		parts = append(parts, kind)
	} else if u.Detail != "" {
		parts = append(parts, u.Detail)
	}
	return strings.Join(parts, ": ")
}

func formatCounts(m map[string]int) string {
	parts := make([]string, 0, len(m))
	for _, k := range sortedKeys(m) {
		parts = append(parts, fmt.Sprintf("%s=%d", k, m[k]))
	}
	return strings.Join(parts, " ")
}

func pad(s string, width int) string {
	if n := lipgloss.Width(s); n < width {
		return s + strings.Repeat(" ", width-n)
	}
	return s
}

func truncate(s string, width int) string {
	r := []rune(s)
	if len(r) <= width {
		return s
	}
	return string(r[:width-1]) + "…"
}
