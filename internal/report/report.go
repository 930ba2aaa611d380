// Package report aggregates pipeline outcomes into a run summary and renders
// or publishes it.
package report

import (
	"sort"

	"github.com/lucasnoah/testfactory/internal/candidate"
)

// Exit codes for a finished run.
const (
	ExitOK        = 0
	ExitAttention = 1
	ExitInternal  = 2
)

// Report is the aggregate of one run's outcomes.
type Report struct {
	RunID        string         `json:"run_id,omitempty" yaml:"run_id,omitempty"`
	Total        int            `json:"total" yaml:"total"`
	Succeeded    int            `json:"succeeded" yaml:"succeeded"`
	Exhausted    int            `json:"exhausted" yaml:"exhausted"`
	Aborted      int            `json:"aborted" yaml:"aborted"`
	Resumed      int            `json:"resumed" yaml:"resumed"`
	AbortReasons map[string]int `json:"abort_reasons,omitempty" yaml:"abort_reasons,omitempty"`
	FailureKinds map[string]int `json:"failure_kinds,omitempty" yaml:"failure_kinds,omitempty"`
	RepairCycles int            `json:"repair_cycles" yaml:"repair_cycles"`
	GuardFirings int            `json:"guard_firings" yaml:"guard_firings"`
	Coverage     *Coverage      `json:"coverage,omitempty" yaml:"coverage,omitempty"`
	Units        []Unit         `json:"units" yaml:"units"`
}

// Coverage sums line coverage over succeeded units that produced a summary.
type Coverage struct {
	Units      int     `json:"units" yaml:"units"`
	LinesFound int     `json:"lines_found" yaml:"lines_found"`
	LinesHit   int     `json:"lines_hit" yaml:"lines_hit"`
	Percent    float64 `json:"percent" yaml:"percent"`
}

// Unit is one row of the report. Diagnostic fields are filled for exhausted
// and aborted units only.
type Unit struct {
	Unit            string   `json:"unit" yaml:"unit"`
	Outcome         string   `json:"outcome" yaml:"outcome"`
	Reason          string   `json:"reason,omitempty" yaml:"reason,omitempty"`
	Detail          string   `json:"detail,omitempty" yaml:"detail,omitempty"`
	Attempts        int      `json:"attempts" yaml:"attempts"`
	RepairCycles    int      `json:"repair_cycles" yaml:"repair_cycles"`
	GuardFirings    int      `json:"guard_firings,omitempty" yaml:"guard_firings,omitempty"`
	Resumed         bool     `json:"resumed,omitempty" yaml:"resumed,omitempty"`
	CoveragePercent *float64 `json:"coverage_percent,omitempty" yaml:"coverage_percent,omitempty"`
	CoverageError   string   `json:"coverage_error,omitempty" yaml:"coverage_error,omitempty"`
	FailureKind     string   `json:"failure_kind,omitempty" yaml:"failure_kind,omitempty"`
	Location        string   `json:"location,omitempty" yaml:"location,omitempty"`
	Diagnostic      string   `json:"diagnostic,omitempty" yaml:"diagnostic,omitempty"`
}

// Summarize aggregates outcomes, keeping their order. It has no side effects.
func Summarize(outcomes []candidate.Outcome) Report {
	r := Report{
		Total: len(outcomes),
		Units: make([]Unit, 0, len(outcomes)),
	}
	runIDs := map[string]bool{}
	var cov Coverage

	for _, o := range outcomes {
		row := Unit{
			Unit:         o.Unit,
			Outcome:      string(o.Kind),
			Reason:       string(o.Reason),
			Detail:       o.Detail,
			Attempts:     o.Attempts,
			RepairCycles: o.RepairCycles,
			GuardFirings: o.GuardFirings,
			Resumed:      o.Resumed,
		}
		r.RepairCycles += o.RepairCycles
		r.GuardFirings += o.GuardFirings
		if o.Resumed {
			r.Resumed++
		} else if o.RunID != "" {
			runIDs[o.RunID] = true
		}

		switch o.Kind {
		case candidate.OutcomeSucceeded:
			r.Succeeded++
			row.CoverageError = o.CoverageError
			if o.Coverage != nil {
				p := o.Coverage.Percent
				row.CoveragePercent = &p
				cov.Units++
				cov.LinesFound += o.Coverage.LinesFound
				cov.LinesHit += o.Coverage.LinesHit
			}
		case candidate.OutcomeExhausted:
			r.Exhausted++
		case candidate.OutcomeAborted:
			r.Aborted++
			if r.AbortReasons == nil {
				r.AbortReasons = map[string]int{}
			}
			r.AbortReasons[string(o.Reason)]++
		}

		if o.Kind != candidate.OutcomeSucceeded && o.Diagnostic != nil {
			row.FailureKind = string(o.Diagnostic.Kind)
			row.Location = o.Diagnostic.Location
			row.Diagnostic = o.Diagnostic.Text
			if r.FailureKinds == nil {
				r.FailureKinds = map[string]int{}
			}
			r.FailureKinds[string(o.Diagnostic.Kind)]++
		}
		r.Units = append(r.Units, row)
	}

	if len(runIDs) == 1 {
		for id := range runIDs {
			r.RunID = id
		}
	}
	if cov.Units > 0 {
		if cov.LinesFound > 0 {
			cov.Percent = 100 * float64(cov.LinesHit) / float64(cov.LinesFound)
		}
		r.Coverage = &cov
	}
	return r
}

// ExitCode maps the report to a process exit code: ExitOK when every unit
// succeeded, ExitInternal when every unit aborted with an internal error,
// ExitAttention otherwise.
func (r Report) ExitCode() int {
	if r.Total == 0 || r.Succeeded == r.Total {
		return ExitOK
	}
	if r.AbortReasons[string(candidate.ReasonInternalError)] == r.Total {
		return ExitInternal
	}
	return ExitAttention
}

// Attention returns the rows for units that did not succeed.
func (r Report) Attention() []Unit {
	var out []Unit
	for _, u := range r.Units {
		if u.Outcome != string(candidate.OutcomeSucceeded) {
			out = append(out, u)
		}
	}
	return out
}

// sortedKeys returns m's keys in lexical order.
func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
