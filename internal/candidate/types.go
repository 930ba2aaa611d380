package candidate

import "time"

// Stage is the pipeline step an Attempt records.
type Stage string

const (
	StageGenerated      Stage = "generated"
	StageRefined        Stage = "refined"
	StageRepaired       Stage = "repaired"
	StageBuildFailed    Stage = "build_failed"
	StageBuildSucceeded Stage = "build_succeeded"
	StageCoverageRun    Stage = "coverage_run"
)

// Valid reports whether s is one of the known stages.
func (s Stage) Valid() bool {
	switch s {
	case StageGenerated, StageRefined, StageRepaired, StageBuildFailed, StageBuildSucceeded, StageCoverageRun:
		return true
	}
	return false
}

// IsCandidate reports whether an attempt at this stage holds a test text
// that has been through refinement and may be handed to the build.
func (s Stage) IsCandidate() bool {
	return s.Valid() && s != StageGenerated
}

// FailureKind classifies a build diagnostic.
type FailureKind string

const (
	FailureMissingInclude  FailureKind = "missing_include"
	FailureUndefinedSymbol FailureKind = "undefined_symbol"
	FailureSyntaxError     FailureKind = "syntax_error"
	FailureLinkError       FailureKind = "link_error"
	FailureTimeout         FailureKind = "timeout"
	FailureUnknown         FailureKind = "unknown"
)

// Diagnostic is a build failure as recorded on a BuildFailed attempt.
type Diagnostic struct {
	Kind      FailureKind `json:"kind"`
	Signature string      `json:"signature"`
	Location  string      `json:"location,omitempty"`
	Text      string      `json:"text"`
	ExitCode  int         `json:"exit_code"`
}

// FileCoverage is line coverage for a single source file.
type FileCoverage struct {
	Path       string `json:"path"`
	LinesFound int    `json:"lines_found"`
	LinesHit   int    `json:"lines_hit"`
}

// CoverageSummary is the line coverage produced by a coverage run.
type CoverageSummary struct {
	LinesFound int            `json:"lines_found"`
	LinesHit   int            `json:"lines_hit"`
	Percent    float64        `json:"percent"`
	Files      []FileCoverage `json:"files,omitempty"`
	ReportDir  string         `json:"report_dir,omitempty"`
}

// Attempt is one immutable step in a unit's history.
type Attempt struct {
	Seq        int              `json:"seq"`
	Unit       string           `json:"unit"`
	Stage      Stage            `json:"stage"`
	Text       string           `json:"text"`
	Diagnostic *Diagnostic      `json:"diagnostic,omitempty"`
	Coverage   *CoverageSummary `json:"coverage,omitempty"`
	Digest     string           `json:"digest"`
	RunID      string           `json:"run_id"`
	Note       string           `json:"note,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
}

// OutcomeKind is the terminal state of a unit's pipeline.
type OutcomeKind string

const (
	OutcomeSucceeded OutcomeKind = "succeeded"
	OutcomeExhausted OutcomeKind = "exhausted"
	OutcomeAborted   OutcomeKind = "aborted"
)

// AbortReason qualifies an Aborted outcome.
type AbortReason string

const (
	ReasonEmptyGeneration AbortReason = "empty_generation"
	ReasonInternalError   AbortReason = "internal_error"
	ReasonCancelled       AbortReason = "cancelled"
)

// Outcome is the terminal result for a unit within one run.
type Outcome struct {
	Unit          string           `json:"unit"`
	Digest        string           `json:"digest"`
	RunID         string           `json:"run_id"`
	Kind          OutcomeKind      `json:"kind"`
	Reason        AbortReason      `json:"reason,omitempty"`
	Detail        string           `json:"detail,omitempty"`
	Coverage      *CoverageSummary `json:"coverage,omitempty"`
	CoverageError string           `json:"coverage_error,omitempty"`
	Diagnostic    *Diagnostic      `json:"diagnostic,omitempty"`
	Attempts      int              `json:"attempts"`
	RepairCycles  int              `json:"repair_cycles"`
	GuardFirings  int              `json:"guard_firings"`
	Resumed       bool             `json:"resumed,omitempty"`
	RecordedAt    time.Time        `json:"recorded_at"`
}

// Latest returns the last attempt in history.
func Latest(history []Attempt) (Attempt, bool) {
	if len(history) == 0 {
		return Attempt{}, false
	}
	return history[len(history)-1], true
}

// Candidate returns the last attempt in history whose stage is at or past
// refinement.
func Candidate(history []Attempt) (Attempt, bool) {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Stage.IsCandidate() {
			return history[i], true
		}
	}
	return Attempt{}, false
}
