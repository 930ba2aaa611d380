package controller

import (
	"context"
	"time"

	"github.com/lucasnoah/testfactory/internal/build"
	"github.com/lucasnoah/testfactory/internal/candidate"
	"github.com/lucasnoah/testfactory/internal/completion"
	"github.com/lucasnoah/testfactory/internal/prompt"
)

// Completer requests text from the completion service.
type Completer interface {
	Complete(ctx context.Context, req completion.Request) (string, error)
}

// Builder builds one unit's candidate test file.
type Builder interface {
	Build(ctx context.Context, snap build.Snapshot) (*build.Result, error)
	Discard(unit string) error
	Target(unit string) string
}

// CoverageRunner runs a built target and summarises coverage.
type CoverageRunner interface {
	Run(ctx context.Context, unit, target string) (*candidate.CoverageSummary, error)
}

// Store persists attempt histories and outcomes.
type Store interface {
	Append(unit string, a candidate.Attempt) (candidate.Attempt, error)
	History(unit string) ([]candidate.Attempt, error)
	RecordOutcome(unit string, o candidate.Outcome) (candidate.Outcome, error)
	Outcomes(unit string) ([]candidate.Outcome, error)
}

// Prompts renders prompt templates by name.
type Prompts interface {
	Render(name string, vars prompt.Vars) (string, error)
}

// EventType names a pipeline event.
type EventType string

const (
	EventRunStarted     EventType = "run_started"
	EventRunFinished    EventType = "run_finished"
	EventTransition     EventType = "transition"
	EventAttempt        EventType = "attempt"
	EventOutcome        EventType = "outcome"
	EventUnusable       EventType = "unusable_completion"
	EventGuardFired     EventType = "guard_fired"
	EventRefineFallback EventType = "refine_fallback"
)

// Event is one observable step of a run, mirrored to an EventSink.
type Event struct {
	RunID   string
	Unit    string
	Type    EventType
	From    State
	To      State
	Seq     int
	Budget  int
	Detail  string
	Units   int // run_started only
	Attempt *candidate.Attempt
	Outcome *candidate.Outcome
	Time    time.Time
}

// EventSink receives events. Sink failures are logged and never change a
// unit's outcome.
type EventSink interface {
	Record(ctx context.Context, e Event) error
}
