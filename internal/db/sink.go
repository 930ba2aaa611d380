package db

import (
	"context"
	"errors"

	"github.com/lucasnoah/testfactory/internal/controller"
)

// Sink mirrors controller events into the database.
type Sink struct {
	db *DB
}

// NewSink returns a Sink writing to d.
func NewSink(d *DB) *Sink {
	return &Sink{db: d}
}

// Record stores e as a pipeline event and updates the runs, attempts and
// outcomes tables for the event types that carry them.
func (s *Sink) Record(ctx context.Context, e controller.Event) error {
	var errs []error
	switch e.Type {
	case controller.EventRunStarted:
		errs = append(errs, s.db.StartRun(ctx, e.RunID, e.Units, e.Time))
	case controller.EventRunFinished:
		errs = append(errs, s.db.FinishRun(ctx, e.RunID, e.Detail, e.Time))
	case controller.EventAttempt:
		if e.Attempt != nil {
			errs = append(errs, s.db.LogAttempt(ctx, *e.Attempt))
		}
	case controller.EventOutcome:
		if e.Outcome != nil {
			errs = append(errs, s.db.LogOutcome(ctx, *e.Outcome))
		}
	}
	errs = append(errs, s.db.LogPipelineEvent(ctx, PipelineEvent{
		RunID:     e.RunID,
		Unit:      e.Unit,
		Event:     string(e.Type),
		FromState: string(e.From),
		ToState:   string(e.To),
		Seq:       e.Seq,
		Budget:    e.Budget,
		Detail:    e.Detail,
		Timestamp: formatTime(e.Time),
	}))
	return errors.Join(errs...)
}
