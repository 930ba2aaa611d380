package controller

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/lucasnoah/testfactory/internal/build"
	"github.com/lucasnoah/testfactory/internal/candidate"
	"github.com/lucasnoah/testfactory/internal/completion"
	"github.com/lucasnoah/testfactory/internal/discovery"
	"github.com/lucasnoah/testfactory/internal/prompt"
)

// unitRun carries one unit through the state machine. It is owned by a
// single goroutine.
type unitRun struct {
	c      *Controller
	runID  string
	unit   discovery.Unit
	log    *zap.Logger
	span   trace.Span
	source string

	state    State
	text     string // current candidate text
	budget   int
	lastSig  string
	lastDiag *candidate.Diagnostic
	cycles   int
	firings  int
	attempts int // history length, including earlier runs
	started  bool
	building bool // holds the build permit
}

// runUnit returns the unit's outcome. The error is non-nil only for store
// faults.
func (c *Controller) runUnit(ctx context.Context, runID string, u discovery.Unit) (candidate.Outcome, error) {
	ctx, span := startUnitSpan(ctx, runID, u.ID, u.Digest)
	defer span.End()

	r := &unitRun{
		c:      c,
		runID:  runID,
		unit:   u,
		log:    c.logger.With(zap.String("run_id", runID), zap.String("unit", u.ID)),
		span:   span,
		state:  StateDiscovered,
		budget: c.cfg.MaxRepairRetries,
	}

	history, err := c.deps.Store.History(u.ID)
	if err != nil {
		return candidate.Outcome{}, storeFault("history", u.ID, err)
	}
	outcomes, err := c.deps.Store.Outcomes(u.ID)
	if err != nil {
		return candidate.Outcome{}, storeFault("outcomes", u.ID, err)
	}
	r.attempts = len(history)

	if ctx.Err() != nil {
		return r.finish(ctx, candidate.OutcomeAborted, candidate.ReasonCancelled, "cancelled before start")
	}

	next, resumed := r.plan(history, outcomes)
	if resumed != nil {
		r.log.Info("unit already succeeded for this digest, reusing outcome", zap.String("previous_run", resumed.RunID))
		o := *resumed
		o.Resumed = true
		setUnitSpanResult(span, string(o.Kind), string(o.Reason), o.Attempts, o.RepairCycles)
		unitsTotal.WithLabelValues(string(o.Kind), "resumed").Inc()
		mirrored := o
		mirrored.RunID = runID
		c.emit(ctx, Event{RunID: runID, Unit: u.ID, Type: EventOutcome, Seq: r.attempts, Detail: "resumed from " + o.RunID, Outcome: &mirrored})
		return o, nil
	}

	data, err := c.deps.ReadSource(u.Path)
	if err != nil {
		r.log.Error("read source failed", zap.Error(err))
		return r.finish(ctx, candidate.OutcomeAborted, candidate.ReasonInternalError, fmt.Sprintf("read source: %v", err))
	}
	r.source = string(data)
	r.started = true
	return r.loop(ctx, next)
}

// plan decides where processing starts. It returns the stored outcome when
// the unit already succeeded for the same digest.
func (r *unitRun) plan(history []candidate.Attempt, outcomes []candidate.Outcome) (State, *candidate.Outcome) {
	base := settledOutcome(outcomes)
	from := 0 // history length settled by base
	if base != nil {
		from = base.Attempts
	}

	if base != nil && base.Kind == candidate.OutcomeSucceeded && base.Digest == r.unit.Digest && from == len(history) {
		return "", base
	}

	// Resume at Building from a candidate appended after the settled outcome.
	// Attempts an exhausted or aborted outcome already covers are never reused.
	if len(history) > from {
		if cand, ok := candidate.Candidate(history[from:]); ok && cand.Digest == r.unit.Digest {
			r.text = cand.Text
			r.log.Info("resuming from stored candidate", zap.Int("seq", cand.Seq), zap.String("stage", string(cand.Stage)))
			return StateBuilding, nil
		}
	}
	if len(history) > 0 {
		if prev, _ := candidate.Latest(history); prev.Digest != r.unit.Digest {
			r.log.Info("source changed since last attempt, starting over")
		}
	}
	return StateGenerating, nil
}

// settledOutcome returns the latest outcome that was not Aborted(Cancelled).
// A cancelled run leaves its attempts open for the next run.
func settledOutcome(outcomes []candidate.Outcome) *candidate.Outcome {
	for i := len(outcomes) - 1; i >= 0; i-- {
		o := &outcomes[i]
		if o.Kind == candidate.OutcomeAborted && o.Reason == candidate.ReasonCancelled {
			continue
		}
		return o
	}
	return nil
}

func (r *unitRun) loop(ctx context.Context, state State) (candidate.Outcome, error) {
	r.transition(ctx, state)
	for {
		if ctx.Err() != nil {
			return r.finish(ctx, candidate.OutcomeAborted, candidate.ReasonCancelled, fmt.Sprintf("cancelled while %s", r.state))
		}

		var (
			o    *candidate.Outcome
			next State
			err  error
		)
		switch r.state {
		case StateGenerating:
			next, o, err = r.generate(ctx)
		case StateRefining:
			next, o, err = r.refine(ctx)
		case StateBuilding:
			next, o, err = r.build(ctx)
		case StateRepairing:
			next, o, err = r.repair(ctx)
		default:
			return r.finish(ctx, candidate.OutcomeAborted, candidate.ReasonInternalError, fmt.Sprintf("unexpected state %s", r.state))
		}
		if err != nil {
			return candidate.Outcome{}, err
		}
		if o != nil {
			return *o, nil
		}
		r.transition(ctx, next)
	}
}

func (r *unitRun) transition(ctx context.Context, to State) {
	from := r.state
	r.state = to
	r.log.Debug("transition",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.Int("seq", r.attempts),
		zap.Int("budget", r.budget))
	transitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	r.c.emit(ctx, Event{RunID: r.runID, Unit: r.unit.ID, Type: EventTransition, From: from, To: to, Seq: r.attempts, Budget: r.budget})
}

// append persists an attempt for the unit.
func (r *unitRun) append(ctx context.Context, a candidate.Attempt) (candidate.Attempt, error) {
	a.Digest = r.unit.Digest
	a.RunID = r.runID
	stored, err := r.c.deps.Store.Append(r.unit.ID, a)
	if err != nil {
		return candidate.Attempt{}, storeFault("append", r.unit.ID, err)
	}
	r.attempts = stored.Seq + 1
	attemptsTotal.WithLabelValues(string(stored.Stage)).Inc()
	r.log.Info("attempt recorded", zap.Int("seq", stored.Seq), zap.String("stage", string(stored.Stage)))
	r.c.emit(ctx, Event{RunID: r.runID, Unit: r.unit.ID, Type: EventAttempt, Seq: stored.Seq, Budget: r.budget, Attempt: &stored})
	return stored, nil
}

// complete makes one completion request on a detached context. ok is false
// when the result is unusable (service failure, empty or garbled); err is
// set only for errors the client does not recognise.
func (r *unitRun) complete(ctx context.Context, kind completion.PromptKind, text string) (code string, ok bool, err error) {
	cctx, cancel := detached(ctx, r.c.cfg.CompletionTimeout)
	defer cancel()

	start := time.Now()
	raw, err := r.c.deps.Completer.Complete(cctx, completion.Request{Kind: kind, Unit: r.unit.ID, Prompt: text})
	callDuration.WithLabelValues("complete_" + string(kind)).Observe(time.Since(start).Seconds())
	if err != nil {
		if completion.IsServiceError(err) {
			r.unusable(ctx, kind, err.Error())
			return "", false, nil
		}
		return "", false, err
	}
	code = completion.ExtractCode(raw)
	if !completion.Usable(code, r.c.cfg.RequiredMarkers) {
		reason := "garbled completion"
		if code == "" {
			reason = "empty completion"
		}
		r.unusable(ctx, kind, reason)
		return "", false, nil
	}
	return code, true, nil
}

func (r *unitRun) unusable(ctx context.Context, kind completion.PromptKind, detail string) {
	unusableTotal.WithLabelValues(string(kind)).Inc()
	r.log.Warn("unusable completion", zap.String("kind", string(kind)), zap.String("detail", detail))
	r.c.emit(ctx, Event{RunID: r.runID, Unit: r.unit.ID, Type: EventUnusable, Seq: r.attempts, Budget: r.budget, Detail: string(kind) + ": " + detail})
}

func (r *unitRun) vars() prompt.Vars {
	v := prompt.Vars{
		"unit":      r.unit.ID,
		"framework": r.c.cfg.Framework,
		"source":    "",
	}
	if r.c.cfg.IncludeSource {
		v["source"] = r.source
	}
	return v
}

func (r *unitRun) render(name string, v prompt.Vars) (string, error) {
	return r.c.deps.Prompts.Render(name, v)
}

func (r *unitRun) generate(ctx context.Context) (State, *candidate.Outcome, error) {
	v := r.vars()
	v["source"] = r.source
	text, err := r.render(prompt.GenerateTemplate, v)
	if err != nil {
		return r.internal(ctx, fmt.Errorf("render generate prompt: %w", err))
	}

	tries := r.c.cfg.MaxGenerateRetries + 1
	for i := 0; i < tries; i++ {
		if i > 0 && ctx.Err() != nil {
			return r.cancelled(ctx)
		}
		code, ok, err := r.complete(ctx, completion.KindGenerate, text)
		if err != nil {
			return r.internal(ctx, fmt.Errorf("generate: %w", err))
		}
		if !ok {
			continue
		}
		if _, err := r.append(ctx, candidate.Attempt{Stage: candidate.StageGenerated, Text: code}); err != nil {
			return "", nil, err
		}
		r.text = code
		return StateRefining, nil, nil
	}
	o, err := r.finish(ctx, candidate.OutcomeAborted, candidate.ReasonEmptyGeneration,
		fmt.Sprintf("no usable generation after %d requests", tries))
	return "", &o, err
}

func (r *unitRun) refine(ctx context.Context) (State, *candidate.Outcome, error) {
	v := r.vars()
	v["test_code"] = r.text
	text, err := r.render(prompt.RefineTemplate, v)
	if err != nil {
		return r.internal(ctx, fmt.Errorf("render refine prompt: %w", err))
	}

	code, ok, err := r.complete(ctx, completion.KindRefine, text)
	if err != nil {
		return r.internal(ctx, fmt.Errorf("refine: %w", err))
	}
	a := candidate.Attempt{Stage: candidate.StageRefined, Text: code}
	if !ok {
		a.Text = r.text
		a.Note = "refinement unusable, kept generated text"
		r.c.emit(ctx, Event{RunID: r.runID, Unit: r.unit.ID, Type: EventRefineFallback, Seq: r.attempts, Budget: r.budget})
	}
	if _, err := r.append(ctx, a); err != nil {
		return "", nil, err
	}
	r.text = a.Text
	return StateBuilding, nil, nil
}

func (r *unitRun) build(ctx context.Context) (State, *candidate.Outcome, error) {
	if err := r.c.acquireBuild(ctx); err != nil {
		return r.cancelled(ctx)
	}
	r.building = true
	defer func() {
		r.building = false
		r.c.releaseBuild()
	}()

	bctx, cancel := detached(ctx, r.c.cfg.BuildTimeout)
	start := time.Now()
	res, err := r.c.deps.Builder.Build(bctx, build.Snapshot{Unit: r.unit.ID, Text: r.text})
	callDuration.WithLabelValues("build").Observe(time.Since(start).Seconds())
	cancel()
	if err != nil {
		return r.internal(ctx, fmt.Errorf("build: %w", err))
	}

	if !res.Passed {
		diag := build.Diagnose(res.Output, res.ExitCode, res.TimedOut, r.c.cfg.MaxDiagnosticBytes)
		if _, err := r.append(ctx, candidate.Attempt{Stage: candidate.StageBuildFailed, Text: r.text, Diagnostic: diag}); err != nil {
			return "", nil, err
		}
		buildFailuresTotal.WithLabelValues(string(diag.Kind)).Inc()
		r.log.Info("build failed",
			zap.String("kind", string(diag.Kind)),
			zap.String("location", diag.Location),
			zap.Int("exit_code", diag.ExitCode))

		if r.lastSig != "" && diag.Signature == r.lastSig {
			before := r.budget
			r.budget /= 2
			r.firings++
			guardFiringsTotal.Inc()
			r.log.Warn("same diagnostic as previous build, halving repair budget",
				zap.String("signature", diag.Signature),
				zap.Int("budget_before", before),
				zap.Int("budget", r.budget))
			r.c.emit(ctx, Event{RunID: r.runID, Unit: r.unit.ID, Type: EventGuardFired, Seq: r.attempts, Budget: r.budget, Detail: diag.Signature})
		}
		r.lastSig = diag.Signature
		r.lastDiag = diag

		if r.budget <= 0 {
			o, err := r.finishWith(ctx, candidate.Outcome{Kind: candidate.OutcomeExhausted, Detail: DetailBudgetExhausted, Diagnostic: diag})
			return "", &o, err
		}
		return StateRepairing, nil, nil
	}

	if _, err := r.append(ctx, candidate.Attempt{Stage: candidate.StageBuildSucceeded, Text: r.text}); err != nil {
		return "", nil, err
	}
	if ctx.Err() != nil {
		return r.cancelled(ctx)
	}

	cctx, cancel := detached(ctx, r.c.cfg.CoverageTimeout)
	start = time.Now()
	cov, err := r.c.deps.Coverage.Run(cctx, r.unit.ID, r.c.deps.Builder.Target(r.unit.ID))
	callDuration.WithLabelValues("coverage").Observe(time.Since(start).Seconds())
	cancel()
	if err != nil {
		r.log.Warn("coverage failed", zap.Error(err))
		o, ferr := r.finishWith(ctx, candidate.Outcome{Kind: candidate.OutcomeSucceeded, CoverageError: err.Error()})
		return "", &o, ferr
	}
	if _, err := r.append(ctx, candidate.Attempt{Stage: candidate.StageCoverageRun, Text: r.text, Coverage: cov}); err != nil {
		return "", nil, err
	}
	r.log.Info("coverage recorded", zap.Float64("percent", cov.Percent), zap.Int("lines_hit", cov.LinesHit), zap.Int("lines_found", cov.LinesFound))
	o, err := r.finishWith(ctx, candidate.Outcome{Kind: candidate.OutcomeSucceeded, Coverage: cov})
	return "", &o, err
}

func (r *unitRun) repair(ctx context.Context) (State, *candidate.Outcome, error) {
	r.budget--
	r.cycles++

	v := r.vars()
	v["test_code"] = r.text
	v["diagnostic"] = r.lastDiag.Text
	v["failure_kind"] = string(r.lastDiag.Kind)
	v["hint"] = prompt.RepairHint(r.lastDiag.Kind)
	v["cycle"] = strconv.Itoa(r.cycles)
	text, err := r.render(prompt.RepairTemplate, v)
	if err != nil {
		return r.internal(ctx, fmt.Errorf("render repair prompt: %w", err))
	}

	requests := r.c.cfg.MaxRepairRetries
	for i := 0; i < requests; i++ {
		if i > 0 && ctx.Err() != nil {
			return r.cancelled(ctx)
		}
		code, ok, err := r.complete(ctx, completion.KindRepair, text)
		if err != nil {
			return r.internal(ctx, fmt.Errorf("repair: %w", err))
		}
		if !ok {
			continue
		}
		if _, err := r.append(ctx, candidate.Attempt{Stage: candidate.StageRepaired, Text: code}); err != nil {
			return "", nil, err
		}
		r.text = code
		return StateBuilding, nil, nil
	}
	o, err := r.finishWith(ctx, candidate.Outcome{Kind: candidate.OutcomeExhausted, Detail: DetailRepairNonProgress, Diagnostic: r.lastDiag})
	return "", &o, err
}

// discard removes the unit's test file from the shared tests dir, under the
// build permit.
func (r *unitRun) discard(ctx context.Context) {
	if !r.building {
		if err := r.c.acquireBuild(context.WithoutCancel(ctx)); err != nil {
			return
		}
		defer r.c.releaseBuild()
	}
	if err := r.c.deps.Builder.Discard(r.unit.ID); err != nil {
		r.log.Warn("discard test file failed", zap.Error(err))
	}
}

func (r *unitRun) internal(ctx context.Context, cause error) (State, *candidate.Outcome, error) {
	r.log.Error("internal error", zap.Error(cause))
	o, err := r.finish(ctx, candidate.OutcomeAborted, candidate.ReasonInternalError, cause.Error())
	return "", &o, err
}

func (r *unitRun) cancelled(ctx context.Context) (State, *candidate.Outcome, error) {
	o, err := r.finish(ctx, candidate.OutcomeAborted, candidate.ReasonCancelled, fmt.Sprintf("cancelled while %s", r.state))
	return "", &o, err
}

func (r *unitRun) finish(ctx context.Context, kind candidate.OutcomeKind, reason candidate.AbortReason, detail string) (candidate.Outcome, error) {
	return r.finishWith(ctx, candidate.Outcome{Kind: kind, Reason: reason, Detail: detail})
}

// finishWith records the terminal outcome. Non-successful units have their
// test file discarded so it cannot break other units' builds.
func (r *unitRun) finishWith(ctx context.Context, o candidate.Outcome) (candidate.Outcome, error) {
	o.Digest = r.unit.Digest
	o.RunID = r.runID
	o.Attempts = r.attempts
	o.RepairCycles = r.cycles
	o.GuardFirings = r.firings
	if o.Diagnostic == nil && o.Kind != candidate.OutcomeSucceeded {
		o.Diagnostic = r.lastDiag
	}

	if o.Kind != candidate.OutcomeSucceeded && r.started {
		r.discard(ctx)
	}

	stored, err := r.c.deps.Store.RecordOutcome(r.unit.ID, o)
	if err != nil {
		return candidate.Outcome{}, storeFault("record outcome", r.unit.ID, err)
	}

	to := StateSucceeded
	switch o.Kind {
	case candidate.OutcomeExhausted:
		to = StateExhausted
	case candidate.OutcomeAborted:
		to = StateAborted
	}
	r.transition(ctx, to)

	unitsTotal.WithLabelValues(string(o.Kind), string(o.Reason)).Inc()
	repairCycles.Observe(float64(r.cycles))
	setUnitSpanResult(r.span, string(o.Kind), string(o.Reason), o.Attempts, o.RepairCycles)
	r.log.Info("unit finished",
		zap.String("outcome", string(o.Kind)),
		zap.String("reason", string(o.Reason)),
		zap.String("detail", o.Detail),
		zap.Int("attempts", o.Attempts),
		zap.Int("repair_cycles", o.RepairCycles),
		zap.Int("guard_firings", o.GuardFirings))
	r.c.emit(ctx, Event{RunID: r.runID, Unit: r.unit.ID, Type: EventOutcome, Seq: r.attempts, Budget: r.budget, Outcome: &stored})
	return stored, nil
}
