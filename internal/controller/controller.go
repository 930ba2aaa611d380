// Package controller drives each source unit through generation, refinement,
// build and repair until it succeeds, exhausts its repair budget or aborts.
package controller

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/lucasnoah/testfactory/internal/candidate"
	"github.com/lucasnoah/testfactory/internal/discovery"
)

// State is a unit's position in the pipeline.
type State string

const (
	StateDiscovered State = "discovered"
	StateGenerating State = "generating"
	StateRefining   State = "refining"
	StateBuilding   State = "building"
	StateRepairing  State = "repairing"
	StateSucceeded  State = "succeeded"
	StateExhausted  State = "exhausted"
	StateAborted    State = "aborted"
)

// Deps are the controller's collaborators. Sink and ReadSource are optional.
type Deps struct {
	Completer  Completer
	Builder    Builder
	Coverage   CoverageRunner
	Store      Store
	Prompts    Prompts
	Sink       EventSink
	ReadSource func(path string) ([]byte, error)
	Logger     *zap.Logger
	Now        func() time.Time
}

// Controller runs worklists. It is safe to call Run from one goroutine at a
// time; units within a run are processed concurrently.
type Controller struct {
	cfg      Config
	deps     Deps
	logger   *zap.Logger
	buildSem *semaphore.Weighted
}

// New validates cfg and returns a Controller.
func New(cfg Config, deps Deps) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("controller config: %w", err)
	}
	if deps.Completer == nil || deps.Builder == nil || deps.Coverage == nil || deps.Store == nil || deps.Prompts == nil {
		return nil, errors.New("controller: completer, builder, coverage, store and prompts are required")
	}
	if deps.ReadSource == nil {
		deps.ReadSource = os.ReadFile
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Controller{
		cfg:      cfg.withDefaults(),
		deps:     deps,
		logger:   deps.Logger,
		buildSem: semaphore.NewWeighted(1),
	}, nil
}

// Config returns a copy of the controller's configuration.
func (c *Controller) Config() Config {
	return c.cfg.withDefaults()
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.NewString()
}

// Run processes units with a fresh run ID. See RunWithID.
func (c *Controller) Run(ctx context.Context, units []discovery.Unit) ([]candidate.Outcome, error) {
	return c.RunWithID(ctx, NewRunID(), units)
}

// RunWithID processes units and returns one outcome per unit in input order.
// Cancelling ctx lets in-flight collaborator calls finish, then aborts their
// units as cancelled; units not yet started are aborted without any call.
// The returned error is non-nil only for run-level faults, chiefly
// ErrStoreFault, in which case the outcomes are incomplete.
func (c *Controller) RunWithID(ctx context.Context, runID string, units []discovery.Unit) ([]candidate.Outcome, error) {
	if len(units) == 0 {
		return nil, ErrNoUnits
	}
	seen := make(map[string]bool, len(units))
	for _, u := range units {
		if seen[u.ID] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateUnit, u.ID)
		}
		seen[u.ID] = true
	}

	ctx, span := tracer.Start(ctx, "controller.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("testfactory.run_id", runID),
		attribute.Int("testfactory.units", len(units)),
	)

	log := c.logger.With(zap.String("run_id", runID))
	log.Info("run started",
		zap.Int("units", len(units)),
		zap.Int("parallelism", c.cfg.Parallelism),
		zap.Int("max_generate_retries", c.cfg.MaxGenerateRetries),
		zap.Int("max_repair_retries", c.cfg.MaxRepairRetries))
	c.emit(ctx, Event{RunID: runID, Type: EventRunStarted, Units: len(units)})

	start := c.deps.Now()
	outcomes := make([]candidate.Outcome, len(units))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Parallelism)
	for i, u := range units {
		g.Go(func() error {
			o, err := c.runUnit(gctx, runID, u)
			if err != nil {
				return err
			}
			outcomes[i] = o
			return nil
		})
	}
	err := g.Wait()

	if err != nil {
		span.RecordError(err)
		log.Error("run aborted", zap.Error(err))
		c.emit(context.WithoutCancel(ctx), Event{RunID: runID, Type: EventRunFinished, Detail: err.Error()})
		return outcomes, err
	}
	log.Info("run finished", zap.Duration("elapsed", c.deps.Now().Sub(start)))
	c.emit(context.WithoutCancel(ctx), Event{RunID: runID, Type: EventRunFinished})
	return outcomes, nil
}

// emit forwards e to the sink, logging failures.
func (c *Controller) emit(ctx context.Context, e Event) {
	if c.deps.Sink == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = c.deps.Now().UTC()
	}
	if err := c.deps.Sink.Record(context.WithoutCancel(ctx), e); err != nil {
		c.logger.Warn("event sink failed",
			zap.String("run_id", e.RunID),
			zap.String("unit", e.Unit),
			zap.String("event", string(e.Type)),
			zap.Error(err))
	}
}

// detached returns a context that ignores run cancellation but is bounded by
// timeout.
func detached(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}

// acquireBuild takes the single build permit. It gives up only if ctx is
// cancelled while waiting.
func (c *Controller) acquireBuild(ctx context.Context) error {
	return c.buildSem.Acquire(ctx, 1)
}

func (c *Controller) releaseBuild() {
	c.buildSem.Release(1)
}
