package controller

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("testfactory/controller")

var (
	unitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "testfactory",
		Subsystem: "controller",
		Name:      "units_total",
		Help:      "Units finished, by outcome and abort reason.",
	}, []string{"outcome", "reason"})

	attemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "testfactory",
		Subsystem: "controller",
		Name:      "attempts_total",
		Help:      "Attempts appended, by stage.",
	}, []string{"stage"})

	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "testfactory",
		Subsystem: "controller",
		Name:      "transitions_total",
		Help:      "State transitions, by source and target state.",
	}, []string{"from", "to"})

	buildFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "testfactory",
		Subsystem: "controller",
		Name:      "build_failures_total",
		Help:      "Build failures, by classified failure kind.",
	}, []string{"kind"})

	unusableTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "testfactory",
		Subsystem: "controller",
		Name:      "unusable_completions_total",
		Help:      "Completions that were empty, garbled or failed, by prompt kind.",
	}, []string{"kind"})

	guardFiringsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "testfactory",
		Subsystem: "controller",
		Name:      "progress_guard_firings_total",
		Help:      "Times a repeated diagnostic halved a unit's repair budget.",
	})

	callDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "testfactory",
		Subsystem: "controller",
		Name:      "call_duration_seconds",
		Help:      "Collaborator call latency.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
	}, []string{"call"})

	repairCycles = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "testfactory",
		Subsystem: "controller",
		Name:      "repair_cycles",
		Help:      "Repair cycles per finished unit.",
		Buckets:   []float64{0, 1, 2, 3, 4, 6, 8, 12, 16},
	})
)

func startUnitSpan(ctx context.Context, runID, unit, digest string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "controller.unit",
		trace.WithAttributes(
			attribute.String("testfactory.run_id", runID),
			attribute.String("testfactory.unit", unit),
			attribute.String("testfactory.digest", digest),
		),
	)
}

func setUnitSpanResult(span trace.Span, outcome, reason string, attempts, cycles int) {
	span.SetAttributes(
		attribute.String("testfactory.outcome", outcome),
		attribute.String("testfactory.reason", reason),
		attribute.Int("testfactory.attempts", attempts),
		attribute.Int("testfactory.repair_cycles", cycles),
	)
}
