package controller

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/lucasnoah/testfactory/internal/build"
	"github.com/lucasnoah/testfactory/internal/candidate"
	"github.com/lucasnoah/testfactory/internal/discovery"
)

func TestRunMovesCounters(t *testing.T) {
	h := newHarness(t)
	h.builder.results = []build.Result{
		failed("test_a.cc:(.text+0x1a): undefined reference to `Foo()'\ncollect2: error: ld returned 1 exit status"),
		{Passed: true},
	}
	c := h.controller(t, testConfig())

	succeeded := unitsTotal.WithLabelValues(string(candidate.OutcomeSucceeded), "")
	linkFailures := buildFailuresTotal.WithLabelValues(string(candidate.FailureLinkError))
	generated := attemptsTotal.WithLabelValues(string(candidate.StageGenerated))
	beforeUnits := testutil.ToFloat64(succeeded)
	beforeFailures := testutil.ToFloat64(linkFailures)
	beforeGenerated := testutil.ToFloat64(generated)

	outcomes, err := c.Run(context.Background(), []discovery.Unit{unit("a.cc")})
	require.NoError(t, err)
	require.Equal(t, candidate.OutcomeSucceeded, outcomes[0].Kind)

	assert.Equal(t, beforeUnits+1, testutil.ToFloat64(succeeded))
	assert.Equal(t, beforeFailures+1, testutil.ToFloat64(linkFailures))
	assert.Equal(t, beforeGenerated+1, testutil.ToFloat64(generated))
}

func TestRunRecordsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})

	h := newHarness(t)
	c := h.controller(t, testConfig())
	_, err := c.Run(context.Background(), []discovery.Unit{unit("a.cc")})
	require.NoError(t, err)

	names := map[string]int{}
	var unitSpan sdktrace.ReadOnlySpan
	for _, s := range recorder.Ended() {
		names[s.Name()]++
		if s.Name() == "controller.unit" {
			unitSpan = s
		}
	}
	assert.Equal(t, 1, names["controller.run"])
	assert.Equal(t, 1, names["controller.unit"])
	require.NotNil(t, unitSpan)

	attrs := map[string]string{}
	for _, kv := range unitSpan.Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "a.cc", attrs["testfactory.unit"])
	assert.Equal(t, string(candidate.OutcomeSucceeded), attrs["testfactory.outcome"])
}
