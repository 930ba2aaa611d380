package telemetry

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

func restoreTracerProvider(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
}

func TestInitNoneLeavesProviderAlone(t *testing.T) {
	restoreTracerProvider(t)
	prev := otel.GetTracerProvider()

	shutdown, err := Init(context.Background(), Config{TraceExporter: ExporterNone})
	require.NoError(t, err)
	assert.Same(t, prev, otel.GetTracerProvider())
	assert.NoError(t, shutdown(context.Background()))
}

func TestInitStdoutExportsSpans(t *testing.T) {
	restoreTracerProvider(t)
	var buf bytes.Buffer

	shutdown, err := Init(context.Background(), Config{
		ServiceName:   "testfactory",
		TraceExporter: ExporterStdout,
		Output:        &buf,
	})
	require.NoError(t, err)

	_, span := otel.GetTracerProvider().Tracer("telemetry-test").Start(context.Background(), "unit.build")
	span.End()
	require.NoError(t, shutdown(context.Background()))

	assert.Contains(t, buf.String(), `"Name":"unit.build"`)
	assert.Contains(t, buf.String(), "testfactory")
}

func TestInitUnknownExporter(t *testing.T) {
	restoreTracerProvider(t)
	_, err := Init(context.Background(), Config{TraceExporter: "zipkin"})
	assert.ErrorIs(t, err, ErrUnknownExporter)
}

func TestListenMetricsServesRegistry(t *testing.T) {
	m, err := ListenMetrics("127.0.0.1:0", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	resp, err := http.Get("http://" + m.Addr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestListenMetricsBadAddr(t *testing.T) {
	_, err := ListenMetrics("not-an-addr", zap.NewNop())
	assert.Error(t, err)
}
