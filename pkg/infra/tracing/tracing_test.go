package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"

	"github.com/grafana/queryrunner/pkg/setting"
)

func TestProvideService(t *testing.T) {
	ts, err := ProvideService(context.Background(), setting.NewCfg())
	require.NoError(t, err)

	_, span := ts.Start(context.Background(), "noop")
	require.False(t, span.SpanContext().IsValid())
	span.End()
	require.NoError(t, ts.Shutdown(context.Background()))
}

func TestInitializeTracerForTest(t *testing.T) {
	ts, exporter := InitializeTracerForTestWithExporter()

	_, span := ts.Start(context.Background(), "queryrunner.run")
	require.True(t, span.SpanContext().IsValid())
	require.Error(t, Error(span, errors.New("boom")))
	span.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	require.Equal(t, "queryrunner.run", spans[0].Name)
	require.Equal(t, codes.Error, spans[0].Status.Code)
}
