package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "keiri-engine", config.ServiceName)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.Equal(t, 1.0, config.SampleRate)
	require.False(t, config.Enabled, "telemetry is opt-in")
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p)

	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())
}

func TestNewProviderNilConfig(t *testing.T) {
	p, err := New(context.Background(), nil)
	require.NoError(t, err)
	require.NotNil(t, p)
}

func TestTrackBlock(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	ctx, finish := p.TrackBlock(context.Background(),
		BlockExecution("table.pivot", "1.0.0", "run-1", "n1")...)
	require.NotNil(t, ctx)
	time.Sleep(time.Millisecond)
	finish(nil)

	_, finish = p.TrackBlock(context.Background())
	finish(errors.New("block failed"))
}

func TestTrackRun(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	_, finish := p.TrackRun(context.Background(), PlanRun("run-1", "monthly-close")...)
	finish(nil)

	_, finish = p.TrackRun(context.Background())
	finish(errors.New("run failed"))
}

func TestStartSpanAndShutdown(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	ctx, span := p.StartSpan(context.Background(), "test.span")
	require.NotNil(t, ctx)
	require.NotNil(t, span)
	span.End()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(shutdownCtx))
}

func TestAttributeHelpers(t *testing.T) {
	attrs := BlockExecution("excel.read_data", "1.0.0", "run-9", "read")
	require.Len(t, attrs, 4)
	require.Equal(t, "keiri.block.id", string(attrs[0].Key))
	require.Equal(t, "excel.read_data", attrs[0].Value.AsString())

	attrs = VaultOperation("store", "ev_1234abcd")
	require.Len(t, attrs, 2)
	require.Equal(t, "keiri.vault.operation", string(attrs[0].Key))

	attrs = PolicyEvaluation("expense-control", 4, 2)
	require.Len(t, attrs, 3)
	require.Equal(t, int64(2), attrs[2].Value.AsInt64())
}

func TestSpanHelpers(t *testing.T) {
	ctx := context.Background()
	require.NotNil(t, SpanFromContext(ctx))
	AddSpanEvent(ctx, "test.event", attribute.String("key", "value"))
	SetSpanStatus(ctx, errors.New("test error"))
	SetSpanStatus(ctx, nil)
}
