package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewProviderDisabled(t *testing.T) {
	p, err := NewProvider(context.Background(), DefaultConfig())
	require.NoError(t, err)
	require.NotNil(t, p.Tracer())
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNewProviderEnabledWithoutExporter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	p, err := NewProvider(context.Background(), cfg)
	require.NoError(t, err)

	_, span := p.Tracer().Start(context.Background(), "publish")
	require.True(t, span.SpanContext().IsValid())
	span.End()
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNewProviderUnknownExporter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Exporter = "carrier-pigeon"
	_, err := NewProvider(context.Background(), cfg)
	require.Error(t, err)
}
