package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTraceProviderUnsupportedProto(t *testing.T) {
	t.Parallel()

	_, err := NewTraceProvider(context.Background(), "grpc", "localhost:4317", true)
	require.ErrorIs(t, err, ErrUnsupportedProto)
}

func TestNewClient(t *testing.T) {
	t.Parallel()

	for _, proto := range []string{"http", "HTTP"} {
		c, err := newClient(proto, "localhost:4318", true)
		require.NoError(t, err)
		assert.NotNil(t, c)
	}
}

func TestNoopTraceProvider(t *testing.T) {
	t.Parallel()

	tp := NewNoopTraceProvider()
	_, span := tp.Tracer("test").Start(context.Background(), "span")
	assert.False(t, span.IsRecording())
	span.End()
	require.NoError(t, tp.Shutdown(context.Background()))
}
