package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.False(t, cfg.Enabled)
	assert.Equal(t, "netbootstudio", cfg.ServiceName)
	assert.Equal(t, "dev", cfg.ServiceVersion)
	assert.Equal(t, "localhost:4317", cfg.Endpoint)
	assert.True(t, cfg.Insecure)
	assert.Equal(t, 1.0, cfg.SampleRate)
}

func TestInitDisabled(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.Enabled = false

	shutdown, err := Init(ctx, cfg)
	require.NoError(t, err)
	require.NotNil(t, shutdown)

	// Should be able to call shutdown without error
	err = shutdown(ctx)
	assert.NoError(t, err)

	// Should not be enabled
	assert.False(t, IsEnabled())
}

func TestTracerReturnsNoOp(t *testing.T) {
	// Reset state
	tracer = nil
	enabled = false

	// Without initialization, should return no-op tracer
	tr := Tracer()
	require.NotNil(t, tr)
}

func TestStartSpan(t *testing.T) {
	ctx := context.Background()

	// Even without initialization, StartSpan should work (no-op)
	newCtx, span := StartSpan(ctx, "test.operation")
	require.NotNil(t, newCtx)
	require.NotNil(t, span)

	// Should be able to end the span
	span.End()
}

func TestSpanFromContext(t *testing.T) {
	ctx := context.Background()

	// Should return a span even without active span
	span := SpanFromContext(ctx)
	require.NotNil(t, span)
}

func TestAddEvent(t *testing.T) {
	ctx := context.Background()

	// Should not panic with no active span
	require.NotPanics(t, func() {
		AddEvent(ctx, "test.event")
	})
}

func TestRecordError(t *testing.T) {
	ctx := context.Background()

	// Should not panic with nil error
	require.NotPanics(t, func() {
		RecordError(ctx, nil)
	})

	// Should not panic with error
	require.NotPanics(t, func() {
		RecordError(ctx, errors.New("test error"))
	})
}

func TestSetStatus(t *testing.T) {
	ctx := context.Background()

	// Should not panic
	require.NotPanics(t, func() {
		SetStatus(ctx, codes.Ok, "success")
	})

	require.NotPanics(t, func() {
		SetStatus(ctx, codes.Error, "failed")
	})
}

func TestSetAttributes(t *testing.T) {
	ctx := context.Background()

	// Should not panic
	require.NotPanics(t, func() {
		SetAttributes(ctx, ClientIP("192.168.1.1"))
	})
}

func TestTraceID(t *testing.T) {
	ctx := context.Background()

	// Without active span, should return empty string
	traceID := TraceID(ctx)
	assert.Equal(t, "", traceID)
}

func TestSpanID(t *testing.T) {
	ctx := context.Background()

	// Without active span, should return empty string
	spanID := SpanID(ctx)
	assert.Equal(t, "", spanID)
}

func TestAttributeHelpers(t *testing.T) {
	t.Run("ClientMAC", func(t *testing.T) {
		attr := ClientMAC("aa:bb:cc:dd:ee:ff")
		assert.Equal(t, AttrClientMAC, string(attr.Key))
		assert.Equal(t, "aa:bb:cc:dd:ee:ff", attr.Value.AsString())
	})

	t.Run("ClientIP", func(t *testing.T) {
		attr := ClientIP("192.168.1.100")
		assert.Equal(t, AttrClientIP, string(attr.Key))
		assert.Equal(t, "192.168.1.100", attr.Value.AsString())
	})

	t.Run("Arch", func(t *testing.T) {
		attr := Arch("arm64")
		assert.Equal(t, AttrArch, string(attr.Key))
		assert.Equal(t, "arm64", attr.Value.AsString())
	})

	t.Run("Topic", func(t *testing.T) {
		attr := Topic("NetbootStudio/APIRequest")
		assert.Equal(t, AttrTopic, string(attr.Key))
		assert.Equal(t, "NetbootStudio/APIRequest", attr.Value.AsString())
	})

	t.Run("Endpoint", func(t *testing.T) {
		attr := Endpoint("get_clients")
		assert.Equal(t, AttrEndpoint, string(attr.Key))
		assert.Equal(t, "get_clients", attr.Value.AsString())
	})

	t.Run("TaskID", func(t *testing.T) {
		attr := TaskID("6f1c")
		assert.Equal(t, AttrTaskID, string(attr.Key))
		assert.Equal(t, "6f1c", attr.Value.AsString())
	})

	t.Run("TaskType", func(t *testing.T) {
		attr := TaskType("build_ipxe")
		assert.Equal(t, AttrTaskType, string(attr.Key))
		assert.Equal(t, "build_ipxe", attr.Value.AsString())
	})

	t.Run("Filename", func(t *testing.T) {
		attr := Filename("ipxe.efi")
		assert.Equal(t, AttrFilename, string(attr.Key))
		assert.Equal(t, "ipxe.efi", attr.Value.AsString())
	})
}
