package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/INLOpen/nexusseis/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		logger, closer, err := NewLogger(config.Default().Logging)
		require.NoError(t, err)
		assert.NotNil(t, logger)
		assert.Nil(t, closer)
	})

	t.Run("File", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "seis.log")
		logger, closer, err := NewLogger(config.LoggingConfig{Level: "debug", Output: "file", File: path, Format: "json"})
		require.NoError(t, err)
		require.NotNil(t, closer)
		logger.Debug("allocated", "block", 64)
		require.NoError(t, closer.Close())

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"block":64`)
	})

	for _, cfg := range []config.LoggingConfig{
		{Level: "loud", Output: "stdout"},
		{Level: "info", Output: "printer"},
		{Level: "info", Output: "file"},
		{Level: "info", Output: "none", Format: "xml"},
	} {
		_, _, err := NewLogger(cfg)
		assert.Error(t, err, "%+v", cfg)
	}
}

func TestNewTracerProvider(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	tp, cleanup, err := NewTracerProvider(ctx, config.TracingConfig{}, logger)
	require.NoError(t, err)
	require.NotNil(t, tp)
	_, span := tp.Tracer("test").Start(ctx, "noop")
	span.End()
	cleanup()

	_, _, err = NewTracerProvider(ctx, config.TracingConfig{Enabled: true, Protocol: "carrier-pigeon"}, logger)
	assert.Error(t, err)
}
