package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/INLOpen/nexusseis/core"
	"github.com/INLOpen/nexusseis/store"
	"github.com/INLOpen/nexusseis/zeroahead"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
)

func TestRun(t *testing.T) {
	ctx := context.Background()
	dataDir, replicaDir := t.TempDir(), t.TempDir()
	key := core.Key{JulianDay: 2024100, Node: "n1"}

	s, err := store.New(store.Options{
		DataDir:    dataDir,
		ReplicaDir: replicaDir,
		Zero: zeroahead.Options{
			InitialExtend: 256,
			Margin:        64,
			Cycle:         5 * time.Millisecond,
			FreeSpace:     func(string) (uint64, error) { return 1 << 40, nil },
		},
	})
	require.NoError(t, err)
	f, err := s.OpenIndexFile(ctx, key, true, false)
	require.NoError(t, err)
	for _, ch := range []string{"IUAAA  BHZ", "IUBBB  BHZ"} {
		a, err := f.Appender(ch)
		require.NoError(t, err)
		for i := 0; i < 70; i++ {
			_, err := a.Append(ctx, bytes.Repeat([]byte{byte(i + 1)}, core.BlockSize), time.Now(), false)
			require.NoError(t, err)
		}
	}
	require.NoError(t, s.Close(ctx))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tp := noop.NewTracerProvider()

	var out bytes.Buffer
	err = run(ctx, inspectOptions{dir: dataDir, key: key, chains: true}, &out, logger, tp)
	require.NoError(t, err)
	text := out.String()
	assert.Contains(t, text, "2 channels")
	assert.Contains(t, text, `"IUAAA  BHZ  ": 1 index blocks`)
	assert.Contains(t, text, "2 extents, 70 blocks used")

	out.Reset()
	err = run(ctx, inspectOptions{dir: replicaDir, key: key, replica: true, metrics: true}, &out, logger, tp)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "0 index blocks with unconfirmed data")
	assert.Contains(t, out.String(), "nexusseis_alloc_extents_total")

	err = run(ctx, inspectOptions{dir: dataDir, key: core.Key{JulianDay: 2024101, Node: "n1"}}, &out, logger, tp)
	assert.ErrorIs(t, err, core.ErrFileNotFound)

	err = run(ctx, inspectOptions{key: key}, &out, logger, tp)
	assert.Error(t, err)
}
