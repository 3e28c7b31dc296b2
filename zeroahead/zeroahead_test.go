package zeroahead

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/INLOpen/nexusseis/blockfile"
	"github.com/INLOpen/nexusseis/core"
	"github.com/INLOpen/nexusseis/hooks"
	"github.com/INLOpen/nexusseis/metrics"
	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHooks struct {
	mu     sync.Mutex
	events []hooks.EventType
}

func (r *recordingHooks) Register(hooks.EventType, hooks.HookListener) {}
func (r *recordingHooks) Stop()                                         {}

func (r *recordingHooks) Trigger(_ context.Context, ev hooks.HookEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev.Type())
}

func (r *recordingHooks) count(et hooks.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == et {
			n++
		}
	}
	return n
}

func plenty(string) (uint64, error) { return 1 << 40, nil }

func openData(t *testing.T) *blockfile.File {
	t.Helper()
	f, err := blockfile.Open(filepath.Join(t.TempDir(), "2024100_n1.ms"), blockfile.RoleData, true, false)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func fill(b byte) []byte { return bytes.Repeat([]byte{b}, core.BlockSize) }

func newZeroer(t *testing.T, data *blockfile.File, lastZero, highwater int64, opts Options) *Zeroer {
	t.Helper()
	if opts.FreeSpace == nil {
		opts.FreeSpace = plenty
	}
	z, err := New(data, lastZero, highwater, opts)
	require.NoError(t, err)
	t.Cleanup(func() { z.Stop(context.Background()) })
	return z
}

func ctxTimeout(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestAwait_ZeroesStaleBlocks(t *testing.T) {
	data := openData(t)
	for b := int64(0); b <= 200; b++ {
		require.NoError(t, data.WriteBlock(b, fill(0xEE)))
	}
	z := newZeroer(t, data, 0, 0, Options{})
	z.Start()

	require.NoError(t, z.Await(ctxTimeout(t), 192))
	assert.GreaterOrEqual(t, z.LastZero(), int64(192))

	last, err := data.LastNonZero(0, 192)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), last)

	// Already satisfied boundaries return at once.
	require.NoError(t, z.Await(context.Background(), 64))
}

func TestAwait_ContextCanceled(t *testing.T) {
	data := openData(t)
	z := newZeroer(t, data, 0, 0, Options{Cycle: time.Hour})
	// Not started: nobody receives the request.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, z.Await(ctx, 64), context.DeadlineExceeded)
}

func TestExtend_DoublesWithinWindow(t *testing.T) {
	mock := clock.NewMock()
	data := openData(t)
	role := "test-doubling"
	z := newZeroer(t, data, 0, 0, Options{
		Role:          role,
		InitialExtend: 100,
		Margin:        1,
		Cycle:         time.Hour,
		Clock:         mock,
	})
	z.Start()
	ctx := ctxTimeout(t)

	require.NoError(t, z.Await(ctx, 50))
	assert.Equal(t, int64(100), z.Length())

	require.NoError(t, z.Await(ctx, 150))
	assert.Equal(t, int64(300), z.Length(), "second extension inside the window doubles")

	mock.Add(11 * time.Minute)
	require.NoError(t, z.Await(ctx, 350))
	assert.Equal(t, int64(500), z.Length(), "extension outside the window keeps the size")

	n, err := data.Len()
	require.NoError(t, err)
	assert.Equal(t, int64(500), n)
	assert.Equal(t, float64(3), testutil.ToFloat64(metrics.FileExtensions.WithLabelValues(role)))
}

func TestExtend_CapsAtMax(t *testing.T) {
	mock := clock.NewMock()
	data := openData(t)
	z := newZeroer(t, data, 0, 0, Options{
		InitialExtend: 100,
		MaxExtend:     150,
		Margin:        1,
		Cycle:         time.Hour,
		Clock:         mock,
	})
	z.Start()
	ctx := ctxTimeout(t)

	require.NoError(t, z.Await(ctx, 10))
	require.NoError(t, z.Await(ctx, 150))
	require.NoError(t, z.Await(ctx, 300))
	assert.Equal(t, int64(400), z.Length())
}

func TestExtend_NoSpaceLeft(t *testing.T) {
	rec := &recordingHooks{}
	data := openData(t)
	z := newZeroer(t, data, 0, 0, Options{
		Hooks:     rec,
		FreeSpace: func(string) (uint64, error) { return 1000, nil },
	})
	z.Start()

	err := z.Await(ctxTimeout(t), 10)
	assert.ErrorIs(t, err, core.ErrNoSpaceLeft)
	assert.Positive(t, rec.count(hooks.EventNoSpaceLeft))
}

func TestExtend_LowFreeSpace(t *testing.T) {
	rec := &recordingHooks{}
	data := openData(t)
	z := newZeroer(t, data, 0, 0, Options{
		Hooks:        rec,
		MinFreeBytes: 1 << 41,
	})
	z.Start()

	require.NoError(t, z.Await(ctxTimeout(t), 10))
	assert.Equal(t, 1, rec.count(hooks.EventLowFreeSpace))
	assert.Zero(t, rec.count(hooks.EventNoSpaceLeft))
}

func TestZeroBehindData_KeepsData(t *testing.T) {
	rec := &recordingHooks{}
	data := openData(t)
	require.NoError(t, data.WriteBlock(100, fill(7)))

	z := newZeroer(t, data, 64, 101, Options{Hooks: rec})
	z.Start()
	require.NoError(t, z.Await(ctxTimeout(t), 101))

	assert.Equal(t, 1, rec.count(hooks.EventZeroBehindData))
	got := make([]byte, core.BlockSize)
	require.NoError(t, data.ReadBlock(100, got))
	assert.Equal(t, fill(7), got)
	assert.GreaterOrEqual(t, z.LastZero(), int64(101))
}

type flushRecorder struct {
	mu     sync.Mutex
	data   *blockfile.File
	order  []int64
	failed bool
}

func (f *flushRecorder) flush(_ context.Context, e Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failed {
		return errors.New("replica lock poisoned")
	}
	f.order = append(f.order, e.Block)
	return f.data.WriteBlock(e.Block, e.Data)
}

func (f *flushRecorder) flushed() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.order...)
}

func TestWriteBehind_DrainsInBlockOrder(t *testing.T) {
	data := openData(t)
	wb := NewWriteBehind(WriteBehindOptions{Warn: 100})
	rec := &flushRecorder{data: data}
	ctx := context.Background()

	for _, b := range []int64{500, 300, 400} {
		require.NoError(t, wb.Push(ctx, Entry{Block: b, Data: fill(byte(b / 100))}))
	}

	z := newZeroer(t, data, 0, 0, Options{Role: metrics.RoleReplica, WriteBehind: wb, Flush: rec.flush, Cycle: 5 * time.Millisecond})
	z.Start()

	require.Eventually(t, func() bool { return wb.Len() == 0 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{300, 400, 500}, rec.flushed())
	assert.Greater(t, z.LastZero(), int64(500))

	got := make([]byte, core.BlockSize)
	for _, b := range []int64{300, 400, 500} {
		require.NoError(t, data.ReadBlock(b, got))
		assert.Equal(t, fill(byte(b/100)), got)
	}
}

func TestStop_DrainsWriteBehind(t *testing.T) {
	data := openData(t)
	wb := NewWriteBehind(WriteBehindOptions{})
	rec := &flushRecorder{data: data}
	ctx := context.Background()
	require.NoError(t, wb.Push(ctx, Entry{Block: 1000, Data: fill(1)}))

	z := newZeroer(t, data, 0, 0, Options{WriteBehind: wb, Flush: rec.flush, Cycle: time.Hour})
	require.NoError(t, z.Stop(ctxTimeout(t)))
	assert.Equal(t, []int64{1000}, rec.flushed())
	assert.Zero(t, wb.Len())

	assert.ErrorIs(t, z.Await(ctx, 1<<20), core.ErrZeroAheadStopped)
	assert.NoError(t, z.Stop(ctx), "second stop is a no-op")
}

func TestStop_ReportsUndrainedBlocks(t *testing.T) {
	data := openData(t)
	wb := NewWriteBehind(WriteBehindOptions{})
	rec := &flushRecorder{data: data, failed: true}
	ctx := context.Background()
	require.NoError(t, wb.Push(ctx, Entry{Block: 10, Data: fill(1)}))

	z := newZeroer(t, data, 0, 0, Options{WriteBehind: wb, Flush: rec.flush, Cycle: time.Hour, DrainRetries: 3})
	err := z.Stop(ctxTimeout(t))
	assert.ErrorIs(t, err, core.ErrZeroAheadStopped)
	assert.Zero(t, wb.Len())
}

func TestTruncate(t *testing.T) {
	data := openData(t)
	z := newZeroer(t, data, 0, 0, Options{InitialExtend: 512})
	z.Start()
	ctx := ctxTimeout(t)

	require.NoError(t, z.Await(ctx, 256))
	require.NoError(t, z.Truncate(ctx, 64))
	assert.Equal(t, int64(64), z.Length())
	assert.Equal(t, int64(64), z.LastZero())

	n, err := data.Len()
	require.NoError(t, err)
	assert.Equal(t, int64(64), n)

	// An allocation resumes zeroing.
	require.NoError(t, z.Await(ctx, 128))
	assert.GreaterOrEqual(t, z.Length(), int64(128))
}

func TestWriteBehind_Queue(t *testing.T) {
	ctx := context.Background()
	wb := NewWriteBehind(WriteBehindOptions{})
	for _, b := range []int64{9, 3, 7, 5} {
		require.NoError(t, wb.Push(ctx, Entry{Block: b, Data: fill(byte(b))}))
	}
	// A re-send replaces the queued copy.
	require.NoError(t, wb.Push(ctx, Entry{Block: 7, Data: fill(70)}))
	assert.Equal(t, 4, wb.Len())
	assert.Equal(t, []int64{3, 5, 7, 9}, wb.Blocks())

	m, ok := wb.Max()
	require.True(t, ok)
	assert.Equal(t, int64(9), m)

	ready := wb.PopReady(10, 8)
	require.Len(t, ready, 3)
	assert.Equal(t, fill(70), ready[2].Data)

	ready = wb.PopReady(0, 100)
	require.Len(t, ready, 1)
	_, ok = wb.Max()
	assert.False(t, ok)
}

func TestWriteBehind_WarnAndLimit(t *testing.T) {
	ctx := context.Background()
	rec := &recordingHooks{}
	wb := NewWriteBehind(WriteBehindOptions{Warn: 2, Limit: 4, Hooks: rec})

	for b := int64(0); b < 4; b++ {
		require.NoError(t, wb.Push(ctx, Entry{Block: b}))
	}
	assert.Equal(t, 1, rec.count(hooks.EventWriteBehindOversized), "warned once while above the mark")

	err := wb.Push(ctx, Entry{Block: 99})
	assert.ErrorIs(t, err, core.ErrWriteBehindFull)
	assert.NoError(t, wb.Push(ctx, Entry{Block: 2}), "re-send of a queued block is accepted")

	wb.PopReady(3, 100)
	for b := int64(10); b < 13; b++ {
		require.NoError(t, wb.Push(ctx, Entry{Block: b}))
	}
	assert.Equal(t, 2, rec.count(hooks.EventWriteBehindOversized))
	assert.Equal(t, 4, wb.Discard())
}

func TestDrain_RequeuesPastLimit(t *testing.T) {
	data := openData(t)
	ctx := context.Background()
	wb := NewWriteBehind(WriteBehindOptions{Limit: 2})
	rec := &flushRecorder{data: data, failed: true}
	for _, b := range []int64{10, 11} {
		require.NoError(t, wb.Push(ctx, Entry{Block: b, Data: fill(byte(b))}))
	}

	z := newZeroer(t, data, 0, 0, Options{WriteBehind: wb, Flush: rec.flush, Cycle: time.Hour})
	z.lastZero.Store(100)

	deferred := testutil.ToFloat64(metrics.DeferredWrites)
	// The failed flush leaves the queue full while a new block is admitted.
	ready := wb.PopReady(0, 100)
	require.Len(t, ready, 2)
	require.NoError(t, wb.Push(ctx, Entry{Block: 50, Data: fill(50)}))
	wb.Requeue(ready)
	assert.Equal(t, []int64{10, 11, 50}, wb.Blocks())

	n, err := z.drain(ctx)
	assert.Error(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []int64{10, 11, 50}, wb.Blocks(), "nothing is lost over the limit")
	assert.Equal(t, deferred+1, testutil.ToFloat64(metrics.DeferredWrites), "requeued blocks are not counted again")

	// A re-send queued while the entry was out is kept over the stale copy.
	ready = wb.PopReady(1, 100)
	require.NoError(t, wb.Push(ctx, Entry{Block: 10, Data: fill(99)}))
	wb.Requeue(ready)
	got := wb.PopReady(1, 100)
	require.Len(t, got, 1)
	assert.Equal(t, fill(99), got[0].Data)
}
