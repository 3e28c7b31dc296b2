package replica

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/INLOpen/nexusseis/blockfile"
	"github.com/INLOpen/nexusseis/catalog"
	"github.com/INLOpen/nexusseis/core"
	"github.com/INLOpen/nexusseis/hooks"
	"github.com/INLOpen/nexusseis/registry"
	"github.com/INLOpen/nexusseis/zeroahead"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const chA = "IUAAA  BHZ"

var testKey = core.Key{JulianDay: 2024100, Node: "n1"}

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

func payload(b byte) []byte { return bytes.Repeat([]byte{b}, core.BlockSize) }

// testOptions uses a mock clock so the zeroer only moves when nudged.
func testOptions(t *testing.T, dir string) (Options, *clock.Mock, *recordingHooks) {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 4, 9, 0, 0, 0, 0, time.UTC))
	rec := &recordingHooks{}
	return Options{
		Dir:      dir,
		Registry: registry.New[*Replicator](registry.Options{Clock: mock}),
		Zero: zeroahead.Options{
			InitialExtend: 256,
			Margin:        64,
			Cycle:         time.Hour,
			FreeSpace:     func(string) (uint64, error) { return 1 << 40, nil },
		},
		Hooks: rec,
		Clock: mock,
	}, mock, rec
}

func openReplica(t *testing.T, opts Options) *Replicator {
	t.Helper()
	r, err := Open(context.Background(), testKey, opts)
	require.NoError(t, err)
	t.Cleanup(func() { opts.Registry.CloseAll(context.Background()) })
	return r
}

func controlImage(nextExtent int32, nextIndex uint16, masters ...uint16) []byte {
	c := catalog.NewControlBlock()
	c.NextExtent = nextExtent
	c.Length = nextExtent
	c.NextIndex = core.IndexCounter(nextIndex)
	copy(c.MasterBlocks[:], masters)
	return c.Bytes()
}

func indexImage(t *testing.T, start int64, used int) []byte {
	t.Helper()
	page := catalog.NewIndexBlock(core.PadChannel(chA))
	slot, ok := page.AddExtent(start)
	require.True(t, ok)
	for bit := 0; bit < used; bit++ {
		require.NoError(t, page.MarkUsed(slot, bit, time.Unix(1712664000, 0)))
	}
	return page.Bytes()
}

func drained(r *Replicator) func() bool {
	return func() bool { return r.Stats().WriteBehind == 0 }
}

func TestOpen_ReadOnlyRequiresFiles(t *testing.T) {
	opts, _, _ := testOptions(t, t.TempDir())
	opts.ReadOnly = true
	var err error
	require.NotPanics(t, func() { _, err = Open(context.Background(), testKey, opts) })
	assert.ErrorIs(t, err, core.ErrFileNotFound)
	assert.Zero(t, opts.Registry.Len())
}

func TestOpen_CorruptControlBlock(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	opts, _, _ := testOptions(t, dir)
	r := openReplica(t, opts)
	require.NoError(t, <-r.Close())

	idx, err := blockfile.Open(testKey.Path(dir, core.IndexSuffix), blockfile.RoleIndex, false, false)
	require.NoError(t, err)
	bad := make([]byte, core.BlockSize)
	core.ByteOrder.PutUint32(bad[4:], 100) // next_extent off the extent grid
	require.NoError(t, idx.WriteBlock(core.ControlBlock, bad))
	require.NoError(t, idx.Close())

	for _, readOnly := range []bool{false, true} {
		ro := opts
		ro.ReadOnly = readOnly
		require.NotPanics(t, func() { _, err = Open(ctx, testKey, ro) })
		require.Error(t, err)
		assert.Contains(t, err.Error(), "next_extent")
	}
	assert.Zero(t, opts.Registry.Len())
}

func TestWriteDataBlock_DefersUntilZeroed(t *testing.T) {
	ctx := context.Background()
	opts, _, _ := testOptions(t, t.TempDir())
	r := openReplica(t, opts)

	// Nothing is zeroed yet, so the first block waits in write-behind.
	newly, err := r.WriteDataBlock(ctx, chA, payload(0x11), 10, 2, 0, false)
	require.NoError(t, err)
	assert.False(t, newly)

	require.Eventually(t, drained(r), 5*time.Second, 5*time.Millisecond)
	got := make([]byte, core.BlockSize)
	require.NoError(t, r.ReadDataBlock(10, got))
	assert.Equal(t, payload(0x11), got)
	assert.Equal(t, int64(11), r.Highwater())

	// Blocks behind the zero boundary are written at once.
	require.GreaterOrEqual(t, r.Stats().LastZero, int64(11))
	newly, err = r.WriteDataBlock(ctx, chA, payload(0x22), 3, 2, 0, false)
	require.NoError(t, err)
	assert.True(t, newly)
	newly, err = r.WriteDataBlock(ctx, chA, payload(0x22), 3, 2, 0, false)
	require.NoError(t, err)
	assert.False(t, newly, "re-send")
}

func TestWriteDataBlock_RefusesZeroBlock(t *testing.T) {
	ctx := context.Background()
	opts, _, rec := testOptions(t, t.TempDir())
	r := openReplica(t, opts)

	_, err := r.WriteDataBlock(ctx, chA, make([]byte, core.BlockSize), 5, 2, 0, false)
	assert.ErrorIs(t, err, core.ErrZeroDataBlock)
	assert.Equal(t, 1, rec.count(hooks.EventZeroDataBlock))

	_, err = r.WriteDataBlock(ctx, chA, make([]byte, core.BlockSize), 5, 2, 0, true)
	assert.NoError(t, err)
}

func TestHighwater_MonotonicWithLargeJump(t *testing.T) {
	ctx := context.Background()
	opts, _, rec := testOptions(t, t.TempDir())
	r := openReplica(t, opts)

	require.NoError(t, r.WriteIndexBlock(ctx, controlImage(64, 1), 0, 0, ""))
	assert.Equal(t, int64(64), r.Highwater())
	assert.Zero(t, rec.count(hooks.EventSuspiciousHighwater))

	far := int32(64 + 470*core.ExtentBlocks)
	require.NoError(t, r.WriteIndexBlock(ctx, controlImage(far, 1), 0, 0, ""))
	assert.Equal(t, int64(far), r.Highwater(), "a jump past the warning threshold is still applied")
	assert.Equal(t, 1, rec.count(hooks.EventSuspiciousHighwater))

	require.NoError(t, r.WriteIndexBlock(ctx, controlImage(128, 1), 0, 0, ""))
	assert.Equal(t, int64(far), r.Highwater())
	assert.Equal(t, far, r.Control().NextExtent, "a stale control image does not move next_extent back")

	require.Eventually(t, func() bool { return r.Stats().LastZero >= int64(far) }, 10*time.Second, 10*time.Millisecond)
}

func TestControl_StaleImageKeepsCounters(t *testing.T) {
	ctx := context.Background()
	opts, _, _ := testOptions(t, t.TempDir())
	r := openReplica(t, opts)

	newer := controlImage(256, 9, 1, 5)
	require.NoError(t, r.WriteIndexBlock(ctx, newer, 0, 0, ""))
	require.NoError(t, r.WriteIndexBlock(ctx, controlImage(128, 4, 1), 0, 0, ""))

	c := r.Control()
	assert.Equal(t, int32(256), c.NextExtent)
	assert.Equal(t, core.IndexCounter(9), c.NextIndex)
	assert.Equal(t, []uint16{1, 5}, c.ActiveMasterBlocks())
	assert.Equal(t, int32(128), c.Length, "length follows the image so a trim is mirrored")
	assert.Equal(t, int64(256), r.Highwater())

	got := make([]byte, core.BlockSize)
	require.NoError(t, r.idx.ReadBlock(core.ControlBlock, got))
	var onDisk catalog.ControlBlock
	require.NoError(t, onDisk.Unpack(got))
	assert.Equal(t, c, onDisk)
}

func TestCheckBlocks_FlushAndRetire(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	opts, mock, _ := testOptions(t, dir)
	r := openReplica(t, opts)

	m := catalog.NewMasterBlock(1, nil)
	_, _, err := m.Add(core.PadChannel(chA), 2)
	require.NoError(t, err)
	require.NoError(t, r.WriteIndexBlock(ctx, m.Bytes(), 1, core.MasterExtentIndex, ""))
	require.NoError(t, r.WriteIndexBlock(ctx, controlImage(64, 3, 1), 0, 0, ""))
	require.NoError(t, r.WriteIndexBlock(ctx, indexImage(t, 0, 4), 2, 0, chA))

	gaps := r.Gaps()
	require.Len(t, gaps, 1)
	assert.Equal(t, uint16(2), gaps[0].IndexBlock)
	assert.Equal(t, []int64{0, 1, 2, 3}, gaps[0].Blocks)

	for b := int64(0); b < 3; b++ {
		_, err := r.WriteDataBlock(ctx, chA, payload(byte(b+1)), b, 2, 0, false)
		require.NoError(t, err)
	}
	require.Eventually(t, drained(r), 5*time.Second, 5*time.Millisecond)
	require.Len(t, r.Gaps(), 1)
	assert.Equal(t, []int64{3}, r.Gaps()[0].Blocks)

	// Not due yet: nothing reaches the check file.
	require.NoError(t, r.ProcessIndexChecks(mock.Now()))
	page, err := r.readCheckPage(2)
	require.NoError(t, err)
	assert.Nil(t, page)

	mock.Add(121 * time.Second)
	require.NoError(t, r.ProcessIndexChecks(mock.Now()))
	page, err = r.readCheckPage(2)
	require.NoError(t, err)
	require.NotNil(t, page)
	assert.Equal(t, uint64(0b111), page.Extents[0].Bitmap)
	assert.Equal(t, 1, r.Stats().CheckBlocks)

	_, err = r.WriteDataBlock(ctx, chA, payload(4), 3, 2, 0, false)
	require.NoError(t, err)
	require.Eventually(t, drained(r), 5*time.Second, 5*time.Millisecond)
	require.NoError(t, r.ProcessIndexChecks(mock.Now()))
	assert.Empty(t, r.Gaps())
	assert.Zero(t, r.Stats().CheckBlocks)
	page, err = r.readCheckPage(2)
	require.NoError(t, err)
	assert.Equal(t, uint64(0b1111), page.Extents[0].Bitmap)
}

func TestCheckBlocks_DataBeforeIndex(t *testing.T) {
	ctx := context.Background()
	opts, _, _ := testOptions(t, t.TempDir())
	r := openReplica(t, opts)

	require.NoError(t, r.WriteIndexBlock(ctx, controlImage(64, 3, 1), 0, 0, ""))
	for b := int64(0); b < 2; b++ {
		_, err := r.WriteDataBlock(ctx, chA, payload(9), b, 2, 0, false)
		require.NoError(t, err)
	}
	require.Eventually(t, drained(r), 5*time.Second, 5*time.Millisecond)

	require.NoError(t, r.WriteIndexBlock(ctx, indexImage(t, 0, 2), 2, 0, chA))
	assert.Zero(t, r.Stats().CheckBlocks, "a check block that is complete on arrival is dropped")

	require.NoError(t, r.WriteIndexBlock(ctx, indexImage(t, 0, 3), 2, 0, chA))
	require.Len(t, r.Gaps(), 1)
	assert.Equal(t, []int64{2}, r.Gaps()[0].Blocks)
}

func TestReopen_RecoversState(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	opts, _, _ := testOptions(t, dir)
	r := openReplica(t, opts)

	require.NoError(t, r.WriteIndexBlock(ctx, controlImage(128, 3, 1), 0, 0, ""))
	require.NoError(t, r.WriteIndexBlock(ctx, indexImage(t, 64, 5), 2, 0, chA))
	for _, b := range []int64{64, 65, 67} {
		_, err := r.WriteDataBlock(ctx, chA, payload(7), b, 2, 0, false)
		require.NoError(t, err)
	}
	require.Eventually(t, drained(r), 5*time.Second, 5*time.Millisecond)
	require.NoError(t, <-r.Close())

	r, err := Open(ctx, testKey, opts)
	require.NoError(t, err)
	assert.Equal(t, int64(128), r.Highwater())
	assert.Equal(t, int32(128), r.Control().NextExtent)
	gaps := r.Gaps()
	require.Len(t, gaps, 1)
	assert.Equal(t, []int64{66, 68}, gaps[0].Blocks)
	require.NoError(t, <-r.Close())

	ro := opts
	ro.ReadOnly = true
	r, err = Open(ctx, testKey, ro)
	require.NoError(t, err)
	assert.Len(t, r.Gaps(), 1)
	_, err = r.WriteDataBlock(ctx, chA, payload(1), 66, 2, 0, false)
	assert.ErrorIs(t, err, core.ErrReadOnly)
	assert.NoError(t, r.ProcessIndexChecks(time.Now()))
}

func TestTrimFileSize(t *testing.T) {
	ctx := context.Background()
	opts, _, _ := testOptions(t, t.TempDir())
	r := openReplica(t, opts)

	require.NoError(t, r.WriteIndexBlock(ctx, controlImage(64, 1), 0, 0, ""))
	_, err := r.WriteDataBlock(ctx, chA, payload(5), 10, 2, 0, false)
	require.NoError(t, err)
	require.Eventually(t, drained(r), 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return r.Stats().Length > 64 }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, r.TrimFileSize(ctx))
	assert.Equal(t, int64(64), r.Stats().Length)

	// Data past next_extent blocks the trim.
	_, err = r.WriteDataBlock(ctx, chA, payload(6), 100, 2, 0, false)
	require.NoError(t, err)
	require.Eventually(t, drained(r), 5*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, r.TrimFileSize(ctx), core.ErrTrimRefused)
}

func TestClose_DrainsWriteBehind(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	opts, _, _ := testOptions(t, dir)
	r := openReplica(t, opts)

	for b := int64(0); b < 20; b++ {
		_, err := r.WriteDataBlock(ctx, chA, payload(byte(b+1)), 500+b, 2, 0, false)
		require.NoError(t, err)
	}
	require.NoError(t, <-r.Close())
	_, err := r.WriteDataBlock(ctx, chA, payload(1), 0, 2, 0, false)
	assert.ErrorIs(t, err, core.ErrClosed)

	ro := opts
	ro.ReadOnly = true
	r, err = Open(ctx, testKey, ro)
	require.NoError(t, err)
	got := make([]byte, core.BlockSize)
	for b := int64(0); b < 20; b++ {
		require.NoError(t, r.ReadDataBlock(500+b, got))
		assert.Equal(t, payload(byte(b+1)), got)
	}
	assert.Equal(t, int64(520), r.Highwater())
}
