// Package zeroahead keeps the tail of a data file zero-filled ahead of use.
//
// One Zeroer goroutine runs per writable data file. Callers never touch its state
// directly: they nudge it (RaiseHighwater, Expect), ask it for a boundary and wait
// for the reply (Await), or send it commands (Truncate, Stop).
package zeroahead

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/INLOpen/nexusseis/blockfile"
	"github.com/INLOpen/nexusseis/core"
	"github.com/INLOpen/nexusseis/hooks"
	"github.com/INLOpen/nexusseis/metrics"
	"github.com/INLOpen/nexusseis/sys"
	"github.com/benbjohnson/clock"
)

// Flusher writes one deferred data block through the normal write path once the
// zero boundary has passed it.
type Flusher func(ctx context.Context, e Entry) error

// Options configures a Zeroer. Zero values take the defaults below.
type Options struct {
	Key  core.Key
	Role string

	// InitialExtend is the first extension size in blocks.
	InitialExtend int64
	// MaxExtend caps the doubling of the extension size.
	MaxExtend int64
	// DoubleWindow doubles the extension size when two extensions happen within it.
	DoubleWindow time.Duration
	// Margin is how far ahead of highwater the file is kept zeroed.
	Margin int64
	// Cycle is the poll interval.
	Cycle time.Duration
	// ChunkBlocks bounds one zero-fill write.
	ChunkBlocks int64
	// MinFreeBytes raises low-free-space when an extension leaves less than this.
	MinFreeBytes uint64
	Preallocate  bool

	// WriteBehind and Flush are set in the replica role.
	WriteBehind  *WriteBehind
	Flush        Flusher
	DrainBatch   int
	DrainRetries int

	// FreeSpace reports free bytes on the volume holding path.
	FreeSpace func(path string) (uint64, error)
	Clock     clock.Clock
	Hooks     hooks.HookManager
	Logger    *slog.Logger
}

func (o *Options) setDefaults() {
	if o.InitialExtend <= 0 {
		o.InitialExtend = 2000
	}
	if o.MaxExtend <= 0 {
		o.MaxExtend = 320000
	}
	if o.DoubleWindow <= 0 {
		o.DoubleWindow = 10 * time.Minute
	}
	if o.Margin <= 0 {
		o.Margin = 128
	}
	if o.Cycle <= 0 {
		o.Cycle = 50 * time.Millisecond
	}
	if o.ChunkBlocks <= 0 {
		o.ChunkBlocks = 2048
	}
	if o.DrainBatch <= 0 {
		o.DrainBatch = 1000
	}
	if o.DrainRetries <= 0 {
		o.DrainRetries = 20
	}
	if o.Role == "" {
		o.Role = metrics.RolePrimary
	}
	if o.FreeSpace == nil {
		o.FreeSpace = sys.FreeBytes
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Hooks == nil {
		o.Hooks = hooks.NopHookManager{}
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
}

type awaitReq struct {
	through int64
	reply   chan error
}

type truncReq struct {
	blocks int64
	reply  chan error
}

// Zeroer is the zero-ahead allocator of one data file.
type Zeroer struct {
	opts   Options
	data   *blockfile.File
	logger *slog.Logger

	// Published for readers; written only by the run goroutine.
	lastZero atomic.Int64
	length   atomic.Int64

	highwater atomic.Int64
	expected  atomic.Int64

	nudge   chan struct{}
	awaitCh chan awaitReq
	truncCh chan truncReq
	stopCh  chan struct{}
	done    chan struct{}

	stopOnce  sync.Once
	startOnce sync.Once
	stopErr   error

	// Owned by the run goroutine.
	waiters    []awaitReq
	extendSize int64
	lastExtend time.Time
	parked     bool
}

// New creates a Zeroer for data. Blocks below lastZero are known to be zero or
// in use; highwater is the exclusive end of blocks known to hold data.
func New(data *blockfile.File, lastZero, highwater int64, opts Options) (*Zeroer, error) {
	opts.setDefaults()
	length, err := data.Len()
	if err != nil {
		return nil, err
	}
	z := &Zeroer{
		opts:       opts,
		data:       data,
		logger:     opts.Logger.With("component", "Zeroer", "unit", opts.Key.String(), "role", opts.Role),
		nudge:      make(chan struct{}, 1),
		awaitCh:    make(chan awaitReq),
		truncCh:    make(chan truncReq),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
		extendSize: opts.InitialExtend,
	}
	z.lastZero.Store(min(lastZero, length))
	z.length.Store(length)
	z.highwater.Store(highwater)
	return z, nil
}

// Start launches the zeroer goroutine.
func (z *Zeroer) Start() {
	z.startOnce.Do(func() { go z.run() })
}

// LastZero returns the exclusive boundary below which blocks may be written.
func (z *Zeroer) LastZero() int64 { return z.lastZero.Load() }

// Length returns the data file length in blocks as last seen by the zeroer.
func (z *Zeroer) Length() int64 { return z.length.Load() }

// Highwater returns the exclusive end of blocks known to hold data.
func (z *Zeroer) Highwater() int64 { return z.highwater.Load() }

// RaiseHighwater records that blocks below n hold data. It never blocks.
func (z *Zeroer) RaiseHighwater(n int64) {
	if storeMax(&z.highwater, n) {
		z.poke()
	}
}

// Expect asks for the file to be zeroed through n plus the margin without
// claiming that data exists there, and wakes the zeroer so queued write-behind
// entries are looked at. It never blocks.
func (z *Zeroer) Expect(n int64) {
	storeMax(&z.expected, n)
	z.poke()
}

// Await blocks until every block below through is zeroed.
func (z *Zeroer) Await(ctx context.Context, through int64) error {
	if z.lastZero.Load() >= through {
		return nil
	}
	req := awaitReq{through: through, reply: make(chan error, 1)}
	select {
	case z.awaitCh <- req:
	case <-z.done:
		return core.ErrZeroAheadStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Truncate sets the data file length to blocks. Margin-driven zeroing pauses
// until the next RaiseHighwater, Expect, or Await.
func (z *Zeroer) Truncate(ctx context.Context, blocks int64) error {
	req := truncReq{blocks: blocks, reply: make(chan error, 1)}
	select {
	case z.truncCh <- req:
	case <-z.done:
		return core.ErrZeroAheadStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop drains the write-behind queue with bounded retries and ends the goroutine.
// It is safe to call more than once.
func (z *Zeroer) Stop(ctx context.Context) error {
	z.stopOnce.Do(func() {
		close(z.stopCh)
		z.startOnce.Do(func() { go z.run() })
	})
	select {
	case <-z.done:
		return z.stopErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (z *Zeroer) poke() {
	select {
	case z.nudge <- struct{}{}:
	default:
	}
}

func storeMax(v *atomic.Int64, n int64) bool {
	for {
		cur := v.Load()
		if n <= cur {
			return false
		}
		if v.CompareAndSwap(cur, n) {
			return true
		}
	}
}

func (z *Zeroer) run() {
	defer close(z.done)
	ticker := z.opts.Clock.Ticker(z.opts.Cycle)
	defer ticker.Stop()
	ctx := context.Background()

	for {
		select {
		case <-z.stopCh:
			z.stopErr = z.shutdown(ctx)
			return
		case <-ticker.C:
		case <-z.nudge:
			z.parked = false
		case req := <-z.awaitCh:
			z.parked = false
			z.waiters = append(z.waiters, req)
		case req := <-z.truncCh:
			req.reply <- z.truncate(req.blocks)
			continue
		}
		z.cycle(ctx)
	}
}

// cycle is one Zeroing pass followed by one WriteBehindFlush pass.
func (z *Zeroer) cycle(ctx context.Context) {
	if err := z.zeroTo(ctx, z.target()); err != nil {
		z.logger.Error("Zero-ahead pass failed", "error", err)
		z.failWaiters(err)
		return
	}
	z.replyWaiters()
	if _, err := z.drain(ctx); err != nil {
		z.logger.Warn("Write-behind flush incomplete", "error", err)
	}
}

func (z *Zeroer) target() int64 {
	var t int64
	if !z.parked {
		t = max(z.highwater.Load(), z.expected.Load()) + z.opts.Margin
	}
	for _, w := range z.waiters {
		t = max(t, w.through)
	}
	if wb := z.opts.WriteBehind; wb != nil {
		if m, ok := wb.Max(); ok {
			t = max(t, m+1)
		}
	}
	return t
}

// zeroTo moves lastZero up to target, extending the file as needed.
func (z *Zeroer) zeroTo(ctx context.Context, target int64) error {
	lastZero := z.lastZero.Load()
	if hw := z.highwater.Load(); hw > lastZero {
		z.logger.Warn("Data found behind the zero boundary", "last_zero", lastZero, "highwater", hw)
		z.opts.Hooks.Trigger(ctx, hooks.NewAlarmEvent(hooks.EventZeroBehindData, hooks.AlarmPayload{
			Key:     z.opts.Key,
			Message: fmt.Sprintf("highwater %d passed zero boundary %d", hw, lastZero),
			Value:   hw - lastZero,
		}))
		if err := z.ensureLength(ctx, hw); err != nil {
			return err
		}
		lastZero = hw
		z.lastZero.Store(lastZero)
	}
	if target <= lastZero {
		return nil
	}
	if err := z.ensureLength(ctx, target); err != nil {
		return err
	}
	for lastZero < target {
		step := min(z.opts.ChunkBlocks, target-lastZero)
		if err := z.data.WriteZeros(lastZero, step); err != nil {
			return err
		}
		lastZero += step
		z.lastZero.Store(lastZero)
		metrics.BlocksZeroed.WithLabelValues(z.opts.Role).Add(float64(step))
		z.replyWaiters()
	}
	return nil
}

func (z *Zeroer) ensureLength(ctx context.Context, need int64) error {
	length := z.length.Load()
	if need <= length {
		return nil
	}
	now := z.opts.Clock.Now()
	if !z.lastExtend.IsZero() && now.Sub(z.lastExtend) < z.opts.DoubleWindow {
		z.extendSize = min(z.extendSize*2, z.opts.MaxExtend)
	}
	newLen := length + z.extendSize
	if newLen < need {
		newLen = core.ExtentStart(need + core.ExtentBlocks - 1)
	}
	if err := z.checkSpace(ctx, (newLen-length)*core.BlockSize); err != nil {
		return err
	}
	if err := z.data.Extend(newLen, z.opts.Preallocate); err != nil {
		return err
	}
	z.logger.Info("Extended data file", "from_blocks", length, "to_blocks", newLen, "extend_size", z.extendSize)
	z.lastExtend = now
	z.length.Store(newLen)
	metrics.FileExtensions.WithLabelValues(z.opts.Role).Inc()
	return nil
}

func (z *Zeroer) checkSpace(ctx context.Context, need int64) error {
	free, err := z.opts.FreeSpace(filepath.Dir(z.data.Path()))
	if err != nil {
		z.logger.Debug("Free space unknown, extending anyway", "error", err)
		return nil
	}
	if uint64(need) > free {
		z.opts.Hooks.Trigger(ctx, hooks.NewAlarmEvent(hooks.EventNoSpaceLeft, hooks.AlarmPayload{
			Key:     z.opts.Key,
			Message: fmt.Sprintf("extension needs %d bytes, %d free", need, free),
			Value:   int64(free),
		}))
		return fmt.Errorf("extend %s by %d bytes: %w", z.data.Path(), need, core.ErrNoSpaceLeft)
	}
	if free-uint64(need) < z.opts.MinFreeBytes {
		z.logger.Warn("Low free space", "free_bytes", free, "need_bytes", need)
		z.opts.Hooks.Trigger(ctx, hooks.NewAlarmEvent(hooks.EventLowFreeSpace, hooks.AlarmPayload{
			Key:     z.opts.Key,
			Message: fmt.Sprintf("%d bytes free after extension", free-uint64(need)),
			Value:   int64(free - uint64(need)),
		}))
	}
	return nil
}

func (z *Zeroer) replyWaiters() {
	lastZero := z.lastZero.Load()
	kept := z.waiters[:0]
	for _, w := range z.waiters {
		if w.through <= lastZero {
			w.reply <- nil
			continue
		}
		kept = append(kept, w)
	}
	z.waiters = kept
}

func (z *Zeroer) failWaiters(err error) {
	for _, w := range z.waiters {
		w.reply <- err
	}
	z.waiters = nil
}

// drain flushes queued blocks below lastZero, at most DrainBatch per call.
func (z *Zeroer) drain(ctx context.Context) (int, error) {
	wb := z.opts.WriteBehind
	if wb == nil || z.opts.Flush == nil {
		return 0, nil
	}
	ready := wb.PopReady(z.opts.DrainBatch, z.lastZero.Load())
	var errs []error
	for i, e := range ready {
		if err := z.opts.Flush(ctx, e); err != nil {
			// Requeue what was not written; the next cycle retries.
			wb.Requeue(ready[i:])
			errs = append(errs, err)
			break
		}
	}
	return len(ready), errors.Join(errs...)
}

func (z *Zeroer) truncate(blocks int64) error {
	if err := z.data.Truncate(blocks); err != nil {
		return err
	}
	z.length.Store(blocks)
	if z.lastZero.Load() > blocks {
		z.lastZero.Store(blocks)
	}
	z.parked = true
	return nil
}

func (z *Zeroer) shutdown(ctx context.Context) error {
	defer z.failWaiters(core.ErrZeroAheadStopped)
	wb := z.opts.WriteBehind
	if wb == nil || z.opts.Flush == nil {
		return nil
	}
	var lastErr error
	failures := 0
	for wb.Len() > 0 && failures < z.opts.DrainRetries {
		if m, ok := wb.Max(); ok {
			if err := z.zeroTo(ctx, m+1); err != nil {
				lastErr = err
				failures++
				continue
			}
		}
		n, err := z.drain(ctx)
		switch {
		case err != nil:
			lastErr = err
			failures++
		case n == 0:
			failures++
		}
	}
	if n := wb.Len(); n > 0 {
		dropped := wb.Discard()
		z.logger.Error("Dropped deferred blocks at shutdown", "count", dropped, "error", lastErr)
		return fmt.Errorf("stop zeroer for %s: %d deferred blocks not written: %w", z.opts.Key, n, errors.Join(lastErr, core.ErrZeroAheadStopped))
	}
	return nil
}
