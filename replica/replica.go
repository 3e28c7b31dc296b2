// Package replica rebuilds a storage unit from the block images its primary
// sends, and verifies on its own that every reserved data block arrived.
package replica

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/INLOpen/nexusseis/blockfile"
	"github.com/INLOpen/nexusseis/catalog"
	"github.com/INLOpen/nexusseis/core"
	"github.com/INLOpen/nexusseis/hooks"
	"github.com/INLOpen/nexusseis/metrics"
	"github.com/INLOpen/nexusseis/zeroahead"
	"github.com/RoaringBitmap/roaring"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Replicator is one open replica (index, data, check) file triple.
type Replicator struct {
	key    core.Key
	opts   Options
	logger *slog.Logger
	tracer trace.Tracer

	mu     sync.Mutex
	idx    *blockfile.File
	data   *blockfile.File
	chk    *blockfile.File
	ctl    catalog.ControlBlock
	checks map[uint16]*catalog.CheckBlock
	// written holds every data block stored since open, plus the confirmed bits
	// recovered from the check file.
	written   *roaring.Bitmap
	highwater int64
	wb        *zeroahead.WriteBehind
	zeroer    *zeroahead.Zeroer
	readOnly  bool
	closed    bool

	// Data blocks at or past trimCutoff are deferred while trimming.
	trimming   bool
	trimCutoff int64

	lastUsed atomic.Int64
}

// Open opens or creates the replica files of key in opts.Dir and registers them.
// A read-only open requires the files to exist.
func Open(ctx context.Context, key core.Key, opts Options) (*Replicator, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	opts.setDefaults()
	return opts.Registry.Open(ctx, key, func(ctx context.Context) (*Replicator, error) {
		return open(key, opts)
	})
}

func open(key core.Key, opts Options) (_ *Replicator, err error) {
	r := &Replicator{
		key:      key,
		opts:     opts,
		logger:   opts.Logger.With("component", "Replicator", "unit", key.String()),
		tracer:   opts.TracerProvider.Tracer("nexusseis/replica"),
		checks:   make(map[uint16]*catalog.CheckBlock),
		written:  roaring.New(),
		readOnly: opts.ReadOnly,
	}
	create := !opts.ReadOnly
	var files []*blockfile.File
	defer func() {
		if err == nil {
			return
		}
		if r.zeroer != nil {
			r.zeroer.Stop(context.Background())
		}
		for _, f := range files {
			f.Close()
		}
	}()
	for _, part := range []struct {
		f      **blockfile.File
		suffix string
		role   blockfile.Role
	}{
		{&r.idx, core.IndexSuffix, blockfile.RoleIndex},
		{&r.data, core.DataSuffix, blockfile.RoleData},
		{&r.chk, core.CheckSuffix, blockfile.RoleCheck},
	} {
		f, err := blockfile.Open(key.Path(opts.Dir, part.suffix), part.role, create, opts.ReadOnly)
		if err != nil {
			return nil, err
		}
		*part.f = f
		files = append(files, f)
	}

	if err = r.loadControl(); err != nil {
		return nil, err
	}
	length, err := r.data.Len()
	if err != nil {
		return nil, err
	}
	last, err := r.data.LastNonZero(0, length)
	if err != nil {
		return nil, err
	}
	dataEnd := last + 1
	r.highwater = max(dataEnd, int64(r.ctl.NextExtent))
	if err = r.recoverChecks(); err != nil {
		return nil, err
	}

	if !r.readOnly {
		r.wb = zeroahead.NewWriteBehind(zeroahead.WriteBehindOptions{
			Key:    key,
			Warn:   opts.WriteBehindWarn,
			Limit:  opts.WriteBehindLimit,
			Hooks:  opts.Hooks,
			Logger: opts.Logger,
		})
		zopts := opts.Zero
		zopts.Key = key
		zopts.Role = metrics.RoleReplica
		zopts.WriteBehind = r.wb
		zopts.Flush = r.flushDeferred
		zopts.Clock = opts.Clock
		zopts.Hooks = opts.Hooks
		zopts.Logger = opts.Logger
		if r.zeroer, err = zeroahead.New(r.data, max(int64(r.ctl.NextExtent), dataEnd), dataEnd, zopts); err != nil {
			return nil, err
		}
		r.zeroer.Start()
	}
	r.touch()
	r.logger.Info("Opened replica", "read_only", r.readOnly, "highwater", r.highwater,
		"next_extent", r.ctl.NextExtent, "check_blocks", len(r.checks))
	return r, nil
}

func (r *Replicator) loadControl() error {
	n, err := r.idx.Len()
	if err != nil || n == 0 {
		return err
	}
	buf := make([]byte, core.BlockSize)
	if err := r.idx.ReadBlock(core.ControlBlock, buf); err != nil {
		return err
	}
	if err := r.ctl.Unpack(buf); err != nil {
		return fmt.Errorf("open replica %s: %w", r.idx.Path(), err)
	}
	return nil
}

func (r *Replicator) alarm(ctx context.Context, et hooks.EventType, msg string, value int64) {
	r.opts.Hooks.Trigger(ctx, hooks.NewAlarmEvent(et, hooks.AlarmPayload{Key: r.key, Message: msg, Value: value}))
}

func (r *Replicator) touch() {
	r.lastUsed.Store(r.opts.Clock.Now().UnixNano())
}

// check must be called with r.mu held.
func (r *Replicator) check(write bool) error {
	if r.closed {
		return fmt.Errorf("%s: %w", r.key, core.ErrClosed)
	}
	if write && r.readOnly {
		return fmt.Errorf("%s: %w", r.key, core.ErrReadOnly)
	}
	r.touch()
	return nil
}

// Key returns the unit key.
func (r *Replicator) Key() core.Key { return r.key }

// LastUsed returns the time of the last operation.
func (r *Replicator) LastUsed() time.Time {
	return time.Unix(0, r.lastUsed.Load())
}

// Highwater returns the replica highwater: the highest next_extent mirrored or
// data block stored, whichever is larger. It never decreases.
func (r *Replicator) Highwater() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.highwater
}

// Control returns the last mirrored control block.
func (r *Replicator) Control() catalog.ControlBlock {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ctl
}

// WriteIndexBlock applies one index file image from the primary. Block 0 is the
// control block; extentIndex core.MasterExtentIndex marks a master block, which is
// mirrored verbatim; anything else is an index block and updates its check block.
func (r *Replicator) WriteIndexBlock(ctx context.Context, buf []byte, n int, extentIndex int, channel string) error {
	ctx, span := r.tracer.Start(ctx, "Replicator.WriteIndexBlock")
	defer span.End()
	span.SetAttributes(attribute.Int("block", n), attribute.Int("extent_index", extentIndex))

	if len(buf) < core.BlockSize {
		return fmt.Errorf("%s: short index image of %d bytes", r.key, len(buf))
	}
	if n < 0 || n > core.MaxIndexBlock {
		return fmt.Errorf("%s: index block %d out of range", r.key, n)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check(true); err != nil {
		return err
	}
	var err error
	switch {
	case n == core.ControlBlock:
		err = r.applyControlLocked(ctx, buf)
	case extentIndex == core.MasterExtentIndex:
		err = r.idx.WriteBlock(int64(n), buf)
	default:
		err = r.applyIndexLocked(buf, uint16(n), channel)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "write_index_block_failed")
	}
	return err
}

func (r *Replicator) applyControlLocked(ctx context.Context, buf []byte) error {
	var c catalog.ControlBlock
	if err := c.Unpack(buf); err != nil {
		return fmt.Errorf("%s: %w", r.key, err)
	}
	// Images may arrive out of order. The allocation counters and master slots
	// only ever grow on the primary, so an older image cannot move them back.
	// Length follows the image since a trim shrinks it.
	c.NextExtent = max(c.NextExtent, r.ctl.NextExtent)
	c.NextIndex = max(c.NextIndex, r.ctl.NextIndex)
	for i, m := range r.ctl.MasterBlocks {
		if c.MasterBlocks[i] == 0 {
			c.MasterBlocks[i] = m
		}
	}
	merged := c.Bytes()
	if err := r.idx.WriteBlock(core.ControlBlock, merged); err != nil {
		return err
	}
	if err := r.chk.WriteBlock(core.ControlBlock, merged); err != nil {
		return err
	}
	r.ctl = c
	next := int64(c.NextExtent)
	if jump := next - r.highwater; jump > r.opts.HighwaterJumpWarn {
		r.logger.Warn("Suspicious highwater jump", "from", r.highwater, "to", next, "jump", jump)
		r.alarm(ctx, hooks.EventSuspiciousHighwater, fmt.Sprintf("next_extent jumped from %d to %d", r.highwater, next), jump)
	}
	r.highwater = max(r.highwater, next)
	r.zeroer.Expect(next)
	return nil
}

func (r *Replicator) applyIndexLocked(buf []byte, n uint16, channel string) error {
	img, err := catalog.UnpackIndexBlock(buf)
	if err != nil {
		return fmt.Errorf("%s: index block %d: %w", r.key, n, err)
	}
	if channel != "" && img.Channel != core.PadChannel(channel) {
		r.logger.Warn("Index image channel differs from notification", "block", n, "image", img.Channel, "channel", channel)
	}
	if err := r.idx.WriteBlock(int64(n), buf); err != nil {
		return err
	}
	if cb, ok := r.checks[n]; ok {
		cb.Update(img, r.isWritten)
		return nil
	}
	prior, err := r.readCheckPage(n)
	if err != nil {
		return err
	}
	cb := catalog.NewCheckBlock(n, img, prior, r.isWritten, r.opts.Clock.Now())
	if cb.Complete() {
		return nil
	}
	r.checks[n] = cb
	metrics.CheckBlocks.WithLabelValues("created").Inc()
	return nil
}

// readCheckPage returns the persisted check page n, or nil if none was written.
func (r *Replicator) readCheckPage(n uint16) (*catalog.IndexBlock, error) {
	length, err := r.chk.Len()
	if err != nil || int64(n) >= length {
		return nil, err
	}
	buf := make([]byte, core.BlockSize)
	if err := r.chk.ReadBlock(int64(n), buf); err != nil {
		return nil, err
	}
	if core.IsZeroBlock(buf) {
		return nil, nil
	}
	return catalog.UnpackIndexBlock(buf)
}

func (r *Replicator) isWritten(block int64) bool {
	return block >= 0 && r.written.Contains(uint32(block))
}

// WriteDataBlock stores one data block from the primary. Blocks the zero boundary
// has not passed yet are queued and written later; the result is then false.
// Otherwise the result reports whether the block was new to this replica.
func (r *Replicator) WriteDataBlock(ctx context.Context, channel string, buf []byte, block int64, indexBlock int, extentIndex int, continuation bool) (bool, error) {
	name := core.PadChannel(channel)
	if !continuation && core.IsZeroBlock(buf) {
		r.logger.Error("Refusing all-zero data block", "channel", name, "block", block)
		r.alarm(ctx, hooks.EventZeroDataBlock, fmt.Sprintf("all-zero block for %q", name), block)
		return false, fmt.Errorf("%s: block %d: %w", r.key, block, core.ErrZeroDataBlock)
	}
	if len(buf) < core.BlockSize {
		return false, fmt.Errorf("%s: short data block of %d bytes", r.key, len(buf))
	}
	if block < 0 || block > int64(^uint32(0)>>1) {
		return false, fmt.Errorf("%s: data block %d out of range", r.key, block)
	}
	e := zeroahead.Entry{
		Block:        block,
		Channel:      name,
		Data:         append([]byte(nil), buf[:core.BlockSize]...),
		IndexBlock:   indexBlock,
		ExtentIndex:  extentIndex,
		Continuation: continuation,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check(true); err != nil {
		return false, err
	}
	if (r.trimming && block >= r.trimCutoff) || block >= r.zeroer.LastZero() {
		if err := r.wb.Push(ctx, e); err != nil {
			return false, err
		}
		r.zeroer.Expect(block + 1)
		return false, nil
	}
	return r.storeLocked(e)
}

// flushDeferred is the zeroer's Flusher. It runs on the zeroer goroutine, also
// after the replica was marked closed.
func (r *Replicator) flushDeferred(_ context.Context, e zeroahead.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.storeLocked(e)
	return err
}

func (r *Replicator) storeLocked(e zeroahead.Entry) (bool, error) {
	if err := r.data.WriteBlock(e.Block, e.Data); err != nil {
		return false, err
	}
	r.zeroer.RaiseHighwater(e.Block + 1)
	r.highwater = max(r.highwater, e.Block+1)
	newly := r.written.CheckedAdd(uint32(e.Block))
	if e.IndexBlock > 0 && e.IndexBlock <= core.MaxIndexBlock {
		if cb, ok := r.checks[uint16(e.IndexBlock)]; ok {
			cb.Confirm(e.ExtentIndex, e.Block)
		}
	}
	return newly, nil
}

// ReadDataBlock reads data block n into buf.
func (r *Replicator) ReadDataBlock(n int64, buf []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.check(false); err != nil {
		return err
	}
	return r.data.ReadBlock(n, buf)
}

// TrimFileSize shrinks the data file to the mirrored next_extent. It fails with
// core.ErrTrimRefused while deferred writes are queued or when a non-zero block
// lies past the cutoff.
func (r *Replicator) TrimFileSize(ctx context.Context) error {
	ctx, span := r.tracer.Start(ctx, "Replicator.TrimFileSize")
	defer span.End()

	r.mu.Lock()
	if err := r.check(true); err != nil {
		r.mu.Unlock()
		return err
	}
	cutoff := int64(r.ctl.NextExtent)
	if err := r.trimAllowedLocked(cutoff); err != nil {
		r.mu.Unlock()
		span.RecordError(err)
		span.SetStatus(codes.Error, "trim_refused")
		return err
	}
	r.trimming, r.trimCutoff = true, cutoff
	r.mu.Unlock()

	// The zeroer's flusher takes r.mu, so the truncate runs unlocked.
	err := r.zeroer.Truncate(ctx, cutoff)

	r.mu.Lock()
	r.trimming = false
	r.mu.Unlock()
	if err != nil {
		return err
	}
	r.logger.Info("Trimmed replica data file", "blocks", cutoff)
	return nil
}

func (r *Replicator) trimAllowedLocked(cutoff int64) error {
	if r.trimming {
		return fmt.Errorf("%s: trim already running: %w", r.key, core.ErrTrimRefused)
	}
	if n := r.wb.Len(); n > 0 {
		return fmt.Errorf("%s: %d deferred blocks queued: %w", r.key, n, core.ErrTrimRefused)
	}
	length := r.zeroer.Length()
	if cutoff >= length {
		return nil
	}
	last, err := r.data.LastNonZero(cutoff, length)
	if err != nil {
		return err
	}
	if last >= 0 {
		return fmt.Errorf("%s: block %d past cutoff %d holds data: %w", r.key, last, cutoff, core.ErrTrimRefused)
	}
	return nil
}

// Stats is a snapshot of a replica's state.
type Stats struct {
	Key         core.Key
	Highwater   int64
	NextExtent  int64
	NextIndex   uint16
	LastZero    int64
	Length      int64
	CheckBlocks int
	WriteBehind int
	Written     uint64
	ReadOnly    bool
}

// Stats returns the current state.
func (r *Replicator) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Stats{
		Key:         r.key,
		Highwater:   r.highwater,
		NextExtent:  int64(r.ctl.NextExtent),
		NextIndex:   uint16(r.ctl.NextIndex),
		CheckBlocks: len(r.checks),
		Written:     r.written.GetCardinality(),
		ReadOnly:    r.readOnly,
	}
	if r.zeroer != nil {
		s.LastZero = r.zeroer.LastZero()
		s.Length = r.zeroer.Length()
		s.WriteBehind = r.wb.Len()
	}
	return s
}

// Close unregisters and shuts the replica down asynchronously.
func (r *Replicator) Close() <-chan error {
	return r.opts.Registry.Close(r.key)
}

// Shutdown drains deferred writes, stops the zeroer, flushes every modified check
// block and closes the files. Use Close unless the replica was never registered.
func (r *Replicator) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	var errs []error
	if r.zeroer != nil {
		errs = append(errs, r.zeroer.Stop(ctx))
	}
	r.mu.Lock()
	if !r.readOnly {
		errs = append(errs, r.flushChecksLocked(r.opts.Clock.Now(), true))
	}
	r.mu.Unlock()
	errs = append(errs,
		r.idx.Sync(), r.data.Sync(), r.chk.Sync(),
		r.idx.Close(), r.data.Close(), r.chk.Close(),
	)
	err := errors.Join(errs...)
	r.logger.Info("Closed replica", "error", err)
	return err
}
