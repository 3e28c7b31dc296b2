// Package indexfile is the primary side of a storage unit: it owns the control
// block and master block catalog of one (day, node) and is the only allocator of
// extents and index blocks for it.
package indexfile

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
	"go.opentelemetry.io/otel/trace"
)

// IndexFile is one open (index, data) file pair.
type IndexFile struct {
	key    core.Key
	opts   Options
	logger *slog.Logger
	tracer trace.Tracer

	mu       sync.Mutex
	idx      *blockfile.File
	data     *blockfile.File
	ctl      *catalog.ControlBlock
	cat      catalog.Catalog
	zeroer   *zeroahead.Zeroer
	notify   *notifier
	readOnly bool
	closed   bool

	lastUsed atomic.Int64
}

// Open opens or initializes the unit key in opts.Dir and registers it. It fails
// with core.ErrFileNotFound when the files are required but missing,
// core.ErrReadOnly when Init is combined with ReadOnly, and
// core.ErrDuplicateCreation when key is already open in the registry.
func Open(ctx context.Context, key core.Key, opts Options) (*IndexFile, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if opts.Init && opts.ReadOnly {
		return nil, fmt.Errorf("open %s: init on a read-only open: %w", key, core.ErrReadOnly)
	}
	opts.setDefaults()
	return opts.Registry.Open(ctx, key, func(ctx context.Context) (*IndexFile, error) {
		return open(ctx, key, opts)
	})
}

func open(ctx context.Context, key core.Key, opts Options) (_ *IndexFile, err error) {
	f := &IndexFile{
		key:      key,
		opts:     opts,
		logger:   opts.Logger.With("component", "IndexFile", "unit", key.String()),
		tracer:   opts.TracerProvider.Tracer("nexusseis/indexfile"),
		readOnly: opts.ReadOnly,
	}
	idxPath := key.Path(opts.Dir, core.IndexSuffix)
	dataPath := key.Path(opts.Dir, core.DataSuffix)

	if f.idx, err = blockfile.Open(idxPath, blockfile.RoleIndex, opts.Init, opts.ReadOnly); err != nil {
		return nil, err
	}
	if f.data, err = blockfile.Open(dataPath, blockfile.RoleData, opts.Init, opts.ReadOnly); err != nil {
		f.idx.Close()
		return nil, err
	}
	defer func() {
		if err == nil {
			return
		}
		if f.notify != nil {
			f.notify.Stop()
		}
		if f.zeroer != nil {
			f.zeroer.Stop(context.Background())
		}
		f.idx.Close()
		f.data.Close()
	}()

	var lastZero int64
	if opts.Init {
		if err = f.initialize(); err != nil {
			return nil, err
		}
		lastZero = core.ExtentBlocks
	} else {
		if err = f.load(); err != nil {
			return nil, err
		}
		lastZero = int64(f.ctl.NextExtent)
	}

	if !f.readOnly {
		zopts := opts.Zero
		zopts.Key = key
		zopts.Role = metrics.RolePrimary
		zopts.Clock = opts.Clock
		zopts.Hooks = opts.Hooks
		zopts.Logger = opts.Logger
		zopts.WriteBehind, zopts.Flush = nil, nil
		if f.zeroer, err = zeroahead.New(f.data, lastZero, int64(f.ctl.NextExtent), zopts); err != nil {
			return nil, err
		}
		f.zeroer.Start()
		if opts.Sink != nil {
			f.notify = newNotifier(key, opts.Sink, opts.NotifyQueueSize, f.logger)
			f.notify.Start()
			// A fresh replica learns the catalog from the master and control blocks.
			for _, m := range f.cat.Pages() {
				if err = f.notifyIndex(ctx, m.Bytes(), int(m.Number()), core.MasterExtentIndex, ""); err != nil {
					return nil, err
				}
			}
			if err = f.notifyIndex(ctx, f.ctl.Bytes(), core.ControlBlock, 0, ""); err != nil {
				return nil, err
			}
		}
	}
	f.touch()
	f.logger.Info("Opened index file", "init", opts.Init, "read_only", opts.ReadOnly,
		"next_extent", f.ctl.NextExtent, "next_index", uint16(f.ctl.NextIndex), "master_blocks", f.cat.Len())
	return f, nil
}

func (f *IndexFile) initialize() error {
	if err := f.idx.Truncate(0); err != nil {
		return err
	}
	if err := f.idx.WriteZeros(0, f.opts.InitialIndexBlocks); err != nil {
		return err
	}
	if err := f.data.Truncate(0); err != nil {
		return err
	}
	if err := f.data.WriteZeros(0, core.ExtentBlocks); err != nil {
		return err
	}
	f.ctl = catalog.NewControlBlock()
	f.ctl.Length = core.ExtentBlocks
	return f.writeControl()
}

func (f *IndexFile) load() error {
	buf := make([]byte, core.BlockSize)
	err := f.idx.ReadBlock(core.ControlBlock, buf)
	if err != nil {
		f.logger.Warn("Control block read failed, retrying", "error", err)
		err = f.idx.ReadBlock(core.ControlBlock, buf)
	}
	if err != nil {
		return err
	}
	f.ctl = &catalog.ControlBlock{}
	if err := f.ctl.Unpack(buf); err != nil {
		return fmt.Errorf("open %s: %w", f.idx.Path(), err)
	}
	for _, n := range f.ctl.ActiveMasterBlocks() {
		if err := f.idx.ReadBlock(int64(n), buf); err != nil {
			return err
		}
		m, err := catalog.LoadMasterBlock(n, buf, f.persistMaster, f.readOnly)
		if err != nil {
			return fmt.Errorf("open %s: %w", f.idx.Path(), err)
		}
		f.cat.Append(m)
	}
	return nil
}

// writeControl rewrites block 0, retrying once, and queues the image for replication.
func (f *IndexFile) writeControl() error {
	buf := f.ctl.Bytes()
	err := f.idx.WriteBlock(core.ControlBlock, buf)
	if err != nil {
		f.logger.Warn("Control block write failed, retrying", "error", err)
		err = f.idx.WriteBlock(core.ControlBlock, buf)
	}
	if err != nil {
		f.logger.Error("Control block write failed", "error", err)
		return err
	}
	return f.notifyIndex(context.Background(), buf, core.ControlBlock, 0, "")
}

// persistMaster is the catalog.Persister of every master block of this file.
func (f *IndexFile) persistMaster(m *catalog.MasterBlock) error {
	buf := m.Bytes()
	if err := f.idx.WriteBlock(int64(m.Number()), buf); err != nil {
		return err
	}
	return f.notifyIndex(context.Background(), buf, int(m.Number()), core.MasterExtentIndex, "")
}

func (f *IndexFile) notifyIndex(ctx context.Context, buf []byte, n int, extentIndex int, channel string) error {
	if f.notify == nil {
		return nil
	}
	return f.notify.Enqueue(ctx, notification{buf: buf, block: int64(n), extentIndex: extentIndex, channel: channel})
}

func (f *IndexFile) alarm(ctx context.Context, et hooks.EventType, msg string, value int64) {
	f.opts.Hooks.Trigger(ctx, hooks.NewAlarmEvent(et, hooks.AlarmPayload{Key: f.key, Message: msg, Value: value}))
}

func (f *IndexFile) touch() {
	f.lastUsed.Store(f.opts.Clock.Now().UnixNano())
}

// check must be called with f.mu held.
func (f *IndexFile) check(write bool) error {
	if f.closed {
		return fmt.Errorf("%s: %w", f.key, core.ErrClosed)
	}
	if write && f.readOnly {
		return fmt.Errorf("%s: %w", f.key, core.ErrReadOnly)
	}
	f.touch()
	return nil
}

// Key returns the unit key.
func (f *IndexFile) Key() core.Key { return f.key }

// ReadOnly reports whether the file was opened read-only.
func (f *IndexFile) ReadOnly() bool { return f.readOnly }

// LastUsed returns the time of the last operation.
func (f *IndexFile) LastUsed() time.Time {
	return time.Unix(0, f.lastUsed.Load())
}

// Control returns a copy of the control block.
func (f *IndexFile) Control() catalog.ControlBlock {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.ctl
}

// Channels lists the catalog in page order.
func (f *IndexFile) Channels() []catalog.MasterEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cat.Entries()
}

// Lookup returns the catalog entry for channel.
func (f *IndexFile) Lookup(channel string) (catalog.MasterEntry, bool) {
	name := core.PadChannel(channel)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cat.Lookup(name)
}

// ReadIndexBlock reads and decodes index block n.
func (f *IndexFile) ReadIndexBlock(n uint16) (*catalog.IndexBlock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(false); err != nil {
		return nil, err
	}
	return f.readIndexBlockLocked(n)
}

func (f *IndexFile) readIndexBlockLocked(n uint16) (*catalog.IndexBlock, error) {
	if err := f.checkIndexNumber(n); err != nil {
		return nil, err
	}
	buf := make([]byte, core.BlockSize)
	if err := f.idx.ReadBlock(int64(n), buf); err != nil {
		return nil, err
	}
	return catalog.UnpackIndexBlock(buf)
}

func (f *IndexFile) checkIndexNumber(n uint16) error {
	if n == core.ControlBlock || n >= uint16(f.ctl.NextIndex) {
		return fmt.Errorf("%s: index block %d is not allocated (next_index %d)", f.key, n, uint16(f.ctl.NextIndex))
	}
	for _, m := range f.ctl.ActiveMasterBlocks() {
		if m == n {
			return fmt.Errorf("%s: block %d is a master block", f.key, n)
		}
	}
	return nil
}

// ChainPage is one page of a channel's index block chain.
type ChainPage struct {
	Block uint16
	Page  *catalog.IndexBlock
}

// Chain walks the channel's index blocks from first to tail.
func (f *IndexFile) Chain(channel string) ([]ChainPage, error) {
	name, err := f.opts.Validator.Validate(channel)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(false); err != nil {
		return nil, err
	}
	e, ok := f.cat.Lookup(name)
	if !ok {
		return nil, nil
	}
	var out []ChainPage
	for n := int32(e.First); n != core.ChainEnd; {
		if len(out) >= int(f.ctl.NextIndex) {
			return out, fmt.Errorf("%s: index chain of %q loops", f.key, name)
		}
		page, err := f.readIndexBlockLocked(uint16(n))
		if err != nil {
			return out, err
		}
		out = append(out, ChainPage{Block: uint16(n), Page: page})
		if uint16(n) == e.Last {
			break
		}
		n = page.Next
	}
	return out, nil
}

// ReadDataBlock reads data block n into buf.
func (f *IndexFile) ReadDataBlock(n int64, buf []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(false); err != nil {
		return err
	}
	return f.data.ReadBlock(n, buf)
}

// Stats is a snapshot of a file's allocation state.
type Stats struct {
	Key          core.Key
	Length       int64
	NextExtent   int64
	NextIndex    uint16
	MasterBlocks int
	Channels     int
	LastZero     int64
	ReadOnly     bool
}

// Stats returns the current allocation state.
func (f *IndexFile) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := Stats{
		Key:          f.key,
		Length:       int64(f.ctl.Length),
		NextExtent:   int64(f.ctl.NextExtent),
		NextIndex:    uint16(f.ctl.NextIndex),
		MasterBlocks: f.cat.Len(),
		Channels:     len(f.cat.Entries()),
		ReadOnly:     f.readOnly,
	}
	if f.zeroer != nil {
		s.LastZero = f.zeroer.LastZero()
		s.Length = f.zeroer.Length()
	}
	return s
}

// TrimFileSize shrinks the data file to next_extent, releasing the zeroed tail.
func (f *IndexFile) TrimFileSize(ctx context.Context) error {
	ctx, span := f.tracer.Start(ctx, "IndexFile.TrimFileSize")
	defer span.End()
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(true); err != nil {
		return err
	}
	cutoff := int64(f.ctl.NextExtent)
	if err := f.zeroer.Truncate(ctx, cutoff); err != nil {
		return err
	}
	f.ctl.Length = int32(cutoff)
	f.logger.Info("Trimmed data file", "blocks", cutoff)
	return f.writeControl()
}

// Close unregisters and shuts the file down asynchronously. The channel yields
// the shutdown result.
func (f *IndexFile) Close() <-chan error {
	return f.opts.Registry.Close(f.key)
}

// Shutdown flushes the control block, drains replication, stops the zeroer and
// closes the files. Use Close unless the file was never registered.
func (f *IndexFile) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	var errs []error
	if !f.readOnly {
		f.ctl.Length = int32(f.zeroer.Length())
		errs = append(errs, f.writeControl())
	}
	f.closed = true
	f.mu.Unlock()

	if f.notify != nil {
		f.notify.Stop()
	}
	if f.zeroer != nil {
		errs = append(errs, f.zeroer.Stop(ctx))
	}
	errs = append(errs, f.idx.Sync(), f.data.Sync(), f.idx.Close(), f.data.Close())
	err := errors.Join(errs...)
	f.logger.Info("Closed index file", "error", err)
	return err
}
