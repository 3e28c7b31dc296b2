package indexfile

import (
	"context"
	"fmt"
	"time"

	"github.com/INLOpen/nexusseis/catalog"
	"github.com/INLOpen/nexusseis/core"
	"github.com/INLOpen/nexusseis/hooks"
	"github.com/INLOpen/nexusseis/metrics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// IndexAllocation describes a newly allocated index block.
type IndexAllocation struct {
	// Block is the new index block number.
	Block uint16
	// Previous is the channel's former chain tail, now linked to Block.
	// It is zero when First is set.
	Previous uint16
	// First reports that the channel is new to the catalog.
	First bool
}

// takeIndex hands out the next index block number. f.mu must be held.
func (f *IndexFile) takeIndex(ctx context.Context) (uint16, error) {
	n, next, err := f.ctl.NextIndex.Take()
	if err != nil {
		f.logger.Error("Index block counter exhausted", "next_index", uint16(f.ctl.NextIndex))
		f.alarm(ctx, hooks.EventIndexCounterExhausted, "next_index reached its ceiling", int64(f.ctl.NextIndex))
		return 0, fmt.Errorf("%s: %w", f.key, err)
	}
	f.ctl.NextIndex = next
	if next.NearLimit() {
		f.logger.Warn("Index block counter near its limit", "next_index", uint16(next), "remaining", next.Remaining())
		f.alarm(ctx, hooks.EventIndexCounterNearLimit, fmt.Sprintf("%d index blocks left", next.Remaining()), int64(next))
	}
	return n, nil
}

// AllocateMasterBlock adds a master block page to the catalog and returns its
// block number. It fails with core.ErrCannotAllocate when all 250 slots are used.
func (f *IndexFile) AllocateMasterBlock(ctx context.Context) (uint16, error) {
	ctx, span := f.tracer.Start(ctx, "IndexFile.AllocateMasterBlock")
	defer span.End()
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(true); err != nil {
		return 0, err
	}
	m, err := f.allocateMasterBlockLocked(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "allocate_master_block_failed")
		return 0, err
	}
	return m.Number(), nil
}

func (f *IndexFile) allocateMasterBlockLocked(ctx context.Context) (*catalog.MasterBlock, error) {
	slot := f.ctl.FirstFreeMasterSlot()
	if slot < 0 {
		f.logger.Error("Master block catalog is full", "master_blocks", core.MaxMasterBlocks)
		f.alarm(ctx, hooks.EventCatalogFull, "all master block slots are in use", core.MaxMasterBlocks)
		return nil, fmt.Errorf("%s: allocate master block: %w", f.key, core.ErrCannotAllocate)
	}
	saved := *f.ctl
	n, err := f.takeIndex(ctx)
	if err != nil {
		return nil, err
	}
	m := catalog.NewMasterBlock(n, f.persistMaster)
	if err := f.persistMaster(m); err != nil {
		*f.ctl = saved
		return nil, err
	}
	f.ctl.MasterBlocks[slot] = n
	if err := f.writeControl(); err != nil {
		*f.ctl = saved
		return nil, err
	}
	f.cat.Append(m)
	metrics.MasterBlocksAllocated.Inc()
	f.logger.Debug("Allocated master block", "block", n, "slot", slot)
	return m, nil
}

// AllocateIndexBlock allocates a new tail page for channel, creating the catalog
// entry (and a master block page if every page is full) for a new channel, and
// links the previous tail to it. It fails with core.ErrIllegalChannelName,
// core.ErrCannotAllocate or core.ErrIndexCounterExhausted.
func (f *IndexFile) AllocateIndexBlock(ctx context.Context, channel string) (IndexAllocation, error) {
	ctx, span := f.tracer.Start(ctx, "IndexFile.AllocateIndexBlock")
	defer span.End()
	span.SetAttributes(attribute.String("channel", channel))

	name, err := f.opts.Validator.Validate(channel)
	if err != nil {
		return IndexAllocation{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(true); err != nil {
		return IndexAllocation{}, err
	}
	alloc, err := f.allocateIndexBlockLocked(ctx, name)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "allocate_index_block_failed")
		return IndexAllocation{}, err
	}
	span.SetAttributes(attribute.Int("index_block", int(alloc.Block)))
	return alloc, nil
}

func (f *IndexFile) allocateIndexBlockLocked(ctx context.Context, name string) (IndexAllocation, error) {
	if !f.cat.Accepts(name) {
		if _, err := f.allocateMasterBlockLocked(ctx); err != nil {
			return IndexAllocation{}, err
		}
	}
	saved := *f.ctl
	n, err := f.takeIndex(ctx)
	if err != nil {
		return IndexAllocation{}, err
	}
	if err := f.writeControl(); err != nil {
		*f.ctl = saved
		return IndexAllocation{}, err
	}

	// The page is on disk before the catalog names it, but its image goes out
	// only after the master page, so a replica never sees an uncatalogued channel.
	page := catalog.NewIndexBlock(name)
	page.Updated = int32(f.opts.Clock.Now().Unix())
	buf := page.Bytes()
	if err := f.idx.WriteBlock(int64(n), buf); err != nil {
		return IndexAllocation{}, err
	}
	m, prev, err := f.cat.Add(name, n)
	if err != nil {
		return IndexAllocation{}, err
	}
	if m == nil {
		// Accepts said otherwise; the catalog changed under the lock.
		return IndexAllocation{}, fmt.Errorf("%s: no master block accepted %q", f.key, name)
	}
	if err := f.notifyIndex(ctx, buf, int(n), 0, name); err != nil {
		return IndexAllocation{}, err
	}
	alloc := IndexAllocation{Block: n, Previous: prev, First: prev == 0}
	if !alloc.First {
		if err := f.linkLocked(ctx, prev, n); err != nil {
			return IndexAllocation{}, err
		}
	}
	metrics.IndexBlocksAllocated.Inc()
	f.logger.Debug("Allocated index block", "channel", name, "block", n, "previous", prev)
	return alloc, nil
}

// AllocateExtent returns the first block of a fresh, zero-filled extent. It waits
// (bounded by AllocateTimeout) until the zero-ahead allocator has zeroed the whole
// extent.
func (f *IndexFile) AllocateExtent(ctx context.Context) (int64, error) {
	ctx, span := f.tracer.Start(ctx, "IndexFile.AllocateExtent")
	defer span.End()
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(true); err != nil {
		return 0, err
	}

	start := int64(f.ctl.NextExtent)
	end := start + core.ExtentBlocks
	waitCtx, cancel := context.WithTimeout(ctx, f.opts.AllocateTimeout)
	defer cancel()
	began := time.Now()
	f.zeroer.Expect(end)
	err := f.zeroer.Await(waitCtx, end)
	metrics.AllocateWaitSeconds.Observe(time.Since(began).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "zero_ahead_wait_failed")
		return 0, fmt.Errorf("%s: allocate extent at %d: %w", f.key, start, err)
	}

	saved := *f.ctl
	f.ctl.NextExtent = int32(end)
	f.ctl.Length = int32(f.zeroer.Length())
	if err := f.writeControl(); err != nil {
		*f.ctl = saved
		return 0, err
	}
	f.zeroer.RaiseHighwater(end)
	metrics.ExtentsAllocated.Inc()
	span.SetAttributes(attribute.Int64("extent", start))
	return start, nil
}

// WriteIndexBlock writes an index block image produced by the caller and queues
// it for replication. extentIndex names the descriptor the change touched.
func (f *IndexFile) WriteIndexBlock(ctx context.Context, buf []byte, n uint16, extentIndex int, channel string) error {
	name := core.PadChannel(channel)
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(true); err != nil {
		return err
	}
	if err := f.checkIndexNumber(n); err != nil {
		return err
	}
	if extentIndex < 0 || extentIndex >= core.IndexExtents {
		return fmt.Errorf("%s: extent index %d out of range", f.key, extentIndex)
	}
	return f.writeIndexLocked(ctx, buf, n, extentIndex, name)
}

func (f *IndexFile) writeIndexLocked(ctx context.Context, buf []byte, n uint16, extentIndex int, name string) error {
	if err := f.idx.WriteBlock(int64(n), buf); err != nil {
		return err
	}
	return f.notifyIndex(ctx, buf, int(n), extentIndex, name)
}

// LinkIndexBlock points index block prev at next.
func (f *IndexFile) LinkIndexBlock(ctx context.Context, prev, next uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(true); err != nil {
		return err
	}
	if err := f.checkIndexNumber(next); err != nil {
		return err
	}
	return f.linkLocked(ctx, prev, next)
}

func (f *IndexFile) linkLocked(ctx context.Context, prev, next uint16) error {
	page, err := f.readIndexBlockLocked(prev)
	if err != nil {
		return err
	}
	page.Next = int32(next)
	slot, ok := page.LastExtent()
	if !ok {
		slot = 0
	}
	return f.writeIndexLocked(ctx, page.Bytes(), prev, slot, page.Channel)
}

// WriteDataBlock writes one data block inside an allocated extent and queues it
// for replication. An all-zero block that is not a continuation is refused with
// core.ErrZeroDataBlock.
func (f *IndexFile) WriteDataBlock(ctx context.Context, channel string, buf []byte, block int64, indexBlock uint16, extentIndex int, continuation bool) error {
	name := core.PadChannel(channel)
	if !continuation && core.IsZeroBlock(buf) {
		f.logger.Error("Refusing all-zero data block", "channel", name, "block", block)
		f.alarm(ctx, hooks.EventZeroDataBlock, fmt.Sprintf("all-zero block for %q", name), block)
		return fmt.Errorf("%s: block %d: %w", f.key, block, core.ErrZeroDataBlock)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(true); err != nil {
		return err
	}
	if block < 0 || block >= int64(f.ctl.NextExtent) {
		return fmt.Errorf("%s: data block %d is outside allocated extents (next_extent %d)", f.key, block, f.ctl.NextExtent)
	}
	if err := f.data.WriteBlock(block, buf); err != nil {
		return err
	}
	if f.notify == nil {
		return nil
	}
	return f.notify.Enqueue(ctx, notification{
		data:         true,
		channel:      name,
		buf:          buf,
		block:        block,
		indexBlock:   int(indexBlock),
		extentIndex:  extentIndex,
		continuation: continuation,
	})
}
