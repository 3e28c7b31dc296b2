package indexfile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/INLOpen/nexusseis/catalog"
	"github.com/INLOpen/nexusseis/core"
)

// Appender writes one channel's data blocks, allocating index blocks and extents
// as its chain fills. Use at most one Appender per channel.
type Appender struct {
	f       *IndexFile
	channel string

	mu    sync.Mutex
	block uint16
	page  *catalog.IndexBlock
}

// Appender returns a writer positioned at the tail of channel's chain.
func (f *IndexFile) Appender(channel string) (*Appender, error) {
	name, err := f.opts.Validator.Validate(channel)
	if err != nil {
		return nil, err
	}
	a := &Appender{f: f, channel: name}
	if e, ok := f.Lookup(name); ok {
		if a.page, err = f.ReadIndexBlock(e.Last); err != nil {
			return nil, err
		}
		a.block = e.Last
	}
	return a, nil
}

// Channel returns the padded channel name.
func (a *Appender) Channel() string { return a.channel }

// Append stores buf as the channel's next data block, recorded at time t, and
// returns the block number used.
func (a *Appender) Append(ctx context.Context, buf []byte, t time.Time, continuation bool) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	slot, bit, err := a.position(ctx)
	if err != nil {
		return 0, err
	}
	block := int64(a.page.Extents[slot].Start) + int64(bit)
	if err := a.f.WriteDataBlock(ctx, a.channel, buf, block, a.block, slot, continuation); err != nil {
		return 0, err
	}
	if err := a.page.MarkUsed(slot, bit, t); err != nil {
		return 0, err
	}
	if err := a.f.WriteIndexBlock(ctx, a.page.Bytes(), a.block, slot, a.channel); err != nil {
		return 0, err
	}
	return block, nil
}

// position finds the next free block, allocating an index block and extent when needed.
func (a *Appender) position(ctx context.Context) (slot, bit int, err error) {
	if a.page != nil {
		if s, ok := a.page.LastExtent(); ok {
			if b := a.page.Extents[s].NextFree(); b < core.ExtentBlocks {
				return s, b, nil
			}
		}
	}
	if a.page == nil || a.page.Full() {
		alloc, err := a.f.AllocateIndexBlock(ctx, a.channel)
		if err != nil {
			return 0, 0, err
		}
		page, err := a.f.ReadIndexBlock(alloc.Block)
		if err != nil {
			return 0, 0, err
		}
		a.page, a.block = page, alloc.Block
	}
	start, err := a.f.AllocateExtent(ctx)
	if err != nil {
		return 0, 0, err
	}
	s, ok := a.page.AddExtent(start)
	if !ok {
		return 0, 0, fmt.Errorf("%s: index block %d has no free extent slot", a.f.key, a.block)
	}
	return s, 0, nil
}
