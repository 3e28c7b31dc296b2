package catalog

import (
	"time"

	"github.com/INLOpen/nexusseis/core"
	"github.com/bits-and-blooms/bitset"
)

const checkBits = core.IndexExtents * core.ExtentBlocks

// WrittenFunc reports whether a data block is already known to be on disk.
type WrittenFunc func(block int64) bool

// CheckBlock tracks, for one index block, which reserved data blocks have been
// confirmed by an actual data block arrival. Bit slot*64+n stands for block
// start(slot)+n.
type CheckBlock struct {
	number    uint16
	image     IndexBlock
	reserved  *bitset.BitSet
	confirmed *bitset.BitSet
	modified  bool
	lastFlush time.Time
}

// NewCheckBlock builds the check block for index block number from its latest
// image. Bits confirmed in prior (the page last persisted to the check file) and
// blocks for which written returns true start out confirmed. prior and written
// may be nil.
func NewCheckBlock(number uint16, image *IndexBlock, prior *IndexBlock, written WrittenFunc, now time.Time) *CheckBlock {
	c := &CheckBlock{
		number:    number,
		reserved:  bitset.New(checkBits),
		confirmed: bitset.New(checkBits),
		lastFlush: now,
		modified:  true,
	}
	for i := range c.image.Extents {
		c.image.Extents[i].Start = UnusedExtent
	}
	c.apply(image, written)
	if prior != nil && prior.Channel == image.Channel {
		for slot, e := range prior.Extents {
			if !e.InUse() || e.Start != c.image.Extents[slot].Start {
				continue
			}
			for bit := 0; bit < core.ExtentBlocks; bit++ {
				if e.Bitmap&(1<<uint(bit)) != 0 {
					c.confirmed.Set(uint(slot*core.ExtentBlocks + bit))
				}
			}
		}
	}
	return c
}

// apply merges a new image of the index block and reports whether anything changed.
func (c *CheckBlock) apply(image *IndexBlock, written WrittenFunc) bool {
	changed := c.image.Channel != image.Channel || c.image.Next != image.Next
	c.image.Channel = image.Channel
	c.image.Next = image.Next
	c.image.Updated = image.Updated
	for slot, e := range image.Extents {
		cur := &c.image.Extents[slot]
		if cur.Start != e.Start {
			for bit := 0; bit < core.ExtentBlocks; bit++ {
				i := uint(slot*core.ExtentBlocks + bit)
				c.reserved.Clear(i)
				c.confirmed.Clear(i)
			}
			changed = true
		}
		*cur = e
		if !e.InUse() {
			continue
		}
		for bit := 0; bit < core.ExtentBlocks; bit++ {
			if e.Bitmap&(1<<uint(bit)) == 0 {
				continue
			}
			i := uint(slot*core.ExtentBlocks + bit)
			if !c.reserved.Test(i) {
				c.reserved.Set(i)
				changed = true
			}
			if !c.confirmed.Test(i) && written != nil && written(int64(e.Start)+int64(bit)) {
				c.confirmed.Set(i)
				changed = true
			}
		}
	}
	return changed
}

// Update merges a newer image of the index block.
func (c *CheckBlock) Update(image *IndexBlock, written WrittenFunc) {
	if c.apply(image, written) {
		c.modified = true
	}
}

// Number returns the index block number tracked.
func (c *CheckBlock) Number() uint16 { return c.number }

// Channel returns the padded channel name of the tracked index block.
func (c *CheckBlock) Channel() string { return c.image.Channel }

// Confirm marks block as written. slot is a hint; when it does not cover block the
// descriptors are searched. newly is false for a re-send or a block no descriptor holds.
func (c *CheckBlock) Confirm(slot int, block int64) (newly bool) {
	if slot < 0 || slot >= core.IndexExtents || !c.image.Extents[slot].Contains(block) {
		var ok bool
		if slot, ok = c.image.SlotFor(block); !ok {
			return false
		}
	}
	i := uint(slot*core.ExtentBlocks) + uint(block-int64(c.image.Extents[slot].Start))
	if c.confirmed.Test(i) {
		return false
	}
	c.confirmed.Set(i)
	c.modified = true
	return true
}

// Complete reports whether every reserved block is confirmed.
func (c *CheckBlock) Complete() bool {
	return c.reserved.DifferenceCardinality(c.confirmed) == 0
}

// Reserved returns the number of reserved blocks.
func (c *CheckBlock) Reserved() int { return int(c.reserved.Count()) }

// Confirmed returns the number of confirmed blocks.
func (c *CheckBlock) Confirmed() int { return int(c.confirmed.Count()) }

// Missing returns the reserved but unconfirmed data block numbers in order.
func (c *CheckBlock) Missing() []int64 {
	diff := c.reserved.Difference(c.confirmed)
	var out []int64
	for i, ok := diff.NextSet(0); ok; i, ok = diff.NextSet(i + 1) {
		slot := int(i) / core.ExtentBlocks
		out = append(out, int64(c.image.Extents[slot].Start)+int64(i)%core.ExtentBlocks)
	}
	return out
}

// Modified reports whether the check block changed since its last flush.
func (c *CheckBlock) Modified() bool { return c.modified }

// FlushDue reports whether a modified check block has gone unflushed for timeout.
func (c *CheckBlock) FlushDue(now time.Time, timeout time.Duration) bool {
	return c.modified && now.Sub(c.lastFlush) >= timeout
}

// MarkFlushed records a successful flush at now.
func (c *CheckBlock) MarkFlushed(now time.Time) {
	c.modified = false
	c.lastFlush = now
}

// Image returns the check file page: the index block with confirmed bitmaps.
func (c *CheckBlock) Image() *IndexBlock {
	img := c.image
	for slot := range img.Extents {
		if !img.Extents[slot].InUse() {
			img.Extents[slot].Bitmap = 0
			continue
		}
		var bm uint64
		for bit := 0; bit < core.ExtentBlocks; bit++ {
			if c.confirmed.Test(uint(slot*core.ExtentBlocks + bit)) {
				bm |= 1 << uint(bit)
			}
		}
		img.Extents[slot].Bitmap = bm
	}
	return &img
}

// Pack encodes the check file page into buf.
func (c *CheckBlock) Pack(buf []byte) {
	c.Image().Pack(buf)
}
