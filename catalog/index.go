package catalog

import (
	"fmt"
	"math/bits"
	"time"

	"github.com/INLOpen/nexusseis/core"
)

// Index block layout:
//
//	header: 12-byte name | int32 next | int32 last_update
//	30 x (int32 start_block | uint64 bitmap | uint16 earliest | uint16 latest)
const (
	idxNextOff     = core.ChannelNameLen
	idxUpdatedOff  = idxNextOff + 4
	idxHeaderSize  = idxUpdatedOff + 4
	extentDescSize = 16
)

// UnusedExtent marks an extent descriptor that has not been assigned.
const UnusedExtent = -1

// Extent describes one 64-block extent of a channel.
type Extent struct {
	Start    int32
	Bitmap   uint64
	Earliest uint16
	Latest   uint16
}

// InUse reports whether the descriptor has been assigned an extent.
func (e Extent) InUse() bool { return e.Start >= 0 }

// Used returns the number of blocks marked in the bitmap.
func (e Extent) Used() int { return bits.OnesCount64(e.Bitmap) }

// NextFree returns the bit one past the highest used block, or ExtentBlocks when
// the extent is full.
func (e Extent) NextFree() int { return bits.Len64(e.Bitmap) }

// Contains reports whether block falls inside the extent.
func (e Extent) Contains(block int64) bool {
	return e.InUse() && block >= int64(e.Start) && block < int64(e.Start)+core.ExtentBlocks
}

// IndexBlock is one page of a channel's index block chain.
type IndexBlock struct {
	Channel string
	// Next is the following page of the chain, or core.ChainEnd.
	Next int32
	// Updated is the unix time of the last mutation.
	Updated int32
	Extents [core.IndexExtents]Extent
}

// NewIndexBlock returns an empty tail page for the padded channel name.
func NewIndexBlock(channel string) *IndexBlock {
	b := &IndexBlock{Channel: channel, Next: core.ChainEnd}
	for i := range b.Extents {
		b.Extents[i].Start = UnusedExtent
	}
	return b
}

// UnpackIndexBlock decodes an index block image.
func UnpackIndexBlock(buf []byte) (*IndexBlock, error) {
	b := &IndexBlock{}
	if err := b.Unpack(buf); err != nil {
		return nil, err
	}
	return b, nil
}

// Unpack decodes buf into the page.
func (b *IndexBlock) Unpack(buf []byte) error {
	if len(buf) < core.BlockSize {
		return fmt.Errorf("index block: short buffer of %d bytes", len(buf))
	}
	b.Channel = string(buf[:core.ChannelNameLen])
	b.Next = int32(core.ByteOrder.Uint32(buf[idxNextOff:]))
	b.Updated = int32(core.ByteOrder.Uint32(buf[idxUpdatedOff:]))
	for i := range b.Extents {
		off := idxHeaderSize + i*extentDescSize
		b.Extents[i] = Extent{
			Start:    int32(core.ByteOrder.Uint32(buf[off:])),
			Bitmap:   core.ByteOrder.Uint64(buf[off+4:]),
			Earliest: core.ByteOrder.Uint16(buf[off+12:]),
			Latest:   core.ByteOrder.Uint16(buf[off+14:]),
		}
	}
	return nil
}

// Pack encodes the page into buf.
func (b *IndexBlock) Pack(buf []byte) {
	clear(buf[:core.BlockSize])
	copy(buf[:core.ChannelNameLen], b.Channel)
	core.ByteOrder.PutUint32(buf[idxNextOff:], uint32(b.Next))
	core.ByteOrder.PutUint32(buf[idxUpdatedOff:], uint32(b.Updated))
	for i, e := range b.Extents {
		off := idxHeaderSize + i*extentDescSize
		core.ByteOrder.PutUint32(buf[off:], uint32(e.Start))
		core.ByteOrder.PutUint64(buf[off+4:], e.Bitmap)
		core.ByteOrder.PutUint16(buf[off+12:], e.Earliest)
		core.ByteOrder.PutUint16(buf[off+14:], e.Latest)
	}
}

// Bytes returns a freshly packed block.
func (b *IndexBlock) Bytes() []byte {
	buf := make([]byte, core.BlockSize)
	b.Pack(buf)
	return buf
}

// ExtentCount returns the number of assigned descriptors.
func (b *IndexBlock) ExtentCount() int {
	n := 0
	for _, e := range b.Extents {
		if e.InUse() {
			n++
		}
	}
	return n
}

// Full reports whether every descriptor is assigned.
func (b *IndexBlock) Full() bool { return b.ExtentCount() == core.IndexExtents }

// AddExtent assigns start to the first unused descriptor.
func (b *IndexBlock) AddExtent(start int64) (int, bool) {
	if start%core.ExtentBlocks != 0 {
		return -1, false
	}
	for i := range b.Extents {
		if !b.Extents[i].InUse() {
			b.Extents[i] = Extent{Start: int32(start)}
			return i, true
		}
	}
	return -1, false
}

// LastExtent returns the highest assigned descriptor slot.
func (b *IndexBlock) LastExtent() (int, bool) {
	for i := len(b.Extents) - 1; i >= 0; i-- {
		if b.Extents[i].InUse() {
			return i, true
		}
	}
	return -1, false
}

// SlotFor returns the descriptor slot whose extent holds block.
func (b *IndexBlock) SlotFor(block int64) (int, bool) {
	for i, e := range b.Extents {
		if e.Contains(block) {
			return i, true
		}
	}
	return -1, false
}

// MarkUsed sets bit in slot's bitmap and widens the slot's time range to include t.
func (b *IndexBlock) MarkUsed(slot, bit int, t time.Time) error {
	if slot < 0 || slot >= core.IndexExtents || !b.Extents[slot].InUse() {
		return fmt.Errorf("index block %q: extent slot %d is not assigned", b.Channel, slot)
	}
	if bit < 0 || bit >= core.ExtentBlocks {
		return fmt.Errorf("index block %q: bit %d out of range", b.Channel, bit)
	}
	e := &b.Extents[slot]
	off := TimeOffset(t)
	if e.Bitmap == 0 {
		e.Earliest, e.Latest = off, off
	} else {
		e.Earliest = min(e.Earliest, off)
		e.Latest = max(e.Latest, off)
	}
	e.Bitmap |= 1 << uint(bit)
	b.Updated = int32(t.Unix())
	return nil
}

// UsedBlocks returns the number of marked blocks across all extents.
func (b *IndexBlock) UsedBlocks() int {
	n := 0
	for _, e := range b.Extents {
		if e.InUse() {
			n += e.Used()
		}
	}
	return n
}

// TimeOffset converts t to a time-in-day offset in TimeOffsetUnit steps.
func TimeOffset(t time.Time) uint16 {
	t = t.UTC()
	secs := t.Hour()*3600 + t.Minute()*60 + t.Second()
	return uint16(secs / core.TimeOffsetUnit)
}
