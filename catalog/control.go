// Package catalog holds the on-disk page formats of an index file and the logic
// layered on them: the control block, master block catalog pages, index block
// chain pages, and the replica's check blocks.
package catalog

import (
	"fmt"

	"github.com/INLOpen/nexusseis/core"
)

// Control block layout:
//
//	int32 length | int32 next_extent | uint16 next_index | uint16[250] master_blocks
const (
	ctlLengthOff     = 0
	ctlNextExtentOff = 4
	ctlNextIndexOff  = 8
	ctlMastersOff    = 10
	controlUsed      = ctlMastersOff + 2*core.MaxMasterBlocks
)

// ControlBlock is the first block of an index file.
type ControlBlock struct {
	// Length is the data file length in blocks.
	Length int32
	// NextExtent is the first block of the next unallocated extent.
	NextExtent int32
	// NextIndex is the next unallocated index or master block number.
	NextIndex core.IndexCounter
	// MasterBlocks holds master block numbers; the first zero ends the active list.
	MasterBlocks [core.MaxMasterBlocks]uint16
}

// NewControlBlock returns the control block of a freshly initialized file.
func NewControlBlock() *ControlBlock {
	return &ControlBlock{NextIndex: 1}
}

// Pack encodes the control block into buf, which must be one block long.
func (c *ControlBlock) Pack(buf []byte) {
	clear(buf[:core.BlockSize])
	core.ByteOrder.PutUint32(buf[ctlLengthOff:], uint32(c.Length))
	core.ByteOrder.PutUint32(buf[ctlNextExtentOff:], uint32(c.NextExtent))
	core.ByteOrder.PutUint16(buf[ctlNextIndexOff:], uint16(c.NextIndex))
	for i, m := range c.MasterBlocks {
		core.ByteOrder.PutUint16(buf[ctlMastersOff+2*i:], m)
	}
}

// Bytes returns a freshly packed block.
func (c *ControlBlock) Bytes() []byte {
	buf := make([]byte, core.BlockSize)
	c.Pack(buf)
	return buf
}

// Unpack decodes buf into the control block.
func (c *ControlBlock) Unpack(buf []byte) error {
	if len(buf) < controlUsed {
		return fmt.Errorf("control block: short buffer of %d bytes", len(buf))
	}
	c.Length = int32(core.ByteOrder.Uint32(buf[ctlLengthOff:]))
	c.NextExtent = int32(core.ByteOrder.Uint32(buf[ctlNextExtentOff:]))
	c.NextIndex = core.IndexCounter(core.ByteOrder.Uint16(buf[ctlNextIndexOff:]))
	for i := range c.MasterBlocks {
		c.MasterBlocks[i] = core.ByteOrder.Uint16(buf[ctlMastersOff+2*i:])
	}
	if c.NextExtent < 0 || c.NextExtent%core.ExtentBlocks != 0 {
		return fmt.Errorf("control block: next_extent %d is not a non-negative multiple of %d", c.NextExtent, core.ExtentBlocks)
	}
	return nil
}

// ActiveMasterBlocks returns the allocated master block numbers in catalog order.
func (c *ControlBlock) ActiveMasterBlocks() []uint16 {
	var out []uint16
	for _, m := range c.MasterBlocks {
		if m == 0 {
			break
		}
		out = append(out, m)
	}
	return out
}

// FirstFreeMasterSlot returns the first unallocated slot, or -1 when all are used.
func (c *ControlBlock) FirstFreeMasterSlot() int {
	for i, m := range c.MasterBlocks {
		if m == 0 {
			return i
		}
	}
	return -1
}
