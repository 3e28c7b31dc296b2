package core

import "encoding/binary"

// On-disk geometry shared by every file kind (.idx, .ms, .chk).
const (
	// BlockSize is the size of every record in every file.
	BlockSize = 512
	// ExtentBlocks is the allocation unit of the data file.
	ExtentBlocks = 64

	// MaxMasterBlocks is the number of master block slots in the control block.
	MaxMasterBlocks = 250
	// MasterSlots is the number of channel entries in one master block.
	MasterSlots = 32
	// ChannelNameLen is the fixed width of a channel name on disk.
	ChannelNameLen = 12
	// IndexExtents is the number of extent descriptors in one index block.
	IndexExtents = 30

	// MaxIndexBlock is the highest value next_index may ever hold.
	MaxIndexBlock = 65534
	// IndexAlarmThreshold is the next_index value above which an alarm is raised.
	IndexAlarmThreshold = 65500

	// ControlBlock is the block number of the control block in the index file.
	ControlBlock = 0
	// MasterExtentIndex marks a replicated image as a master block.
	MasterExtentIndex = -1
	// ChainEnd marks the tail of an index block chain.
	ChainEnd = -1

	// TimeOffsetUnit is the resolution, in seconds, of extent time-in-day offsets.
	TimeOffsetUnit = 2
)

// ByteOrder is used for every multi-byte field in every block.
var ByteOrder = binary.BigEndian

// IsZeroBlock reports whether buf holds only zero bytes.
func IsZeroBlock(buf []byte) bool {
	for _, b := range buf {
		if b != 0 {
			return false
		}
	}
	return true
}

// ExtentStart returns the first block of the extent containing block.
func ExtentStart(block int64) int64 {
	return block - block%ExtentBlocks
}
