package core

// IndexCounter is the unsigned 16-bit next_index counter of the control block.
// It never wraps: Take fails once the next value would pass MaxIndexBlock.
type IndexCounter uint16

// Take returns the block number to hand out and the advanced counter.
func (c IndexCounter) Take() (uint16, IndexCounter, error) {
	if c == 0 || uint32(c)+1 > MaxIndexBlock {
		return 0, c, ErrIndexCounterExhausted
	}
	return uint16(c), c + 1, nil
}

// NearLimit reports whether the counter is in the alarm zone.
func (c IndexCounter) NearLimit() bool {
	return c > IndexAlarmThreshold
}

// Remaining returns how many more blocks can be handed out.
func (c IndexCounter) Remaining() int {
	if c == 0 || c >= MaxIndexBlock {
		return 0
	}
	return MaxIndexBlock - int(c)
}
