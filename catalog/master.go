package catalog

import (
	"fmt"

	"github.com/INLOpen/nexusseis/core"
)

// Master block layout: 32 x (12-byte name | uint16 first_index | uint16 last_index).
const masterSlotSize = core.ChannelNameLen + 4

// MasterEntry maps one channel to the head and tail of its index block chain.
type MasterEntry struct {
	Channel string
	First   uint16
	Last    uint16
}

func (e MasterEntry) blank() bool {
	for i := 0; i < len(e.Channel); i++ {
		if e.Channel[i] != ' ' && e.Channel[i] != 0 {
			return false
		}
	}
	return true
}

// Persister writes a mutated master block through to disk.
type Persister func(m *MasterBlock) error

// MasterBlock is one catalog page.
type MasterBlock struct {
	number   uint16
	slots    [core.MasterSlots]MasterEntry
	used     int
	readOnly bool
	persist  Persister
}

// NewMasterBlock returns an empty page numbered number.
func NewMasterBlock(number uint16, persist Persister) *MasterBlock {
	return &MasterBlock{number: number, persist: persist}
}

// LoadMasterBlock unpacks a page read from disk. Read-only pages reject Add.
func LoadMasterBlock(number uint16, buf []byte, persist Persister, readOnly bool) (*MasterBlock, error) {
	m := &MasterBlock{number: number, persist: persist, readOnly: readOnly}
	if err := m.Unpack(buf); err != nil {
		return nil, err
	}
	return m, nil
}

// Number returns the page's block number in the index file.
func (m *MasterBlock) Number() uint16 { return m.number }

// Len returns the number of channels on the page.
func (m *MasterBlock) Len() int { return m.used }

// Full reports whether every slot is in use.
func (m *MasterBlock) Full() bool { return m.used == core.MasterSlots }

// Find returns the entry for the padded channel name.
func (m *MasterBlock) Find(name string) (MasterEntry, bool) {
	for i := 0; i < m.used; i++ {
		if m.slots[i].Channel == name {
			return m.slots[i], true
		}
	}
	return MasterEntry{}, false
}

// Add records indexBlock for name. A new name takes the first blank slot with
// first = last = indexBlock; a known name has its last_index_block advanced and
// the previous tail is returned. accepted is false when the page is full and does
// not hold name. The page is persisted before Add returns.
func (m *MasterBlock) Add(name string, indexBlock uint16) (accepted bool, prevLast uint16, err error) {
	if m.readOnly {
		return false, 0, fmt.Errorf("master block %d: %w", m.number, core.ErrReadOnly)
	}
	if len(name) != core.ChannelNameLen {
		return false, 0, &core.ValidationError{Message: "must be padded to 12 bytes", Field: "channel", Value: name}
	}
	slot := -1
	for i := 0; i < m.used; i++ {
		if m.slots[i].Channel == name {
			slot = i
			break
		}
	}
	switch {
	case slot >= 0:
		prevLast = m.slots[slot].Last
		m.slots[slot].Last = indexBlock
	case m.used < core.MasterSlots:
		m.slots[m.used] = MasterEntry{Channel: name, First: indexBlock, Last: indexBlock}
		m.used++
	default:
		return false, 0, nil
	}
	if m.persist != nil {
		if err := m.persist(m); err != nil {
			return false, 0, err
		}
	}
	return true, prevLast, nil
}

// Entries returns the in-use slots in order.
func (m *MasterBlock) Entries() []MasterEntry {
	out := make([]MasterEntry, m.used)
	copy(out, m.slots[:m.used])
	return out
}

// Pack encodes the page into buf.
func (m *MasterBlock) Pack(buf []byte) {
	clear(buf[:core.BlockSize])
	for i := 0; i < m.used; i++ {
		off := i * masterSlotSize
		copy(buf[off:off+core.ChannelNameLen], m.slots[i].Channel)
		core.ByteOrder.PutUint16(buf[off+core.ChannelNameLen:], m.slots[i].First)
		core.ByteOrder.PutUint16(buf[off+core.ChannelNameLen+2:], m.slots[i].Last)
	}
}

// Bytes returns a freshly packed block.
func (m *MasterBlock) Bytes() []byte {
	buf := make([]byte, core.BlockSize)
	m.Pack(buf)
	return buf
}

// Unpack decodes buf. The first blank name ends the in-use slots.
func (m *MasterBlock) Unpack(buf []byte) error {
	if len(buf) < core.BlockSize {
		return fmt.Errorf("master block %d: short buffer of %d bytes", m.number, len(buf))
	}
	m.used = 0
	for i := 0; i < core.MasterSlots; i++ {
		off := i * masterSlotSize
		e := MasterEntry{
			Channel: string(buf[off : off+core.ChannelNameLen]),
			First:   core.ByteOrder.Uint16(buf[off+core.ChannelNameLen:]),
			Last:    core.ByteOrder.Uint16(buf[off+core.ChannelNameLen+2:]),
		}
		if e.blank() {
			break
		}
		m.slots[i] = e
		m.used++
	}
	for i := m.used; i < core.MasterSlots; i++ {
		m.slots[i] = MasterEntry{}
	}
	return nil
}

// Catalog is the ordered list of master block pages of one index file.
type Catalog struct {
	pages []*MasterBlock
}

// Pages returns the pages in catalog order.
func (c *Catalog) Pages() []*MasterBlock { return c.pages }

// Append adds a page at the end of the catalog.
func (c *Catalog) Append(m *MasterBlock) { c.pages = append(c.pages, m) }

// Lookup finds the padded channel name on any page.
func (c *Catalog) Lookup(name string) (MasterEntry, bool) {
	for _, p := range c.pages {
		if e, ok := p.Find(name); ok {
			return e, true
		}
	}
	return MasterEntry{}, false
}

// Accepts reports whether Add would find a page for name.
func (c *Catalog) Accepts(name string) bool {
	for _, p := range c.pages {
		if _, ok := p.Find(name); ok || !p.Full() {
			return true
		}
	}
	return false
}

// Len returns the number of pages.
func (c *Catalog) Len() int { return len(c.pages) }

// Add probes pages in order for one that holds name or has a free slot.
// page is nil when no page accepted the name.
func (c *Catalog) Add(name string, indexBlock uint16) (page *MasterBlock, prevLast uint16, err error) {
	for _, p := range c.pages {
		accepted, prev, err := p.Add(name, indexBlock)
		if err != nil {
			return nil, 0, err
		}
		if accepted {
			return p, prev, nil
		}
	}
	return nil, 0, nil
}

// Entries returns every channel entry across all pages.
func (c *Catalog) Entries() []MasterEntry {
	var out []MasterEntry
	for _, p := range c.pages {
		out = append(out, p.Entries()...)
	}
	return out
}
