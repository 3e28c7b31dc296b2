package replica

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/INLOpen/nexusseis/catalog"
	"github.com/INLOpen/nexusseis/core"
	"github.com/INLOpen/nexusseis/metrics"
)

// recoverChecks rebuilds the live check blocks after a reopen. Every index block
// the mirrored catalog knows is compared against its check page and, for blocks
// neither confirms, against the data file itself.
func (r *Replicator) recoverChecks() error {
	idxLen, err := r.idx.Len()
	if err != nil {
		return err
	}
	masters := make(map[uint16]bool)
	for _, m := range r.ctl.ActiveMasterBlocks() {
		masters[m] = true
	}
	onDisk := func(block int64) bool {
		if r.isWritten(block) {
			return true
		}
		buf := make([]byte, core.BlockSize)
		if r.data.ReadBlock(block, buf) != nil || core.IsZeroBlock(buf) {
			return false
		}
		r.written.Add(uint32(block))
		return true
	}

	buf := make([]byte, core.BlockSize)
	now := r.opts.Clock.Now()
	for n := int64(1); n < int64(r.ctl.NextIndex) && n < idxLen; n++ {
		if masters[uint16(n)] {
			continue
		}
		if err := r.idx.ReadBlock(n, buf); err != nil {
			return err
		}
		if core.IsZeroBlock(buf) {
			continue
		}
		img, err := catalog.UnpackIndexBlock(buf)
		if err != nil {
			r.logger.Warn("Skipping unreadable index block", "block", n, "error", err)
			continue
		}
		prior, err := r.readCheckPage(uint16(n))
		if err != nil {
			return err
		}
		cb := catalog.NewCheckBlock(uint16(n), img, prior, onDisk, now)
		if !cb.Complete() {
			r.checks[uint16(n)] = cb
		}
	}
	return nil
}

// ProcessIndexChecks flushes and retires complete check blocks and flushes the
// ones left modified for longer than the check flush timeout.
func (r *Replicator) ProcessIndexChecks(now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.readOnly {
		return nil
	}
	return r.flushChecksLocked(now, false)
}

func (r *Replicator) flushChecksLocked(now time.Time, force bool) error {
	var errs []error
	for _, n := range r.checkNumbers() {
		cb := r.checks[n]
		complete := cb.Complete()
		if !complete && !cb.Modified() {
			continue
		}
		if !complete && !force && !cb.FlushDue(now, r.opts.CheckFlushTimeout) {
			continue
		}
		buf := make([]byte, core.BlockSize)
		cb.Pack(buf)
		if err := r.chk.WriteBlock(int64(n), buf); err != nil {
			errs = append(errs, err)
			continue
		}
		cb.MarkFlushed(now)
		metrics.CheckBlocks.WithLabelValues("flushed").Inc()
		if complete {
			delete(r.checks, n)
			metrics.CheckBlocks.WithLabelValues("retired").Inc()
			r.logger.Debug("Retired check block", "block", n, "channel", cb.Channel(), "confirmed", cb.Confirmed())
		}
	}
	return errors.Join(errs...)
}

func (r *Replicator) checkNumbers() []uint16 {
	out := make([]uint16, 0, len(r.checks))
	for n := range r.checks {
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}

// Gap lists the reserved data blocks of one index block that have not arrived.
type Gap struct {
	IndexBlock uint16
	Channel    string
	Blocks     []int64
}

func (g Gap) String() string {
	return fmt.Sprintf("%s index block %d: %d missing", g.Channel, g.IndexBlock, len(g.Blocks))
}

// Gaps returns the missing blocks of every live check block in index block order.
func (r *Replicator) Gaps() []Gap {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Gap
	for _, n := range r.checkNumbers() {
		cb := r.checks[n]
		if missing := cb.Missing(); len(missing) > 0 {
			out = append(out, Gap{IndexBlock: n, Channel: cb.Channel(), Blocks: missing})
		}
	}
	return out
}
