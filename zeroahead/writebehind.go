package zeroahead

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/INLOpen/nexusseis/core"
	"github.com/INLOpen/nexusseis/hooks"
	"github.com/INLOpen/nexusseis/metrics"
	"github.com/google/btree"
)

// Entry is one data block deferred until the zero boundary passes it.
type Entry struct {
	Block        int64
	Channel      string
	Data         []byte
	IndexBlock   int
	ExtentIndex  int
	Continuation bool
}

func entryLess(a, b Entry) bool { return a.Block < b.Block }

// WriteBehindOptions configures a WriteBehind queue.
type WriteBehindOptions struct {
	Key core.Key
	// Warn is the depth above which write-behind-oversized is raised.
	Warn int
	// Limit rejects new blocks with core.ErrWriteBehindFull once reached. Zero disables it.
	Limit  int
	Hooks  hooks.HookManager
	Logger *slog.Logger
}

// WriteBehind is the ordered queue of deferred data blocks, lowest block first.
// It is shared by the write path (producer) and the zeroer (consumer).
type WriteBehind struct {
	mu     sync.Mutex
	tree   *btree.BTreeG[Entry]
	warned bool

	opts   WriteBehindOptions
	logger *slog.Logger
}

// NewWriteBehind creates an empty queue.
func NewWriteBehind(opts WriteBehindOptions) *WriteBehind {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Hooks == nil {
		opts.Hooks = hooks.NopHookManager{}
	}
	return &WriteBehind{
		tree:   btree.NewG[Entry](16, entryLess),
		opts:   opts,
		logger: logger.With("component", "WriteBehind", "unit", opts.Key.String()),
	}
}

// Push queues e. A re-send of a queued block replaces it and does not count
// against the limit.
func (w *WriteBehind) Push(ctx context.Context, e Entry) error {
	w.mu.Lock()
	_, exists := w.tree.Get(e)
	if !exists && w.opts.Limit > 0 && w.tree.Len() >= w.opts.Limit {
		depth := w.tree.Len()
		w.mu.Unlock()
		return fmt.Errorf("defer block %d (%d queued): %w", e.Block, depth, core.ErrWriteBehindFull)
	}
	w.tree.ReplaceOrInsert(e)
	depth := w.tree.Len()
	alarm := false
	if w.opts.Warn > 0 && depth > w.opts.Warn && !w.warned {
		w.warned = true
		alarm = true
	}
	w.mu.Unlock()

	if !exists {
		metrics.WriteBehindDepth.Inc()
		metrics.DeferredWrites.Inc()
	}
	if alarm {
		w.logger.Warn("Write-behind queue oversized", "depth", depth, "warn", w.opts.Warn)
		w.opts.Hooks.Trigger(ctx, hooks.NewAlarmEvent(hooks.EventWriteBehindOversized, hooks.AlarmPayload{
			Key:     w.opts.Key,
			Message: "write-behind queue above warning depth",
			Value:   int64(depth),
		}))
	}
	return nil
}

// PopReady removes and returns up to limit entries whose block is below through,
// lowest block first. A non-positive limit means no bound.
func (w *WriteBehind) PopReady(limit int, through int64) []Entry {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []Entry
	for limit <= 0 || len(out) < limit {
		e, ok := w.tree.Min()
		if !ok || e.Block >= through {
			break
		}
		w.tree.DeleteMin()
		out = append(out, e)
	}
	if w.tree.Len() <= w.opts.Warn {
		w.warned = false
	}
	metrics.WriteBehindDepth.Sub(float64(len(out)))
	return out
}

// Requeue puts back entries popped by PopReady that could not be flushed.
// They were admitted once, so the limit does not apply and they are not
// counted as new deferred writes. A re-send pushed meanwhile wins.
func (w *WriteBehind) Requeue(entries []Entry) {
	w.mu.Lock()
	added := 0
	for _, e := range entries {
		if _, ok := w.tree.Get(e); ok {
			continue
		}
		w.tree.ReplaceOrInsert(e)
		added++
	}
	w.mu.Unlock()
	metrics.WriteBehindDepth.Add(float64(added))
}

// Len returns the queue depth.
func (w *WriteBehind) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tree.Len()
}

// Max returns the highest queued block.
func (w *WriteBehind) Max() (int64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.tree.Max()
	return e.Block, ok
}

// Blocks returns the queued block numbers in order.
func (w *WriteBehind) Blocks() []int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]int64, 0, w.tree.Len())
	w.tree.Ascend(func(e Entry) bool {
		out = append(out, e.Block)
		return true
	})
	return out
}

// Discard empties the queue and returns how many entries were dropped.
func (w *WriteBehind) Discard() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := w.tree.Len()
	w.tree.Clear(false)
	w.warned = false
	metrics.WriteBehindDepth.Sub(float64(n))
	return n
}
