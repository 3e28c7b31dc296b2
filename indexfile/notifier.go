package indexfile

import (
	"context"
	"log/slog"
	"sync"

	"github.com/INLOpen/nexusseis/core"
)

// Sink receives raw block images from a primary, in the order the primary wrote
// them. A replication transport or an in-process replica implements it.
type Sink interface {
	// WriteIndexBlock delivers block n of the index file. n == 0 is the control
	// block; extentIndex == core.MasterExtentIndex marks a master block.
	WriteIndexBlock(ctx context.Context, key core.Key, buf []byte, n int, extentIndex int, channel string) error
	// WriteDataBlock delivers one data block and reports whether it was new.
	WriteDataBlock(ctx context.Context, key core.Key, channel string, buf []byte, block int64, indexBlock int, extentIndex int, continuation bool) (bool, error)
}

// notification is one block image waiting to be delivered.
type notification struct {
	data         bool
	channel      string
	buf          []byte
	block        int64
	indexBlock   int
	extentIndex  int
	continuation bool
}

// notifier delivers notifications to a Sink from a single goroutine, so the
// sink sees them in enqueue order.
type notifier struct {
	key    core.Key
	sink   Sink
	queue  chan notification
	logger *slog.Logger
	wg     sync.WaitGroup
}

func newNotifier(key core.Key, sink Sink, queueSize int, logger *slog.Logger) *notifier {
	return &notifier{
		key:    key,
		sink:   sink,
		queue:  make(chan notification, queueSize),
		logger: logger.With("component", "ReplicationNotifier"),
	}
}

// Start launches the delivery goroutine.
func (n *notifier) Start() {
	n.wg.Add(1)
	go n.worker()
}

// Enqueue queues a copy of the image; it blocks while the queue is full.
func (n *notifier) Enqueue(ctx context.Context, m notification) error {
	m.buf = append([]byte(nil), m.buf...)
	select {
	case n.queue <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop delivers what is queued and waits for the goroutine to exit.
func (n *notifier) Stop() {
	close(n.queue)
	n.wg.Wait()
}

func (n *notifier) worker() {
	defer n.wg.Done()
	ctx := context.Background()
	for m := range n.queue {
		var err error
		if m.data {
			_, err = n.sink.WriteDataBlock(ctx, n.key, m.channel, m.buf, m.block, m.indexBlock, m.extentIndex, m.continuation)
		} else {
			err = n.sink.WriteIndexBlock(ctx, n.key, m.buf, int(m.block), m.extentIndex, m.channel)
		}
		if err != nil {
			n.logger.Warn("Replication delivery failed", "unit", n.key.String(), "data", m.data, "block", m.block, "error", err)
		}
	}
}
