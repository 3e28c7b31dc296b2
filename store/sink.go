package store

import (
	"context"
	"errors"
	"time"

	"github.com/INLOpen/nexusseis/core"
	"github.com/INLOpen/nexusseis/indexfile"
	"github.com/INLOpen/nexusseis/replica"
)

const sinkAttempts = 3

// replicaSink delivers a primary's notifications to the store's replica of the
// same key, opening it on first use.
type replicaSink struct {
	s *Store
}

// ReplicaSink returns the indexfile.Sink that feeds this store's replicas.
func (s *Store) ReplicaSink() indexfile.Sink {
	return replicaSink{s: s}
}

func (k replicaSink) replica(ctx context.Context, key core.Key) (*replica.Replicator, error) {
	var lastErr error
	for attempt := 0; attempt < sinkAttempts; attempt++ {
		if r, ok := k.s.replicas.Get(key); ok {
			return r, nil
		}
		r, err := k.s.OpenReplica(ctx, key, false)
		if err == nil {
			return r, nil
		}
		// Someone else is opening it; their handle shows up in the registry shortly.
		if !errors.Is(err, core.ErrDuplicateCreation) {
			return nil, err
		}
		lastErr = err
		select {
		case <-time.After(10 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// retry runs fn against the replica, reopening it once if it was closed in between.
func (k replicaSink) retry(ctx context.Context, key core.Key, fn func(r *replica.Replicator) error) error {
	for attempt := 0; ; attempt++ {
		r, err := k.replica(ctx, key)
		if err != nil {
			return err
		}
		err = fn(r)
		if errors.Is(err, core.ErrClosed) && attempt == 0 {
			continue
		}
		return err
	}
}

func (k replicaSink) WriteIndexBlock(ctx context.Context, key core.Key, buf []byte, n int, extentIndex int, channel string) error {
	return k.retry(ctx, key, func(r *replica.Replicator) error {
		return r.WriteIndexBlock(ctx, buf, n, extentIndex, channel)
	})
}

func (k replicaSink) WriteDataBlock(ctx context.Context, key core.Key, channel string, buf []byte, block int64, indexBlock int, extentIndex int, continuation bool) (bool, error) {
	var newly bool
	err := k.retry(ctx, key, func(r *replica.Replicator) error {
		var err error
		newly, err = r.WriteDataBlock(ctx, channel, buf, block, indexBlock, extentIndex, continuation)
		return err
	})
	return newly, err
}
