// Package registry is the table of open storage units. It enforces at most one
// live instance per key, runs closes asynchronously, and picks eviction victims.
//
// A Registry is an injected value, not a process global: every Store owns its own
// and tests build isolated ones.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/INLOpen/nexusseis/core"
	"github.com/INLOpen/nexusseis/metrics"
	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"
)

// Resource is something the registry can own.
type Resource interface {
	// Shutdown releases the resource. The registry calls it on its own goroutine.
	Shutdown(ctx context.Context) error
	// LastUsed returns the time of the last read or write.
	LastUsed() time.Time
}

type state int

const (
	stateCreating state = iota
	stateLive
	stateClosing
)

type entry[T Resource] struct {
	value T
	state state
	// done is closed once a close has finished and the key is gone.
	done chan struct{}
	err  error
}

// Options configures a Registry.
type Options struct {
	// Role labels the open-files gauge.
	Role string
	// CloseWait bounds how long Open waits for a pending close of the same key.
	CloseWait time.Duration
	Clock     clock.Clock
	Logger    *slog.Logger
}

// Registry maps keys to live resources.
type Registry[T Resource] struct {
	mu      sync.Mutex
	entries map[core.Key]*entry[T]

	opts   Options
	logger *slog.Logger
}

// New creates an empty registry.
func New[T Resource](opts Options) *Registry[T] {
	if opts.CloseWait <= 0 {
		opts.CloseWait = 10 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Role == "" {
		opts.Role = metrics.RolePrimary
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Registry[T]{
		entries: make(map[core.Key]*entry[T]),
		opts:    opts,
		logger:  logger.With("component", "Registry", "role", opts.Role),
	}
}

// Open claims key and builds the resource with create. Exactly one of several
// concurrent callers runs create; the others fail with core.ErrDuplicateCreation,
// as does opening a key that is already live. If the key is being closed, Open
// waits up to CloseWait for the close to finish and then fails with
// core.ErrCloseTimeout.
func (r *Registry[T]) Open(ctx context.Context, key core.Key, create func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var timeout <-chan time.Time
	for {
		r.mu.Lock()
		e, ok := r.entries[key]
		if !ok {
			e = &entry[T]{state: stateCreating, done: make(chan struct{})}
			r.entries[key] = e
			r.mu.Unlock()
			break
		}
		if e.state != stateClosing {
			r.mu.Unlock()
			return zero, fmt.Errorf("open %s: %w", key, core.ErrDuplicateCreation)
		}
		done := e.done
		r.mu.Unlock()

		if timeout == nil {
			timer := time.NewTimer(r.opts.CloseWait)
			defer timer.Stop()
			timeout = timer.C
		}
		r.logger.Debug("Waiting for pending close", "unit", key.String())
		select {
		case <-done:
		case <-timeout:
			return zero, fmt.Errorf("open %s: %w", key, core.ErrCloseTimeout)
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}

	v, err := create(ctx)
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		delete(r.entries, key)
		return zero, err
	}
	e := r.entries[key]
	e.value = v
	e.state = stateLive
	metrics.OpenFiles.WithLabelValues(r.opts.Role).Inc()
	return v, nil
}

// Get returns the live resource for key.
func (r *Registry[T]) Get(key core.Key) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok || e.state != stateLive {
		var zero T
		return zero, false
	}
	return e.value, true
}

// Close marks key closing and shuts the resource down on its own goroutine. The
// key leaves the registry when shutdown finishes; the returned channel then
// yields the shutdown error. Closing a key that is already closing waits for that
// close. Closing an unknown key yields core.ErrClosed.
func (r *Registry[T]) Close(key core.Key) <-chan error {
	ch := make(chan error, 1)
	r.mu.Lock()
	e, ok := r.entries[key]
	switch {
	case !ok || e.state == stateCreating:
		r.mu.Unlock()
		ch <- fmt.Errorf("close %s: %w", key, core.ErrClosed)
		return ch
	case e.state == stateClosing:
		r.mu.Unlock()
		go func() {
			<-e.done
			ch <- e.err
		}()
		return ch
	}
	e.state = stateClosing
	r.mu.Unlock()

	go func() {
		err := e.value.Shutdown(context.Background())
		if err != nil {
			r.logger.Error("Shutdown failed", "unit", key.String(), "error", err)
		}
		r.mu.Lock()
		delete(r.entries, key)
		e.err = err
		r.mu.Unlock()
		close(e.done)
		metrics.OpenFiles.WithLabelValues(r.opts.Role).Dec()
		ch <- err
	}()
	return ch
}

// Len returns the number of keys, including ones being created or closed.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Keys returns the live keys in (day, node) order.
func (r *Registry[T]) Keys() []core.Key {
	r.mu.Lock()
	keys := make([]core.Key, 0, len(r.entries))
	for k, e := range r.entries {
		if e.state == stateLive {
			keys = append(keys, k)
		}
	}
	r.mu.Unlock()
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].JulianDay != keys[j].JulianDay {
			return keys[i].JulianDay < keys[j].JulianDay
		}
		return keys[i].Node < keys[j].Node
	})
	return keys
}

type usage struct {
	key  core.Key
	last time.Time
}

func (r *Registry[T]) usages() []usage {
	r.mu.Lock()
	out := make([]usage, 0, len(r.entries))
	vals := make([]T, 0, len(r.entries))
	for k, e := range r.entries {
		if e.state == stateLive {
			out = append(out, usage{key: k})
			vals = append(vals, e.value)
		}
	}
	r.mu.Unlock()
	// LastUsed may take the resource's own lock; call it outside ours.
	for i, v := range vals {
		out[i].last = v.LastUsed()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].last.Before(out[j].last) })
	return out
}

// Idle returns the live keys unused for at least threshold, least recent first.
func (r *Registry[T]) Idle(threshold time.Duration) []core.Key {
	now := r.opts.Clock.Now()
	var out []core.Key
	for _, u := range r.usages() {
		if now.Sub(u.last) >= threshold {
			out = append(out, u.key)
		}
	}
	return out
}

// Excess returns the least recently used live keys beyond the newest max.
func (r *Registry[T]) Excess(max int) []core.Key {
	us := r.usages()
	if max < 0 || len(us) <= max {
		return nil
	}
	out := make([]core.Key, 0, len(us)-max)
	for _, u := range us[:len(us)-max] {
		out = append(out, u.key)
	}
	return out
}

// CloseAll closes every live key concurrently and waits for pending closes.
func (r *Registry[T]) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	keys := make([]core.Key, 0, len(r.entries))
	for k, e := range r.entries {
		if e.state != stateCreating {
			keys = append(keys, k)
		}
	}
	r.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, k := range keys {
		ch := r.Close(k)
		g.Go(func() error {
			select {
			case err := <-ch:
				if errors.Is(err, core.ErrClosed) {
					return nil
				}
				return err
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}
	return g.Wait()
}
