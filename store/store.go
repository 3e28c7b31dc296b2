// Package store ties primaries and replicas of many storage units together: it
// owns their registries, routes replication notifications from primaries into
// replicas, and runs the janitor that evicts idle files and flushes check blocks.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/INLOpen/nexusseis/core"
	"github.com/INLOpen/nexusseis/hooks"
	"github.com/INLOpen/nexusseis/hooks/listeners"
	"github.com/INLOpen/nexusseis/indexfile"
	"github.com/INLOpen/nexusseis/metrics"
	"github.com/INLOpen/nexusseis/registry"
	"github.com/INLOpen/nexusseis/replica"
	"github.com/INLOpen/nexusseis/zeroahead"
	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"
)

// Options configures a Store.
type Options struct {
	// DataDir holds the primary files.
	DataDir string
	// ReplicaDir holds the replica files. Empty disables replication.
	ReplicaDir string

	InitialIndexBlocks int64
	AllocateTimeout    time.Duration
	// Zero tunes the zero-ahead allocators of both roles.
	Zero            zeroahead.Options
	NotifyQueueSize int

	CheckFlushTimeout time.Duration
	HighwaterJumpWarn int64
	WriteBehindWarn   int
	WriteBehindLimit  int

	// IdleTimeout closes files unused for this long. Zero disables it.
	IdleTimeout time.Duration
	// MaxOpenFiles closes the least recently used files of each role beyond it.
	MaxOpenFiles    int
	CloseWait       time.Duration
	JanitorInterval time.Duration

	// Hooks receives alarms. Nil installs a manager with the alarm logger and
	// metrics listeners.
	Hooks          hooks.HookManager
	Clock          clock.Clock
	Logger         *slog.Logger
	TracerProvider trace.TracerProvider
}

func (o *Options) setDefaults() {
	if o.JanitorInterval <= 0 {
		o.JanitorInterval = 30 * time.Second
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if o.TracerProvider == nil {
		o.TracerProvider = noop.NewTracerProvider()
	}
}

// Store is the set of open storage units of one node.
type Store struct {
	opts      Options
	logger    *slog.Logger
	validator *core.ChannelValidator

	primaries *registry.Registry[*indexfile.IndexFile]
	replicas  *registry.Registry[*replica.Replicator]
	ownHooks  bool

	startOnce sync.Once
	closeOnce sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// New creates the directories and an empty store. Call Start to run the janitor.
func New(opts Options) (*Store, error) {
	opts.setDefaults()
	s := &Store{
		opts:      opts,
		logger:    opts.Logger.With("component", "Store"),
		validator: core.NewChannelValidator(),
		stopCh:    make(chan struct{}),
	}
	if s.opts.Hooks == nil {
		m := hooks.NewHookManager(opts.Logger)
		hooks.RegisterAll(m, listeners.NewAlarmLoggerListener(opts.Logger, opts.Clock, time.Minute))
		hooks.RegisterAll(m, listeners.NewMetricsListener())
		s.opts.Hooks = m
		s.ownHooks = true
	}
	if err := s.prepareDirs(); err != nil {
		s.opts.Hooks.Trigger(context.Background(), hooks.NewAlarmEvent(hooks.EventBadConfig, hooks.AlarmPayload{Message: err.Error()}))
		if s.ownHooks {
			s.opts.Hooks.Stop()
		}
		return nil, err
	}
	s.primaries = registry.New[*indexfile.IndexFile](registry.Options{
		Role: metrics.RolePrimary, CloseWait: opts.CloseWait, Clock: opts.Clock, Logger: opts.Logger,
	})
	s.replicas = registry.New[*replica.Replicator](registry.Options{
		Role: metrics.RoleReplica, CloseWait: opts.CloseWait, Clock: opts.Clock, Logger: opts.Logger,
	})
	return s, nil
}

func (s *Store) prepareDirs() error {
	if s.opts.DataDir == "" {
		return &core.ValidationError{Message: "must not be empty", Field: "data_dir"}
	}
	if s.opts.ReplicaDir != "" && s.opts.ReplicaDir == s.opts.DataDir {
		return &core.ValidationError{Message: "must differ from data_dir", Field: "replica_dir", Value: s.opts.ReplicaDir}
	}
	for _, dir := range []string{s.opts.DataDir, s.opts.ReplicaDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Start launches the janitor.
func (s *Store) Start() {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.janitor()
	})
}

// OpenIndexFile opens the primary of key. When the store replicates, the file
// notifies this store's replica of key.
func (s *Store) OpenIndexFile(ctx context.Context, key core.Key, init, readOnly bool) (*indexfile.IndexFile, error) {
	opts := indexfile.Options{
		Dir:                s.opts.DataDir,
		Init:               init,
		ReadOnly:           readOnly,
		InitialIndexBlocks: s.opts.InitialIndexBlocks,
		AllocateTimeout:    s.opts.AllocateTimeout,
		Zero:               s.opts.Zero,
		NotifyQueueSize:    s.opts.NotifyQueueSize,
		Registry:           s.primaries,
		Validator:          s.validator,
		Hooks:              s.opts.Hooks,
		Clock:              s.opts.Clock,
		Logger:             s.opts.Logger,
		TracerProvider:     s.opts.TracerProvider,
	}
	if s.opts.ReplicaDir != "" {
		opts.Sink = s.ReplicaSink()
	}
	return indexfile.Open(ctx, key, opts)
}

// IndexFile returns the open primary of key.
func (s *Store) IndexFile(key core.Key) (*indexfile.IndexFile, bool) {
	return s.primaries.Get(key)
}

// OpenReplica opens or creates the replica of key.
func (s *Store) OpenReplica(ctx context.Context, key core.Key, readOnly bool) (*replica.Replicator, error) {
	if s.opts.ReplicaDir == "" {
		return nil, &core.ValidationError{Message: "replication is disabled", Field: "replica_dir"}
	}
	return replica.Open(ctx, key, replica.Options{
		Dir:               s.opts.ReplicaDir,
		ReadOnly:          readOnly,
		CheckFlushTimeout: s.opts.CheckFlushTimeout,
		HighwaterJumpWarn: s.opts.HighwaterJumpWarn,
		WriteBehindWarn:   s.opts.WriteBehindWarn,
		WriteBehindLimit:  s.opts.WriteBehindLimit,
		Zero:              s.opts.Zero,
		Registry:          s.replicas,
		Hooks:             s.opts.Hooks,
		Clock:             s.opts.Clock,
		Logger:            s.opts.Logger,
		TracerProvider:    s.opts.TracerProvider,
	})
}

// Replica returns the open replica of key.
func (s *Store) Replica(key core.Key) (*replica.Replicator, bool) {
	return s.replicas.Get(key)
}

// Sweep runs one janitor pass: due check blocks are flushed, then idle and
// excess files are closed.
func (s *Store) Sweep(ctx context.Context) error {
	now := s.opts.Clock.Now()
	var errs []error
	for _, key := range s.replicas.Keys() {
		if r, ok := s.replicas.Get(key); ok {
			errs = append(errs, r.ProcessIndexChecks(now))
		}
	}
	if s.opts.IdleTimeout > 0 {
		errs = append(errs, closeKeys(ctx, s.primaries, s.primaries.Idle(s.opts.IdleTimeout)))
		errs = append(errs, closeKeys(ctx, s.replicas, s.replicas.Idle(s.opts.IdleTimeout)))
	}
	if s.opts.MaxOpenFiles > 0 {
		errs = append(errs, closeKeys(ctx, s.primaries, s.primaries.Excess(s.opts.MaxOpenFiles)))
		errs = append(errs, closeKeys(ctx, s.replicas, s.replicas.Excess(s.opts.MaxOpenFiles)))
	}
	return errors.Join(errs...)
}

func closeKeys[T registry.Resource](ctx context.Context, reg *registry.Registry[T], keys []core.Key) error {
	if len(keys) == 0 {
		return nil
	}
	var g errgroup.Group
	for _, key := range keys {
		ch := reg.Close(key)
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

func (s *Store) janitor() {
	defer s.wg.Done()
	ticker := s.opts.Clock.Ticker(s.opts.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.Sweep(context.Background()); err != nil {
				s.logger.Warn("Janitor pass failed", "error", err)
			}
		}
	}
}

// Close stops the janitor and closes every primary, then every replica, so that
// the primaries' last notifications still reach their replicas.
func (s *Store) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		err = errors.Join(s.primaries.CloseAll(ctx), s.replicas.CloseAll(ctx))
		if s.ownHooks {
			s.opts.Hooks.Stop()
		}
		s.logger.Info("Store closed", "error", err)
	})
	return err
}
