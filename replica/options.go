package replica

import (
	"io"
	"log/slog"
	"time"

	"github.com/INLOpen/nexusseis/hooks"
	"github.com/INLOpen/nexusseis/metrics"
	"github.com/INLOpen/nexusseis/registry"
	"github.com/INLOpen/nexusseis/zeroahead"
	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Options configures Open.
type Options struct {
	// Dir holds the replica's .idx, .ms and .chk files.
	Dir string
	// ReadOnly opens existing files for inspection only.
	ReadOnly bool

	// CheckFlushTimeout is how long a modified check block may stay unflushed.
	CheckFlushTimeout time.Duration
	// HighwaterJumpWarn is the next_extent advance that raises suspicious-highwater-jump.
	HighwaterJumpWarn int64
	// WriteBehindWarn and WriteBehindLimit bound the deferred write queue.
	WriteBehindWarn  int
	WriteBehindLimit int
	// Zero tunes the zero-ahead allocator. Key, Role, WriteBehind, Flush, Clock,
	// Hooks and Logger are filled in.
	Zero zeroahead.Options

	// Registry holds the open replicas. Nil gives the replica an isolated registry.
	Registry *registry.Registry[*Replicator]

	Hooks          hooks.HookManager
	Clock          clock.Clock
	Logger         *slog.Logger
	TracerProvider trace.TracerProvider
}

func (o *Options) setDefaults() {
	if o.CheckFlushTimeout <= 0 {
		o.CheckFlushTimeout = 120 * time.Second
	}
	if o.HighwaterJumpWarn <= 0 {
		o.HighwaterJumpWarn = 30000
	}
	if o.WriteBehindWarn <= 0 {
		o.WriteBehindWarn = 50000
	}
	if o.Hooks == nil {
		o.Hooks = hooks.NopHookManager{}
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
	if o.Registry == nil {
		o.Registry = registry.New[*Replicator](registry.Options{Role: metrics.RoleReplica, Clock: o.Clock, Logger: o.Logger})
	}
}
