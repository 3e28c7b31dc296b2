package indexfile

import (
	"io"
	"log/slog"
	"time"

	"github.com/INLOpen/nexusseis/core"
	"github.com/INLOpen/nexusseis/hooks"
	"github.com/INLOpen/nexusseis/registry"
	"github.com/INLOpen/nexusseis/zeroahead"
	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Options configures Open.
type Options struct {
	// Dir holds the unit's .idx and .ms files.
	Dir string
	// Init creates fresh files, discarding any existing content.
	Init bool
	// ReadOnly opens existing files for inspection. Mutations fail with core.ErrReadOnly.
	ReadOnly bool

	// InitialIndexBlocks is the number of zero blocks written to a fresh index file.
	InitialIndexBlocks int64
	// AllocateTimeout bounds how long AllocateExtent waits for the zero boundary.
	AllocateTimeout time.Duration
	// Zero tunes the zero-ahead allocator. Key, Role, Clock, Hooks and Logger are filled in.
	Zero zeroahead.Options

	// Sink receives block images after each change. Nil disables replication.
	Sink            Sink
	NotifyQueueSize int

	// Registry holds the open files. Nil gives the file an isolated registry.
	Registry  *registry.Registry[*IndexFile]
	Validator *core.ChannelValidator

	Hooks          hooks.HookManager
	Clock          clock.Clock
	Logger         *slog.Logger
	TracerProvider trace.TracerProvider
}

func (o *Options) setDefaults() {
	if o.InitialIndexBlocks <= 0 {
		o.InitialIndexBlocks = 100
	}
	if o.AllocateTimeout <= 0 {
		o.AllocateTimeout = 30 * time.Second
	}
	if o.NotifyQueueSize <= 0 {
		o.NotifyQueueSize = 1024
	}
	if o.Validator == nil {
		o.Validator = core.NewChannelValidator()
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
		o.Registry = registry.New[*IndexFile](registry.Options{Clock: o.Clock, Logger: o.Logger})
	}
}
