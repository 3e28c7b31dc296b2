package listeners

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/INLOpen/nexusseis/hooks"
	"github.com/benbjohnson/clock"
)

// AlarmLoggerListener writes operational events to the log. Repeats of the same
// event for the same storage unit are suppressed for the quiet period.
type AlarmLoggerListener struct {
	logger *slog.Logger
	clock  clock.Clock
	quiet  time.Duration

	mu   sync.Mutex
	last map[string]time.Time
}

// NewAlarmLoggerListener creates a new alarm logger. A zero quiet period logs every event.
func NewAlarmLoggerListener(logger *slog.Logger, clk clock.Clock, quiet time.Duration) *AlarmLoggerListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if clk == nil {
		clk = clock.New()
	}
	return &AlarmLoggerListener{
		logger: logger.With("component", "AlarmLoggerListener"),
		clock:  clk,
		quiet:  quiet,
		last:   make(map[string]time.Time),
	}
}

// OnEvent logs the alarm unless it is a suppressed repeat.
func (l *AlarmLoggerListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	payload, ok := event.Payload().(hooks.AlarmPayload)
	if !ok {
		l.logger.Error("Received event with incorrect payload type", "event", event.Type(), "payload_type", fmt.Sprintf("%T", event.Payload()))
		return nil
	}

	id := string(event.Type()) + "/" + payload.Key.String()
	now := l.clock.Now()
	l.mu.Lock()
	prev, seen := l.last[id]
	suppress := seen && l.quiet > 0 && now.Sub(prev) < l.quiet
	if !suppress {
		l.last[id] = now
	}
	l.mu.Unlock()
	if suppress {
		return nil
	}

	l.logger.Error("Operational alarm",
		"event", string(event.Type()),
		"unit", payload.Key.String(),
		"message", payload.Message,
		"value", payload.Value,
	)
	return nil
}

// Priority defines the execution order.
func (l *AlarmLoggerListener) Priority() int { return 100 }

// IsAsync reports false: alarms are logged in order with the operation that raised them.
func (l *AlarmLoggerListener) IsAsync() bool { return false }
