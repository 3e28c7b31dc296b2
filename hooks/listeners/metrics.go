package listeners

import (
	"context"

	"github.com/INLOpen/nexusseis/hooks"
	"github.com/INLOpen/nexusseis/metrics"
)

// MetricsListener counts every operational event by type.
type MetricsListener struct{}

// NewMetricsListener creates a new listener feeding metrics.Alarms.
func NewMetricsListener() *MetricsListener { return &MetricsListener{} }

func (l *MetricsListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	metrics.Alarms.WithLabelValues(string(event.Type())).Inc()
	return nil
}

func (l *MetricsListener) Priority() int { return 10 }

func (l *MetricsListener) IsAsync() bool { return false }
