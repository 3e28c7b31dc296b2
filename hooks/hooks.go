package hooks

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/INLOpen/nexusseis/core"
)

// EventType names an operational event emitted by the engine.
type EventType string

// --- Event Type Constants ---
const (
	EventBadConfig             EventType = "bad-config"
	EventLowFreeSpace          EventType = "low-free-space"
	EventIndexCounterNearLimit EventType = "index-counter-overflow-imminent"
	EventSuspiciousHighwater   EventType = "suspicious-highwater-jump"
	EventZeroBehindData        EventType = "zero-behind-data"
	EventWriteBehindOversized  EventType = "write-behind-oversized"
	EventNoSpaceLeft           EventType = "no-space-left"
	EventZeroDataBlock         EventType = "zero-data-block"
	EventCatalogFull           EventType = "catalog-full"
	EventIndexCounterExhausted EventType = "index-counter-exhausted"
)

// AllEvents lists every event type, in a stable order.
var AllEvents = []EventType{
	EventBadConfig,
	EventLowFreeSpace,
	EventIndexCounterNearLimit,
	EventSuspiciousHighwater,
	EventZeroBehindData,
	EventWriteBehindOversized,
	EventNoSpaceLeft,
	EventZeroDataBlock,
	EventCatalogFull,
	EventIndexCounterExhausted,
}

// HookManager defines the interface for managing and triggering hooks.
type HookManager interface {
	// Register adds a listener for a specific event type.
	Register(eventType EventType, listener HookListener)
	// Trigger fires all registered listeners for a given event. Listener errors
	// are logged; an alarm never fails the operation that raised it.
	Trigger(ctx context.Context, event HookEvent)
	// Stop waits for all asynchronous listeners to complete.
	Stop()
}

// HookEvent is the interface that all event objects must implement.
type HookEvent interface {
	Type() EventType
	Payload() interface{}
}

// BaseEvent provides a base implementation for HookEvent.
type BaseEvent struct {
	eventType EventType
	payload   interface{}
}

func (e *BaseEvent) Type() EventType      { return e.eventType }
func (e *BaseEvent) Payload() interface{} { return e.payload }

// AlarmPayload is carried by every operational event.
type AlarmPayload struct {
	Key     core.Key
	Message string
	// Value is the quantity that tripped the alarm (counter, block number, queue depth, bytes).
	Value int64
}

// NewAlarmEvent creates an operational event.
func NewAlarmEvent(eventType EventType, payload AlarmPayload) HookEvent {
	return &BaseEvent{eventType: eventType, payload: payload}
}

// HookListener defines the interface for components that want to listen to events.
type HookListener interface {
	OnEvent(ctx context.Context, event HookEvent) error
	// Priority returns the listener's priority. Lower numbers are executed first.
	Priority() int
	// IsAsync indicates if the listener should be called on its own goroutine.
	IsAsync() bool
}

type listenerWithPriority struct {
	listener HookListener
	priority int
}

// DefaultHookManager is a concrete implementation of HookManager.
type DefaultHookManager struct {
	// Slices of listeners, kept sorted by priority.
	listeners map[EventType][]*listenerWithPriority
	mu        sync.RWMutex
	wg        sync.WaitGroup
	logger    *slog.Logger
}

// NewHookManager creates a new DefaultHookManager.
func NewHookManager(logger *slog.Logger) HookManager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DefaultHookManager{
		listeners: make(map[EventType][]*listenerWithPriority),
		logger:    logger.With("component", "hooks"),
	}
}

// Register adds a listener for a specific event type, maintaining priority order.
func (m *DefaultHookManager) Register(eventType EventType, listener HookListener) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := &listenerWithPriority{listener: listener, priority: listener.Priority()}
	l := m.listeners[eventType]
	// Insert after existing listeners of equal priority so registration order is kept.
	idx := sort.Search(len(l), func(i int) bool {
		return l[i].priority > item.priority
	})
	// Copy on write: Trigger iterates the old slice without holding the lock.
	nl := make([]*listenerWithPriority, 0, len(l)+1)
	nl = append(nl, l[:idx]...)
	nl = append(nl, item)
	nl = append(nl, l[idx:]...)
	m.listeners[eventType] = nl
}

// RegisterAll registers listener for every event type.
func RegisterAll(m HookManager, listener HookListener) {
	for _, et := range AllEvents {
		m.Register(et, listener)
	}
}

// Trigger fires all registered listeners for a given event in priority order.
func (m *DefaultHookManager) Trigger(ctx context.Context, event HookEvent) {
	m.mu.RLock()
	listeners := m.listeners[event.Type()]
	m.mu.RUnlock()

	for _, item := range listeners {
		if !item.listener.IsAsync() {
			if err := item.listener.OnEvent(ctx, event); err != nil {
				m.logger.Error("Error from synchronous listener", "event", event.Type(), "priority", item.priority, "error", err)
			}
			continue
		}
		m.wg.Add(1)
		go func(current *listenerWithPriority) {
			defer m.wg.Done()
			if err := current.listener.OnEvent(ctx, event); err != nil {
				m.logger.Error("Error from asynchronous listener", "event", event.Type(), "priority", current.priority, "error", err)
			}
		}(item)
	}
}

// Stop waits for all asynchronous listeners to complete.
func (m *DefaultHookManager) Stop() {
	m.wg.Wait()
}

// NopHookManager drops every event.
type NopHookManager struct{}

func (NopHookManager) Register(EventType, HookListener) {}
func (NopHookManager) Trigger(context.Context, HookEvent) {}
func (NopHookManager) Stop() {}
