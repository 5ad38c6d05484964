// Package hooks provides lifecycle and pipeline event callbacks so
// embedding code can observe the gateway without patching it.
package hooks

import (
	"context"
	"sync"

	"github.com/pixelbao/chatflow/internal/logging"
)

// Event identifies a hook point.
type Event string

const (
	EventGatewayStart    Event = "gateway_start"
	EventGatewayStop     Event = "gateway_stop"
	EventMessageReceived Event = "message_received"
	EventReplyDecorating Event = "reply_decorating"
	EventReplySending    Event = "reply_sending"
)

// Handler receives an event with its payload. Handlers run
// synchronously in emit order; a panicking handler is logged and
// skipped, it never takes the pipeline down.
type Handler func(ctx context.Context, event Event, data map[string]any)

// Manager is a registry of event handlers.
type Manager struct {
	mu       sync.RWMutex
	handlers map[Event][]Handler
	log      *logging.Logger
}

// NewManager creates an empty hook manager.
func NewManager(log *logging.Logger) *Manager {
	return &Manager{
		handlers: make(map[Event][]Handler),
		log:      log.Sub("hooks"),
	}
}

// On registers a handler for an event.
func (m *Manager) On(event Event, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[event] = append(m.handlers[event], h)
}

// Emit invokes every handler registered for the event.
func (m *Manager) Emit(ctx context.Context, event Event, data map[string]any) {
	m.mu.RLock()
	hs := make([]Handler, len(m.handlers[event]))
	copy(hs, m.handlers[event])
	m.mu.RUnlock()

	for _, h := range hs {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					m.log.Error().Str("event", string(event)).Any("panic", rec).Msg("hook handler panicked")
				}
			}()
			h(ctx, event, data)
		}()
	}
}

// Count returns the number of handlers registered for an event.
func (m *Manager) Count(event Event) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.handlers[event])
}

// Events lists the events that have at least one handler.
func (m *Manager) Events() []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	events := make([]Event, 0, len(m.handlers))
	for ev := range m.handlers {
		events = append(events, ev)
	}
	return events
}
