package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Bus is an in-process publish/subscribe hub. Handlers run synchronously on
// the emitter's goroutine, so they must be fast and non-blocking; slow
// consumers buffer internally and drop (the websocket hub's client queues
// do exactly that).
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]func(*Event)
	log      zerolog.Logger
}

// NewBus creates a new event bus
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		handlers: make(map[EventType][]func(*Event)),
		log:      log.With().Str("component", "event_bus").Logger(),
	}
}

// Subscribe registers a handler for an event type. There is no unsubscribe:
// subscribers live as long as the process.
func (b *Bus) Subscribe(eventType EventType, handler func(*Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Emit publishes an event to all handlers subscribed to its type.
func (b *Bus) Emit(eventType EventType, module string, data map[string]interface{}) {
	event := &Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
		Module:    module,
	}

	b.mu.RLock()
	handlers := make([]func(*Event), len(b.handlers[eventType]))
	copy(handlers, b.handlers[eventType])
	b.mu.RUnlock()

	for _, handler := range handlers {
		b.dispatch(event, handler)
	}
}

// dispatch invokes one handler, recovering panics so a broken subscriber
// cannot take down the emitter.
func (b *Bus) dispatch(event *Event, handler func(*Event)) {
	defer func() {
		if p := recover(); p != nil {
			b.log.Error().
				Str("event_type", string(event.Type)).
				Interface("panic", p).
				Msg("Event handler panicked")
		}
	}()
	handler(event)
}
