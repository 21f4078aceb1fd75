package client

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/voicebridge/voicebridge/pkg/models"
)

// Listener receives standard events. Listeners run synchronously on the
// emitting goroutine, in registration order.
type Listener func(models.StandardEvent)

// Emitter is a typed pub/sub over the closed standard event vocabulary.
// UI code subscribes here and never observes a vendor event shape.
type Emitter struct {
	mu        sync.RWMutex
	listeners map[models.EventType][]Listener
	any       []Listener
}

// NewEmitter creates an empty emitter.
func NewEmitter() *Emitter {
	return &Emitter{listeners: make(map[models.EventType][]Listener)}
}

// On subscribes a listener to one event type.
func (e *Emitter) On(t models.EventType, l Listener) {
	e.mu.Lock()
	e.listeners[t] = append(e.listeners[t], l)
	e.mu.Unlock()
}

// OnAny subscribes a listener to every event.
func (e *Emitter) OnAny(l Listener) {
	e.mu.Lock()
	e.any = append(e.any, l)
	e.mu.Unlock()
}

// Emit delivers the event to all matching listeners in order. A
// panicking listener is isolated: its siblings still run and the
// emitting call stack survives.
func (e *Emitter) Emit(evt models.StandardEvent) {
	e.mu.RLock()
	typed := e.listeners[evt.Type]
	any := e.any
	e.mu.RUnlock()

	for _, l := range typed {
		safeCall(l, evt)
	}
	for _, l := range any {
		safeCall(l, evt)
	}
}

func safeCall(l Listener, evt models.StandardEvent) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("event", string(evt.Type)).Msg("event listener panicked")
		}
	}()
	l(evt)
}
