// Package events provides the in-process event bus used to connect the command
// queue engine, the automation trigger evaluator, and the dashboard streams.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventType identifies a category of event on the bus
type EventType string

const (
	// Trigger events raised by external collaborators
	CoinUploaded         EventType = "CoinUploaded"
	RecognitionCompleted EventType = "RecognitionCompleted"
	ListingCreated       EventType = "ListingCreated"
	ThresholdBreached    EventType = "ThresholdBreached"

	// Work item lifecycle events emitted by the worker pool
	JobStarted   EventType = "JobStarted"
	JobProgress  EventType = "JobProgress"
	JobCompleted EventType = "JobCompleted"
	JobFailed    EventType = "JobFailed"
	JobCancelled EventType = "JobCancelled"

	// Automation events emitted by the trigger evaluator
	RuleFired EventType = "RuleFired"

	// System events
	SystemStatusChanged EventType = "SystemStatusChanged"
	ErrorOccurred       EventType = "ErrorOccurred"
)

// Event represents a single event on the bus.
// Data carries the loosely-typed context map (used by automation conditions);
// typedData, when present, carries the strongly-typed payload.
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Module    string                 `json:"module"`
	Data      map[string]interface{} `json:"data,omitempty"`

	typedData EventData
}

// GetTypedData returns the strongly-typed payload, or nil if the event was
// emitted with a raw context map only.
func (e *Event) GetTypedData() EventData {
	return e.typedData
}

// Handler processes a single event
type Handler func(event *Event)

// Bus is a simple in-process publish/subscribe event bus.
// Handlers are invoked asynchronously; a slow subscriber never blocks an emitter.
type Bus struct {
	handlers map[EventType][]Handler
	mu       sync.RWMutex
	log      zerolog.Logger
}

// NewBus creates a new event bus
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		handlers: make(map[EventType][]Handler),
		log:      log.With().Str("component", "event_bus").Logger(),
	}
}

// Subscribe registers a handler for an event type.
// Returns the number of handlers now registered for the type.
func (b *Bus) Subscribe(eventType EventType, handler Handler) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[eventType] = append(b.handlers[eventType], handler)
	return len(b.handlers[eventType])
}

// Publish delivers an event to all subscribed handlers.
// Delivery is asynchronous; handler panics are recovered and logged so one
// bad subscriber cannot take down the emitter.
func (b *Bus) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers[event.Type]))
	copy(handlers, b.handlers[event.Type])
	b.mu.RUnlock()

	for _, h := range handlers {
		handler := h
		go func() {
			defer func() {
				if r := recover(); r != nil {
					b.log.Error().
						Interface("panic", r).
						Str("event_type", string(event.Type)).
						Msg("Event handler panicked")
				}
			}()
			handler(event)
		}()
	}
}
