package events

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
)

// Manager wraps the bus with convenience emitters.
// Typed payloads are mirrored into the event's context map so automation
// conditions can match on fields without knowing the concrete Go type.
type Manager struct {
	bus *Bus
	log zerolog.Logger
}

// NewManager creates a new event manager
func NewManager(bus *Bus, log zerolog.Logger) *Manager {
	return &Manager{
		bus: bus,
		log: log.With().Str("component", "event_manager").Logger(),
	}
}

// Bus returns the underlying event bus
func (m *Manager) Bus() *Bus {
	return m.bus
}

// Emit publishes an event with a raw context map
func (m *Manager) Emit(eventType EventType, module string, data map[string]interface{}) {
	m.bus.Publish(&Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Module:    module,
		Data:      data,
	})
}

// EmitTyped publishes an event with a strongly-typed payload
func (m *Manager) EmitTyped(eventType EventType, module string, data EventData) {
	m.bus.Publish(&Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Module:    module,
		Data:      toContextMap(data),
		typedData: data,
	})
}

// toContextMap converts a typed payload into a generic context map via its
// JSON representation. Returns nil if the payload cannot be converted.
func toContextMap(data EventData) map[string]interface{} {
	if data == nil {
		return nil
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil
	}

	var ctx map[string]interface{}
	if err := json.Unmarshal(raw, &ctx); err != nil {
		return nil
	}
	return ctx
}
