package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/IrisGuard/coin-ai-market-sub001/internal/events"
)

// streamEventTypes lists the event types forwarded to dashboard streams when
// no filter is given.
var streamEventTypes = []events.EventType{
	events.CoinUploaded,
	events.RecognitionCompleted,
	events.ListingCreated,
	events.ThresholdBreached,
	events.JobStarted,
	events.JobProgress,
	events.JobCompleted,
	events.JobFailed,
	events.JobCancelled,
	events.RuleFired,
	events.SystemStatusChanged,
	events.ErrorOccurred,
}

// EventsStreamHandler handles Server-Sent Events (SSE) streaming of engine events.
type EventsStreamHandler struct {
	eventBus *events.Bus
	log      zerolog.Logger
}

// NewEventsStreamHandler creates a new events stream handler.
func NewEventsStreamHandler(eventBus *events.Bus, log zerolog.Logger) *EventsStreamHandler {
	return &EventsStreamHandler{
		eventBus: eventBus,
		log:      log.With().Str("component", "events_stream").Logger(),
	}
}

// ServeHTTP handles GET /api/events/stream requests (SSE).
func (h *EventsStreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	typesFilter := r.URL.Query().Get("types")
	eventChan := subscribeStream(h.eventBus, typesFilter, h.log)

	h.log.Info().Str("types_filter", typesFilter).Msg("Client connected to event stream")

	done := r.Context().Done()

	fmt.Fprintf(w, "data: %s\n\n", h.encodeEvent(map[string]interface{}{
		"type":    "connected",
		"message": "Connected to event stream",
	}))
	flusher.Flush()

	// Heartbeat keeps proxies from closing the idle connection.
	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-done:
			h.log.Info().Msg("Client disconnected from event stream")
			return

		case event := <-eventChan:
			fmt.Fprintf(w, "data: %s\n\n", h.encodeEvent(streamPayload(event)))
			flusher.Flush()

		case <-heartbeat.C:
			fmt.Fprintf(w, "data: %s\n\n", h.encodeEvent(map[string]interface{}{
				"type":      "heartbeat",
				"timestamp": time.Now().Format(time.RFC3339),
			}))
			flusher.Flush()
		}
	}
}

// encodeEvent encodes an event payload to a JSON string.
func (h *EventsStreamHandler) encodeEvent(event interface{}) string {
	data, err := json.Marshal(event)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to marshal event")
		return `{"error":"failed to encode event"}`
	}
	return string(data)
}

// streamPayload wraps a bus event for the wire. The typed payload is
// preferred; events emitted with a raw context map fall back to the generic
// envelope.
func streamPayload(event *events.Event) *events.EventWithData {
	data := event.GetTypedData()
	if data == nil {
		data = &events.GenericEventData{Type: event.Type, Data: event.Data}
	}
	return &events.EventWithData{
		Type:      event.Type,
		Timestamp: event.Timestamp,
		Module:    event.Module,
		Data:      data,
	}
}

// subscribeStream subscribes a buffered channel to the bus, honoring an
// optional comma-separated type filter. Sends never block; a full channel
// drops the event.
func subscribeStream(bus *events.Bus, typesFilter string, log zerolog.Logger) chan *events.Event {
	eventChan := make(chan *events.Event, 100)

	handler := func(event *events.Event) {
		select {
		case eventChan <- event:
		default:
			log.Warn().
				Str("event_type", string(event.Type)).
				Msg("Event channel full, dropping event")
		}
	}

	if typesFilter == "" {
		for _, eventType := range streamEventTypes {
			bus.Subscribe(eventType, handler)
		}
		return eventChan
	}

	for _, t := range strings.Split(typesFilter, ",") {
		bus.Subscribe(events.EventType(strings.TrimSpace(t)), handler)
	}
	return eventChan
}
