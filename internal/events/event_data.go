package events

import (
	"encoding/json"
	"time"
)

// EventData is the interface that all event data types must implement
// This allows for type-safe event data while maintaining flexibility
type EventData interface {
	// EventType returns the event type this data is associated with
	EventType() EventType
}

// CoinUploadedData contains data for CoinUploaded events
type CoinUploadedData struct {
	CoinID   string `json:"coin_id"`
	UserID   string `json:"user_id"`
	ImageURL string `json:"image_url,omitempty"`
	Category string `json:"category,omitempty"`
}

// EventType returns the event type for CoinUploadedData
func (d *CoinUploadedData) EventType() EventType {
	return CoinUploaded
}

// RecognitionCompletedData contains data for RecognitionCompleted events
type RecognitionCompletedData struct {
	CoinID     string  `json:"coin_id"`
	Confidence float64 `json:"confidence"`
	Grade      string  `json:"grade,omitempty"`
}

// EventType returns the event type for RecognitionCompletedData
func (d *RecognitionCompletedData) EventType() EventType {
	return RecognitionCompleted
}

// ListingCreatedData contains data for ListingCreated events
type ListingCreatedData struct {
	ListingID string  `json:"listing_id"`
	CoinID    string  `json:"coin_id"`
	Price     float64 `json:"price"`
}

// EventType returns the event type for ListingCreatedData
func (d *ListingCreatedData) EventType() EventType {
	return ListingCreated
}

// ThresholdBreachedData contains data for ThresholdBreached events
type ThresholdBreachedData struct {
	Metric    string  `json:"metric"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
}

// EventType returns the event type for ThresholdBreachedData
func (d *ThresholdBreachedData) EventType() EventType {
	return ThresholdBreached
}

// RuleFiredData contains data for RuleFired events
type RuleFiredData struct {
	RuleID          string `json:"rule_id"`
	RuleName        string `json:"rule_name"`
	ActionsTotal    int    `json:"actions_total"`
	ActionsEnqueued int    `json:"actions_enqueued"`
}

// EventType returns the event type for RuleFiredData
func (d *RuleFiredData) EventType() EventType {
	return RuleFired
}

// JobProgressInfo contains progress information for a work item
type JobProgressInfo struct {
	Current int    `json:"current"`
	Total   int    `json:"total"`
	Message string `json:"message,omitempty"`
}

// JobStatusData contains data for work item lifecycle events
type JobStatusData struct {
	JobID     string           `json:"job_id"`
	CommandID string           `json:"command_id"`
	Status    string           `json:"status"` // "started", "progress", "completed", "failed", "cancelled"
	Progress  *JobProgressInfo `json:"progress,omitempty"`
	Error     string           `json:"error,omitempty"`
	Duration  float64          `json:"duration,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// EventType returns the event type for JobStatusData
// Note: The actual event type is determined by the Status field
func (d *JobStatusData) EventType() EventType {
	switch d.Status {
	case "started":
		return JobStarted
	case "progress":
		return JobProgress
	case "completed":
		return JobCompleted
	case "failed":
		return JobFailed
	case "cancelled":
		return JobCancelled
	default:
		return JobStarted
	}
}

// SystemStatusChangedData contains data for SystemStatusChanged events
type SystemStatusChangedData struct {
	Status    string `json:"status,omitempty"`
	Timestamp string `json:"timestamp"`
}

// EventType returns the event type for SystemStatusChangedData
func (d *SystemStatusChangedData) EventType() EventType {
	return SystemStatusChanged
}

// ErrorEventData contains data for ErrorOccurred events
type ErrorEventData struct {
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// EventType returns the event type for ErrorEventData
func (d *ErrorEventData) EventType() EventType {
	return ErrorOccurred
}

// EventWithData represents an event with typed data
type EventWithData struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Module    string    `json:"module"`
	Data      EventData `json:"data"`
}

// MarshalJSON customizes JSON serialization for EventWithData
func (e *EventWithData) MarshalJSON() ([]byte, error) {
	type Alias EventWithData
	aux := &struct {
		Data json.RawMessage `json:"data"`
		*Alias
	}{
		Alias: (*Alias)(e),
	}

	// Marshal the data separately
	if e.Data != nil {
		dataBytes, err := json.Marshal(e.Data)
		if err != nil {
			return nil, err
		}
		aux.Data = dataBytes
	}

	return json.Marshal(aux)
}

// UnmarshalJSON customizes JSON deserialization for EventWithData
func (e *EventWithData) UnmarshalJSON(data []byte) error {
	type Alias EventWithData
	aux := &struct {
		Data json.RawMessage `json:"data"`
		*Alias
	}{
		Alias: (*Alias)(e),
	}

	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}

	// Unmarshal data based on event type
	if len(aux.Data) > 0 {
		var eventData EventData
		switch aux.Type {
		case CoinUploaded:
			eventData = &CoinUploadedData{}
		case RecognitionCompleted:
			eventData = &RecognitionCompletedData{}
		case ListingCreated:
			eventData = &ListingCreatedData{}
		case ThresholdBreached:
			eventData = &ThresholdBreachedData{}
		case RuleFired:
			eventData = &RuleFiredData{}
		case SystemStatusChanged:
			eventData = &SystemStatusChangedData{}
		case ErrorOccurred:
			eventData = &ErrorEventData{}
		case JobStarted, JobProgress, JobCompleted, JobFailed, JobCancelled:
			eventData = &JobStatusData{}
		default:
			// For unknown types, use raw map
			var rawData map[string]interface{}
			if err := json.Unmarshal(aux.Data, &rawData); err != nil {
				return err
			}
			eventData = &GenericEventData{Type: aux.Type, Data: rawData}
		}

		if err := json.Unmarshal(aux.Data, eventData); err != nil {
			return err
		}
		e.Data = eventData
	}

	return nil
}

// GenericEventData is a fallback for events that don't have a specific type
type GenericEventData struct {
	Type EventType              `json:"-"`
	Data map[string]interface{} `json:"-"`
}

// EventType returns the event type for GenericEventData
func (d *GenericEventData) EventType() EventType {
	return d.Type
}

// MarshalJSON customizes JSON serialization for GenericEventData
func (d *GenericEventData) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Data)
}

// UnmarshalJSON customizes JSON deserialization for GenericEventData
func (d *GenericEventData) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &d.Data)
}
