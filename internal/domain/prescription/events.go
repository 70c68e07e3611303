package prescription

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of analysis event
type EventType string

const (
	EventAnalysisRequested EventType = "AnalysisRequested"
	EventAnalysisCompleted EventType = "AnalysisCompleted"
	EventAnalysisFailed    EventType = "AnalysisFailed"
)

// Event is the envelope published on the analysis results topic
type Event struct {
	ID            string          `json:"id"`
	AnalysisID    string          `json:"analysis_id"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// NewEvent creates a new event
func NewEvent(analysisID string, eventType EventType, data interface{}) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:         uuid.New().String(),
		AnalysisID: analysisID,
		EventType:  eventType,
		EventData:  eventData,
		Timestamp:  time.Now().UTC(),
	}, nil
}

// WithCorrelation sets the correlation id carried over from the request
func (e *Event) WithCorrelation(id string) *Event {
	e.CorrelationID = id
	return e
}

// AnalysisRequest is the payload consumed from the requests topic
type AnalysisRequest struct {
	AnalysisID    string `json:"analysis_id"`
	Text          string `json:"text,omitempty"`
	ImageBase64   string `json:"image_base64,omitempty"`
	MIMEType      string `json:"mime_type,omitempty"`
	RequestedBy   string `json:"requested_by,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// AnalysisCompletedData contains the finished result
type AnalysisCompletedData struct {
	AnalysisID string          `json:"analysis_id"`
	Result     *AnalysisResult `json:"result"`
	DurationMS int64           `json:"duration_ms"`
}

// AnalysisFailedData contains the failure reason
type AnalysisFailedData struct {
	AnalysisID string `json:"analysis_id"`
	Reason     string `json:"reason"`
	Retryable  bool   `json:"retryable"`
}

// DecodeData unmarshals the event payload into v
func (e *Event) DecodeData(v interface{}) error {
	return json.Unmarshal(e.EventData, v)
}
