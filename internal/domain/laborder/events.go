// Package laborder implements the laboratory order aggregate, the per-test
// lifecycle and the derived order summary.
package laborder

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of domain event
type EventType string

const (
	EventOrderPlaced       EventType = "LabOrderPlaced"
	EventSampleCollected   EventType = "SampleCollected"
	EventProcessingStarted EventType = "ProcessingStarted"
	EventResultsSubmitted  EventType = "ResultsSubmitted"
	EventResultsVerified   EventType = "ResultsVerified"
	EventResultsRejected   EventType = "ResultsRejected"
	EventResultsReworked   EventType = "ResultsReworked"
)

// AggregateType is stamped on every event.
const AggregateType = "LabOrder"

// Event records one successful change. Test events carry the test id and
// the state edge; the order-placed event has neither.
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	TestID        string          `json:"test_id,omitempty"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	FromState     State           `json:"from_state,omitempty"`
	ToState       State           `json:"to_state,omitempty"`
	Version       int             `json:"version"`
	Actor         string          `json:"actor,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// NewEvent creates a new event
func NewEvent(orderID, testID string, eventType EventType, data interface{}, at time.Time) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   orderID,
		AggregateType: AggregateType,
		TestID:        testID,
		EventType:     eventType,
		EventData:     eventData,
		Timestamp:     at.UTC(),
	}, nil
}

// WithCorrelation sets the correlation id, typically the request id.
func (e *Event) WithCorrelation(id string) *Event {
	e.CorrelationID = id
	return e
}

// OrderPlacedData contains order creation details
type OrderPlacedData struct {
	OrderID      string   `json:"order_id"`
	OrderCode    string   `json:"order_code"`
	PatientRef   string   `json:"patient_ref"`
	ClinicianRef string   `json:"clinician_ref"`
	Priority     Priority `json:"priority"`
	TestIDs      []string `json:"test_ids"`
}

// SampleCollectedData contains collection details
type SampleCollectedData struct {
	CollectedBy string    `json:"collected_by"`
	Method      string    `json:"method"`
	Notes       string    `json:"notes,omitempty"`
	CollectedAt time.Time `json:"collected_at"`
}

// ProcessingStartedData contains processing details
type ProcessingStartedData struct {
	ProcessedBy   string    `json:"processed_by"`
	Route         RouteName `json:"route"`
	OutsourcedLab string    `json:"outsourced_lab,omitempty"`
	ProcessedAt   time.Time `json:"processed_at"`
}

// ResultsSubmittedData is shared by first submissions and reworks.
type ResultsSubmittedData struct {
	SubmittedBy string     `json:"submitted_by"`
	ResultKind  ResultKind `json:"result_kind"`
	Fields      []string   `json:"fields,omitempty"`
	DocumentKey string     `json:"document_key,omitempty"`
	ReworkCount int        `json:"rework_count,omitempty"`
	SubmittedAt time.Time  `json:"submitted_at"`
}

// ResultsVerifiedData contains verification details
type ResultsVerifiedData struct {
	VerifiedBy     string         `json:"verified_by"`
	Interpretation Interpretation `json:"interpretation"`
	Notes          string         `json:"notes,omitempty"`
	VerifiedAt     time.Time      `json:"verified_at"`
}

// ResultsRejectedData contains rejection details
type ResultsRejectedData struct {
	RejectedBy string    `json:"rejected_by"`
	Reason     string    `json:"reason"`
	RejectedAt time.Time `json:"rejected_at"`
}
