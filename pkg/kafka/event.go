package kafka

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EnvelopeVersion is the schema version of Event.
const EnvelopeVersion = 1

// Event is the envelope of every message on a change feed. AggregateVersion
// orders the events of one aggregate; consumers drop anything older than the
// last version they applied.
type Event struct {
	EventID          string          `json:"event_id"`
	EventType        string          `json:"event_type"`
	AggregateID      string          `json:"aggregate_id"`
	AggregateType    string          `json:"aggregate_type"`
	AggregateVersion uint64          `json:"aggregate_version"`
	Version          int             `json:"version"`
	Timestamp        time.Time       `json:"timestamp"`
	Source           string          `json:"source"`
	CorrelationID    string          `json:"correlation_id,omitempty"`
	Data             json.RawMessage `json:"data"`
}

// EventOption sets an optional envelope field.
type EventOption func(*Event)

// WithAggregateVersion records the aggregate version the payload reflects.
func WithAggregateVersion(v uint64) EventOption {
	return func(e *Event) { e.AggregateVersion = v }
}

// WithCorrelationID ties the event to the request that caused it. An empty
// id is ignored.
func WithCorrelationID(id string) EventOption {
	return func(e *Event) {
		if id != "" {
			e.CorrelationID = id
		}
	}
}

// NewEvent creates an event with a generated ID and the current timestamp.
func NewEvent(eventType, aggregateID, aggregateType, source string, data any, opts ...EventOption) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	e := &Event{
		EventID:       uuid.New().String(),
		EventType:     eventType,
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		Version:       EnvelopeVersion,
		Timestamp:     time.Now().UTC(),
		Source:        source,
		Data:          dataBytes,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Marshal serializes the event to JSON bytes.
func (e *Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}
