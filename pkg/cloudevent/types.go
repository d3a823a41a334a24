// Package cloudevent provides CloudEvents 1.0 types and an HTTP sender.
package cloudevent

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SpecVersion is the CloudEvents version produced by this package.
const SpecVersion = "1.0"

// CloudEvent is a CloudEvents 1.0 event in structured JSON mode.
type CloudEvent struct {
	SpecVersion     string          `json:"specversion"`
	Type            string          `json:"type"`
	Source          string          `json:"source"`
	Subject         string          `json:"subject,omitempty"`
	ID              string          `json:"id"`
	Time            time.Time       `json:"time"`
	DataContentType string          `json:"datacontenttype"`
	Data            json.RawMessage `json:"data,omitempty"`
}

// New creates an event with a random ID and data marshaled to JSON.
func New(eventType, source, subject string, data any) (*CloudEvent, error) {
	if eventType == "" || source == "" {
		return nil, fmt.Errorf("cloudevent: type and source are required")
	}
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("cloudevent: marshaling data: %w", err)
		}
		raw = b
	}
	return &CloudEvent{
		SpecVersion:     SpecVersion,
		Type:            eventType,
		Source:          source,
		Subject:         subject,
		ID:              uuid.NewString(),
		Time:            time.Now().UTC(),
		DataContentType: "application/json",
		Data:            raw,
	}, nil
}

// DecodeData unmarshals the event data into v.
func (e *CloudEvent) DecodeData(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("cloudevent: event %s has no data", e.ID)
	}
	return json.Unmarshal(e.Data, v)
}
