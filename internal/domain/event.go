package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Event is one message received from the event bus.
type Event struct {
	Name       string          `json:"name"`
	OriginUUID string          `json:"origin_uuid,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Headers    map[string]any  `json:"-"`
	Raw        json.RawMessage `json:"-"`
}

// ParseEvent decodes a bus message body. The name header, when present,
// takes precedence over the name carried in the body.
func ParseEvent(body []byte, headers map[string]any) (Event, error) {
	var event Event
	if len(body) > 0 {
		if err := json.Unmarshal(body, &event); err != nil {
			return Event{}, fmt.Errorf("%w: invalid event body: %v", ErrValidation, err)
		}
	}

	if name, ok := headers["name"].(string); ok && strings.TrimSpace(name) != "" {
		event.Name = name
	}
	if event.OriginUUID == "" {
		if origin, ok := headers["origin_uuid"].(string); ok {
			event.OriginUUID = origin
		}
	}
	if strings.TrimSpace(event.Name) == "" {
		return Event{}, fmt.Errorf("%w: event name is required", ErrValidation)
	}

	event.Headers = headers
	event.Raw = append(json.RawMessage(nil), body...)
	if len(event.Raw) == 0 {
		event.Raw = json.RawMessage(`{}`)
	}

	return event, nil
}

// DecodeData unmarshals the event data into a generic value. Missing data
// decodes to an empty map.
func (e Event) DecodeData() (any, error) {
	if len(e.Data) == 0 {
		return map[string]any{}, nil
	}

	var out any
	if err := json.Unmarshal(e.Data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode event data: %w", err)
	}
	return out, nil
}
