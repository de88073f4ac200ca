package feed

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed is returned for upstream payloads that do not match the
// expected event schema. Such messages are dropped, never forwarded.
var ErrMalformed = errors.New("malformed upstream message")

// Event is the subset of an exchange stream message the measurement needs.
type Event struct {
	// Event type, e.g. "bookTicker" or "aggTrade"
	Type string
	// Producer event time in milliseconds since epoch
	EventTime int64
	Symbol    string
}

// Exchange streams use single-letter keys that differ only by case ("e" and
// "E", "b" and "B"). encoding/json matches keys case-insensitively, so keys
// are looked up exactly instead of decoding into a tagged struct.
const (
	keyType      = "e"
	keyEventTime = "E"
	keySymbol    = "s"
)

// ParseEvent decodes an upstream payload. A message without a positive
// producer event time is malformed: there is nothing to measure against.
func ParseEvent(data []byte) (Event, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var ev Event
	if raw, ok := fields[keyType]; ok {
		if err := json.Unmarshal(raw, &ev.Type); err != nil {
			return Event{}, fmt.Errorf("%w: event type: %v", ErrMalformed, err)
		}
	}
	if ev.Type == "" {
		return Event{}, fmt.Errorf("%w: missing event type", ErrMalformed)
	}

	raw, ok := fields[keyEventTime]
	if !ok {
		return Event{}, fmt.Errorf("%w: missing event time", ErrMalformed)
	}
	if err := json.Unmarshal(raw, &ev.EventTime); err != nil {
		return Event{}, fmt.Errorf("%w: event time: %v", ErrMalformed, err)
	}
	if ev.EventTime <= 0 {
		return Event{}, fmt.Errorf("%w: non-positive event time %d", ErrMalformed, ev.EventTime)
	}

	if raw, ok := fields[keySymbol]; ok {
		// symbol is informational only
		_ = json.Unmarshal(raw, &ev.Symbol)
	}

	return ev, nil
}
