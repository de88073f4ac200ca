package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMalformed is returned when a wire record cannot be decoded.
var ErrMalformed = errors.New("malformed envelope")

// Envelope is the record the origin forwards for every upstream message.
type Envelope struct {
	// SequenceID is dense per origin session and only used for loss detection
	SequenceID uint64 `json:"sequence_id"`
	// OriginReceiveTime is when the origin received the message, epoch nanoseconds
	OriginReceiveTime int64 `json:"origin_receive_time"`
	// SourceEventTime is the producer's event time, epoch milliseconds
	SourceEventTime int64 `json:"source_event_time"`
	// Payload is the upstream message, verbatim
	Payload string `json:"payload"`
}

// New builds an envelope for a message received at receivedAt.
func New(seq uint64, receivedAt time.Time, sourceEventTime int64, payload []byte) Envelope {
	return Envelope{
		SequenceID:        seq,
		OriginReceiveTime: receivedAt.UnixNano(),
		SourceEventTime:   sourceEventTime,
		Payload:           string(payload),
	}
}

// Marshal encodes a single envelope without framing. This is the datagram
// form: one envelope per packet.
func Marshal(e Envelope) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("error encoding envelope %d: %w", e.SequenceID, err)
	}
	return data, nil
}

// MarshalLine encodes an envelope as one newline-terminated record, the
// stream form. json.Marshal escapes control characters, so the payload can
// never introduce a bare newline.
func MarshalLine(e Envelope) ([]byte, error) {
	data, err := Marshal(e)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// wireEnvelope tells absent fields apart from zero values.
type wireEnvelope struct {
	SequenceID        *uint64 `json:"sequence_id"`
	OriginReceiveTime *int64  `json:"origin_receive_time"`
	SourceEventTime   *int64  `json:"source_event_time"`
	Payload           *string `json:"payload"`
}

// Unmarshal decodes one envelope from a datagram or a stream line. Trailing
// whitespace, including the line delimiter, is ignored. Every field must be
// present and both timestamps must be positive.
func Unmarshal(data []byte) (Envelope, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return Envelope{}, fmt.Errorf("%w: empty record", ErrMalformed)
	}

	var w wireEnvelope
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&w); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if dec.More() {
		return Envelope{}, fmt.Errorf("%w: trailing data after record", ErrMalformed)
	}

	switch {
	case w.SequenceID == nil:
		return Envelope{}, fmt.Errorf("%w: missing sequence_id", ErrMalformed)
	case w.OriginReceiveTime == nil:
		return Envelope{}, fmt.Errorf("%w: missing origin_receive_time", ErrMalformed)
	case w.SourceEventTime == nil:
		return Envelope{}, fmt.Errorf("%w: missing source_event_time", ErrMalformed)
	case w.Payload == nil:
		return Envelope{}, fmt.Errorf("%w: missing payload", ErrMalformed)
	case *w.OriginReceiveTime <= 0:
		return Envelope{}, fmt.Errorf("%w: origin_receive_time %d", ErrMalformed, *w.OriginReceiveTime)
	case *w.SourceEventTime <= 0:
		return Envelope{}, fmt.Errorf("%w: source_event_time %d", ErrMalformed, *w.SourceEventTime)
	}

	return Envelope{
		SequenceID:        *w.SequenceID,
		OriginReceiveTime: *w.OriginReceiveTime,
		SourceEventTime:   *w.SourceEventTime,
		Payload:           *w.Payload,
	}, nil
}
