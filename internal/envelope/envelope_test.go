package envelope

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	payload := `{"e":"bookTicker","E":1568014460893,"s":"BTCUSDT","note":"line\nbreak \"quoted\" ünicode"}`
	in := New(42, time.Unix(0, 1568014460900123456), 1568014460893, []byte(payload))

	line, err := MarshalLine(in)
	require.NoError(t, err)
	assert.Equal(t, byte('\n'), line[len(line)-1])
	assert.Equal(t, 1, bytes.Count(line, []byte("\n")), "payload must not add raw newlines")

	out, err := Unmarshal(line)
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.Equal(t, payload, out.Payload)

	datagram, err := Marshal(in)
	require.NoError(t, err)
	out, err = Unmarshal(datagram)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestUnmarshal_ZeroSequenceAndEmptyPayload(t *testing.T) {
	e, err := Unmarshal([]byte(`{"sequence_id":0,"origin_receive_time":2,"source_event_time":3,"payload":""}`))
	require.NoError(t, err)
	assert.Equal(t, Envelope{SequenceID: 0, OriginReceiveTime: 2, SourceEventTime: 3}, e)
}

func TestWireFieldNames(t *testing.T) {
	data, err := Marshal(Envelope{SequenceID: 1, OriginReceiveTime: 2, SourceEventTime: 3, Payload: "x"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"sequence_id":1,"origin_receive_time":2,"source_event_time":3,"payload":"x"}`, string(data))
}

func TestUnmarshal_Malformed(t *testing.T) {
	cases := map[string]string{
		"empty":          "",
		"whitespace":     " \n",
		"garbage":        "not json",
		"unknown field":  `{"sequence_id":1,"origin_receive_time":2,"source_event_time":3,"payload":"x","extra":1}`,
		"wrong type":     `{"sequence_id":"one","origin_receive_time":2,"source_event_time":3,"payload":"x"}`,
		"negative seq":   `{"sequence_id":-1,"origin_receive_time":2,"source_event_time":3,"payload":"x"}`,
		"two records":    `{"sequence_id":1,"origin_receive_time":2,"source_event_time":3,"payload":"x"} {"sequence_id":2}`,
		"truncated line": `{"sequence_id":1,"origin_rec`,
		"empty object":   `{}`,
		"only payload":   `{"payload":"x"}`,
		"no sequence":    `{"origin_receive_time":2,"source_event_time":3,"payload":"x"}`,
		"no origin time": `{"sequence_id":1,"source_event_time":3,"payload":"x"}`,
		"no source time": `{"sequence_id":1,"origin_receive_time":2,"payload":"x"}`,
		"no payload":     `{"sequence_id":1,"origin_receive_time":2,"source_event_time":3}`,
		"zero origin":    `{"sequence_id":1,"origin_receive_time":0,"source_event_time":3,"payload":"x"}`,
		"negative event": `{"sequence_id":1,"origin_receive_time":2,"source_event_time":-3,"payload":"x"}`,
		"null field":     `{"sequence_id":null,"origin_receive_time":2,"source_event_time":3,"payload":"x"}`,
	}

	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Unmarshal([]byte(data))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}
