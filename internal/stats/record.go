package stats

// Record is one measurement, built once at the instant of destination
// arrival and never modified afterwards.
type Record struct {
	SequenceID uint64
	// Producer event time, epoch milliseconds
	SourceEventTime int64
	// Origin receive time, epoch nanoseconds. Nil in baseline mode.
	MidPathReceiveTime *int64
	// Destination arrival time, epoch nanoseconds
	DestinationReceiveTime int64

	// EndToEndLatencyMs mixes the local nanosecond clock with the producer's
	// millisecond clock, so it is only millisecond-accurate.
	EndToEndLatencyMs float64
	// MidPathLatencyMs is present exactly when MidPathReceiveTime is.
	MidPathLatencyMs *float64
}

// NewBaselineRecord builds a record for a message read directly from the
// upstream stream, with no relay hop in between.
func NewBaselineRecord(seq uint64, sourceEventTime, destinationReceiveTime int64) Record {
	return Record{
		SequenceID:             seq,
		SourceEventTime:        sourceEventTime,
		DestinationReceiveTime: destinationReceiveTime,
		EndToEndLatencyMs:      endToEnd(sourceEventTime, destinationReceiveTime),
	}
}

// NewRelayRecord builds a record for an envelope forwarded by the origin.
func NewRelayRecord(seq uint64, sourceEventTime, midPathReceiveTime, destinationReceiveTime int64) Record {
	mid := midPathReceiveTime
	midLatency := float64(destinationReceiveTime-midPathReceiveTime) / 1e6

	return Record{
		SequenceID:             seq,
		SourceEventTime:        sourceEventTime,
		MidPathReceiveTime:     &mid,
		DestinationReceiveTime: destinationReceiveTime,
		EndToEndLatencyMs:      endToEnd(sourceEventTime, destinationReceiveTime),
		MidPathLatencyMs:       &midLatency,
	}
}

func endToEnd(sourceEventTimeMs, destinationReceiveTimeNs int64) float64 {
	return float64(destinationReceiveTimeNs)/1e6 - float64(sourceEventTimeMs)
}
