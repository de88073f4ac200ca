package latency

import (
	"net"
)

const (
	ProtocolICMP = "icmp"
	ProtocolTCP  = "tcp"
)

// Result of one probe round. Latencies are round trip times in
// microseconds; Status is 1 when at least one probe came back.
type Result struct {
	Protocol   string
	Status     int
	AvgLatency int64
	Jitter     int64
	Loss       float64
}

// OneWay estimates the one-way latency of the probed path as half the
// average round trip, in milliseconds. It is the figure a relay leg latency
// should be close to when both clocks agree.
func (r Result) OneWay() float64 {
	return float64(r.AvgLatency) / 2 / 1000
}

type Client struct {
	SourceIP net.IP
	TargetIP net.IP

	// Count probes per round, 10 when unset
	Count int
	// Privileged uses raw ICMP sockets instead of unprivileged datagram ones
	Privileged bool
}

func (c *Client) count() int {
	if c.Count <= 0 {
		return 10
	}
	return c.Count
}

func (c *Client) network(base string) string {
	if c.TargetIP.To4() != nil {
		return base + "4"
	}
	return base + "6"
}
