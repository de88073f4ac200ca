package latency

import (
	"context"
	"fmt"
	"time"

	probing "github.com/prometheus-community/pro-bing"
)

// Measures ICMP round trip latency
func (c *Client) MeasureICMP(ctx context.Context) (Result, error) {
	pinger, err := probing.NewPinger(c.TargetIP.String())
	if err != nil {
		return Result{Status: 0, Protocol: ProtocolICMP}, err
	}
	if c.SourceIP != nil {
		pinger.Source = c.SourceIP.String()
	}
	pinger.SetPrivileged(c.Privileged)
	pinger.Interval = 250 * time.Millisecond
	pinger.Timeout = 2 * time.Second
	pinger.Count = c.count()
	err = pinger.RunWithContext(ctx) // Blocks until finished.
	if err != nil {
		return Result{Status: 0, Protocol: ProtocolICMP}, err
	}

	st := pinger.Statistics()
	if st.PacketsRecv == 0 {
		return Result{Status: 0, Protocol: ProtocolICMP, Loss: 100}, fmt.Errorf("no reply from %s", c.TargetIP)
	}

	return Result{
		Status:     1,
		Protocol:   ProtocolICMP,
		AvgLatency: st.AvgRtt.Microseconds(),
		Jitter:     st.StdDevRtt.Microseconds(),
		Loss:       st.PacketLoss,
	}, nil
}
