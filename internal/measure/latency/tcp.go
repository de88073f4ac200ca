package latency

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/DrC0ns0le/feed-perf/internal/stats"
)

// MeasureTCP times TCP handshakes to targetPort. A refused connection still
// completes a round trip, so it counts as a sample.
func (c *Client) MeasureTCP(ctx context.Context, targetPort int) (Result, error) {
	attempts := c.count()
	latencies := make([]float64, 0, attempts)

	dialer := &net.Dialer{
		Timeout:   2 * time.Second,
		KeepAlive: -1,
	}
	if c.SourceIP != nil {
		dialer.LocalAddr = &net.TCPAddr{IP: c.SourceIP}
	}
	address := net.JoinHostPort(c.TargetIP.String(), strconv.Itoa(targetPort))

	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			break
		}

		startTime := time.Now()
		conn, err := dialer.DialContext(ctx, c.network("tcp"), address)
		elapsed := time.Since(startTime)
		if err != nil {
			if !isRefused(err) {
				continue
			}
		} else {
			conn.Close()
		}

		latencies = append(latencies, float64(elapsed.Microseconds()))
	}

	// Calculate packet loss
	packetLoss := float64(attempts-len(latencies)) / float64(attempts) * 100

	// If all attempts failed, return error
	if len(latencies) == 0 {
		return Result{
			Status:   0,
			Protocol: ProtocolTCP,
			Loss:     packetLoss,
		}, fmt.Errorf("all connection attempts to %s failed", address)
	}

	avg := stats.Mean(latencies)

	return Result{
		Status:     1,
		Protocol:   ProtocolTCP,
		AvgLatency: int64(avg),
		Jitter:     int64(stats.StdDev(latencies, avg)),
		Loss:       packetLoss,
	}, nil
}

func isRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}
