package probes

import (
	"context"
	"fmt"
	"net"
	"time"

	probing "github.com/prometheus-community/pro-bing"

	"github.com/probeworks/cassprobe/internal/cluster"
)

// PingProbe sends one ICMP echo. Where raw or unprivileged ICMP is not
// available (permission failure, unsupported platform), it falls back to a
// single TCP connect against the native port and marks the result so. The
// fallback's latency is added to the elapsed time.
type PingProbe struct {
	// echo is injectable for tests; the default runs pro-bing.
	echo func(ctx context.Context, addr string, timeout time.Duration) (received bool, rtt time.Duration, err error)
}

// NewPingProbe returns a ping probe using unprivileged ICMP.
func NewPingProbe() *PingProbe {
	return &PingProbe{echo: runEcho}
}

func (p *PingProbe) Type() Type { return TypePing }

func (p *PingProbe) Execute(ctx context.Context, host cluster.Host, pc *Context) Result {
	start := time.Now()

	echo := p.echo
	if echo == nil {
		echo = runEcho
	}

	received, rtt, err := echo(ctx, host.Address, pc.SocketTimeout)
	if err == nil {
		if received {
			return succeed(host, TypePing, start, map[string]string{
				"RTT": rtt.String(),
			})
		}
		return fail(host, TypePing, start,
			fmt.Sprintf("no echo reply from %s within %s", host.Address, pc.SocketTimeout), nil)
	}

	// ICMP was not usable at all; fall back to a TCP connect so the probe
	// still reports reachability.
	d := &net.Dialer{Timeout: pc.SocketTimeout}
	conn, dialErr := d.DialContext(ctx, "tcp", host.NativeAddr())
	meta := map[string]string{"FallbackMethod": "TCP"}
	if dialErr != nil {
		return fail(host, TypePing, start,
			fmt.Sprintf("icmp unavailable (%v) and tcp fallback failed: %v", err, dialErr), meta)
	}
	conn.Close()
	return succeed(host, TypePing, start, meta)
}

func runEcho(ctx context.Context, addr string, timeout time.Duration) (bool, time.Duration, error) {
	pinger, err := probing.NewPinger(addr)
	if err != nil {
		return false, 0, err
	}
	pinger.Count = 1
	pinger.Timeout = timeout
	pinger.SetPrivileged(false)

	if err := pinger.RunWithContext(ctx); err != nil {
		return false, 0, err
	}

	stats := pinger.Statistics()
	return stats.PacketsRecv > 0, stats.AvgRtt, nil
}
