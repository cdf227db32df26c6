package probes

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/probeworks/cassprobe/internal/cluster"
)

const (
	socketMaxRetries  = 2
	socketBackoffBase = 2 * time.Second
)

// SocketProbe opens a plain TCP connection to the native port. Transient
// failures are retried with exponential backoff; the reported duration
// covers all attempts.
type SocketProbe struct {
	// Retries and Backoff default to the standard policy when zero.
	Retries int
	Backoff time.Duration

	dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewSocketProbe returns a socket probe with the default retry policy.
func NewSocketProbe() *SocketProbe {
	return &SocketProbe{Retries: socketMaxRetries, Backoff: socketBackoffBase}
}

func (p *SocketProbe) Type() Type { return TypeSocket }

func (p *SocketProbe) Execute(ctx context.Context, host cluster.Host, pc *Context) Result {
	start := time.Now()
	addr := host.NativeAddr()

	retries := p.Retries
	if retries <= 0 {
		retries = socketMaxRetries
	}
	backoff := p.Backoff
	if backoff <= 0 {
		backoff = socketBackoffBase
	}

	dial := p.dial
	if dial == nil {
		d := &net.Dialer{Timeout: pc.SocketTimeout}
		dial = d.DialContext
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return fail(host, TypeSocket, start, "probe cancelled: "+err.Error(), nil)
		}

		conn, err := dial(ctx, "tcp", addr)
		if err == nil {
			conn.Close()
			return succeed(host, TypeSocket, start, map[string]string{
				"Attempts": strconv.Itoa(attempt + 1),
			})
		}
		lastErr = err

		if attempt < retries {
			if !sleep(ctx, backoff) {
				return fail(host, TypeSocket, start, "probe cancelled during backoff", nil)
			}
			backoff *= 2
		}
	}

	return fail(host, TypeSocket, start,
		fmt.Sprintf("tcp connect to %s failed after %d attempts: %v", addr, retries+1, lastErr), nil)
}
