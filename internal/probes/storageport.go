package probes

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/probeworks/cassprobe/internal/cluster"
)

// SecureStoragePort is the conventional TLS inter-node port.
const SecureStoragePort = 7001

// StoragePortProbe checks that the inter-node storage port accepts TCP
// connections. The gossip protocol is not spoken; a successful connect is
// a pass.
type StoragePortProbe struct {
	dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewStoragePortProbe returns a storage port probe.
func NewStoragePortProbe() *StoragePortProbe { return &StoragePortProbe{} }

func (p *StoragePortProbe) Type() Type { return TypeStoragePort }

func (p *StoragePortProbe) Execute(ctx context.Context, host cluster.Host, pc *Context) Result {
	start := time.Now()
	addr := host.StorageAddr()

	meta := map[string]string{"PortType": "Storage"}
	if host.StoragePort == SecureStoragePort {
		meta["PortType"] = "SecureStorage"
	}

	dial := p.dial
	if dial == nil {
		d := &net.Dialer{Timeout: pc.SocketTimeout}
		dial = d.DialContext
	}

	conn, err := dial(ctx, "tcp", addr)
	if err != nil {
		return fail(host, TypeStoragePort, start,
			fmt.Sprintf("tcp connect to %s failed: %v", addr, err), meta)
	}
	conn.Close()
	return succeed(host, TypeStoragePort, start, meta)
}
