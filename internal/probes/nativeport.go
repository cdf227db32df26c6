package probes

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/datastax/go-cassandra-native-protocol/primitive"

	"github.com/probeworks/cassprobe/internal/cluster"
)

const frameHeaderLength = 9

// NativePortProbe connects to the native port and performs a minimal
// protocol handshake: an OPTIONS frame answered with SUPPORTED proves the
// endpoint speaks CQL rather than merely accepting sockets.
type NativePortProbe struct {
	dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewNativePortProbe returns a native protocol handshake probe.
func NewNativePortProbe() *NativePortProbe { return &NativePortProbe{} }

func (p *NativePortProbe) Type() Type { return TypeNativePort }

func (p *NativePortProbe) Execute(ctx context.Context, host cluster.Host, pc *Context) Result {
	start := time.Now()
	addr := host.NativeAddr()
	meta := map[string]string{"ProtocolVersion": "4"}

	dial := p.dial
	if dial == nil {
		d := &net.Dialer{Timeout: pc.SocketTimeout}
		dial = d.DialContext
	}

	conn, err := dial(ctx, "tcp", addr)
	if err != nil {
		return fail(host, TypeNativePort, start,
			fmt.Sprintf("tcp connect to %s failed: %v", addr, err), meta)
	}
	defer conn.Close()

	deadline := time.Now().Add(pc.SocketTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return fail(host, TypeNativePort, start,
			fmt.Sprintf("setting socket deadline: %v", err), meta)
	}

	// Protocol v4 OPTIONS request: version, flags, stream id 1, opcode,
	// empty body.
	request := [frameHeaderLength]byte{
		byte(primitive.ProtocolVersion4),
		0x00,
		0x00, 0x01,
		byte(primitive.OpCodeOptions),
		0x00, 0x00, 0x00, 0x00,
	}
	if _, err := conn.Write(request[:]); err != nil {
		return fail(host, TypeNativePort, start,
			fmt.Sprintf("writing OPTIONS frame: %v", err), meta)
	}

	var response [frameHeaderLength]byte
	if _, err := io.ReadFull(conn, response[:]); err != nil {
		return fail(host, TypeNativePort, start,
			fmt.Sprintf("reading response header: %v", err), meta)
	}

	if opcode := response[4]; opcode != byte(primitive.OpCodeSupported) {
		return fail(host, TypeNativePort, start,
			fmt.Sprintf("unexpected opcode 0x%02x in response, want SUPPORTED", opcode), meta)
	}

	return succeed(host, TypeNativePort, start, meta)
}
