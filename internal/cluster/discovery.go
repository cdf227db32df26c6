package cluster

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/probeworks/cassprobe/internal/driver"
)

// DiscoveryError wraps a failed topology read. The orchestrator treats it
// as fatal for the current tick.
type DiscoveryError struct {
	Err error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("cluster discovery failed: %v", e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// StatusSource supplies the driver-derived status of a host at snapshot
// time. The connection monitor implements it.
type StatusSource interface {
	HostStatus(addr string, port int) HostStatus
}

const (
	localQuery = "SELECT cluster_name, data_center, rack, release_version, broadcast_address, listen_address FROM system.local"
	peersQuery = "SELECT peer, data_center, rack, release_version, rpc_address FROM system.peers"
)

// Discoverer enumerates cluster membership through the singleton session.
type Discoverer struct {
	sessions    *SessionManager
	status      StatusSource
	nativePort  int
	storagePort int
	timeout     time.Duration
	clock       func() time.Time
}

// NewDiscoverer creates a discoverer that borrows sessions from mgr and
// stamps host status from src.
func NewDiscoverer(mgr *SessionManager, src StatusSource, nativePort, storagePort int, timeout time.Duration) *Discoverer {
	return &Discoverer{
		sessions:    mgr,
		status:      src,
		nativePort:  nativePort,
		storagePort: storagePort,
		timeout:     timeout,
		clock:       time.Now,
	}
}

// Discover reads system.local and system.peers and produces an immutable
// topology snapshot. Peers that are unreachable are still included, with
// status down. All failures are wrapped in DiscoveryError.
func (d *Discoverer) Discover(ctx context.Context) (*Topology, error) {
	sess, err := d.sessions.Session(ctx)
	if err != nil {
		return nil, &DiscoveryError{Err: err}
	}

	local, err := sess.Execute(ctx, driver.Query{
		Statement:   localQuery,
		Consistency: driver.One,
		Timeout:     d.timeout,
	})
	if err != nil {
		return nil, &DiscoveryError{Err: fmt.Errorf("reading system.local: %w", err)}
	}
	if len(local.Rows) == 0 {
		return nil, &DiscoveryError{Err: fmt.Errorf("system.local returned no rows")}
	}

	now := d.clock()
	localRow := local.Rows[0]
	clusterName := stringField(localRow, "cluster_name")

	hosts := []Host{d.hostFromRow(localRow, now, "broadcast_address", "listen_address")}

	peers, err := sess.Execute(ctx, driver.Query{
		Statement:   peersQuery,
		Consistency: driver.One,
		Timeout:     d.timeout,
	})
	if err != nil {
		return nil, &DiscoveryError{Err: fmt.Errorf("reading system.peers: %w", err)}
	}
	for _, row := range peers.Rows {
		hosts = append(hosts, d.hostFromRow(row, now, "peer", "rpc_address"))
	}

	return NewTopology(clusterName, hosts, now), nil
}

// hostFromRow builds a Host from a system-table row, taking the first
// non-empty of the given address columns. Unknown DC and rack come back
// as empty strings, never null.
func (d *Discoverer) hostFromRow(row map[string]any, now time.Time, addrColumns ...string) Host {
	var addr string
	for _, col := range addrColumns {
		if addr = stringField(row, col); addr != "" {
			break
		}
	}

	h := Host{
		Address:     addr,
		NativePort:  d.nativePort,
		StoragePort: d.storagePort,
		Datacenter:  stringField(row, "data_center"),
		Rack:        stringField(row, "rack"),
		Version:     stringField(row, "release_version"),
		LastSeen:    now,
	}
	h.Status = d.status.HostStatus(h.Address, h.NativePort)
	return h
}

// stringField extracts a column that may arrive as a string or a net.IP.
func stringField(row map[string]any, column string) string {
	switch v := row[column].(type) {
	case string:
		return v
	case net.IP:
		if v == nil || v.IsUnspecified() {
			return ""
		}
		return v.String()
	default:
		return ""
	}
}
