package cluster

import (
	"net"
	"strconv"
	"time"
)

// HostStatus is the driver-derived availability of a node.
type HostStatus string

const (
	StatusUp      HostStatus = "up"
	StatusDown    HostStatus = "down"
	StatusUnknown HostStatus = "unknown"
)

// Host describes one node of the cluster. A Host is immutable once placed
// in a Topology snapshot; refreshed fields arrive via a new snapshot.
type Host struct {
	Address     string     `json:"address"`
	NativePort  int        `json:"native_port"`
	StoragePort int        `json:"storage_port"`
	Datacenter  string     `json:"datacenter"`
	Rack        string     `json:"rack"`
	Version     string     `json:"version,omitempty"`
	Status      HostStatus `json:"status"`
	LastSeen    time.Time  `json:"last_seen"`
}

// Key is the host's unique identity within a topology snapshot.
func (h Host) Key() string {
	return net.JoinHostPort(h.Address, strconv.Itoa(h.NativePort))
}

// NativeAddr is the dialable native-protocol endpoint.
func (h Host) NativeAddr() string { return h.Key() }

// StorageAddr is the dialable inter-node storage endpoint.
func (h Host) StorageAddr() string {
	return net.JoinHostPort(h.Address, strconv.Itoa(h.StoragePort))
}

// IsUp reports whether the driver considered the host up at snapshot time.
func (h Host) IsUp() bool { return h.Status == StatusUp }
