package cluster

import (
	"sort"
	"time"
)

// Topology is an immutable snapshot of cluster membership taken atomically
// from the driver metadata. It is replaced wholesale on refresh; finished
// probe sessions may retain older snapshots.
type Topology struct {
	ClusterName string            `json:"cluster_name"`
	Hosts       []Host            `json:"hosts"`
	Datacenters map[string][]Host `json:"datacenters"`
	CapturedAt  time.Time         `json:"captured_at"`
}

// NewTopology builds a snapshot from the given hosts. Duplicate
// (address, native port) entries are resolved most-recently-seen wins,
// so no two hosts in a snapshot share an identity.
func NewTopology(clusterName string, hosts []Host, capturedAt time.Time) *Topology {
	byKey := make(map[string]Host, len(hosts))
	for _, h := range hosts {
		if prev, ok := byKey[h.Key()]; ok && prev.LastSeen.After(h.LastSeen) {
			continue
		}
		byKey[h.Key()] = h
	}

	unique := make([]Host, 0, len(byKey))
	for _, h := range byKey {
		unique = append(unique, h)
	}
	sort.Slice(unique, func(i, j int) bool { return unique[i].Key() < unique[j].Key() })

	dcs := make(map[string][]Host)
	for _, h := range unique {
		dcs[h.Datacenter] = append(dcs[h.Datacenter], h)
	}

	return &Topology{
		ClusterName: clusterName,
		Hosts:       unique,
		Datacenters: dcs,
		CapturedAt:  capturedAt,
	}
}

// TotalHosts returns the number of hosts in the snapshot.
func (t *Topology) TotalHosts() int { return len(t.Hosts) }

// UpHosts returns the number of hosts the driver reported up.
func (t *Topology) UpHosts() int {
	n := 0
	for _, h := range t.Hosts {
		if h.IsUp() {
			n++
		}
	}
	return n
}

// DownHosts returns the number of hosts not reported up.
func (t *Topology) DownHosts() int { return t.TotalHosts() - t.UpHosts() }
