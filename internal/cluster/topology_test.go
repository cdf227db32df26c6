package cluster

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestTopologyDeduplicatesByIdentity(t *testing.T) {
	now := time.Unix(2000, 0)
	topo := NewTopology("TestCluster", []Host{
		{Address: "10.0.0.1", NativePort: 9042, Rack: "rack1", Status: StatusUp, LastSeen: now},
		{Address: "10.0.0.1", NativePort: 9042, Rack: "rack2", Status: StatusDown, LastSeen: now.Add(time.Second)},
		{Address: "10.0.0.1", NativePort: 9043, Rack: "rack1", Status: StatusUp, LastSeen: now},
	}, now)

	if topo.TotalHosts() != 2 {
		t.Fatalf("TotalHosts() = %d, want 2", topo.TotalHosts())
	}

	var kept *Host
	for i := range topo.Hosts {
		if topo.Hosts[i].Key() == "10.0.0.1:9042" {
			kept = &topo.Hosts[i]
		}
	}
	if kept == nil {
		t.Fatal("host 10.0.0.1:9042 missing from snapshot")
	}
	if kept.Rack != "rack2" {
		t.Errorf("duplicate resolution kept rack %q, want most recent %q", kept.Rack, "rack2")
	}
}

func TestTopologyCounts(t *testing.T) {
	now := time.Unix(2000, 0)
	topo := NewTopology("TestCluster", []Host{
		{Address: "10.0.0.1", NativePort: 9042, Datacenter: "dc1", Status: StatusUp, LastSeen: now},
		{Address: "10.0.0.2", NativePort: 9042, Datacenter: "dc1", Status: StatusDown, LastSeen: now},
		{Address: "10.0.0.3", NativePort: 9042, Datacenter: "dc2", Status: StatusUnknown, LastSeen: now},
	}, now)

	if got := topo.UpHosts(); got != 1 {
		t.Errorf("UpHosts() = %d, want 1", got)
	}
	if got := topo.DownHosts(); got != 2 {
		t.Errorf("DownHosts() = %d, want 2", got)
	}

	wantDCs := map[string]int{"dc1": 2, "dc2": 1}
	gotDCs := make(map[string]int)
	for dc, hosts := range topo.Datacenters {
		gotDCs[dc] = len(hosts)
	}
	if diff := cmp.Diff(wantDCs, gotDCs); diff != "" {
		t.Errorf("datacenter map mismatch (-want +got):\n%s", diff)
	}
}

func TestTopologyHostsSorted(t *testing.T) {
	now := time.Unix(2000, 0)
	topo := NewTopology("TestCluster", []Host{
		{Address: "10.0.0.9", NativePort: 9042, LastSeen: now},
		{Address: "10.0.0.1", NativePort: 9042, LastSeen: now},
	}, now)

	if topo.Hosts[0].Address != "10.0.0.1" {
		t.Errorf("hosts not sorted by key: first = %s", topo.Hosts[0].Address)
	}
}
