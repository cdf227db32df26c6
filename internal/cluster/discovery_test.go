package cluster

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/probeworks/cassprobe/internal/driver"
)

type staticStatus map[string]HostStatus

func (s staticStatus) HostStatus(addr string, port int) HostStatus {
	if st, ok := s[addr]; ok {
		return st
	}
	return StatusUnknown
}

func discoveryFixture(t *testing.T, execute func(ctx context.Context, q driver.Query) (*driver.Result, error), src StatusSource) *Discoverer {
	t.Helper()
	factory := &fakeFactory{}
	mgr := NewSessionManager(factory, driver.Config{}, nil)
	sess, err := mgr.Session(context.Background())
	if err != nil {
		t.Fatalf("Session() error = %v", err)
	}
	sess.(*fakeSession).execute = execute
	return NewDiscoverer(mgr, src, 9042, 7000, 0)
}

func TestDiscoverBuildsTopology(t *testing.T) {
	execute := func(ctx context.Context, q driver.Query) (*driver.Result, error) {
		switch q.Statement {
		case localQuery:
			return &driver.Result{Rows: []map[string]any{{
				"cluster_name":      "TestCluster",
				"data_center":       "dc1",
				"rack":              "rack1",
				"release_version":   "4.1.3",
				"broadcast_address": net.ParseIP("10.0.0.1"),
			}}, RowCount: 1}, nil
		case peersQuery:
			return &driver.Result{Rows: []map[string]any{
				{
					"peer":            net.ParseIP("10.0.0.2"),
					"data_center":     "dc1",
					"rack":            "rack2",
					"release_version": "4.1.3",
				},
				{
					"peer":        net.ParseIP("10.0.0.2"),
					"data_center": "dc1",
					"rack":        "rack2-moved",
				},
			}, RowCount: 2}, nil
		}
		return nil, errors.New("unexpected query: " + q.Statement)
	}

	d := discoveryFixture(t, execute, staticStatus{
		"10.0.0.1": StatusUp,
		"10.0.0.2": StatusDown,
	})

	topo, err := d.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}

	if topo.ClusterName != "TestCluster" {
		t.Errorf("ClusterName = %q, want %q", topo.ClusterName, "TestCluster")
	}
	if topo.TotalHosts() != 2 {
		t.Fatalf("TotalHosts() = %d, want 2 (duplicate peer rows must collapse)", topo.TotalHosts())
	}
	if topo.UpHosts() != 1 || topo.DownHosts() != 1 {
		t.Errorf("up/down = %d/%d, want 1/1", topo.UpHosts(), topo.DownHosts())
	}

	for _, h := range topo.Hosts {
		if h.Address == "10.0.0.2" {
			if h.Status != StatusDown {
				t.Errorf("unreachable peer status = %s, want %s", h.Status, StatusDown)
			}
			if h.Rack != "rack2-moved" {
				t.Errorf("duplicate peer kept rack %q, want most recent %q", h.Rack, "rack2-moved")
			}
		}
		if h.NativePort != 9042 || h.StoragePort != 7000 {
			t.Errorf("host %s ports = %d/%d, want 9042/7000", h.Address, h.NativePort, h.StoragePort)
		}
	}
}

func TestDiscoverEmptyDCAndRack(t *testing.T) {
	execute := func(ctx context.Context, q driver.Query) (*driver.Result, error) {
		if q.Statement == localQuery {
			return &driver.Result{Rows: []map[string]any{{
				"cluster_name":   "c",
				"listen_address": net.ParseIP("10.0.0.1"),
			}}, RowCount: 1}, nil
		}
		return &driver.Result{}, nil
	}
	d := discoveryFixture(t, execute, staticStatus{})

	topo, err := d.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if topo.Hosts[0].Datacenter != "" || topo.Hosts[0].Rack != "" {
		t.Errorf("unknown dc/rack = %q/%q, want empty strings", topo.Hosts[0].Datacenter, topo.Hosts[0].Rack)
	}
}

func TestDiscoverWrapsFailures(t *testing.T) {
	cause := errors.New("read timeout")
	execute := func(ctx context.Context, q driver.Query) (*driver.Result, error) {
		return nil, cause
	}
	d := discoveryFixture(t, execute, staticStatus{})

	_, err := d.Discover(context.Background())
	var discErr *DiscoveryError
	if !errors.As(err, &discErr) {
		t.Fatalf("Discover() error = %v, want DiscoveryError", err)
	}
	if !errors.Is(err, cause) {
		t.Error("DiscoveryError does not wrap the underlying cause")
	}
}
