package cluster

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/probeworks/cassprobe/internal/driver"
)

type fakeSession struct {
	mu      sync.Mutex
	closed  bool
	execute func(ctx context.Context, q driver.Query) (*driver.Result, error)
}

func (s *fakeSession) Execute(ctx context.Context, q driver.Query) (*driver.Result, error) {
	if s.execute != nil {
		return s.execute(ctx, q)
	}
	return &driver.Result{}, nil
}

func (s *fakeSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSession) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

type fakeCluster struct {
	contactPoints []string
	port          int
}

func (c *fakeCluster) ContactPoints() []string { return c.contactPoints }
func (c *fakeCluster) Port() int               { return c.port }

type fakeFactory struct {
	connects atomic.Int64
	err      error
	sessions []*fakeSession
	mu       sync.Mutex
}

func (f *fakeFactory) Connect(ctx context.Context, cfg driver.Config, obs driver.HostObserver) (driver.Cluster, driver.Session, error) {
	f.connects.Add(1)
	if f.err != nil {
		return nil, nil, f.err
	}
	s := &fakeSession{}
	f.mu.Lock()
	f.sessions = append(f.sessions, s)
	f.mu.Unlock()
	return &fakeCluster{contactPoints: cfg.ContactPoints, port: cfg.Port}, s, nil
}

func TestSessionManagerSingleBuild(t *testing.T) {
	factory := &fakeFactory{}
	mgr := NewSessionManager(factory, driver.Config{}, nil)

	var wg sync.WaitGroup
	sessions := make([]driver.Session, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := mgr.Session(context.Background())
			if err != nil {
				t.Errorf("Session() error = %v", err)
				return
			}
			sessions[i] = s
		}(i)
	}
	wg.Wait()

	if got := factory.connects.Load(); got != 1 {
		t.Fatalf("factory.Connect called %d times, want 1", got)
	}
	for i := 1; i < 16; i++ {
		if sessions[i] != sessions[0] {
			t.Fatalf("concurrent callers received different sessions")
		}
	}
}

func TestSessionManagerClusterHandle(t *testing.T) {
	factory := &fakeFactory{}
	mgr := NewSessionManager(factory, driver.Config{
		ContactPoints: []string{"10.0.0.1:9042"},
		Port:          9042,
	}, nil)

	if got := mgr.Cluster(); got != nil {
		t.Fatalf("Cluster() = %v before first build, want nil", got)
	}

	if _, err := mgr.Session(context.Background()); err != nil {
		t.Fatalf("Session() error = %v", err)
	}

	clust := mgr.Cluster()
	if clust == nil {
		t.Fatal("Cluster() = nil after first-call completion")
	}
	if got := clust.Port(); got != 9042 {
		t.Errorf("Cluster().Port() = %d, want 9042", got)
	}
	if pts := clust.ContactPoints(); len(pts) != 1 || pts[0] != "10.0.0.1:9042" {
		t.Errorf("Cluster().ContactPoints() = %v, want [10.0.0.1:9042]", pts)
	}

	mgr.Close()
	if got := mgr.Cluster(); got != nil {
		t.Errorf("Cluster() = %v after Close, want nil", got)
	}
}

func TestSessionManagerConnectError(t *testing.T) {
	wantErr := &driver.ConnectionError{Err: errors.New("refused")}
	mgr := NewSessionManager(&fakeFactory{err: wantErr}, driver.Config{}, nil)

	_, err := mgr.Session(context.Background())
	var connErr *driver.ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("Session() error = %v, want ConnectionError", err)
	}
	if mgr.Connected() {
		t.Error("Connected() = true after failed build")
	}
	if mgr.Cluster() != nil {
		t.Error("Cluster() non-nil after failed build")
	}
}

func TestSessionManagerCloseIdempotent(t *testing.T) {
	factory := &fakeFactory{}
	mgr := NewSessionManager(factory, driver.Config{}, nil)

	if _, err := mgr.Session(context.Background()); err != nil {
		t.Fatalf("Session() error = %v", err)
	}

	mgr.Close()
	mgr.Close()

	if !factory.sessions[0].Closed() {
		t.Error("underlying session not closed")
	}
	if _, err := mgr.Session(context.Background()); !errors.Is(err, ErrManagerClosed) {
		t.Errorf("Session() after Close error = %v, want ErrManagerClosed", err)
	}
}

func TestSessionManagerRecreate(t *testing.T) {
	factory := &fakeFactory{}
	mgr := NewSessionManager(factory, driver.Config{}, nil)

	old, err := mgr.Session(context.Background())
	if err != nil {
		t.Fatalf("Session() error = %v", err)
	}
	oldCluster := mgr.Cluster()

	if err := mgr.Recreate(context.Background()); err != nil {
		t.Fatalf("Recreate() error = %v", err)
	}

	fresh, err := mgr.Session(context.Background())
	if err != nil {
		t.Fatalf("Session() error = %v", err)
	}
	if fresh == old {
		t.Fatal("Recreate did not swap the session")
	}
	if mgr.Cluster() == oldCluster {
		t.Fatal("Recreate did not swap the cluster handle")
	}
	if !factory.sessions[0].Closed() {
		t.Error("old session left open after recreate")
	}
	if factory.sessions[1].Closed() {
		t.Error("fresh session is closed")
	}
}

func TestSessionManagerRecreateKeepsOldOnFailure(t *testing.T) {
	factory := &fakeFactory{}
	mgr := NewSessionManager(factory, driver.Config{}, nil)

	old, err := mgr.Session(context.Background())
	if err != nil {
		t.Fatalf("Session() error = %v", err)
	}

	factory.err = errors.New("all contact points down")
	if err := mgr.Recreate(context.Background()); err == nil {
		t.Fatal("Recreate() error = nil, want failure")
	}

	got, err := mgr.Session(context.Background())
	if err != nil {
		t.Fatalf("Session() error = %v", err)
	}
	if got != old {
		t.Error("failed recreate replaced the session")
	}
	if factory.sessions[0].Closed() {
		t.Error("failed recreate closed the old session")
	}
}
