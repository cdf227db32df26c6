package cluster

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/probeworks/cassprobe/internal/driver"
)

// ErrManagerClosed is returned from Session calls after Close.
var ErrManagerClosed = errors.New("cluster: session manager is closed")

// SessionManager owns exactly one cluster handle and one driver session
// for the lifetime of the process. The first Session call builds them;
// concurrent first calls are serialized so only one pair is ever
// constructed. Borrowers receive shared handles and must not close them.
type SessionManager struct {
	factory driver.Factory
	cfg     driver.Config
	obs     driver.HostObserver

	mu      sync.Mutex
	cluster driver.Cluster
	session driver.Session
	closed  bool
}

// NewSessionManager creates a manager; no connection is made until the
// first Session call.
func NewSessionManager(factory driver.Factory, cfg driver.Config, obs driver.HostObserver) *SessionManager {
	return &SessionManager{factory: factory, cfg: cfg, obs: obs}
}

// Session returns the singleton session, building it on first call.
// A *driver.ConnectionError is returned if no contact point is reachable
// on the first build; after that, driver-level reconnects are handled by
// the driver and the connection monitor.
func (m *SessionManager) Session(ctx context.Context) (driver.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrManagerClosed
	}
	if m.session != nil {
		return m.session, nil
	}

	clust, sess, err := m.factory.Connect(ctx, m.cfg, m.obs)
	if err != nil {
		return nil, err
	}
	m.cluster = clust
	m.session = sess
	slog.Info("cluster session established",
		"contact_points", m.cfg.ContactPoints,
		"port", m.cfg.Port)
	return sess, nil
}

// Cluster returns the cluster handle after first-call completion, nil
// before the first successful build and after Close.
func (m *SessionManager) Cluster() driver.Cluster {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cluster
}

// Connected reports whether a live session exists.
func (m *SessionManager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session != nil && !m.session.Closed()
}

// Recreate tears down the current session and builds a fresh one,
// swapping the (cluster, session) pair atomically so borrowers observe
// either the wholly-old or the wholly-new handles. The new pair is built
// first; if that fails the old pair is kept and the error returned.
func (m *SessionManager) Recreate(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrManagerClosed
	}

	freshCluster, freshSession, err := m.factory.Connect(ctx, m.cfg, m.obs)
	if err != nil {
		return err
	}
	if m.session != nil {
		m.session.Close()
	}
	m.cluster = freshCluster
	m.session = freshSession
	slog.Warn("cluster session recreated")
	return nil
}

// Close shuts down the session, then releases the cluster handle.
// Idempotent; after Close no further Session calls succeed.
func (m *SessionManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	if m.session != nil {
		m.session.Close()
		m.session = nil
	}
	m.cluster = nil
	slog.Info("cluster session disposed")
}
